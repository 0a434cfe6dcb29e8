package host

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/pdm/pkg/board"
	"github.com/Nativu5/pdm/pkg/transport/rdma"
	"github.com/Nativu5/pdm/pkg/types"
	"github.com/Nativu5/pdm/pkg/uevent"
)

type fakeSource struct {
	links      []netlink.Link
	subscribed chan chan<- netlink.LinkUpdate
}

func (f *fakeSource) LinkList() ([]netlink.Link, error) { return f.links, nil }

func (f *fakeSource) LinkSubscribe(ch chan<- netlink.LinkUpdate, _ <-chan struct{}) error {
	f.subscribed <- ch
	return nil
}

type fakeDiscoverer struct {
	units []*rdma.Unit
	err   error
}

func (f fakeDiscoverer) DiscoverAll() ([]*rdma.Unit, error) { return f.units, f.err }

type recorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *recorder) Publish(topic string, _ []byte) error {
	r.mu.Lock()
	r.topics = append(r.topics, topic)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func link(index int, name string) netlink.Link {
	return &netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: index, Name: name, MTU: 1500}}
}

func testBoard(t *testing.T) *board.Board {
	t.Helper()
	b := &board.Board{
		Name:     "test",
		Adapters: []board.AdapterConfig{{Name: "cpld", IDStart: 10, IDEnd: 12}},
		Nodes: []*types.Node{
			{Name: "status", Compatible: "pdm,led-gpio", Bus: types.BusGPIO,
				Properties: map[string]string{"path": filepath.Join(t.TempDir(), "value")}},
			{Name: "board-id", Compatible: "pdm,eeprom", Bus: types.BusI2C, Properties: map[string]string{"size": "128"}},
			{Name: "sys-cpld", Compatible: "pdm,cpld", Bus: types.BusI2C},
			{Name: "fan", Compatible: "pdm,fan"},
			{Name: "spare", Compatible: "pdm,led-gpio", Disabled: true},
		},
	}
	require.NoError(t, b.Validate())
	return b
}

func testConfig(t *testing.T) (Config, *fakeSource) {
	src := &fakeSource{links: []netlink.Link{link(2, "eth0")}, subscribed: make(chan chan<- netlink.LinkUpdate, 1)}
	return Config{
		Board:      testBoard(t),
		LinkSource: src,
		Discoverer: fakeDiscoverer{units: []*rdma.Unit{{PCIAddress: "0000:3b:00.0", CharDevices: []string{"/dev/infiniband/uverbs0"}}}},
	}, src
}

func deviceNames(h *Host, adapter string) []string {
	var out []string
	for _, d := range h.Bus().Devices() {
		if d.Adapter == adapter {
			out = append(out, d.Name)
		}
	}
	return out
}

func TestInitExit(t *testing.T) {
	cfg, _ := testConfig(t)
	h := New(cfg)
	require.NoError(t, h.Init())

	assert.Equal(t, []string{"led", "eeprom", "cpld", "nic"}, h.Drivers())
	assert.Equal(t, []string{"platform", "netlink", "rdma"}, h.Transports())
	assert.Len(t, h.Bus().Adapters(), 4)

	assert.Equal(t, []string{"led.0"}, deviceNames(h, "led"))
	assert.Equal(t, []string{"eeprom.0"}, deviceNames(h, "eeprom"))
	assert.Equal(t, []string{"cpld.10"}, deviceNames(h, "cpld"))
	assert.Equal(t, []string{"nic.0", "nic.1"}, deviceNames(h, "nic"))
	assert.Len(t, h.Bus().Devices(), 6, "unmatched node stays registered")

	h.Exit()
	assert.Empty(t, h.Bus().Adapters())
	assert.Empty(t, h.Bus().Devices())
	assert.Empty(t, h.Drivers())
	assert.Empty(t, h.Transports())
}

func TestInit_TransportFailureIgnored(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Discoverer = fakeDiscoverer{err: errors.New("no sysfs")}
	h := New(cfg)
	require.NoError(t, h.Init())
	defer h.Exit()

	assert.Contains(t, h.Transports(), "rdma")
	assert.Equal(t, []string{"nic.0"}, deviceNames(h, "nic"))
}

func TestInit_TransportFailureFatal(t *testing.T) {
	cfg, _ := testConfig(t)
	strict := false
	cfg.Board.Transports = []board.TransportConfig{{Name: "rdma", IgnoreFailures: &strict}}
	cfg.Discoverer = fakeDiscoverer{err: errors.New("no sysfs")}
	h := New(cfg)

	assert.Error(t, h.Init())
	assert.Empty(t, h.Bus().Adapters())
	assert.Empty(t, h.Bus().Devices())
	assert.Empty(t, h.Drivers())
}

func TestInit_SelectedTransports(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Transports = []string{"platform"}
	cfg.Board.Transports = []board.TransportConfig{{Name: "platform"}, {Name: "netlink", Disabled: true}}
	h := New(cfg)
	require.NoError(t, h.Init())
	defer h.Exit()

	assert.Equal(t, []string{"platform"}, h.Transports())
	assert.Empty(t, deviceNames(h, "nic"))
}

func TestRun_WatchesAndPublishes(t *testing.T) {
	cfg, src := testConfig(t)
	rec := &recorder{}
	cfg.Notifier = uevent.NewNotifier(rec, "")
	h := New(cfg)
	require.NoError(t, h.Init())
	defer h.Exit()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	var updates chan<- netlink.LinkUpdate
	select {
	case updates = <-src.subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("netlink watcher did not subscribe")
	}
	updates <- netlink.LinkUpdate{Header: unix.NlMsghdr{Type: unix.RTM_NEWLINK}, Link: link(3, "eth1")}

	assert.Eventually(t, func() bool {
		return len(deviceNames(h, "nic")) == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	topics := rec.snapshot()
	assert.Contains(t, topics, "pdm/led/add")
	assert.Contains(t, topics, "pdm/nic/bind")
}
