// Package host assembles a running pdm instance: the bus, the adapter
// drivers, the hardware transports and the background event workers.
package host

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Nativu5/pdm/pkg/adapters/cpld"
	"github.com/Nativu5/pdm/pkg/adapters/eeprom"
	"github.com/Nativu5/pdm/pkg/adapters/led"
	"github.com/Nativu5/pdm/pkg/adapters/nic"
	"github.com/Nativu5/pdm/pkg/board"
	"github.com/Nativu5/pdm/pkg/bus"
	"github.com/Nativu5/pdm/pkg/subdriver"
	"github.com/Nativu5/pdm/pkg/transport"
	nltransport "github.com/Nativu5/pdm/pkg/transport/netlink"
	"github.com/Nativu5/pdm/pkg/transport/platform"
	"github.com/Nativu5/pdm/pkg/transport/rdma"
)

// Runner is a background worker driven by Run.
type Runner interface {
	Run(ctx context.Context) error
}

// Config describes a host.
type Config struct {
	// Board supplies nodes, adapter ranges and transport settings. May be nil.
	Board *board.Board
	// Publisher exposes adapter endpoints; nil keeps them in memory.
	Publisher bus.EndpointPublisher
	// Notifier receives lifecycle events. When it also implements Runner,
	// Run drives it.
	Notifier bus.Notifier
	// Transports names the transports to start; empty starts all of them.
	Transports []string
	// Logger overrides the bus logger.
	Logger *log.Logger

	// LinkSource and Discoverer replace host access in tests.
	LinkSource nltransport.LinkSource
	Discoverer rdma.Discoverer
}

// Host owns one bus and everything registered on it.
type Host struct {
	cfg Config
	bus *bus.Bus

	led    *led.Master
	eeprom *eeprom.Master
	cpld   *cpld.Master
	nic    *nic.Master

	transports []transport.Transport

	drivers subdriver.List
	started subdriver.List

	mu       sync.Mutex
	watchers []transport.Watcher
}

// New builds a host from cfg. Nothing is registered until Init.
func New(cfg Config) *Host {
	opts := []bus.Option{bus.WithPublisher(cfg.Publisher)}
	if cfg.Logger != nil {
		opts = append(opts, bus.WithLogger(cfg.Logger))
	}
	if cfg.Notifier != nil {
		opts = append(opts, bus.WithNotifier(cfg.Notifier))
	}

	h := &Host{
		cfg:    cfg,
		bus:    bus.New(opts...),
		led:    led.New(),
		eeprom: eeprom.New(),
		cpld:   cpld.New(),
		nic:    nic.New(),
	}

	var nlOpts []nltransport.Option
	if cfg.LinkSource != nil {
		nlOpts = append(nlOpts, nltransport.WithSource(cfg.LinkSource))
	}
	disc := cfg.Discoverer
	if disc == nil {
		disc = rdma.NewDiscoverer()
	}
	h.transports = []transport.Transport{
		platform.New(cfg.Board.EnabledNodes()),
		nltransport.New(nlOpts...),
		rdma.New(disc),
	}
	return h
}

// Bus returns the host bus.
func (h *Host) Bus() *bus.Bus {
	return h.bus
}

// Drivers returns the names of the registered adapter drivers.
func (h *Host) Drivers() []string {
	return h.drivers.Names()
}

// Transports returns the names of the registered transports.
func (h *Host) Transports() []string {
	return h.started.Names()
}

func (h *Host) adapterOpts(name string) []bus.AdapterOption {
	if start, end, ok := h.cfg.Board.AdapterRange(name); ok {
		return []bus.AdapterOption{bus.WithIDRange(start, end)}
	}
	return nil
}

func (h *Host) wanted(name string) bool {
	if len(h.cfg.Transports) == 0 {
		return true
	}
	for _, n := range h.cfg.Transports {
		if n == name {
			return true
		}
	}
	return false
}

// Init registers the adapter drivers, then starts the transports. Transport
// failures are ignored unless the board says otherwise; driver failures
// unwind everything.
func (h *Host) Init() error {
	drivers := []*subdriver.Subdriver{
		h.led.Subdriver(h.bus, true, h.adapterOpts(led.AdapterName)...),
		h.eeprom.Subdriver(h.bus, true, h.adapterOpts(eeprom.AdapterName)...),
		h.cpld.Subdriver(h.bus, true, h.adapterOpts(cpld.AdapterName)...),
		h.nic.Subdriver(h.bus, true, h.adapterOpts(nic.AdapterName)...),
	}
	if err := subdriver.RegisterAll(drivers, &h.drivers); err != nil {
		return fmt.Errorf("cannot register adapter drivers: %w", err)
	}

	units := make([]*subdriver.Subdriver, 0, len(h.transports))
	for _, t := range h.transports {
		t := t
		cfg := h.cfg.Board.Transport(t.Name())
		sd := transport.Subdriver(t, h.bus, h.wanted(t.Name()) && !cfg.Disabled, cfg.Ignore())
		start := sd.Init
		sd.Init = func() error {
			if err := start(); err != nil {
				return err
			}
			if w, ok := t.(transport.Watcher); ok {
				h.mu.Lock()
				h.watchers = append(h.watchers, w)
				h.mu.Unlock()
			}
			return nil
		}
		units = append(units, sd)
	}
	if err := subdriver.RegisterAll(units, &h.started); err != nil {
		subdriver.UnregisterAll(&h.drivers)
		return fmt.Errorf("cannot start transports: %w", err)
	}

	log.Infof("host up: %d adapter(s), %d device(s)", len(h.bus.Adapters()), len(h.bus.Devices()))
	return nil
}

// Exit stops the transports, then the adapter drivers, in reverse order.
func (h *Host) Exit() {
	subdriver.UnregisterAll(&h.started)
	h.mu.Lock()
	h.watchers = nil
	h.mu.Unlock()
	subdriver.UnregisterAll(&h.drivers)
	log.Info("host down")
}

// Run drives the event notifier and the hot-plug watchers of started
// transports until ctx is cancelled or one of them fails.
func (h *Host) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if r, ok := h.cfg.Notifier.(Runner); ok {
		g.Go(func() error { return r.Run(ctx) })
	}

	h.mu.Lock()
	watchers := append([]transport.Watcher(nil), h.watchers...)
	h.mu.Unlock()
	for _, w := range watchers {
		w := w
		g.Go(func() error { return w.Watch(ctx) })
	}

	log.Debugf("running %d watcher(s)", len(watchers))
	return g.Wait()
}
