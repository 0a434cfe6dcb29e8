package platform

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/pdm/pkg/bus"
	"github.com/Nativu5/pdm/pkg/types"
)

func setup(t *testing.T, probeErr error) (*bus.Bus, *bus.Adapter) {
	t.Helper()
	b := bus.New()
	a := bus.NewAdapter("led", nil)
	require.NoError(t, b.RegisterAdapter(a))
	require.NoError(t, b.RegisterDriver(&bus.Driver{
		Name:    "led",
		IDTable: []bus.DeviceID{{Compatible: "pdm,led-gpio"}},
		Probe: func(d *bus.Device) error {
			if probeErr != nil && d.Node().Name == "bad" {
				return probeErr
			}
			return a.AddDevice(d)
		},
		Remove: func(d *bus.Device) { _ = a.DeleteDevice(d) },
	}))
	return b, a
}

func TestStartStop(t *testing.T) {
	b, a := setup(t, nil)
	nodes := []*types.Node{
		{Name: "status", Compatible: "pdm,led-gpio"},
		{Name: "off", Compatible: "pdm,led-gpio", Disabled: true},
		{Name: "fault", Compatible: "pdm,led-gpio"},
	}
	tr := New(nodes)
	require.NoError(t, tr.Start(b))

	assert.Equal(t, []string{"led.0", "led.1"}, a.ListDevices())
	assert.Len(t, b.Devices(), 2)

	d, err := b.FindDeviceByHandle(nodes[0])
	require.NoError(t, err)
	assert.Equal(t, 3, d.Refs(), "allocation, bus and adapter references")

	require.NoError(t, tr.Remove(nodes[0]))
	assert.Equal(t, []string{"led.1"}, a.ListDevices())
	assert.Equal(t, 0, d.Refs())

	tr.Stop()
	assert.Empty(t, a.ListDevices())
	assert.Empty(t, b.Devices())

	// Stop twice is harmless.
	tr.Stop()
	assert.ErrorIs(t, tr.Remove(nodes[2]), types.ErrResourceUnavailable)
}

func TestStart_ProbeFailureUnwinds(t *testing.T) {
	boom := errors.New("gpio busy")
	b, a := setup(t, boom)
	tr := New([]*types.Node{
		{Name: "good", Compatible: "pdm,led-gpio"},
		{Name: "bad", Compatible: "pdm,led-gpio"},
	})

	err := tr.Start(b)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, a.ListDevices())
	assert.Empty(t, b.Devices())

	tr.Stop()
}

func TestStart_UnmatchedNodesStayRegistered(t *testing.T) {
	b, a := setup(t, nil)
	tr := New([]*types.Node{{Name: "eeprom", Compatible: "pdm,eeprom"}})
	require.NoError(t, tr.Start(b))

	assert.Empty(t, a.ListDevices())
	require.Len(t, b.Devices(), 1)
	assert.Equal(t, "", b.Devices()[0].Driver)

	tr.Stop()
	assert.Empty(t, b.Devices())
}
