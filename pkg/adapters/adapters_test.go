package adapters

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/pdm/pkg/bus"
	"github.com/Nativu5/pdm/pkg/subdriver"
	"github.com/Nativu5/pdm/pkg/types"
)

type widget struct{ name string }

func newUnit(name string) *Unit {
	u := &Unit{Name: name}
	u.Driver = &bus.Driver{
		Name:    "pdm-" + name,
		IDTable: []bus.DeviceID{{Compatible: "pdm," + name}},
		Probe:   func(d *bus.Device) error { return u.Attach(d, &widget{d.Node().Name}) },
		Remove:  u.Detach,
	}
	return u
}

func register(t *testing.T, b *bus.Bus, name string) *bus.Device {
	t.Helper()
	n := &types.Node{Name: name, Compatible: "pdm,widget"}
	d, err := bus.NewDevice(n, n, nil)
	require.NoError(t, err)
	require.NoError(t, b.RegisterDevice(d))
	return d
}

func TestUnit_InitExit(t *testing.T) {
	b := bus.New()
	u := newUnit("widget")
	var calls []string
	u.Setup = func() error { calls = append(calls, "setup"); return nil }
	u.Teardown = func() { calls = append(calls, "teardown") }

	require.NoError(t, u.Init(b, bus.WithIDRange(5, 7)))
	a := u.Adapter()
	require.NotNil(t, a)
	assert.Same(t, u, a.Data())
	assert.Equal(t, 5, a.Info().IDStart)

	d := register(t, b, "w0")
	assert.Equal(t, "widget.5", d.Name())
	assert.Equal(t, "w0", d.PrivateData().(*widget).name)

	u.Exit()
	assert.Nil(t, u.Adapter())
	assert.Empty(t, b.Adapters())
	assert.Nil(t, d.Adapter(), "driver removal detaches the device")
	assert.Nil(t, d.PrivateData())
	assert.Equal(t, 0, a.Refs())
	assert.Equal(t, []string{"setup", "teardown"}, calls)

	u.Exit()
	require.NoError(t, b.UnregisterDevice(d))
	d.Free()
}

func TestUnit_InitFailuresUnwind(t *testing.T) {
	t.Run("setup", func(t *testing.T) {
		u := newUnit("widget")
		u.Setup = func() error { return errors.New("no hardware") }
		assert.Error(t, u.Init(bus.New()))
		assert.Nil(t, u.Adapter())
	})

	t.Run("adapter name taken", func(t *testing.T) {
		b := bus.New()
		first := newUnit("widget")
		require.NoError(t, first.Init(b))
		defer first.Exit()

		torn := false
		second := newUnit("widget")
		second.Driver.Name = "pdm-widget-2"
		second.Teardown = func() { torn = true }
		assert.ErrorIs(t, second.Init(b), types.ErrAlreadyExists)
		assert.True(t, torn)
		assert.Nil(t, second.Adapter())
	})

	t.Run("driver name taken", func(t *testing.T) {
		b := bus.New()
		first := newUnit("widget")
		require.NoError(t, first.Init(b))
		defer first.Exit()

		second := newUnit("gadget")
		second.Driver.Name = first.Driver.Name
		assert.ErrorIs(t, second.Init(b), types.ErrAlreadyExists)
		assert.Len(t, b.Adapters(), 1, "adapter of the failed unit is unregistered")
	})
}

func TestUnit_Subdriver(t *testing.T) {
	b := bus.New()
	u := newUnit("widget")
	var list subdriver.List
	require.NoError(t, subdriver.RegisterAll([]*subdriver.Subdriver{u.Subdriver(b, true)}, &list))
	assert.True(t, u.Adapter().Ready())

	subdriver.UnregisterAll(&list)
	assert.Nil(t, u.Adapter())
}

func TestUnit_AttachWithoutAdapter(t *testing.T) {
	u := newUnit("widget")
	d, err := bus.NewDevice(&widget{}, nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, u.Attach(d, &widget{}), types.ErrResourceUnavailable)
	assert.Nil(t, d.PrivateData())
}

func TestParseCommand(t *testing.T) {
	b := bus.New()
	u := newUnit("widget")
	require.NoError(t, u.Init(b))
	defer u.Exit()
	a := u.Adapter()

	_, _, err := ParseCommand(a, []byte("1"), 1)
	assert.ErrorIs(t, err, types.ErrInvalidArgument, "no device attached")

	d := register(t, b, "w0")
	defer func() {
		_ = b.UnregisterDevice(d)
		d.Free()
	}()

	tests := []struct {
		name    string
		input   string
		minArgs int
		wantID  int
		want    []string
		wantErr bool
	}{
		{"implicit id", "1\n", 1, 0, []string{"1"}, false},
		{"explicit id", "0 on", 1, 0, []string{"on"}, false},
		{"two args", "0x10 0xff", 2, 0, []string{"0x10", "0xff"}, false},
		{"bad id", "x on", 1, 0, nil, true},
		{"too few", "", 1, 0, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, args, err := ParseCommand(a, []byte(tt.input), tt.minArgs)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.want, args)
		})
	}
}
