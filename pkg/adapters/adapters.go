// Package adapters holds the lifecycle shared by adapter drivers. Each
// driver owns one adapter and one bus driver: Init allocates and registers
// the adapter, then the driver; Exit undoes both in reverse.
package adapters

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/pdm/pkg/bus"
	"github.com/Nativu5/pdm/pkg/ioctl"
	"github.com/Nativu5/pdm/pkg/subdriver"
	"github.com/Nativu5/pdm/pkg/types"
)

// Unit is one adapter driver.
type Unit struct {
	// Name is the adapter name.
	Name string
	// Driver binds devices to the adapter.
	Driver *bus.Driver
	// Control replaces the default control interface when set.
	Control bus.ControlHandler
	// Setup runs before the adapter is registered, Teardown after it is
	// unregistered. Both are optional.
	Setup    func() error
	Teardown func()

	mu      sync.Mutex
	adapter *bus.Adapter
	bus     *bus.Bus
}

// Adapter returns the registered adapter, or nil outside Init/Exit.
func (u *Unit) Adapter() *bus.Adapter {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.adapter
}

// Init brings the unit up on b.
func (u *Unit) Init(b *bus.Bus, opts ...bus.AdapterOption) error {
	if b == nil || u.Driver == nil {
		return types.ErrInvalidArgument
	}
	u.mu.Lock()
	if u.adapter != nil {
		u.mu.Unlock()
		return fmt.Errorf("%w: adapter driver %q already initialised", types.ErrAlreadyExists, u.Name)
	}
	u.mu.Unlock()

	if u.Setup != nil {
		if err := u.Setup(); err != nil {
			return fmt.Errorf("%s setup: %w", u.Name, err)
		}
	}

	a := bus.NewAdapter(u.Name, u, opts...)
	if u.Control != nil {
		a.SetControl(u.Control)
	}
	if err := b.RegisterAdapter(a); err != nil {
		a.Put()
		u.teardown()
		return err
	}

	u.mu.Lock()
	u.adapter, u.bus = a, b
	u.mu.Unlock()

	if err := b.RegisterDriver(u.Driver); err != nil {
		u.mu.Lock()
		u.adapter, u.bus = nil, nil
		u.mu.Unlock()
		if uerr := b.UnregisterAdapter(a); uerr != nil {
			log.Warnf("cannot unregister adapter %q: %v", u.Name, uerr)
		}
		a.Put()
		u.teardown()
		return err
	}

	log.Infof("%s adapter initialized", u.Name)
	return nil
}

// Exit tears the unit down. It tolerates a failed or missing Init.
func (u *Unit) Exit() {
	u.mu.Lock()
	a, b := u.adapter, u.bus
	u.mu.Unlock()
	if a == nil {
		return
	}

	if err := b.UnregisterDriver(u.Driver); err != nil {
		log.Warnf("cannot unregister driver %q: %v", u.Driver.Name, err)
	}
	if err := b.UnregisterAdapter(a); err != nil {
		log.Warnf("cannot unregister adapter %q: %v", u.Name, err)
	}

	u.mu.Lock()
	u.adapter, u.bus = nil, nil
	u.mu.Unlock()

	a.Put()
	u.teardown()
	log.Infof("%s adapter exit", u.Name)
}

func (u *Unit) teardown() {
	if u.Teardown != nil {
		u.Teardown()
	}
}

// Subdriver binds u to b as a registrar unit.
func (u *Unit) Subdriver(b *bus.Bus, enabled bool, opts ...bus.AdapterOption) *subdriver.Subdriver {
	return &subdriver.Subdriver{
		Name:    u.Name,
		Enabled: enabled,
		Init:    func() error { return u.Init(b, opts...) },
		Exit:    u.Exit,
	}
}

// Attach stores priv on d and adds d to the unit's adapter.
func (u *Unit) Attach(d *bus.Device, priv any) error {
	a := u.Adapter()
	if a == nil {
		return fmt.Errorf("%w: %s adapter not registered", types.ErrResourceUnavailable, u.Name)
	}
	d.SetPrivateData(priv)
	if err := a.AddDevice(d); err != nil {
		d.SetPrivateData(nil)
		return err
	}
	return nil
}

// Detach deletes d from the unit's adapter and clears its private data.
func (u *Unit) Detach(d *bus.Device) {
	if a := d.Adapter(); a != nil {
		if err := a.DeleteDevice(d); err != nil {
			log.Warnf("cannot delete %s: %v", d.Name(), err)
		}
	}
	d.SetPrivateData(nil)
}

// ───────────────────────────────────────────
//  control helpers
// ───────────────────────────────────────────

// Lookup returns the device with identifier id on f's adapter and its
// private data as T.
func Lookup[T any](f *bus.File, id int) (*bus.Device, T, error) {
	var zero T
	d, err := f.Adapter().FindDeviceByID(id)
	if err != nil {
		return nil, zero, err
	}
	priv, ok := d.PrivateData().(T)
	if !ok {
		return nil, zero, fmt.Errorf("%w: device %s has no driver state", types.ErrResourceUnavailable, d.Name())
	}
	return d, priv, nil
}

// Reply encodes a command result, passing err through when set.
func Reply(v any, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return ioctl.Encode(v)
}

// Unsupported is the error for a command an adapter does not implement.
func Unsupported(f *bus.File, cmd uint32) error {
	return fmt.Errorf("%w: command 0x%x on %q", types.ErrUnsupported, cmd, f.Adapter().Name())
}

// ParseCommand splits a control write into a target device ID and its
// argument fields. A write without an explicit ID is accepted only when
// exactly one device is attached, which it then targets. The first field is
// taken as an ID only when more than minArgs fields are present.
func ParseCommand(a *bus.Adapter, p []byte, minArgs int) (int, []string, error) {
	fields := strings.Fields(string(p))
	if len(fields) < minArgs {
		return 0, nil, fmt.Errorf("%w: expected %d argument(s), got %q", types.ErrInvalidArgument, minArgs, strings.TrimSpace(string(p)))
	}
	if len(fields) > minArgs {
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, nil, fmt.Errorf("%w: device id %q", types.ErrInvalidArgument, fields[0])
		}
		return id, fields[1:], nil
	}

	devices := a.Devices()
	if len(devices) != 1 {
		return 0, nil, fmt.Errorf("%w: %d devices attached, a device id is required", types.ErrInvalidArgument, len(devices))
	}
	return devices[0].ID, fields, nil
}
