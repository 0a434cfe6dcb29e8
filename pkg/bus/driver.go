package bus

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/pdm/pkg/types"
)

// DeviceID is one entry of a driver's compatible table.
type DeviceID struct {
	// Compatible is matched against the device node's compatible string.
	Compatible string
	// Data is handed to the device as match data on a successful probe.
	Data any
}

// Driver binds to devices whose compatible string appears in IDTable.
//
// Probe is called at most once per device before any Remove, and Remove at
// most once per successful Probe. Probe usually attaches the device to the
// driver's adapter; Remove must undo whatever Probe did.
type Driver struct {
	Name    string
	IDTable []DeviceID
	Probe   func(d *Device) error
	Remove  func(d *Device)
}

func (drv *Driver) match(d *Device) (DeviceID, bool) {
	compat := d.Compatible()
	if compat == "" {
		return DeviceID{}, false
	}
	for _, id := range drv.IDTable {
		if id.Compatible == compat {
			return id, true
		}
	}
	return DeviceID{}, false
}

// ───────────────────────────────────────────
//  drivers
// ───────────────────────────────────────────

// RegisterDriver adds drv to the bus and probes every unbound device it
// matches. Probe failures are logged; the driver stays registered.
func (b *Bus) RegisterDriver(drv *Driver) error {
	if drv == nil || drv.Name == "" || drv.Probe == nil || len(drv.IDTable) == 0 {
		return fmt.Errorf("%w: driver must have a name, a probe callback and a compatible table", types.ErrInvalidArgument)
	}

	b.driversMu.Lock()
	for _, cur := range b.drivers {
		if cur == drv || cur.Name == drv.Name {
			b.driversMu.Unlock()
			return fmt.Errorf("%w: driver %q", types.ErrAlreadyExists, drv.Name)
		}
	}
	b.drivers = append(b.drivers, drv)
	b.driversMu.Unlock()

	b.log.WithField("driver", drv.Name).Debug("driver registered")

	devices := b.deviceSnapshot()
	defer putAll(devices)
	for _, d := range devices {
		if id, ok := drv.match(d); ok {
			if err := b.probe(d, drv, id); err != nil {
				b.log.WithField("driver", drv.Name).Warnf("probe of %s failed: %v", d.Name(), err)
			}
		}
	}
	return nil
}

// UnregisterDriver removes drv from the bus after unbinding every device
// bound to it.
func (b *Bus) UnregisterDriver(drv *Driver) error {
	if drv == nil {
		return types.ErrInvalidArgument
	}

	b.driversMu.Lock()
	idx := -1
	for i, cur := range b.drivers {
		if cur == drv {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.driversMu.Unlock()
		return fmt.Errorf("%w: driver %q", types.ErrNotFound, drv.Name)
	}
	b.drivers = append(b.drivers[:idx], b.drivers[idx+1:]...)
	b.driversMu.Unlock()

	devices := b.deviceSnapshot()
	defer putAll(devices)
	for i := len(devices) - 1; i >= 0; i-- {
		if devices[i].Driver() == drv {
			b.unbind(devices[i])
		}
	}
	b.log.WithField("driver", drv.Name).Debug("driver unregistered")
	return nil
}

// ───────────────────────────────────────────
//  devices
// ───────────────────────────────────────────

// RegisterDevice publishes d on the bus and binds it to the first matching
// driver. If that probe fails, the registration is rolled back and the
// probe error returned. A device with no matching driver stays registered
// and unbound until a matching driver appears.
func (b *Bus) RegisterDevice(d *Device) error {
	if d == nil {
		return types.ErrInvalidArgument
	}
	if d.Get() == nil {
		return fmt.Errorf("%w: device", types.ErrResourceUnavailable)
	}

	d.bindMu.Lock()
	if d.onBus != nil {
		d.bindMu.Unlock()
		d.Put()
		return fmt.Errorf("%w: device %s already registered", types.ErrAlreadyExists, d.Name())
	}
	d.onBus = b
	d.bindMu.Unlock()

	index, err := b.index.Alloc(d)
	if err != nil {
		b.retire(d)
		d.Put()
		return fmt.Errorf("cannot allocate bus index: %w", err)
	}
	d.setIndex(index)

	b.devicesMu.Lock()
	b.devices = append(b.devices, d)
	b.devicesMu.Unlock()

	drv, id, ok := b.findDriver(d)
	if !ok {
		b.log.WithField("device", d.Name()).Debugf("no driver for %q yet", d.Compatible())
		return nil
	}
	if err := b.probe(d, drv, id); err != nil {
		b.retire(d)
		// Another driver may have bound d since the failed probe.
		b.unbind(d)
		b.dropDevice(d)
		return fmt.Errorf("probe of %q by %s failed: %w", d.Compatible(), drv.Name, err)
	}
	return nil
}

// UnregisterDevice unbinds d from its driver and removes it from the bus.
func (b *Bus) UnregisterDevice(d *Device) error {
	if d == nil {
		return types.ErrInvalidArgument
	}
	if !b.retire(d) {
		return fmt.Errorf("%w: device %s not on bus", types.ErrNotFound, d.Name())
	}
	b.unbind(d)
	b.dropDevice(d)
	return nil
}

// FindDeviceByHandle returns the first bus device whose backing handle
// equals h. The device is not referenced on behalf of the caller.
func (b *Bus) FindDeviceByHandle(h any) (*Device, error) {
	if h == nil {
		return nil, types.ErrInvalidArgument
	}
	b.devicesMu.Lock()
	defer b.devicesMu.Unlock()
	for _, d := range b.devices {
		if d.backing == h {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: no device for handle", types.ErrNotFound)
}

// Devices returns snapshot records of every device registered on the bus.
func (b *Bus) Devices() []types.DeviceInfo {
	snapshot := b.deviceSnapshot()
	defer putAll(snapshot)
	out := make([]types.DeviceInfo, 0, len(snapshot))
	for _, d := range snapshot {
		out = append(out, d.Info())
	}
	return out
}

// deviceSnapshot returns the bus devices, each referenced. Release them
// with putAll.
func (b *Bus) deviceSnapshot() []*Device {
	b.devicesMu.Lock()
	defer b.devicesMu.Unlock()
	out := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		if d.Get() != nil {
			out = append(out, d)
		}
	}
	return out
}

func putAll(devices []*Device) {
	for _, d := range devices {
		d.Put()
	}
}

// retire marks d as leaving b so no further probe binds it. It reports
// whether d was registered on b.
func (b *Bus) retire(d *Device) bool {
	d.bindMu.Lock()
	defer d.bindMu.Unlock()
	if d.onBus != b {
		return false
	}
	d.onBus = nil
	return true
}

func (b *Bus) findDriver(d *Device) (*Driver, DeviceID, bool) {
	b.driversMu.Lock()
	defer b.driversMu.Unlock()
	for _, drv := range b.drivers {
		if id, ok := drv.match(d); ok {
			return drv, id, true
		}
	}
	return nil, DeviceID{}, false
}

// dropDevice unlinks d from the bus, frees its index and drops the bus
// reference. It reports whether d was on the bus.
func (b *Bus) dropDevice(d *Device) bool {
	b.devicesMu.Lock()
	idx := -1
	for i, cur := range b.devices {
		if cur == d {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.devicesMu.Unlock()
		return false
	}
	b.devices = append(b.devices[:idx], b.devices[idx+1:]...)
	b.devicesMu.Unlock()

	if err := b.index.Remove(d.Index()); err != nil {
		b.log.Warnf("cannot free bus index %d: %v", d.Index(), err)
	}
	d.setIndex(-1)
	d.Put()
	return true
}

func (b *Bus) probe(d *Device, drv *Driver, id DeviceID) error {
	d.bindMu.Lock()
	defer d.bindMu.Unlock()
	if d.onBus != b {
		return nil
	}

	d.mu.Lock()
	if d.state != unbound {
		d.mu.Unlock()
		return nil
	}
	d.matchData = id.Data
	d.mu.Unlock()

	if err := drv.Probe(d); err != nil {
		d.mu.Lock()
		d.matchData = nil
		d.mu.Unlock()
		return err
	}

	d.mu.Lock()
	d.state = bound
	d.driver = drv
	d.mu.Unlock()

	ev := newEvent(ActionBind)
	ev.Adapter, ev.Device, ev.DeviceID, ev.Driver = d.Adapter().Name(), d.Name(), d.ID(), drv.Name
	b.notify(ev)
	b.log.WithFields(log.Fields{"device": d.Name(), "driver": drv.Name}).Debug("device bound")
	return nil
}

func (b *Bus) unbind(d *Device) {
	d.bindMu.Lock()
	defer d.bindMu.Unlock()

	d.mu.RLock()
	drv, state := d.driver, d.state
	d.mu.RUnlock()
	if state != bound {
		return
	}

	// Capture identity before Remove detaches the device.
	ev := newEvent(ActionUnbind)
	ev.Adapter, ev.Device, ev.DeviceID, ev.Driver = d.Adapter().Name(), d.Name(), d.ID(), drv.Name

	if drv.Remove != nil {
		drv.Remove(d)
	}

	d.mu.Lock()
	d.state = unbound
	d.driver = nil
	d.matchData = nil
	d.mu.Unlock()

	b.notify(ev)
	b.log.WithFields(log.Fields{"device": ev.Device, "driver": drv.Name}).Debug("device unbound")
}
