package bus

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/Nativu5/pdm/pkg/kref"
	"github.com/Nativu5/pdm/pkg/types"
)

type bindState int

const (
	unbound bindState = iota
	bound
)

// Device is a registered resource attached to at most one adapter.
type Device struct {
	ref     kref.Ref
	backing any
	node    *types.Node
	onFree  func(*Device)

	// bindMu serialises probe and remove callbacks for this device and
	// guards onBus.
	bindMu sync.Mutex
	onBus  *Bus

	mu        sync.RWMutex
	adapter   *Adapter
	id        int
	index     int
	priv      any
	driver    *Driver
	matchData any
	state     bindState
}

// DeviceOption configures a Device at allocation time.
type DeviceOption func(*Device)

// WithDeviceRelease installs a hook that runs when the last reference is dropped.
func WithDeviceRelease(fn func(*Device)) DeviceOption {
	return func(d *Device) {
		d.onFree = fn
	}
}

// NewDevice allocates a device for the physical unit identified by backing.
// The backing handle must be comparable (typically a pointer) because it is
// used for reverse lookup. node may be nil. priv is the initial private
// payload. The device starts with one reference.
func NewDevice(backing any, node *types.Node, priv any, opts ...DeviceOption) (*Device, error) {
	if backing != nil && !reflect.TypeOf(backing).Comparable() {
		return nil, fmt.Errorf("%w: backing handle of type %T is not comparable", types.ErrInvalidArgument, backing)
	}
	d := &Device{
		backing: backing,
		node:    node,
		priv:    priv,
		id:      -1,
		index:   -1,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ref.Init(d.release)
	return d, nil
}

func (d *Device) release() {
	d.mu.Lock()
	d.priv = nil
	d.matchData = nil
	d.mu.Unlock()
	if d.onFree != nil {
		d.onFree(d)
	}
}

// Get takes a reference. It returns nil if d is nil or already dying.
func (d *Device) Get() *Device {
	if d == nil || !d.ref.Get() {
		return nil
	}
	return d
}

// Put drops a reference.
func (d *Device) Put() {
	if d != nil {
		d.ref.Put()
	}
}

// Free drops the allocation reference taken by NewDevice. The device is
// released once every other holder has Put it too.
func (d *Device) Free() {
	d.Put()
}

// Refs returns the current reference count.
func (d *Device) Refs() int {
	if d == nil {
		return 0
	}
	return d.ref.Count()
}

// Backing returns the backing handle.
func (d *Device) Backing() any {
	if d == nil {
		return nil
	}
	return d.backing
}

// Node returns the device tree node, or nil.
func (d *Device) Node() *types.Node {
	if d == nil {
		return nil
	}
	return d.node
}

// Compatible returns the node's compatible string, or "".
func (d *Device) Compatible() string {
	if n := d.Node(); n != nil {
		return n.Compatible
	}
	return ""
}

// Adapter returns the owning adapter, or nil while detached.
func (d *Device) Adapter() *Adapter {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.adapter
}

// ID returns the adapter-scoped identifier, or -1 while detached.
func (d *Device) ID() int {
	if d == nil {
		return -1
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.id
}

// Index returns the bus-wide index, or -1 when not registered on a bus.
func (d *Device) Index() int {
	if d == nil {
		return -1
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.index
}

// Name returns "<adapter>.<id>" while attached, otherwise the node name or
// "pdm_device.<index>".
func (d *Device) Name() string {
	if d == nil {
		return ""
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch {
	case d.adapter != nil && d.id >= 0:
		return fmt.Sprintf("%s.%d", d.adapter.name, d.id)
	case d.node != nil && d.node.Name != "":
		return d.node.Name
	default:
		return fmt.Sprintf("pdm_device.%d", d.index)
	}
}

// PrivateData returns the driver private payload, or nil.
func (d *Device) PrivateData() any {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.priv
}

// SetPrivateData replaces the driver private payload.
func (d *Device) SetPrivateData(v any) {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.priv = v
	d.mu.Unlock()
}

// MatchData returns the Data of the compatible entry the bound driver
// matched, or nil.
func (d *Device) MatchData() any {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.matchData
}

// Driver returns the bound driver, or nil.
func (d *Device) Driver() *Driver {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.driver
}

// Info returns a snapshot record of the device.
func (d *Device) Info() types.DeviceInfo {
	info := types.DeviceInfo{
		ID:         d.ID(),
		Index:      d.Index(),
		Name:       d.Name(),
		Adapter:    d.Adapter().Name(),
		Compatible: d.Compatible(),
	}
	if n := d.Node(); n != nil {
		info.Bus = n.Bus
	}
	if drv := d.Driver(); drv != nil {
		info.Driver = drv.Name
	}
	return info
}

func (d *Device) claim(a *Adapter) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.adapter != nil {
		return false
	}
	d.adapter = a
	return true
}

func (d *Device) unclaim() {
	d.mu.Lock()
	d.adapter = nil
	d.mu.Unlock()
}

func (d *Device) setID(id int) {
	d.mu.Lock()
	d.id = id
	d.mu.Unlock()
}

func (d *Device) setIndex(index int) {
	d.mu.Lock()
	d.index = index
	d.mu.Unlock()
}
