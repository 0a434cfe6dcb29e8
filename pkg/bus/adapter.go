package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/pdm/pkg/idr"
	"github.com/Nativu5/pdm/pkg/kref"
	"github.com/Nativu5/pdm/pkg/types"
)

// Adapter is a named bus-like registry owning an identifier space and the
// devices attached to it.
type Adapter struct {
	ref     kref.Ref
	name    string
	idStart int
	idEnd   int
	onFree  func(*Adapter)

	// Set by RegisterAdapter, cleared by UnregisterAdapter.
	ids      atomic.Pointer[idr.IDR]
	ready    atomic.Bool
	epMu     sync.Mutex
	endpoint Endpoint
	bus      atomic.Pointer[Bus]
	log      *log.Entry

	clientsMu sync.Mutex
	clients   []*Device

	controlMu sync.RWMutex
	control   ControlHandler

	dataMu sync.RWMutex
	data   any
}

// AdapterOption configures an Adapter at allocation time.
type AdapterOption func(*Adapter)

// WithIDRange overrides the adapter's device identifier range [start, end).
func WithIDRange(start, end int) AdapterOption {
	return func(a *Adapter) {
		a.idStart, a.idEnd = start, end
	}
}

// WithRelease installs a hook that runs when the last reference is dropped.
func WithRelease(fn func(*Adapter)) AdapterOption {
	return func(a *Adapter) {
		a.onFree = fn
	}
}

// NewAdapter allocates an adapter carrying data as its private payload.
// The adapter starts with one reference and is invisible until registered.
func NewAdapter(name string, data any, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		name:    name,
		idStart: idr.DefaultStart,
		idEnd:   idr.DefaultEnd,
		data:    data,
		control: DefaultControl{},
		log:     log.WithField("adapter", name),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.ref.Init(a.release)
	return a
}

func (a *Adapter) release() {
	a.dataMu.Lock()
	a.data = nil
	a.dataMu.Unlock()

	a.log.Debug("adapter released")
	if a.onFree != nil {
		a.onFree(a)
	}
}

// Get takes a reference. It returns nil if a is nil or already dying.
func (a *Adapter) Get() *Adapter {
	if a == nil || !a.ref.Get() {
		return nil
	}
	return a
}

// Put drops a reference.
func (a *Adapter) Put() {
	if a != nil {
		a.ref.Put()
	}
}

// Refs returns the current reference count.
func (a *Adapter) Refs() int {
	if a == nil {
		return 0
	}
	return a.ref.Count()
}

// Name returns the adapter name.
func (a *Adapter) Name() string {
	if a == nil {
		return ""
	}
	return a.name
}

// Ready reports whether the adapter is registered and accepting devices.
func (a *Adapter) Ready() bool {
	return a != nil && a.ready.Load()
}

// Bus returns the bus the adapter is registered on, or nil.
func (a *Adapter) Bus() *Bus {
	if a == nil {
		return nil
	}
	return a.bus.Load()
}

// Endpoint returns the published control endpoint, or nil.
func (a *Adapter) Endpoint() Endpoint {
	if a == nil {
		return nil
	}
	a.epMu.Lock()
	defer a.epMu.Unlock()
	return a.endpoint
}

// Data returns the private payload. It is nil once the adapter is released.
func (a *Adapter) Data() any {
	if a == nil {
		return nil
	}
	a.dataMu.RLock()
	defer a.dataMu.RUnlock()
	return a.data
}

// SetData replaces the private payload.
func (a *Adapter) SetData(data any) {
	if a == nil {
		return
	}
	a.dataMu.Lock()
	a.data = data
	a.dataMu.Unlock()
}

// Info returns a snapshot of the adapter attributes.
func (a *Adapter) Info() types.AdapterInfo {
	info := types.AdapterInfo{
		Name:    a.Name(),
		Ready:   a.Ready(),
		IDStart: a.idStart,
		IDEnd:   a.idEnd,
	}
	if ep := a.Endpoint(); ep != nil {
		info.Endpoint = ep.Name()
		if q, ok := ep.(QualifiedEndpoint); ok {
			info.CDIDevice = q.QualifiedName()
		}
		if n, ok := ep.(NodeEndpoint); ok {
			info.Node = n.NodePath()
		}
	}
	a.clientsMu.Lock()
	info.Devices = len(a.clients)
	a.clientsMu.Unlock()
	return info
}

func (a *Adapter) attachBus(b *Bus, ep Endpoint, ids *idr.IDR) {
	a.log = b.log.WithField("adapter", a.name)
	a.bus.Store(b)
	a.ids.Store(ids)

	a.epMu.Lock()
	a.endpoint = ep
	a.epMu.Unlock()

	a.clientsMu.Lock()
	a.clients = nil
	a.clientsMu.Unlock()
}

func (a *Adapter) detachBus() Endpoint {
	if ids := a.ids.Swap(nil); ids != nil {
		ids.Destroy()
	}

	a.epMu.Lock()
	ep := a.endpoint
	a.endpoint = nil
	a.epMu.Unlock()

	a.bus.Store(nil)
	return ep
}

// ───────────────────────────────────────────
//  identifiers
// ───────────────────────────────────────────

// AllocID assigns d an identifier from the adapter's range.
func (a *Adapter) AllocID(d *Device) error {
	if a == nil || d == nil {
		return types.ErrInvalidArgument
	}
	ids := a.ids.Load()
	if ids == nil {
		return fmt.Errorf("%w: adapter %q has no id space", types.ErrInvalidArgument, a.name)
	}
	id, err := ids.Alloc(d)
	if err != nil {
		a.log.Errorf("cannot allocate device id: %v", err)
		return err
	}
	d.setID(id)
	return nil
}

// FreeID releases d's identifier. Releasing an unknown ID is reported but
// leaves d detached anyway.
func (a *Adapter) FreeID(d *Device) error {
	if a == nil || d == nil {
		return types.ErrInvalidArgument
	}
	id := d.ID()
	d.setID(-1)

	ids := a.ids.Load()
	if ids == nil {
		return fmt.Errorf("%w: adapter %q has no id space", types.ErrInvalidArgument, a.name)
	}
	return ids.Remove(id)
}

// ───────────────────────────────────────────
//  clients
// ───────────────────────────────────────────

// AddDevice attaches d: it allocates d's identifier, sets the owning adapter
// and appends d to the client list. The list keeps a reference on d.
func (a *Adapter) AddDevice(d *Device) error {
	if a == nil || d == nil {
		return types.ErrInvalidArgument
	}
	if !a.Ready() {
		return fmt.Errorf("%w: adapter %q not ready", types.ErrInvalidArgument, a.name)
	}
	if d.Get() == nil {
		return fmt.Errorf("%w: device", types.ErrResourceUnavailable)
	}
	if !d.claim(a) {
		d.Put()
		return fmt.Errorf("%w: device already attached to %q", types.ErrAlreadyExists, d.Adapter().Name())
	}
	if err := a.AllocID(d); err != nil {
		d.unclaim()
		d.Put()
		return err
	}

	a.clientsMu.Lock()
	if !a.Ready() {
		a.clientsMu.Unlock()
		_ = a.FreeID(d)
		d.unclaim()
		d.Put()
		return fmt.Errorf("%w: adapter %q not ready", types.ErrInvalidArgument, a.name)
	}
	a.clients = append(a.clients, d)
	a.clientsMu.Unlock()

	a.log.WithField("device", d.Name()).Debug("device added")
	if b := a.Bus(); b != nil {
		ev := newEvent(ActionAdd)
		ev.Adapter, ev.Device, ev.DeviceID = a.name, d.Name(), d.ID()
		b.notify(ev)
	}
	return nil
}

// DeleteDevice detaches d: it unlinks d from the client list and releases
// its identifier.
func (a *Adapter) DeleteDevice(d *Device) error {
	if a == nil || d == nil {
		return types.ErrInvalidArgument
	}

	a.clientsMu.Lock()
	idx := -1
	for i, cur := range a.clients {
		if cur == d {
			idx = i
			break
		}
	}
	if idx < 0 {
		a.clientsMu.Unlock()
		return fmt.Errorf("%w: device not attached to %q", types.ErrNotFound, a.name)
	}
	a.clients = append(a.clients[:idx], a.clients[idx+1:]...)
	a.clientsMu.Unlock()

	name, id := d.Name(), d.ID()
	if err := a.FreeID(d); err != nil {
		a.log.WithField("device", name).Warnf("cannot free device id %d: %v", id, err)
	}
	d.unclaim()

	a.log.WithField("device", name).Debug("device removed")
	if b := a.Bus(); b != nil {
		ev := newEvent(ActionRemove)
		ev.Adapter, ev.Device, ev.DeviceID = a.name, name, id
		b.notify(ev)
	}
	d.Put()
	return nil
}

// dropClients detaches every remaining client without driver callbacks and
// returns their names. Called once the adapter is no longer ready.
func (a *Adapter) dropClients() []string {
	a.clientsMu.Lock()
	leftover := a.clients
	a.clients = nil
	a.clientsMu.Unlock()

	names := make([]string, 0, len(leftover))
	for _, d := range leftover {
		names = append(names, d.Name())
		d.setID(-1)
		d.unclaim()
		d.Put()
	}
	return names
}

// FindDeviceByHandle returns the first attached device whose backing handle
// equals h. The device is not referenced on behalf of the caller.
func (a *Adapter) FindDeviceByHandle(h any) (*Device, error) {
	if a == nil || h == nil {
		return nil, types.ErrInvalidArgument
	}

	a.clientsMu.Lock()
	defer a.clientsMu.Unlock()
	for _, d := range a.clients {
		if d.backing == h {
			return d, nil
		}
	}
	a.log.Debugf("no device for handle %v", h)
	return nil, fmt.Errorf("%w: no device for handle on %q", types.ErrNotFound, a.name)
}

// FindDeviceByID returns the attached device with identifier id.
func (a *Adapter) FindDeviceByID(id int) (*Device, error) {
	if a == nil {
		return nil, types.ErrInvalidArgument
	}
	if d, ok := a.ids.Load().Find(id).(*Device); ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: device %d on %q", types.ErrNotFound, id, a.name)
}

// ListDevices returns the names of the attached devices in insertion order.
func (a *Adapter) ListDevices() []string {
	if a == nil {
		return nil
	}
	a.clientsMu.Lock()
	snapshot := make([]*Device, len(a.clients))
	copy(snapshot, a.clients)
	a.clientsMu.Unlock()

	names := make([]string, 0, len(snapshot))
	for _, d := range snapshot {
		names = append(names, d.Name())
	}
	return names
}

// Devices returns snapshot records of the attached devices.
func (a *Adapter) Devices() []types.DeviceInfo {
	if a == nil {
		return nil
	}
	a.clientsMu.Lock()
	snapshot := make([]*Device, len(a.clients))
	copy(snapshot, a.clients)
	a.clientsMu.Unlock()

	out := make([]types.DeviceInfo, 0, len(snapshot))
	for _, d := range snapshot {
		out = append(out, d.Info())
	}
	return out
}

// ───────────────────────────────────────────
//  control interface
// ───────────────────────────────────────────

// SetControl replaces the adapter's control handler. A nil handler restores
// the default.
func (a *Adapter) SetControl(h ControlHandler) {
	if h == nil {
		h = DefaultControl{}
	}
	a.controlMu.Lock()
	a.control = h
	a.controlMu.Unlock()
}

// Control returns the current control handler.
func (a *Adapter) Control() ControlHandler {
	a.controlMu.RLock()
	defer a.controlMu.RUnlock()
	return a.control
}

// Open opens the adapter's control interface. The returned File holds an
// adapter reference until Close.
func (a *Adapter) Open() (*File, error) {
	if !a.Ready() {
		return nil, fmt.Errorf("%w: adapter %q not ready", types.ErrResourceUnavailable, a.Name())
	}
	if a.Get() == nil {
		return nil, fmt.Errorf("%w: adapter %q", types.ErrResourceUnavailable, a.name)
	}

	f := &File{adapter: a, handler: a.Control()}
	if err := f.handler.Open(f); err != nil {
		a.Put()
		return nil, err
	}
	return f, nil
}
