// Package bus is the pdm core: a process-scoped registry of adapters, the
// devices attached to them and the drivers that bind to those devices.
//
// Adapters and devices are reference counted. An adapter becomes visible on
// RegisterAdapter and stops accepting devices on UnregisterAdapter; its
// memory is dropped by the last Put. Devices reach an adapter through a
// driver probe, normally triggered by a hardware transport calling
// RegisterDevice.
//
// Three kinds of locks exist and none is ever held while taking another:
// the bus adapter lock, each adapter's client lock and each adapter's
// identifier allocator lock.
package bus

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/pdm/pkg/idr"
	"github.com/Nativu5/pdm/pkg/types"
)

// Bus owns the global adapter set, the driver list and the set of devices
// registered by transports.
type Bus struct {
	log       *log.Entry
	publisher EndpointPublisher
	notifier  Notifier

	adaptersMu sync.Mutex
	adapters   []*Adapter
	// reserved holds endpoint names of adapters being registered.
	reserved map[string]struct{}

	driversMu sync.Mutex
	drivers   []*Driver

	devicesMu sync.Mutex
	devices   []*Device
	index     *idr.IDR
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used by the bus and its adapters.
func WithLogger(l *log.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l.WithField("component", "bus")
		}
	}
}

// WithPublisher sets the control endpoint publisher.
func WithPublisher(p EndpointPublisher) Option {
	return func(b *Bus) {
		if p != nil {
			b.publisher = p
		}
	}
}

// WithNotifier sets the lifecycle event notifier.
func WithNotifier(n Notifier) Option {
	return func(b *Bus) {
		b.notifier = n
	}
}

// WithIndexRange overrides the range of bus-wide device indexes.
func WithIndexRange(start, end int) Option {
	return func(b *Bus) {
		if r, err := idr.New(start, end); err == nil {
			b.index = r
		} else {
			b.log.Warnf("ignoring bus index range: %v", err)
		}
	}
}

// New returns an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		log:       log.StandardLogger().WithField("component", "bus"),
		publisher: nopPublisher{},
		reserved:  make(map[string]struct{}),
		index:     idr.NewDefault(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ───────────────────────────────────────────
//  adapters
// ───────────────────────────────────────────

// RegisterAdapter validates the adapter name, publishes its control
// endpoint and makes it visible. On any failure the adapter is left exactly
// as it was before the call.
func (b *Bus) RegisterAdapter(a *Adapter) error {
	if a == nil {
		return fmt.Errorf("%w: nil adapter", types.ErrInvalidArgument)
	}
	if a.name == "" || len(a.name) > types.NameMax {
		return fmt.Errorf("%w: adapter name %q", types.ErrInvalidArgument, a.name)
	}
	if a.Get() == nil {
		return fmt.Errorf("%w: adapter %q", types.ErrResourceUnavailable, a.name)
	}

	// Reserve the endpoint name so no I/O runs under the adapter lock. Names
	// that differ only in characters the endpoint name replaces collide.
	epName := EndpointName(a.name)
	b.adaptersMu.Lock()
	if _, taken := b.reserved[epName]; taken || b.lookupEndpointLocked(epName) != nil {
		b.adaptersMu.Unlock()
		a.Put()
		b.log.WithFields(log.Fields{"adapter": a.name, "endpoint": epName}).Error("adapter already exists")
		return fmt.Errorf("%w: adapter %q (endpoint %s)", types.ErrAlreadyExists, a.name, epName)
	}
	b.reserved[epName] = struct{}{}
	b.adaptersMu.Unlock()

	ids, err := idr.New(a.idStart, a.idEnd)
	if err != nil {
		b.unreserve(epName)
		a.Put()
		return fmt.Errorf("adapter %q: %w", a.name, err)
	}

	ep, err := b.publisher.Publish(a)
	if err != nil {
		b.unreserve(epName)
		a.Put()
		return fmt.Errorf("cannot publish endpoint for adapter %q: %w", a.name, err)
	}

	a.attachBus(b, ep, ids)

	b.adaptersMu.Lock()
	delete(b.reserved, epName)
	b.adapters = append(b.adapters, a)
	a.ready.Store(true)
	b.adaptersMu.Unlock()

	ev := newEvent(ActionAdd)
	ev.Adapter = a.name
	b.notify(ev)

	a.log.WithField("endpoint", ep.Name()).Info("adapter registered")
	return nil
}

// UnregisterAdapter hides the adapter, destroys its identifier space and
// unpublishes its endpoint. Devices should have been removed first; any that
// remain are reported and detached without running driver callbacks. The
// adapter's memory is released by the final Put, not here.
func (b *Bus) UnregisterAdapter(a *Adapter) error {
	if a == nil {
		return fmt.Errorf("%w: nil adapter", types.ErrInvalidArgument)
	}

	b.adaptersMu.Lock()
	idx := -1
	for i, cur := range b.adapters {
		if cur == a {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.adaptersMu.Unlock()
		return fmt.Errorf("%w: adapter %q not registered", types.ErrNotFound, a.name)
	}
	a.ready.Store(false)
	b.adapters = append(b.adapters[:idx], b.adapters[idx+1:]...)
	b.adaptersMu.Unlock()

	if leftover := a.dropClients(); len(leftover) > 0 {
		a.log.WithField("clients", leftover).Warnf("not all clients removed (%d left)", len(leftover))
	}

	ep := a.detachBus()
	if ep != nil {
		if err := b.publisher.Unpublish(ep); err != nil {
			a.log.Errorf("cannot unpublish endpoint %s: %v", ep.Name(), err)
		}
	}

	ev := newEvent(ActionRemove)
	ev.Adapter = a.name
	b.notify(ev)

	a.log.Info("adapter unregistered")
	a.Put()
	return nil
}

// LookupAdapter returns a referenced adapter by name. The caller must Put it.
func (b *Bus) LookupAdapter(name string) (*Adapter, error) {
	b.adaptersMu.Lock()
	a := b.lookupLocked(name)
	b.adaptersMu.Unlock()

	if a == nil {
		return nil, fmt.Errorf("%w: adapter %q", types.ErrNotFound, name)
	}
	if a.Get() == nil {
		return nil, fmt.Errorf("%w: adapter %q", types.ErrResourceUnavailable, name)
	}
	return a, nil
}

// Adapters returns a snapshot of the registered adapters in registration order.
func (b *Bus) Adapters() []types.AdapterInfo {
	b.adaptersMu.Lock()
	snapshot := make([]*Adapter, len(b.adapters))
	copy(snapshot, b.adapters)
	b.adaptersMu.Unlock()

	out := make([]types.AdapterInfo, 0, len(snapshot))
	for _, a := range snapshot {
		out = append(out, a.Info())
	}
	return out
}

func (b *Bus) lookupLocked(name string) *Adapter {
	for _, a := range b.adapters {
		if a.name == name {
			return a
		}
	}
	return nil
}

func (b *Bus) lookupEndpointLocked(epName string) *Adapter {
	for _, a := range b.adapters {
		if EndpointName(a.name) == epName {
			return a
		}
	}
	return nil
}

func (b *Bus) unreserve(epName string) {
	b.adaptersMu.Lock()
	delete(b.reserved, epName)
	b.adaptersMu.Unlock()
}
