// Package transport holds the plumbing shared by hardware transports: the
// transport contract, its registrar binding and device attach/detach.
package transport

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/pdm/pkg/bus"
	"github.com/Nativu5/pdm/pkg/subdriver"
	"github.com/Nativu5/pdm/pkg/types"
)

// Transport discovers physical units and registers them as bus devices.
type Transport interface {
	Name() string
	// Start registers every unit present now.
	Start(b *bus.Bus) error
	// Stop removes every unit registered by Start or by watching. It must
	// tolerate a failed or missing Start.
	Stop()
}

// Watcher is implemented by transports that follow hot-plug after Start.
type Watcher interface {
	Watch(ctx context.Context) error
}

// Subdriver binds t to b as a registrar unit.
func Subdriver(t Transport, b *bus.Bus, enabled, ignoreFailures bool) *subdriver.Subdriver {
	return &subdriver.Subdriver{
		Name:           t.Name(),
		Enabled:        enabled,
		IgnoreFailures: ignoreFailures,
		Init:           func() error { return t.Start(b) },
		Exit:           t.Stop,
	}
}

// Attach allocates a device for backing and registers it on b. The device
// is freed again if registration fails.
func Attach(b *bus.Bus, backing any, node *types.Node) (*bus.Device, error) {
	d, err := bus.NewDevice(backing, node, nil)
	if err != nil {
		return nil, err
	}
	if err := b.RegisterDevice(d); err != nil {
		d.Free()
		return nil, err
	}
	return d, nil
}

// Detach unregisters the device backed by h (running the driver's remove)
// and drops the allocation reference.
func Detach(b *bus.Bus, h any) error {
	d, err := b.FindDeviceByHandle(h)
	if err != nil {
		return err
	}
	if err := b.UnregisterDevice(d); err != nil {
		return err
	}
	d.Free()
	return nil
}

// Tracker remembers the handles a transport attached, in attach order.
type Tracker struct {
	mu      sync.Mutex
	handles []any
}

// Attach attaches backing on b and records it.
func (t *Tracker) Attach(b *bus.Bus, backing any, node *types.Node) error {
	if _, err := Attach(b, backing, node); err != nil {
		return err
	}
	t.mu.Lock()
	t.handles = append(t.handles, backing)
	t.mu.Unlock()
	return nil
}

// Has reports whether h is tracked.
func (t *Tracker) Has(h any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cur := range t.handles {
		if cur == h {
			return true
		}
	}
	return false
}

// Detach detaches h from b and forgets it.
func (t *Tracker) Detach(b *bus.Bus, h any) error {
	t.mu.Lock()
	idx := -1
	for i, cur := range t.handles {
		if cur == h {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return fmt.Errorf("%w: handle %v not attached", types.ErrNotFound, h)
	}
	t.handles = append(t.handles[:idx], t.handles[idx+1:]...)
	t.mu.Unlock()

	return Detach(b, h)
}

// DetachAll detaches every tracked handle in reverse attach order.
func (t *Tracker) DetachAll(b *bus.Bus) {
	t.mu.Lock()
	handles := t.handles
	t.handles = nil
	t.mu.Unlock()

	for i := len(handles) - 1; i >= 0; i-- {
		if err := Detach(b, handles[i]); err != nil {
			log.Warnf("cannot detach %v: %v", handles[i], err)
		}
	}
}

// Len returns the number of tracked handles.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}
