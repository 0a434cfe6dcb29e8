// Package subdriver registers ordered batches of independently initialised
// units and unwinds them in reverse. It is used for adapter drivers,
// hardware transports and per-adapter backends alike.
package subdriver

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/pdm/pkg/types"
)

// Subdriver describes one unit of a batch.
type Subdriver struct {
	// Name identifies the unit in logs and errors.
	Name string
	// Enabled units are initialised; disabled ones are skipped entirely.
	Enabled bool
	// IgnoreFailures keeps the unit registered even if Init fails. Its Exit
	// must then tolerate an unsuccessful Init.
	IgnoreFailures bool
	// Init brings the unit up. A nil Init always succeeds.
	Init func() error
	// Exit tears the unit down. A nil Exit is a no-op.
	Exit func()
}

// List holds the registered units in registration order.
type List struct {
	mu      sync.Mutex
	entries []*Subdriver
}

// Len returns the number of registered units.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Names returns the registered unit names in registration order.
func (l *List) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.entries))
	for _, d := range l.entries {
		names = append(names, d.Name)
	}
	return names
}

func (l *List) push(d *Subdriver) {
	l.mu.Lock()
	l.entries = append(l.entries, d)
	l.mu.Unlock()
}

// tail returns the most recently registered unit, or nil.
func (l *List) tail() *Subdriver {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return nil
	}
	return l.entries[len(l.entries)-1]
}

// unlink removes d if it is still the tail.
func (l *List) unlink(d *Subdriver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.entries); n > 0 && l.entries[n-1] == d {
		l.entries[n-1] = nil
		l.entries = l.entries[:n-1]
	}
}

// RegisterAll initialises drivers in order and appends each to list. On the
// first failure that is not ignored, everything registered so far is
// unregistered in reverse order and the failure is returned.
func RegisterAll(drivers []*Subdriver, list *List) error {
	if list == nil {
		return types.ErrInvalidArgument
	}

	for i, d := range drivers {
		if d == nil {
			continue
		}
		if !d.Enabled {
			log.Debugf("subdriver %q disabled, skipping", d.Name)
			continue
		}
		if err := registerOne(d, list); err != nil {
			log.Errorf("failed to register subdriver %q at index %d: %v", d.Name, i, err)
			UnregisterAll(list)
			return fmt.Errorf("subdriver %q: %w", d.Name, err)
		}
	}
	log.Debugf("registered %d subdriver(s)", list.Len())
	return nil
}

func registerOne(d *Subdriver, list *List) error {
	if d.Init != nil {
		if err := d.Init(); err != nil {
			if !d.IgnoreFailures {
				return err
			}
			log.Warnf("subdriver %q init failed, ignoring: %v", d.Name, err)
		}
	}
	list.push(d)
	return nil
}

// UnregisterAll exits every unit of list from tail to head, unlinking each
// after its Exit returns.
func UnregisterAll(list *List) {
	if list == nil {
		return
	}
	for d := list.tail(); d != nil; d = list.tail() {
		if d.Exit != nil {
			d.Exit()
		}
		list.unlink(d)
		log.Debugf("subdriver %q unregistered", d.Name)
	}
}
