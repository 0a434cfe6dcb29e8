// Package platform registers the nodes of a board description as bus
// devices. Each device is backed by its *types.Node.
package platform

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/pdm/pkg/bus"
	"github.com/Nativu5/pdm/pkg/transport"
	"github.com/Nativu5/pdm/pkg/types"
)

// Name is the transport name used in board files and flags.
const Name = "platform"

// Transport registers statically described nodes.
type Transport struct {
	nodes []*types.Node

	mu      sync.Mutex
	bus     *bus.Bus
	tracker transport.Tracker
}

// New returns a transport for nodes. Disabled nodes are skipped.
func New(nodes []*types.Node) *Transport {
	return &Transport{nodes: nodes}
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return Name }

// Start registers every enabled node. A node whose probe fails aborts Start
// after the nodes registered so far have been removed again.
func (t *Transport) Start(b *bus.Bus) error {
	t.mu.Lock()
	t.bus = b
	t.mu.Unlock()

	for _, n := range t.nodes {
		if n == nil || n.Disabled {
			continue
		}
		if err := t.tracker.Attach(b, n, n); err != nil {
			t.tracker.DetachAll(b)
			return fmt.Errorf("node %q: %w", n.Name, err)
		}
		log.Debugf("platform node %s registered", n.Name)
	}
	log.Infof("platform transport registered %d node(s)", t.tracker.Len())
	return nil
}

// Stop removes every registered node in reverse order.
func (t *Transport) Stop() {
	t.mu.Lock()
	b := t.bus
	t.bus = nil
	t.mu.Unlock()
	if b == nil {
		return
	}
	t.tracker.DetachAll(b)
}

// Remove unregisters a single node, as a hot-unplug would.
func (t *Transport) Remove(n *types.Node) error {
	t.mu.Lock()
	b := t.bus
	t.mu.Unlock()
	if b == nil {
		return fmt.Errorf("%w: platform transport not started", types.ErrResourceUnavailable)
	}
	return t.tracker.Detach(b, n)
}
