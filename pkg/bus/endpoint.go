package bus

import (
	"github.com/Nativu5/pdm/pkg/utils"
)

// EndpointPrefix is prepended to adapter names to build endpoint names.
const EndpointPrefix = "pdm_master_"

// Endpoint is a published control endpoint.
type Endpoint interface {
	// Name returns the endpoint name (e.g. "pdm_master_led").
	Name() string
}

// QualifiedEndpoint is an Endpoint with a qualified device name, such as a
// CDI device.
type QualifiedEndpoint interface {
	Endpoint
	QualifiedName() string
}

// NodeEndpoint is an Endpoint backed by a control node path.
type NodeEndpoint interface {
	Endpoint
	NodePath() string
}

// EndpointPublisher exposes adapter control interfaces to the outside world
// (character devices, CDI specs, sockets). Publish is called during
// RegisterAdapter before the adapter becomes visible; Unpublish during
// UnregisterAdapter. Neither is called with a bus lock held.
type EndpointPublisher interface {
	Publish(a *Adapter) (Endpoint, error)
	Unpublish(ep Endpoint) error
}

// EndpointName derives the endpoint name of an adapter.
func EndpointName(adapter string) string {
	return EndpointPrefix + utils.SanitizeName(adapter)
}

type namedEndpoint string

func (e namedEndpoint) Name() string { return string(e) }

// NewEndpoint returns an Endpoint that only carries a name.
func NewEndpoint(name string) Endpoint {
	return namedEndpoint(name)
}

// nopPublisher publishes nothing; endpoints exist only in memory.
type nopPublisher struct{}

func (nopPublisher) Publish(a *Adapter) (Endpoint, error) {
	return NewEndpoint(EndpointName(a.Name())), nil
}

func (nopPublisher) Unpublish(Endpoint) error { return nil }
