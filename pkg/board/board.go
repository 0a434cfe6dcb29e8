// Package board loads the YAML board description: the node list standing in
// for a device tree, adapter identifier ranges and transport settings.
package board

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/Nativu5/pdm/pkg/types"
)

// AdapterConfig overrides the identifier range of one adapter.
type AdapterConfig struct {
	Name    string `json:"name"`
	IDStart int    `json:"idStart"`
	IDEnd   int    `json:"idEnd"`
}

// TransportConfig enables or disables a hardware transport.
type TransportConfig struct {
	Name     string `json:"name"`
	Disabled bool   `json:"disabled,omitempty"`
	// IgnoreFailures defaults to true when unset.
	IgnoreFailures *bool `json:"ignoreFailures,omitempty"`
}

// Board is a parsed board description.
type Board struct {
	Name       string            `json:"name,omitempty"`
	Adapters   []AdapterConfig   `json:"adapters,omitempty"`
	Transports []TransportConfig `json:"transports,omitempty"`
	Nodes      []*types.Node     `json:"nodes,omitempty"`
}

// Load reads and validates a board file.
func Load(path string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read board file %s: %w", path, err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("board file %s: %w", path, err)
	}
	log.Infof("loaded board %q with %d node(s) from %s", b.Name, len(b.Nodes), path)
	return b, nil
}

// Parse decodes and validates a YAML board description. Unknown fields are
// rejected.
func Parse(data []byte) (*Board, error) {
	var b Board
	if err := yaml.UnmarshalStrict(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidArgument, err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Validate checks node and adapter names for uniqueness and ranges for sanity.
func (b *Board) Validate() error {
	nodes := make(map[string]struct{}, len(b.Nodes))
	for i, n := range b.Nodes {
		if n == nil {
			return fmt.Errorf("%w: node %d is empty", types.ErrInvalidArgument, i)
		}
		if n.Name == "" || len(n.Name) > types.NameMax {
			return fmt.Errorf("%w: node %d has invalid name %q", types.ErrInvalidArgument, i, n.Name)
		}
		if n.Compatible == "" {
			return fmt.Errorf("%w: node %q has no compatible string", types.ErrInvalidArgument, n.Name)
		}
		if _, dup := nodes[n.Name]; dup {
			return fmt.Errorf("%w: duplicate node %q", types.ErrAlreadyExists, n.Name)
		}
		nodes[n.Name] = struct{}{}
		if n.Bus == "" {
			n.Bus = types.BusPlatform
		}
	}

	adapters := make(map[string]struct{}, len(b.Adapters))
	for _, a := range b.Adapters {
		if a.Name == "" || len(a.Name) > types.NameMax {
			return fmt.Errorf("%w: adapter name %q", types.ErrInvalidArgument, a.Name)
		}
		if _, dup := adapters[a.Name]; dup {
			return fmt.Errorf("%w: duplicate adapter %q", types.ErrAlreadyExists, a.Name)
		}
		adapters[a.Name] = struct{}{}
		if a.IDStart < 0 || a.IDEnd <= a.IDStart {
			return fmt.Errorf("%w: adapter %q id range [%d, %d)", types.ErrInvalidArgument, a.Name, a.IDStart, a.IDEnd)
		}
	}

	transports := make(map[string]struct{}, len(b.Transports))
	for _, t := range b.Transports {
		if t.Name == "" {
			return fmt.Errorf("%w: transport without name", types.ErrInvalidArgument)
		}
		if _, dup := transports[t.Name]; dup {
			return fmt.Errorf("%w: duplicate transport %q", types.ErrAlreadyExists, t.Name)
		}
		transports[t.Name] = struct{}{}
	}
	return nil
}

// AdapterRange returns the configured identifier range for an adapter.
func (b *Board) AdapterRange(name string) (start, end int, ok bool) {
	if b == nil {
		return 0, 0, false
	}
	for _, a := range b.Adapters {
		if a.Name == name {
			return a.IDStart, a.IDEnd, true
		}
	}
	return 0, 0, false
}

// Transport returns the settings of a transport. Transports not listed are
// enabled and ignore failures.
func (b *Board) Transport(name string) TransportConfig {
	if b != nil {
		for _, t := range b.Transports {
			if t.Name == name {
				return t
			}
		}
	}
	return TransportConfig{Name: name}
}

// Ignore reports whether init failures of the transport are ignored.
func (t TransportConfig) Ignore() bool {
	return t.IgnoreFailures == nil || *t.IgnoreFailures
}

// EnabledNodes returns the nodes not marked disabled.
func (b *Board) EnabledNodes() []*types.Node {
	if b == nil {
		return nil
	}
	out := make([]*types.Node, 0, len(b.Nodes))
	for _, n := range b.Nodes {
		if !n.Disabled {
			out = append(out, n)
		}
	}
	return out
}
