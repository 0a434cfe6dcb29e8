// Package cdi publishes adapter control endpoints as CDI (Container Device
// Interface) spec files, so containers can be granted an adapter's control
// node by its qualified name.
package cdi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	cdiapi "tags.cncf.io/container-device-interface/pkg/cdi"
	cdiparser "tags.cncf.io/container-device-interface/pkg/parser"
	cdiSpecs "tags.cncf.io/container-device-interface/specs-go"

	"github.com/Nativu5/pdm/pkg/bus"
	"github.com/Nativu5/pdm/pkg/types"

	"sigs.k8s.io/yaml"
)

const (
	// FilePrefix is prepended to all spec files written by pdm
	// to enable safe cleanup without affecting specs from other sources.
	FilePrefix = "pdm-cdi"

	// DefaultOutputDir is the standard CDI spec directory.
	DefaultOutputDir = "/etc/cdi"

	// DefaultVendor and DefaultClass form the CDI kind "pdm/master".
	DefaultVendor = "pdm"
	DefaultClass  = "master"

	// DefaultDevDir holds adapter control nodes.
	DefaultDevDir = "/dev/pdm"

	// DefaultFormat is the spec file encoding.
	DefaultFormat = "yaml"
)

// DeviceNode is one device node injected into a container.
type DeviceNode struct {
	HostPath      string
	ContainerPath string
	Permissions   string
}

// SpecFileName returns the deterministic file name for a given vendor, name, and format.
// Format: pdm-cdi_<vendor>_<name>.<ext>
func SpecFileName(vendor, name, format string) string {
	// Normalize: replace '/' in vendor with '_'
	safeVendor := strings.ReplaceAll(vendor, "/", "_")
	return fmt.Sprintf("%s_%s_%s.%s", FilePrefix, safeVendor, name, format)
}

// CreateCDISpec writes a spec of kind vendor/class holding a single device
// called name with the given nodes. It returns the path of the written file.
func CreateCDISpec(vendor, class, name string, nodes []DeviceNode, outputDir, format string) (string, error) {
	log.Debugf("creating CDI spec for %s/%s=%s", vendor, class, name)

	containerEdit := cdiSpecs.ContainerEdits{
		DeviceNodes: make([]*cdiSpecs.DeviceNode, 0, len(nodes)),
	}
	for _, n := range nodes {
		containerEdit.DeviceNodes = append(containerEdit.DeviceNodes, &cdiSpecs.DeviceNode{
			Path:        n.ContainerPath,
			HostPath:    n.HostPath,
			Permissions: n.Permissions,
		})
	}

	spec := &cdiSpecs.Spec{
		Version: cdiSpecs.CurrentVersion,
		Kind:    vendor + "/" + class,
		Devices: []cdiSpecs.Device{{
			Name:           name,
			ContainerEdits: containerEdit,
		}},
	}

	// Validate the spec before touching the filesystem
	if err := validateSpec(spec); err != nil {
		return "", fmt.Errorf("generated CDI spec is invalid: %w", err)
	}

	data, err := marshalSpec(spec, format)
	if err != nil {
		return "", fmt.Errorf("cannot marshal CDI spec: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("cannot create output directory %s: %w", outputDir, err)
	}

	filePath := filepath.Join(outputDir, SpecFileName(vendor, name, strings.ToLower(format)))
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", fmt.Errorf("cannot write CDI spec file %s: %w", filePath, err)
	}

	log.Infof("CDI spec written to %s", filePath)
	return filePath, nil
}

// CreateContainerAnnotations generates CDI container annotations for the
// given endpoint names. Keys are CDI qualified names (vendor/class=name).
func CreateContainerAnnotations(names []string, vendor, class string) (map[string]string, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("endpoint list is empty")
	}

	annotations := make(map[string]string)
	for _, name := range names {
		qn := cdiparser.QualifiedName(vendor, class, name)
		annotations[qn] = qn
	}

	log.Debugf("created CDI annotations: %v", annotations)
	return annotations, nil
}

// CleanupSpecs removes CDI spec files created by pdm from dir.
// If name is empty, all specs matching the given vendor are removed.
// If name is non-empty, only the exact match is removed.
func CleanupSpecs(dir, vendor, name string, dryRun bool) ([]string, error) {
	if dir == "" {
		dir = DefaultOutputDir
	}

	safeVendor := strings.ReplaceAll(vendor, "/", "_")
	if name != "" {
		patternJSON := filepath.Join(dir, fmt.Sprintf("%s_%s_%s.json", FilePrefix, safeVendor, name))
		patternYAML := filepath.Join(dir, fmt.Sprintf("%s_%s_%s.yaml", FilePrefix, safeVendor, name))
		return cleanupFiles([]string{patternJSON, patternYAML}, dryRun)
	}

	// Restrict to known extensions only
	var matches []string
	for _, ext := range []string{"json", "yaml"} {
		pattern := filepath.Join(dir, fmt.Sprintf("%s_%s_*.%s", FilePrefix, safeVendor, ext))
		m, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob error for pattern %s: %w", pattern, err)
		}
		matches = append(matches, m...)
	}
	return cleanupFiles(matches, dryRun)
}

func cleanupFiles(paths []string, dryRun bool) ([]string, error) {
	removed := make([]string, 0)
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if dryRun {
			log.Infof("[dry-run] would remove: %s", p)
			removed = append(removed, p)
			continue
		}
		log.Infof("removing CDI spec file: %s", p)
		if err := os.Remove(p); err != nil {
			return removed, fmt.Errorf("cannot remove %s: %w", p, err)
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// validateSpec performs basic validation on a CDI spec.
func validateSpec(spec *cdiSpecs.Spec) error {
	if spec.Kind == "" {
		return fmt.Errorf("spec kind must not be empty")
	}
	vendor, class := cdiparser.ParseQualifier(spec.Kind)
	if err := cdiparser.ValidateVendorName(vendor); err != nil {
		return err
	}
	if err := cdiparser.ValidateClassName(class); err != nil {
		return err
	}
	if len(spec.Devices) == 0 {
		return fmt.Errorf("spec must contain at least one device")
	}
	for _, dev := range spec.Devices {
		if err := cdiparser.ValidateDeviceName(dev.Name); err != nil {
			return err
		}
		if len(dev.ContainerEdits.DeviceNodes) == 0 {
			return fmt.Errorf("device %q has no device nodes", dev.Name)
		}
	}
	return nil
}

// marshalSpec serializes a CDI spec to JSON or YAML bytes.
func marshalSpec(spec *cdiSpecs.Spec, format string) ([]byte, error) {
	_ = cdiapi.GetDefaultCache() // ensure CDI cache is initialized

	switch strings.ToLower(format) {
	case "json":
		return json.MarshalIndent(spec, "", "  ")
	case "yaml":
		jsonData, err := json.Marshal(spec)
		if err != nil {
			return nil, err
		}
		return yaml.JSONToYAML(jsonData)
	default:
		return nil, fmt.Errorf("unsupported format %q: use json or yaml", format)
	}
}

// ───────────────────────────────────────────
//  endpoint publisher
// ───────────────────────────────────────────

// Endpoint is an adapter control endpoint backed by a CDI spec file.
type Endpoint struct {
	name      string
	node      string
	specPath  string
	qualified string
}

// Name returns the endpoint name (pdm_master_<adapter>).
func (e *Endpoint) Name() string { return e.name }

var (
	_ bus.QualifiedEndpoint = (*Endpoint)(nil)
	_ bus.NodeEndpoint      = (*Endpoint)(nil)
)

// NodePath returns the control node path injected into containers.
func (e *Endpoint) NodePath() string { return e.node }

// SpecPath returns the CDI spec file describing the endpoint.
func (e *Endpoint) SpecPath() string { return e.specPath }

// QualifiedName returns the CDI device name (vendor/class=name).
func (e *Endpoint) QualifiedName() string { return e.qualified }

// Publisher writes one CDI spec per registered adapter and removes it again
// on unregistration. It implements bus.EndpointPublisher.
type Publisher struct {
	Dir    string
	DevDir string
	Vendor string
	Class  string
	Format string

	mu        sync.Mutex
	published map[string]*Endpoint
}

// NewPublisher returns a publisher writing specs to dir with default
// vendor, class, node directory and format.
func NewPublisher(dir string) *Publisher {
	if dir == "" {
		dir = DefaultOutputDir
	}
	return &Publisher{
		Dir:       dir,
		DevDir:    DefaultDevDir,
		Vendor:    DefaultVendor,
		Class:     DefaultClass,
		Format:    DefaultFormat,
		published: make(map[string]*Endpoint),
	}
}

// Publish writes the CDI spec for a's control node.
func (p *Publisher) Publish(a *bus.Adapter) (bus.Endpoint, error) {
	name := bus.EndpointName(a.Name())
	node := filepath.Join(p.DevDir, name)

	path, err := CreateCDISpec(p.Vendor, p.Class, name, []DeviceNode{{
		HostPath:      node,
		ContainerPath: node,
		Permissions:   "rw",
	}}, p.Dir, p.Format)
	if err != nil {
		return nil, err
	}

	ep := &Endpoint{
		name:      name,
		node:      node,
		specPath:  path,
		qualified: cdiparser.QualifiedName(p.Vendor, p.Class, name),
	}
	p.mu.Lock()
	p.published[name] = ep
	p.mu.Unlock()
	return ep, nil
}

// Unpublish removes the spec file of ep.
func (p *Publisher) Unpublish(ep bus.Endpoint) error {
	e, ok := ep.(*Endpoint)
	if !ok || e == nil {
		return fmt.Errorf("%w: endpoint %T was not published as CDI", types.ErrInvalidArgument, ep)
	}

	p.mu.Lock()
	delete(p.published, e.name)
	p.mu.Unlock()

	if _, err := cleanupFiles([]string{e.specPath}, false); err != nil {
		return err
	}
	return nil
}

// Endpoints returns the sorted qualified names of the currently published
// endpoints.
func (p *Publisher) Endpoints() []string {
	p.mu.Lock()
	out := make([]string, 0, len(p.published))
	for _, ep := range p.published {
		out = append(out, ep.qualified)
	}
	p.mu.Unlock()
	sort.Strings(out)
	return out
}
