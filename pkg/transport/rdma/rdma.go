// Package rdma registers RDMA-capable PCI functions as bus devices. It
// wraps the Mellanox/rdmamap library to find the RDMA character devices of
// each function.
package rdma

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/pdm/pkg/bus"
	"github.com/Nativu5/pdm/pkg/transport"
	"github.com/Nativu5/pdm/pkg/types"
)

const (
	// Name is the transport name used in board files and flags.
	Name = "rdma"

	// Compatible is the match string of RDMA units.
	Compatible = "pdm,rdma"
)

// Handle is the backing handle of an RDMA unit.
type Handle struct {
	PCIAddress string
}

// Unit is one RDMA-capable PCI function.
type Unit struct {
	PCIAddress  string
	IfName      string
	Driver      string
	Vendor      string
	DeviceID    string
	LinkType    string
	RdmaDevices []string
	CharDevices []string
}

// Node describes the unit as a device node.
func (u *Unit) Node() *types.Node {
	props := map[string]string{
		"pci":      u.PCIAddress,
		"chardevs": strings.Join(u.CharDevices, ","),
	}
	for k, v := range map[string]string{
		"ifname":   u.IfName,
		"driver":   u.Driver,
		"vendor":   u.Vendor,
		"device":   u.DeviceID,
		"linktype": u.LinkType,
		"rdmadevs": strings.Join(u.RdmaDevices, ","),
	} {
		if v != "" {
			props[k] = v
		}
	}
	return &types.Node{
		Name:       "rdma-" + u.PCIAddress,
		Compatible: Compatible,
		Bus:        types.BusRDMA,
		Properties: props,
	}
}

// Discoverer finds RDMA units.
type Discoverer interface {
	DiscoverAll() ([]*Unit, error)
}

// SysfsDiscoverer discovers units from sysfs and rdmamap.
type SysfsDiscoverer struct{}

// NewDiscoverer returns the host discoverer.
func NewDiscoverer() *SysfsDiscoverer {
	return &SysfsDiscoverer{}
}

// DiscoverByPCI builds the unit of one PCI address.
func (SysfsDiscoverer) DiscoverByPCI(pciAddress string) (*Unit, error) {
	charDevs := GetRdmaCharDevices(pciAddress)
	if len(charDevs) == 0 {
		return nil, fmt.Errorf("no RDMA character devices found for PCI address %s", pciAddress)
	}
	if err := VerifyRdmaDevices(charDevs); err != nil {
		return nil, fmt.Errorf("RDMA device verification failed for %s: %w", pciAddress, err)
	}
	return buildUnit(pciAddress, charDevs), nil
}

// DiscoverAll enumerates /sys/bus/pci/devices and returns the functions
// that have RDMA character devices.
func (SysfsDiscoverer) DiscoverAll() ([]*Unit, error) {
	entries, err := os.ReadDir(sysBusPci)
	if err != nil {
		return nil, fmt.Errorf("cannot read PCI bus directory %s: %w", sysBusPci, err)
	}

	var units []*Unit
	for _, entry := range entries {
		pciAddr := entry.Name()
		charDevs := GetRdmaCharDevices(pciAddr)
		if len(charDevs) == 0 {
			continue
		}
		units = append(units, buildUnit(pciAddr, charDevs))
	}
	return units, nil
}

func buildUnit(pciAddr string, charDevs []string) *Unit {
	u := &Unit{
		PCIAddress:  pciAddr,
		CharDevices: charDevs,
		RdmaDevices: GetRdmaDeviceNames(pciAddr),
		Vendor:      GetPCIVendor(pciAddr),
		DeviceID:    GetPCIDeviceID(pciAddr),
	}

	// Best-effort enrichment
	if names, err := GetNetNames(pciAddr); err == nil && len(names) > 0 {
		sort.Strings(names)
		u.IfName = names[0]
	}
	if driver, err := GetPCIDevDriver(pciAddr); err == nil {
		u.Driver = driver
	}
	u.LinkType = GetLinkType(u.IfName)
	return u
}

// Transport registers discovered RDMA units.
type Transport struct {
	disc Discoverer

	mu      sync.Mutex
	bus     *bus.Bus
	tracker transport.Tracker
}

// New returns an RDMA transport. A nil discoverer uses sysfs.
func New(disc Discoverer) *Transport {
	if disc == nil {
		disc = NewDiscoverer()
	}
	return &Transport{disc: disc}
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return Name }

// Start registers every discovered unit. A host without RDMA units is an
// error so the registrar can report it.
func (t *Transport) Start(b *bus.Bus) error {
	units, err := t.disc.DiscoverAll()
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return fmt.Errorf("%w: no RDMA devices found on the host", types.ErrNotFound)
	}

	t.mu.Lock()
	t.bus = b
	t.mu.Unlock()

	for _, u := range units {
		if err := t.tracker.Attach(b, Handle{PCIAddress: u.PCIAddress}, u.Node()); err != nil {
			log.Warnf("cannot register RDMA unit %s: %v", u.PCIAddress, err)
			continue
		}
	}
	log.Infof("rdma transport registered %d unit(s)", t.tracker.Len())
	return nil
}

// Stop removes every registered unit.
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
