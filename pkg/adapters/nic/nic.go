// Package nic is the network interface adapter driver. It binds links found
// by the netlink transport and RDMA functions found by the rdma transport
// and reports their live link state.
package nic

import (
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/Nativu5/pdm/pkg/adapters"
	"github.com/Nativu5/pdm/pkg/bus"
	"github.com/Nativu5/pdm/pkg/ioctl"
	nltransport "github.com/Nativu5/pdm/pkg/transport/netlink"
	"github.com/Nativu5/pdm/pkg/transport/rdma"
	"github.com/Nativu5/pdm/pkg/types"
)

const (
	AdapterName = "nic"
	DriverName  = "pdm-nic"
)

// LinkLookup resolves an interface name to its current link.
type LinkLookup func(name string) (netlink.Link, error)

// NIC is the per-device driver state.
type NIC struct {
	Node *types.Node
	Kind string
}

// IfName returns the kernel interface name, or "".
func (n *NIC) IfName() string {
	return n.Node.Property("ifname")
}

// Master is the NIC adapter driver.
type Master struct {
	adapters.Unit
	lookup LinkLookup
}

// Option configures a Master.
type Option func(*Master)

// WithLinkLookup overrides how live link state is read.
func WithLinkLookup(fn LinkLookup) Option {
	return func(m *Master) {
		if fn != nil {
			m.lookup = fn
		}
	}
}

// New returns a NIC adapter driver ready for Init.
func New(opts ...Option) *Master {
	m := &Master{lookup: netlink.LinkByName}
	for _, opt := range opts {
		opt(m)
	}
	m.Name = AdapterName
	m.Driver = &bus.Driver{
		Name: DriverName,
		IDTable: []bus.DeviceID{
			{Compatible: nltransport.Compatible, Data: nltransport.Name},
			{Compatible: rdma.Compatible, Data: rdma.Name},
		},
		Probe:  m.probe,
		Remove: m.Detach,
	}
	m.Control = &control{m: m}
	return m
}

func (m *Master) probe(d *bus.Device) error {
	kind, _ := d.MatchData().(string)
	return m.Attach(d, &NIC{Node: d.Node(), Kind: kind})
}

// Info reports the state of n as device id.
func (m *Master) Info(id int, n *NIC) ioctl.NICInfo {
	info := ioctl.NICInfo{
		ID:          id,
		Name:        n.Node.Name,
		PCIAddress:  n.Node.Property("pci"),
		MAC:         n.Node.Property("mac"),
		RdmaDevices: splitList(n.Node.Property("rdmadevs")),
		CharDevices: splitList(n.Node.Property("chardevs")),
	}
	if mtu, err := strconv.Atoi(n.Node.Property("mtu")); err == nil {
		info.MTU = mtu
	}

	ifname := n.IfName()
	if ifname == "" {
		return info
	}
	info.Name = ifname
	if info.PCIAddress == "" {
		if pci, err := rdma.GetPciAddress(ifname); err == nil {
			info.PCIAddress = pci
		}
	}

	link, err := m.lookup(ifname)
	if err != nil {
		log.Debugf("no live link state for %s: %v", ifname, err)
		return info
	}
	attrs := link.Attrs()
	info.MTU = attrs.MTU
	info.OperState = attrs.OperState.String()
	if len(attrs.HardwareAddr) > 0 {
		info.MAC = attrs.HardwareAddr.String()
	}
	return info
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

type control struct {
	bus.DefaultControl
	m *Master
}

func (c *control) Ioctl(f *bus.File, cmd uint32, arg []byte) ([]byte, error) {
	if cmd != ioctl.CmdNICInfo {
		return nil, adapters.Unsupported(f, cmd)
	}
	var req ioctl.NICQuery
	if err := ioctl.Decode(arg, &req); err != nil {
		return nil, err
	}
	_, n, err := adapters.Lookup[*NIC](f, req.ID)
	if err != nil {
		return nil, err
	}
	return adapters.Reply(c.m.Info(req.ID, n), nil)
}
