// Package types defines shared data types for the pdm device manager.
// They are plain Go structs so transports, adapters and output packages can
// exchange device descriptions without importing the bus core.
package types

// NameMax is the maximum length in bytes of adapter and node names.
const NameMax = 64

// BusType identifies the hardware transport a node is attached to.
type BusType string

const (
	BusPlatform BusType = "platform"
	BusI2C      BusType = "i2c"
	BusSPI      BusType = "spi"
	BusGPIO     BusType = "gpio"
	BusPWM      BusType = "pwm"
	BusNetlink  BusType = "netlink"
	BusRDMA     BusType = "rdma"
)

// Node is the device-tree equivalent description of one physical unit.
// Transports hand out *Node values as backing handles, so a Node must not
// be copied once it has been registered.
type Node struct {
	// Name is the node name (e.g. "status-led").
	Name string `json:"name"`
	// Compatible is the driver match string (e.g. "pdm,led-gpio").
	Compatible string `json:"compatible"`
	// Bus is the transport the node lives on.
	Bus BusType `json:"bus,omitempty"`
	// Disabled nodes are skipped by transports.
	Disabled bool `json:"disabled,omitempty"`
	// Properties carries driver specific settings (paths, widths, ...).
	Properties map[string]string `json:"properties,omitempty"`
}

// Property returns a node property, or "" when the node or key is absent.
func (n *Node) Property(key string) string {
	if n == nil || n.Properties == nil {
		return ""
	}
	return n.Properties[key]
}

// DeviceInfo is a snapshot of one attached device, used for listings.
type DeviceInfo struct {
	// ID is the adapter-scoped identifier.
	ID int `json:"id"`
	// Index is the bus-scoped index, -1 if the device is not on the bus.
	Index int `json:"index"`
	// Name is the device name (e.g. "led.0").
	Name string `json:"name"`
	// Adapter is the owning adapter name.
	Adapter string `json:"adapter"`
	// Compatible is the match string of the device node.
	Compatible string `json:"compatible,omitempty"`
	// Bus is the transport the device was discovered on.
	Bus BusType `json:"bus,omitempty"`
	// Driver is the name of the bound driver, if any.
	Driver string `json:"driver,omitempty"`
}

// AdapterInfo is a snapshot of one registered adapter.
type AdapterInfo struct {
	// Name is the unique adapter name.
	Name string `json:"name"`
	// Endpoint is the published control endpoint name.
	Endpoint string `json:"endpoint,omitempty"`
	// CDIDevice is the qualified CDI device name of the endpoint, if any.
	CDIDevice string `json:"cdi_device,omitempty"`
	// Node is the control node path of the endpoint, if any.
	Node string `json:"node,omitempty"`
	// Ready reports whether the adapter accepts devices.
	Ready bool `json:"ready"`
	// Devices is the number of attached devices.
	Devices int `json:"devices"`
	// IDStart and IDEnd bound the adapter's identifier range.
	IDStart int `json:"id_start"`
	IDEnd   int `json:"id_end"`
}
