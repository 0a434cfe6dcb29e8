package rdma

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Mellanox/rdmamap"
	"github.com/vishvananda/netlink"
)

var (
	sysNetDevices = "/sys/class/net"
	sysBusPci     = "/sys/bus/pci/devices"
)

// RequiredCharDevices lists the RDMA character device types a unit must
// expose to be usable from user space.
var RequiredCharDevices = []string{"rdma_cm", "umad", "uverbs"}

// ───────────────────────────────────────────
//  sysfs helpers
// ───────────────────────────────────────────

// GetPciAddress returns the PCI address for a given network interface name
// by reading the /sys/class/net/<ifName>/device symlink.
func GetPciAddress(ifName string) (string, error) {
	ifaceDir := path.Join(sysNetDevices, ifName, "device")
	dirInfo, err := os.Lstat(ifaceDir)
	if err != nil {
		return "", fmt.Errorf("cannot stat device symlink for interface %q: %w", ifName, err)
	}

	if (dirInfo.Mode() & os.ModeSymlink) == 0 {
		return "", fmt.Errorf("no symbolic link for interface %q", ifName)
	}

	pciInfo, err := os.Readlink(ifaceDir)
	if err != nil {
		return "", fmt.Errorf("cannot read device symlink for interface %q: %w", ifName, err)
	}

	// ../../devices/pci.../0000:86:00.0
	return path.Base(pciInfo), nil
}

// GetNetNames returns the network interface names of a PCI device.
func GetNetNames(pciAddr string) ([]string, error) {
	netDir := filepath.Join(sysBusPci, pciAddr, "net")
	if _, err := os.Lstat(netDir); err != nil {
		return nil, fmt.Errorf("no net directory under PCI device %s: %w", pciAddr, err)
	}

	entries, err := os.ReadDir(netDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read net directory %s: %w", netDir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// GetPCIDevDriver returns the kernel driver currently bound to a PCI device.
func GetPCIDevDriver(pciAddr string) (string, error) {
	driverLink := filepath.Join(sysBusPci, pciAddr, "driver")
	driverInfo, err := os.Readlink(driverLink)
	if err != nil {
		return "", fmt.Errorf("cannot read driver symlink for PCI device %s: %w", pciAddr, err)
	}
	return filepath.Base(driverInfo), nil
}

// GetPCIVendor returns the PCI vendor ID of a device without the 0x prefix.
func GetPCIVendor(pciAddr string) string {
	return readSysfsAttr(filepath.Join(sysBusPci, pciAddr, "vendor"))
}

// GetPCIDeviceID returns the PCI product ID of a device.
func GetPCIDeviceID(pciAddr string) string {
	return readSysfsAttr(filepath.Join(sysBusPci, pciAddr, "device"))
}

// GetLinkType returns the link encapsulation type of an interface.
func GetLinkType(ifName string) string {
	if ifName == "" {
		return ""
	}
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return ""
	}
	return link.Attrs().EncapType
}

func readSysfsAttr(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	val := strings.TrimSpace(string(data))
	val = strings.TrimPrefix(val, "0x")
	return val
}

// ───────────────────────────────────────────
//  character devices
// ───────────────────────────────────────────

// GetRdmaCharDevices returns all RDMA character device paths for a PCI address.
// Example: ["/dev/infiniband/uverbs0", "/dev/infiniband/rdma_cm"].
func GetRdmaCharDevices(pciAddress string) []string {
	rdmaResources := rdmamap.GetRdmaDevicesForPcidev(pciAddress)
	charDevs := make([]string, 0, len(rdmaResources))
	for _, resource := range rdmaResources {
		charDevs = append(charDevs, rdmamap.GetRdmaCharDevices(resource)...)
	}
	return charDevs
}

// GetRdmaDeviceNames returns the RDMA device names (e.g. mlx5_0) of a PCI address.
func GetRdmaDeviceNames(pciAddress string) []string {
	return rdmamap.GetRdmaDevicesForPcidev(pciAddress)
}

// VerifyRdmaDevices checks that every required character device type is
// present in charDevPaths.
func VerifyRdmaDevices(charDevPaths []string) error {
	for _, required := range RequiredCharDevices {
		found := false
		for _, devPath := range charDevPaths {
			if strings.Contains(filepath.Base(devPath), required) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("required RDMA device type %q not found", required)
		}
	}
	return nil
}
