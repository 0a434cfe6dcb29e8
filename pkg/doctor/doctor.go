// Package doctor provides pdm health diagnostics.
// It checks adapter and device registry state, published control
// endpoints, and the RDMA environment of NIC units.
package doctor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/vishvananda/netlink"

	"github.com/Nativu5/pdm/pkg/cdi"
	"github.com/Nativu5/pdm/pkg/transport/rdma"
	"github.com/Nativu5/pdm/pkg/types"
)

// Severity levels for diagnostic checks.
type Severity string

const (
	Pass Severity = "PASS"
	Warn Severity = "WARN"
	Fail Severity = "FAIL"
)

// requiredKernelModules lists the kernel modules RDMA units depend on.
var requiredKernelModules = []string{"ib_core", "ib_uverbs", "ib_umad", "rdma_cm", "rdma_ucm"}

// linkByName is replaced in tests.
var linkByName = netlink.LinkByName

// CheckResult represents one diagnostic check outcome.
type CheckResult struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Device   string   `json:"device,omitempty"`
}

// Report holds all diagnostic results for a device or the whole host.
type Report struct {
	Results []CheckResult `json:"results"`
	HasWarn bool          `json:"-"`
	HasFail bool          `json:"-"`
}

// add appends a result and updates summary flags.
func (r *Report) add(cr CheckResult) {
	r.Results = append(r.Results, cr)
	switch cr.Severity {
	case Warn:
		r.HasWarn = true
	case Fail:
		r.HasFail = true
	}
}

// filtered returns results, optionally excluding PASS entries.
func (r *Report) filtered(showPass bool) []CheckResult {
	if showPass {
		return r.Results
	}
	var out []CheckResult
	for _, cr := range r.Results {
		if cr.Severity != Pass {
			out = append(out, cr)
		}
	}
	return out
}

// ───────────────────────────────────────────
//  registry
// ───────────────────────────────────────────

// DiagnoseBus checks adapter readiness, client bookkeeping and driver
// binding from registry snapshots.
func DiagnoseBus(adapters []types.AdapterInfo, devices []types.DeviceInfo) *Report {
	report := &Report{}

	if len(adapters) == 0 {
		report.add(CheckResult{
			Check:    "adapters",
			Severity: Warn,
			Message:  "No adapters registered",
		})
	}

	for _, a := range adapters {
		if a.Ready {
			report.add(CheckResult{Check: "adapter_ready", Severity: Pass, Message: "Adapter accepts devices", Device: a.Name})
		} else {
			report.add(CheckResult{Check: "adapter_ready", Severity: Fail, Message: "Adapter is not ready", Device: a.Name})
		}

		if a.Endpoint == "" {
			report.add(CheckResult{Check: "adapter_endpoint", Severity: Warn, Message: "No control endpoint published", Device: a.Name})
		}

		capacity := a.IDEnd - a.IDStart
		switch {
		case !a.Ready && a.Devices > 0:
			report.add(CheckResult{
				Check:    "adapter_clients",
				Severity: Fail,
				Message:  fmt.Sprintf("%d client(s) left on an unregistered adapter", a.Devices),
				Device:   a.Name,
			})
		case a.Devices >= capacity:
			report.add(CheckResult{
				Check:    "adapter_clients",
				Severity: Warn,
				Message:  fmt.Sprintf("Identifier range [%d, %d) exhausted", a.IDStart, a.IDEnd),
				Device:   a.Name,
			})
		default:
			report.add(CheckResult{
				Check:    "adapter_clients",
				Severity: Pass,
				Message:  fmt.Sprintf("%d of %d identifier(s) in use", a.Devices, capacity),
				Device:   a.Name,
			})
		}
	}

	for _, d := range devices {
		switch {
		case d.Driver == "":
			report.add(CheckResult{
				Check:    "device_binding",
				Severity: Warn,
				Message:  fmt.Sprintf("No driver bound for compatible %q", d.Compatible),
				Device:   d.Name,
			})
		case d.Adapter == "":
			report.add(CheckResult{
				Check:    "device_binding",
				Severity: Warn,
				Message:  fmt.Sprintf("Bound to %s but not attached to an adapter", d.Driver),
				Device:   d.Name,
			})
		default:
			report.add(CheckResult{
				Check:    "device_binding",
				Severity: Pass,
				Message:  fmt.Sprintf("Bound to %s on %s", d.Driver, d.Adapter),
				Device:   d.Name,
			})
		}
	}
	return report
}

// DiagnoseEndpoints verifies that the CDI spec of every adapter endpoint
// exists in dir.
func DiagnoseEndpoints(adapters []types.AdapterInfo, dir, vendor, format string) *Report {
	report := &Report{}
	for _, a := range adapters {
		if a.Endpoint == "" {
			continue
		}
		path := filepath.Join(dir, cdi.SpecFileName(vendor, a.Endpoint, format))
		if _, err := os.Stat(path); err != nil {
			report.add(CheckResult{
				Check:    "endpoint_spec",
				Severity: Fail,
				Message:  fmt.Sprintf("CDI spec for %s not readable: %v", a.Endpoint, err),
				Device:   a.Name,
			})
			continue
		}
		report.add(CheckResult{
			Check:    "endpoint_spec",
			Severity: Pass,
			Message:  fmt.Sprintf("CDI spec present: %s", path),
			Device:   a.Name,
		})
	}
	return report
}

// ───────────────────────────────────────────
//  rdma units
// ───────────────────────────────────────────

// DiagnoseUnit runs all checks on a single RDMA unit.
func DiagnoseUnit(u *rdma.Unit) *Report {
	report := &Report{}

	// 1. RDMA character devices: presence and required types
	if len(u.CharDevices) == 0 {
		report.add(CheckResult{
			Check:    "rdma_devices",
			Severity: Fail,
			Message:  "No RDMA character devices found",
			Device:   u.PCIAddress,
		})
	} else if err := rdma.VerifyRdmaDevices(u.CharDevices); err != nil {
		report.add(CheckResult{
			Check:    "rdma_devices",
			Severity: Fail,
			Message:  fmt.Sprintf("Found %d device(s) but missing required types: %v", len(u.CharDevices), err),
			Device:   u.PCIAddress,
		})
	} else {
		report.add(CheckResult{
			Check:    "rdma_devices",
			Severity: Pass,
			Message:  fmt.Sprintf("All required RDMA devices present (%d): %s", len(u.CharDevices), strings.Join(u.CharDevices, ", ")),
			Device:   u.PCIAddress,
		})
	}

	// 2. Kernel modules
	checkKernelModules(report)

	// 3. Network interface & link attributes
	if u.IfName != "" {
		report.add(CheckResult{
			Check:    "net_interface",
			Severity: Pass,
			Message:  fmt.Sprintf("Interface: %s", u.IfName),
			Device:   u.PCIAddress,
		})
		checkLinkAttrs(report, u)
	} else {
		report.add(CheckResult{
			Check:    "net_interface",
			Severity: Warn,
			Message:  "No network interface associated",
			Device:   u.PCIAddress,
		})
	}

	// 4. RDMA netns mode
	checkRdmaNetnsMode(report, u.PCIAddress)

	return report
}

// checkKernelModules verifies that essential RDMA kernel modules are loaded.
func checkKernelModules(report *Report) {
	var missing []string
	for _, mod := range requiredKernelModules {
		path := fmt.Sprintf("/sys/module/%s", mod)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			missing = append(missing, mod)
		}
	}
	if len(missing) > 0 {
		report.add(CheckResult{
			Check:    "kernel_modules",
			Severity: Fail,
			Message:  fmt.Sprintf("Missing kernel modules: %s", strings.Join(missing, ", ")),
		})
	} else {
		report.add(CheckResult{
			Check:    "kernel_modules",
			Severity: Pass,
			Message:  fmt.Sprintf("All required kernel modules loaded: %s", strings.Join(requiredKernelModules, ", ")),
		})
	}
}

// checkLinkAttrs uses netlink to inspect link state and encap type.
func checkLinkAttrs(report *Report, u *rdma.Unit) {
	link, err := linkByName(u.IfName)
	if err != nil {
		report.add(CheckResult{
			Check:    "link_attrs",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot query link %s: %v", u.IfName, err),
			Device:   u.PCIAddress,
		})
		return
	}

	attrs := link.Attrs()
	if u.LinkType == "" {
		u.LinkType = attrs.EncapType
	}

	severity := Warn
	if attrs.OperState == netlink.OperUp {
		severity = Pass
	}
	report.add(CheckResult{
		Check:    "link_state",
		Severity: severity,
		Message:  fmt.Sprintf("Link %s is %s (encap: %s, MTU: %d)", u.IfName, attrs.OperState.String(), attrs.EncapType, attrs.MTU),
		Device:   u.PCIAddress,
	})
}

// checkRdmaNetnsMode reads RDMA netns mode from sysfs.
func checkRdmaNetnsMode(report *Report, pciAddr string) {
	data, err := os.ReadFile("/sys/module/rdma_cm/parameters/net_ns_mode")
	if err != nil {
		data, err = os.ReadFile("/sys/module/ib_core/parameters/netns_mode")
		if err != nil {
			report.add(CheckResult{
				Check:    "rdma_netns_mode",
				Severity: Warn,
				Message:  "Cannot read RDMA netns mode (sysfs path not available)",
				Device:   pciAddr,
			})
			return
		}
	}

	mode := strings.TrimSpace(string(data))
	switch mode {
	case "exclusive", "1", "Y":
		report.add(CheckResult{
			Check:    "rdma_netns_mode",
			Severity: Pass,
			Message:  fmt.Sprintf("RDMA netns mode: exclusive (%s)", mode),
			Device:   pciAddr,
		})
	case "shared", "0", "N":
		report.add(CheckResult{
			Check:    "rdma_netns_mode",
			Severity: Warn,
			Message:  fmt.Sprintf("RDMA netns mode: shared (%s), containers may not isolate RDMA traffic", mode),
			Device:   pciAddr,
		})
	default:
		report.add(CheckResult{
			Check:    "rdma_netns_mode",
			Severity: Warn,
			Message:  fmt.Sprintf("Unknown RDMA netns mode: %q", mode),
			Device:   pciAddr,
		})
	}
}

// ───────────────────────────────────────────
//  output
// ───────────────────────────────────────────

// PrintTable renders the diagnostic report as a table.
// When showPass is false, only WARN/FAIL results are shown.
func PrintTable(w io.Writer, report *Report, showPass bool) {
	results := report.filtered(showPass)
	if len(results) == 0 {
		fmt.Fprintln(w, "All checks passed.")
		return
	}
	table := tablewriter.NewTable(w)
	table.Header("STATUS", "CHECK", "DEVICE", "MESSAGE")
	for _, r := range results {
		marker := "✓"
		switch r.Severity {
		case Warn:
			marker = "!"
		case Fail:
			marker = "✗"
		}
		dev := r.Device
		if dev == "" {
			dev = "(host)"
		}
		table.Append(fmt.Sprintf("%s %s", marker, r.Severity), r.Check, dev, r.Message)
	}
	table.Render()
}

// PrintJSON renders the diagnostic report as JSON.
// When showPass is false, only WARN/FAIL results are included.
func PrintJSON(w io.Writer, report *Report, showPass bool) error {
	results := report.filtered(showPass)
	if results == nil {
		results = []CheckResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// MergeReports combines multiple reports into one.
func MergeReports(reports ...*Report) *Report {
	merged := &Report{}
	for _, r := range reports {
		if r == nil {
			continue
		}
		for _, cr := range r.Results {
			merged.add(cr)
		}
	}
	return merged
}
