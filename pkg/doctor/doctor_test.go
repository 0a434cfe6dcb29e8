package doctor

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/vishvananda/netlink"

	"github.com/Nativu5/pdm/pkg/bus"
	"github.com/Nativu5/pdm/pkg/cdi"
	"github.com/Nativu5/pdm/pkg/transport/rdma"
	"github.com/Nativu5/pdm/pkg/types"
)

// helpers

func fullUnit() *rdma.Unit {
	return &rdma.Unit{
		PCIAddress: "0000:17:00.0",
		IfName:     "enp23s0f0np0",
		Driver:     "mlx5_core",
		LinkType:   "ether",
		CharDevices: []string{
			"/dev/infiniband/rdma_cm",
			"/dev/infiniband/umad0",
			"/dev/infiniband/uverbs0",
		},
	}
}

func brokenUnit() *rdma.Unit {
	return &rdma.Unit{
		PCIAddress:  "0000:17:00.2",
		CharDevices: nil,
	}
}

func stubLinks(t *testing.T, links ...netlink.Link) {
	t.Helper()
	orig := linkByName
	linkByName = func(name string) (netlink.Link, error) {
		for _, l := range links {
			if l.Attrs().Name == name {
				return l, nil
			}
		}
		return nil, errors.New("link not found")
	}
	t.Cleanup(func() { linkByName = orig })
}

func findResult(report *Report, check string, sev Severity) bool {
	for _, r := range report.Results {
		if r.Check == check && r.Severity == sev {
			return true
		}
	}
	return false
}

// DiagnoseUnit tests

func TestDiagnoseUnit_CharDevicesAndLinkUp(t *testing.T) {
	stubLinks(t, &netlink.Device{LinkAttrs: netlink.LinkAttrs{
		Name: "enp23s0f0np0", MTU: 1500, EncapType: "ether", OperState: netlink.OperUp,
	}})
	report := DiagnoseUnit(fullUnit())

	if !findResult(report, "rdma_devices", Pass) {
		t.Error("expected PASS for rdma_devices")
	}
	if !findResult(report, "net_interface", Pass) {
		t.Error("expected PASS for net_interface")
	}
	if !findResult(report, "link_state", Pass) {
		t.Error("expected PASS for link_state of an up link")
		for _, r := range report.Results {
			t.Logf("  %s: %s - %s", r.Severity, r.Check, r.Message)
		}
	}
}

func TestDiagnoseUnit_LinkDown(t *testing.T) {
	stubLinks(t, &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "enp23s0f0np0", OperState: netlink.OperDown}})
	unit := fullUnit()
	unit.LinkType = ""
	report := DiagnoseUnit(unit)

	if !findResult(report, "link_state", Warn) {
		t.Error("expected WARN for link_state of a down link")
	}
}

func TestDiagnoseUnit_LinkMissing(t *testing.T) {
	stubLinks(t)
	report := DiagnoseUnit(fullUnit())

	if !findResult(report, "link_attrs", Warn) {
		t.Error("expected WARN when the link cannot be queried")
	}
}

func TestDiagnoseUnit_NoCharDevices(t *testing.T) {
	report := DiagnoseUnit(brokenUnit())

	if !report.HasFail {
		t.Error("unit with no char devices should have FAILs")
	}
	if !findResult(report, "rdma_devices", Fail) {
		t.Error("expected FAIL for rdma_devices check")
	}
}

func TestDiagnoseUnit_NoInterface(t *testing.T) {
	unit := fullUnit()
	unit.IfName = ""
	report := DiagnoseUnit(unit)

	if !findResult(report, "net_interface", Warn) {
		t.Error("expected WARN for missing net interface")
	}
}

func TestDiagnoseUnit_MissingRequiredDevices(t *testing.T) {
	unit := fullUnit()
	unit.CharDevices = []string{"/dev/infiniband/uverbs0"}
	report := DiagnoseUnit(unit)

	if !findResult(report, "rdma_devices", Fail) {
		t.Error("expected FAIL for missing required device types")
	}
}

func TestDiagnoseUnit_KernelModulesCheck(t *testing.T) {
	report := DiagnoseUnit(fullUnit())

	found := false
	for _, r := range report.Results {
		if r.Check == "kernel_modules" {
			found = true
		}
	}
	if !found {
		t.Error("expected kernel_modules check in report")
	}
}

// DiagnoseBus tests

func TestDiagnoseBus(t *testing.T) {
	tests := []struct {
		name     string
		adapters []types.AdapterInfo
		devices  []types.DeviceInfo
		check    string
		want     Severity
	}{
		{"no adapters", nil, nil, "adapters", Warn},
		{"ready", []types.AdapterInfo{{Name: "led", Endpoint: "pdm_master_led", Ready: true, IDEnd: 4}}, nil, "adapter_ready", Pass},
		{"not ready", []types.AdapterInfo{{Name: "led", Endpoint: "pdm_master_led", IDEnd: 4}}, nil, "adapter_ready", Fail},
		{"no endpoint", []types.AdapterInfo{{Name: "led", Ready: true, IDEnd: 4}}, nil, "adapter_endpoint", Warn},
		{"leftover clients", []types.AdapterInfo{{Name: "led", Devices: 2, IDEnd: 4}}, nil, "adapter_clients", Fail},
		{"range exhausted", []types.AdapterInfo{{Name: "led", Ready: true, Devices: 4, IDEnd: 4}}, nil, "adapter_clients", Warn},
		{"clients ok", []types.AdapterInfo{{Name: "led", Ready: true, Devices: 1, IDEnd: 4}}, nil, "adapter_clients", Pass},
		{"unbound device", nil, []types.DeviceInfo{{Name: "fan", Compatible: "pdm,fan"}}, "device_binding", Warn},
		{"unattached device", nil, []types.DeviceInfo{{Name: "fan", Driver: "pdm-fan"}}, "device_binding", Warn},
		{"bound device", nil, []types.DeviceInfo{{Name: "led.0", Driver: "pdm-led", Adapter: "led"}}, "device_binding", Pass},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			report := DiagnoseBus(tc.adapters, tc.devices)
			if !findResult(report, tc.check, tc.want) {
				t.Errorf("expected %s for %s, got %+v", tc.want, tc.check, report.Results)
			}
		})
	}
}

func TestDiagnoseBus_LiveRegistry(t *testing.T) {
	b := bus.New()
	a := bus.NewAdapter("cpld", nil, bus.WithIDRange(0, 2))
	if err := b.RegisterAdapter(a); err != nil {
		t.Fatalf("RegisterAdapter: %v", err)
	}
	defer func() {
		_ = b.UnregisterAdapter(a)
		a.Put()
	}()

	report := DiagnoseBus(b.Adapters(), b.Devices())
	if report.HasFail {
		t.Errorf("fresh registry should not fail: %+v", report.Results)
	}
	if !findResult(report, "adapter_ready", Pass) {
		t.Error("expected PASS for adapter_ready")
	}
}

func TestDiagnoseEndpoints(t *testing.T) {
	dir := t.TempDir()
	b := bus.New(bus.WithPublisher(cdi.NewPublisher(dir)))
	a := bus.NewAdapter("eeprom", nil)
	if err := b.RegisterAdapter(a); err != nil {
		t.Fatalf("RegisterAdapter: %v", err)
	}

	report := DiagnoseEndpoints(b.Adapters(), dir, cdi.DefaultVendor, cdi.DefaultFormat)
	if !findResult(report, "endpoint_spec", Pass) {
		t.Errorf("expected PASS for published endpoint, got %+v", report.Results)
	}

	stale := b.Adapters()
	if err := b.UnregisterAdapter(a); err != nil {
		t.Fatalf("UnregisterAdapter: %v", err)
	}
	a.Put()

	report = DiagnoseEndpoints(stale, dir, cdi.DefaultVendor, cdi.DefaultFormat)
	if !findResult(report, "endpoint_spec", Fail) {
		t.Errorf("expected FAIL once the spec is removed, got %+v", report.Results)
	}
}

// MergeReports tests

func TestMergeReports(t *testing.T) {
	r1 := &Report{}
	r1.add(CheckResult{Check: "a", Severity: Pass, Message: "ok"})

	r2 := &Report{}
	r2.add(CheckResult{Check: "b", Severity: Warn, Message: "warn"})

	merged := MergeReports(r1, r2)

	if len(merged.Results) != 2 {
		t.Errorf("expected 2 results, got %d", len(merged.Results))
	}
	if !merged.HasWarn {
		t.Error("merged should have HasWarn=true")
	}
	if merged.HasFail {
		t.Error("merged should not have HasFail")
	}
}

func TestMergeReports_WithFail(t *testing.T) {
	r1 := &Report{}
	r1.add(CheckResult{Check: "a", Severity: Pass})
	r2 := &Report{}
	r2.add(CheckResult{Check: "b", Severity: Fail})

	merged := MergeReports(r1, r2)
	if !merged.HasFail {
		t.Error("merged should have HasFail=true")
	}
}

// Strict exit code logic

func TestStrictExitCodeLogic(t *testing.T) {
	tests := []struct {
		name        string
		hasWarn     bool
		hasFail     bool
		strict      bool
		wantNonZero bool
	}{
		{"all_pass_no_strict", false, false, false, false},
		{"all_pass_strict", false, false, true, false},
		{"warn_no_strict", true, false, false, false},
		{"warn_strict", true, false, true, true},
		{"fail_no_strict", false, true, false, true},
		{"fail_strict", false, true, true, true},
		{"warn_and_fail_strict", true, true, true, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			report := &Report{HasWarn: tc.hasWarn, HasFail: tc.hasFail}
			shouldExitNonZero := report.HasFail || (tc.strict && report.HasWarn)
			if shouldExitNonZero != tc.wantNonZero {
				t.Errorf("strict=%v, hasWarn=%v, hasFail=%v: shouldExit=%v, want %v",
					tc.strict, tc.hasWarn, tc.hasFail, shouldExitNonZero, tc.wantNonZero)
			}
		})
	}
}

// Output tests

func TestPrintTable_Output(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "test_check", Severity: Pass, Message: "all good", Device: "0000:17:00.0"})
	report.add(CheckResult{Check: "test_warn", Severity: Warn, Message: "heads up", Device: "0000:17:00.0"})

	// With showPass=true, both entries visible
	var buf bytes.Buffer
	PrintTable(&buf, report, true)
	output := buf.String()
	if !strings.Contains(output, "PASS") {
		t.Error("table with showPass=true should contain PASS")
	}
	if !strings.Contains(output, "WARN") {
		t.Error("table with showPass=true should contain WARN")
	}

	// With showPass=false, only WARN visible
	buf.Reset()
	PrintTable(&buf, report, false)
	output = buf.String()
	if strings.Contains(output, "PASS") {
		t.Error("table with showPass=false should not contain PASS")
	}
	if !strings.Contains(output, "WARN") {
		t.Error("table with showPass=false should still contain WARN")
	}
}

func TestPrintTable_AllPass_NoShowPass(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "ok", Severity: Pass, Message: "fine"})

	var buf bytes.Buffer
	PrintTable(&buf, report, false)
	output := buf.String()
	if !strings.Contains(output, "All checks passed.") {
		t.Errorf("expected 'All checks passed.' message, got: %q", output)
	}
}

func TestPrintJSON_Output(t *testing.T) {
	report := &Report{}
	report.add(CheckResult{Check: "test", Severity: Pass, Message: "ok", Device: "0000:17:00.0"})

	var buf bytes.Buffer
	if err := PrintJSON(&buf, report, true); err != nil {
		t.Fatalf("PrintJSON failed: %v", err)
	}

	var results []CheckResult
	if err := json.Unmarshal(buf.Bytes(), &results); err != nil {
		t.Fatalf("JSON output is not valid: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result, got %d", len(results))
	}

	// With showPass=false, PASS should be excluded
	buf.Reset()
	if err := PrintJSON(&buf, report, false); err != nil {
		t.Fatalf("PrintJSON failed: %v", err)
	}
	var filtered []CheckResult
	if err := json.Unmarshal(buf.Bytes(), &filtered); err != nil {
		t.Fatalf("JSON output is not valid: %v", err)
	}
	if len(filtered) != 0 {
		t.Errorf("expected 0 results with showPass=false, got %d", len(filtered))
	}
}

// Severity values

func TestSeverityValues(t *testing.T) {
	if string(Pass) != "PASS" {
		t.Errorf("Pass = %q, want PASS", Pass)
	}
	if string(Warn) != "WARN" {
		t.Errorf("Warn = %q, want WARN", Warn)
	}
	if string(Fail) != "FAIL" {
		t.Errorf("Fail = %q, want FAIL", Fail)
	}
}
