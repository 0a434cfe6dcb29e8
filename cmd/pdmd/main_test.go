package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Nativu5/pdm/pkg/listing"
	"github.com/Nativu5/pdm/pkg/types"
)

// ──────────────────────────────────────────────
//  rootCmd structure
// ──────────────────────────────────────────────

func TestRootCmd_HasAllSubcommands(t *testing.T) {
	root := rootCmd()

	expected := map[string]bool{
		"run":     false,
		"list":    false,
		"check":   false,
		"cleanup": false,
		"version": false,
	}

	for _, sub := range root.Commands() {
		if _, ok := expected[sub.Name()]; ok {
			expected[sub.Name()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("missing subcommand: %s", name)
		}
	}
}

func TestRootCmd_PersistentFlags(t *testing.T) {
	root := rootCmd()
	for _, flag := range []string{"log-level", "board", "transports"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("root command missing persistent flag: --%s", flag)
		}
	}
}

// ──────────────────────────────────────────────
//  subcommand flags
// ──────────────────────────────────────────────

func TestRunCmd_Flags(t *testing.T) {
	cmd := newRunCmd(&globalOptions{})

	tests := []struct {
		flag string
		want string
	}{
		{"cdi-dir", "/etc/cdi"},
		{"no-cdi", "false"},
		{"mqtt-broker", ""},
		{"mqtt-client-id", "pdmd"},
		{"mqtt-qos", "1"},
		{"mqtt-topic-prefix", "pdm"},
	}

	for _, tc := range tests {
		f := cmd.Flags().Lookup(tc.flag)
		if f == nil {
			t.Errorf("run command missing flag: --%s", tc.flag)
			continue
		}
		if f.DefValue != tc.want {
			t.Errorf("flag --%s default = %q, want %q", tc.flag, f.DefValue, tc.want)
		}
	}
}

func TestCheckCmd_Flags(t *testing.T) {
	cmd := newCheckCmd(&globalOptions{})

	flags := []string{"cdi-dir", "strict", "show-pass", "output"}
	for _, flag := range flags {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("check command missing flag: --%s", flag)
		}
	}

	// --strict defaults to false
	f := cmd.Flags().Lookup("strict")
	if f.DefValue != "false" {
		t.Errorf("--strict default = %q, want 'false'", f.DefValue)
	}

	// --output defaults to table
	f = cmd.Flags().Lookup("output")
	if f.DefValue != "table" {
		t.Errorf("--output default = %q, want 'table'", f.DefValue)
	}
}

func TestCleanupCmd_Flags(t *testing.T) {
	cmd := newCleanupCmd()

	flags := []string{"vendor", "name", "cdi-dir", "dry-run"}
	for _, flag := range flags {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("cleanup command missing flag: --%s", flag)
		}
	}

	// --vendor defaults to "pdm"
	f := cmd.Flags().Lookup("vendor")
	if f.DefValue != "pdm" {
		t.Errorf("--vendor default = %q, want 'pdm'", f.DefValue)
	}
}

func TestRunCmd_CDIDirAndNoCDIConflict(t *testing.T) {
	root := rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--cdi-dir", t.TempDir(), "--no-cdi"})
	if err := root.Execute(); err == nil {
		t.Error("expected error when --cdi-dir and --no-cdi are both set")
	}
}

func TestRunCmd_MissingBoard(t *testing.T) {
	root := rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--no-cdi", "--board", filepath.Join(t.TempDir(), "missing.yaml")})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "cannot load board") {
		t.Errorf("expected board load error, got: %v", err)
	}
}

// ──────────────────────────────────────────────
//  list
// ──────────────────────────────────────────────

func writeBoard(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := `name: test
nodes:
  - name: status
    compatible: pdm,led-gpio
    bus: gpio
    properties:
      path: ` + filepath.Join(dir, "value") + `
  - name: board-id
    compatible: pdm,eeprom
    properties:
      size: 128
`
	path := filepath.Join(dir, "board.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write board: %v", err)
	}
	return path
}

func TestListCmd_JSON(t *testing.T) {
	root := rootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"list", "--board", writeBoard(t), "--transports", "platform", "--output", "json"})
	if err := root.Execute(); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	var adapters []listing.AdapterJSON
	if err := json.Unmarshal(buf.Bytes(), &adapters); err != nil {
		t.Fatalf("JSON output is not valid: %v\n%s", err, buf.String())
	}
	clients := map[string][]string{}
	for _, a := range adapters {
		for _, c := range a.Clients {
			clients[a.Name] = append(clients[a.Name], c.Name)
		}
	}
	if got := clients["led"]; len(got) != 1 || got[0] != "led.0" {
		t.Errorf("led clients = %v, want [led.0]", got)
	}
	if got := clients["eeprom"]; len(got) != 1 || got[0] != "eeprom.0" {
		t.Errorf("eeprom clients = %v, want [eeprom.0]", got)
	}
}

func TestListCmd_Table(t *testing.T) {
	root := rootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"list", "--board", writeBoard(t), "--transports", "platform"})
	if err := root.Execute(); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"pdm_master_led", "led.0", "eeprom.0"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output should contain %q, got:\n%s", want, out)
		}
	}
}

func TestListCmd_Annotations(t *testing.T) {
	root := rootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"list", "--board", writeBoard(t), "--transports", "platform", "--output", "annotations"})
	if err := root.Execute(); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	var annotations map[string]string
	if err := json.Unmarshal(buf.Bytes(), &annotations); err != nil {
		t.Fatalf("annotations output is not valid JSON: %v\n%s", err, buf.String())
	}
	for _, name := range []string{"led", "eeprom", "cpld", "nic"} {
		qn := "pdm/master=pdm_master_" + name
		if annotations[qn] != qn {
			t.Errorf("missing annotation %q in %v", qn, annotations)
		}
	}
}

// ──────────────────────────────────────────────
//  cleanup
// ──────────────────────────────────────────────

func TestCleanupCmd_DryRunAndRemove(t *testing.T) {
	dir := t.TempDir()
	spec := filepath.Join(dir, "pdm-cdi_pdm_pdm_master_led.yaml")
	other := filepath.Join(dir, "other.yaml")
	for _, p := range []string{spec, other} {
		if err := os.WriteFile(p, []byte("cdiVersion: 0.6.0\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	run := func(args ...string) string {
		root := rootCmd()
		var buf bytes.Buffer
		root.SetOut(&buf)
		root.SetErr(&bytes.Buffer{})
		root.SetArgs(append([]string{"cleanup", "--cdi-dir", dir}, args...))
		if err := root.Execute(); err != nil {
			t.Fatalf("cleanup failed: %v", err)
		}
		return buf.String()
	}

	if out := run("--dry-run"); !strings.Contains(out, "Would remove: "+spec) {
		t.Errorf("dry-run output = %q", out)
	}
	if _, err := os.Stat(spec); err != nil {
		t.Errorf("dry-run must not remove %s", spec)
	}

	if out := run(); !strings.Contains(out, "Removed: "+spec) {
		t.Errorf("cleanup output = %q", out)
	}
	if _, err := os.Stat(spec); !os.IsNotExist(err) {
		t.Errorf("%s should be removed", spec)
	}
	if _, err := os.Stat(other); err != nil {
		t.Errorf("unrelated file must be kept: %v", err)
	}

	if out := run(); !strings.Contains(out, "No matching spec files found.") {
		t.Errorf("second cleanup output = %q", out)
	}
}

// ──────────────────────────────────────────────
//  helpers
// ──────────────────────────────────────────────

func TestWantTransport(t *testing.T) {
	tests := []struct {
		name     string
		selected []string
		want     bool
	}{
		{"all_by_default", nil, true},
		{"selected", []string{"platform", "rdma"}, true},
		{"not_selected", []string{"platform"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := wantTransport(tc.selected, "rdma"); got != tc.want {
				t.Errorf("wantTransport(%v, rdma) = %v, want %v", tc.selected, got, tc.want)
			}
		})
	}
}

func TestGroupByAdapter(t *testing.T) {
	got := groupByAdapter([]types.DeviceInfo{
		{Name: "led.0", Adapter: "led"},
		{Name: "fan"},
		{Name: "led.1", Adapter: "led"},
		{Name: "cpld.0", Adapter: "cpld"},
	})
	if len(got) != 2 || len(got["led"]) != 2 || len(got["cpld"]) != 1 {
		t.Errorf("groupByAdapter = %v", got)
	}
}

func TestLoadBoard_Empty(t *testing.T) {
	b, err := loadBoard("")
	if err != nil || b != nil {
		t.Errorf("loadBoard(\"\") = %v, %v; want nil, nil", b, err)
	}
}

// ──────────────────────────────────────────────
//  Help output
// ──────────────────────────────────────────────

func TestRootCmd_HelpOutput(t *testing.T) {
	root := rootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--help"})
	_ = root.Execute()

	output := buf.String()
	if !strings.Contains(output, "device manager") {
		t.Error("help output should contain tool description")
	}
	for _, sub := range []string{"run", "list", "check", "cleanup"} {
		if !strings.Contains(output, sub) {
			t.Errorf("help output should list %q subcommand", sub)
		}
	}
}

// ──────────────────────────────────────────────
//  --log-level flag
// ──────────────────────────────────────────────

func TestRootCmd_LogLevelFlag(t *testing.T) {
	root := rootCmd()
	f := root.PersistentFlags().Lookup("log-level")
	if f == nil {
		t.Fatal("root command missing --log-level flag")
	}
	if f.DefValue != "info" {
		t.Errorf("--log-level default = %q, want 'info'", f.DefValue)
	}
}

func TestRootCmd_LogLevelInvalid(t *testing.T) {
	root := rootCmd()
	root.SetArgs([]string{"--log-level", "bogus", "version"})
	var stderr bytes.Buffer
	root.SetErr(&stderr)
	root.SetOut(&bytes.Buffer{})
	err := root.Execute()
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("expected 'invalid log level' in error, got: %v", err)
	}
}

func TestRootCmd_LogLevelValid(t *testing.T) {
	for _, level := range []string{"trace", "debug", "info", "warn", "error"} {
		root := rootCmd()
		root.SetArgs([]string{"--log-level", level, "--help"})
		root.SetOut(&bytes.Buffer{})
		if err := root.Execute(); err != nil {
			t.Errorf("--log-level %s should be valid, got error: %v", level, err)
		}
	}
}

// ──────────────────────────────────────────────
//  version command
// ──────────────────────────────────────────────

func TestVersionCmd_Output(t *testing.T) {
	root := rootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "pdmd") {
		t.Errorf("version output should contain 'pdmd', got: %q", out)
	}
	if !strings.Contains(out, "commit:") {
		t.Errorf("version output should contain 'commit:', got: %q", out)
	}
}
