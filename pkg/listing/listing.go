// Package listing renders adapters and devices for diagnostic display.
package listing

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/Nativu5/pdm/pkg/types"
)

// PrintDevices renders attached devices as a human-readable table.
func PrintDevices(w io.Writer, devices []types.DeviceInfo) {
	table := tablewriter.NewTable(w)
	table.Header("ID", "NAME", "ADAPTER", "COMPATIBLE", "BUS", "DRIVER")
	for _, dev := range devices {
		adapter := dev.Adapter
		if adapter == "" {
			adapter = "(none)"
		}
		driver := dev.Driver
		if driver == "" {
			driver = "(unbound)"
		}
		bus := string(dev.Bus)
		if bus == "" {
			bus = "(unknown)"
		}
		table.Append(formatID(dev.ID), dev.Name, adapter, dev.Compatible, bus, driver)
	}
	table.Render()
}

// PrintAdapters renders registered adapters as a human-readable table.
func PrintAdapters(w io.Writer, adapters []types.AdapterInfo) {
	table := tablewriter.NewTable(w)
	table.Header("ADAPTER", "ENDPOINT", "READY", "DEVICES", "ID RANGE")
	for _, a := range adapters {
		endpoint := a.Endpoint
		if endpoint == "" {
			endpoint = "(none)"
		}
		table.Append(a.Name, endpoint, strconv.FormatBool(a.Ready),
			strconv.Itoa(a.Devices), fmt.Sprintf("[%d, %d)", a.IDStart, a.IDEnd))
	}
	table.Render()
}

// AdapterJSON is the JSON representation of an adapter and its devices.
type AdapterJSON struct {
	types.AdapterInfo
	Clients []types.DeviceInfo `json:"clients"`
}

// PrintJSON renders adapters and their devices as JSON. devices maps an
// adapter name to its attached devices.
func PrintJSON(w io.Writer, adapters []types.AdapterInfo, devices map[string][]types.DeviceInfo) error {
	out := make([]AdapterJSON, 0, len(adapters))
	for _, a := range adapters {
		clients := devices[a.Name]
		if clients == nil {
			clients = []types.DeviceInfo{}
		}
		out = append(out, AdapterJSON{AdapterInfo: a, Clients: clients})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func formatID(id int) string {
	if id < 0 {
		return "-"
	}
	return strconv.Itoa(id)
}
