// pdmd is the pluggable device manager daemon. It loads a board
// description, registers the adapter drivers and hardware transports, and
// publishes each adapter's control endpoint as a CDI spec.
//
// Usage:
//
//	pdmd run --board /etc/pdm/board.yaml --mqtt-broker tcp://127.0.0.1:1883
//	pdmd list --board /etc/pdm/board.yaml --output json
//	pdmd check --board /etc/pdm/board.yaml --strict
//	pdmd cleanup --dry-run
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Nativu5/pdm/pkg/board"
	"github.com/Nativu5/pdm/pkg/cdi"
	"github.com/Nativu5/pdm/pkg/doctor"
	"github.com/Nativu5/pdm/pkg/host"
	"github.com/Nativu5/pdm/pkg/listing"
	"github.com/Nativu5/pdm/pkg/transport/rdma"
	"github.com/Nativu5/pdm/pkg/types"
	"github.com/Nativu5/pdm/pkg/uevent"
)

// Exit codes following CLI conventions.
const (
	exitOK           = 0
	exitRuntimeError = 1
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	logLevel   string
	boardPath  string
	transports []string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}

// rootCmd builds the top-level cobra command tree.
func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "pdmd",
		Short: "Pluggable device manager daemon",
		Long:  "pdmd is the pluggable device manager daemon. It registers platform devices with adapter drivers and publishes their control endpoints as CDI (Container Device Interface) specs.",
		// Silence default usage on runtime errors; we handle exit codes ourselves.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
			}
			log.SetLevel(lvl)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	root.PersistentFlags().StringVar(&opts.boardPath, "board", "", "Board description file (YAML)")
	root.PersistentFlags().StringSliceVar(&opts.transports, "transports", nil, "Transports to start (platform,netlink,rdma; all if omitted)")

	root.AddCommand(
		newRunCmd(opts),
		newListCmd(opts),
		newCheckCmd(opts),
		newCleanupCmd(),
		newVersionCmd(),
	)

	return root
}

// ──────────────────────────────────────────────
//  run
// ──────────────────────────────────────────────

func newRunCmd(opts *globalOptions) *cobra.Command {
	var (
		cdiDir   string
		noCDI    bool
		mqttConf uevent.MQTTConfig
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Register devices and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := loadBoard(opts.boardPath)
			if err != nil {
				return err
			}

			cfg := host.Config{Board: b, Transports: opts.transports}
			var pub *cdi.Publisher
			if !noCDI {
				pub = cdi.NewPublisher(cdiDir)
				cfg.Publisher = pub
			}
			if mqttConf.Broker != "" {
				client, err := uevent.Connect(mqttConf)
				if err != nil {
					return err
				}
				defer client.Close()
				cfg.Notifier = uevent.NewNotifier(client, client.TopicPrefix())
			}

			h := host.New(cfg)
			if err := h.Init(); err != nil {
				return err
			}
			defer h.Exit()
			if pub != nil {
				log.Infof("CDI devices: %s", strings.Join(pub.Endpoints(), " "))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Infof("pdmd %s running", version)
			if err := h.Run(ctx); err != nil {
				return fmt.Errorf("watcher failed: %w", err)
			}
			log.Info("shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&cdiDir, "cdi-dir", cdi.DefaultOutputDir, "Directory for adapter CDI spec files")
	cmd.Flags().BoolVar(&noCDI, "no-cdi", false, "Keep endpoints in memory instead of writing CDI specs")
	cmd.Flags().StringVar(&mqttConf.Broker, "mqtt-broker", "", "MQTT broker URL for hot-plug events (disabled if empty)")
	cmd.Flags().StringVar(&mqttConf.ClientID, "mqtt-client-id", "pdmd", "MQTT client ID")
	cmd.Flags().StringVar(&mqttConf.Username, "mqtt-username", "", "MQTT username")
	cmd.Flags().StringVar(&mqttConf.Password, "mqtt-password", "", "MQTT password")
	cmd.Flags().Uint8Var(&mqttConf.QoS, "mqtt-qos", 1, "MQTT QoS level (0-2)")
	cmd.Flags().StringVar(&mqttConf.TopicPrefix, "mqtt-topic-prefix", uevent.DefaultTopicPrefix, "MQTT topic prefix")

	cmd.MarkFlagsMutuallyExclusive("cdi-dir", "no-cdi")

	return cmd
}

// ──────────────────────────────────────────────
//  list
// ──────────────────────────────────────────────

func newListCmd(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Register devices once and print adapters and devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := startHost(opts)
			if err != nil {
				return err
			}
			defer h.Exit()

			adapters := h.Bus().Adapters()
			devices := h.Bus().Devices()

			switch output {
			case "json":
				return listing.PrintJSON(cmd.OutOrStdout(), adapters, groupByAdapter(devices))
			case "annotations":
				return printAnnotations(cmd, adapters)
			default:
				listing.PrintAdapters(cmd.OutOrStdout(), adapters)
				fmt.Fprintln(cmd.OutOrStdout())
				listing.PrintDevices(cmd.OutOrStdout(), devices)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json|annotations)")

	return cmd
}

// printAnnotations prints the CDI container annotations granting every
// adapter endpoint, as published by "pdmd run" with default settings.
func printAnnotations(cmd *cobra.Command, adapters []types.AdapterInfo) error {
	names := make([]string, 0, len(adapters))
	for _, a := range adapters {
		if a.Endpoint != "" {
			names = append(names, a.Endpoint)
		}
	}
	annotations, err := cdi.CreateContainerAnnotations(names, cdi.DefaultVendor, cdi.DefaultClass)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(annotations)
}

// ──────────────────────────────────────────────
//  check
// ──────────────────────────────────────────────

func newCheckCmd(opts *globalOptions) *cobra.Command {
	var (
		cdiDir   string
		strict   bool
		showPass bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run registry and environment diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := startHost(opts)
			if err != nil {
				return err
			}
			adapters := h.Bus().Adapters()
			reports := []*doctor.Report{doctor.DiagnoseBus(adapters, h.Bus().Devices())}
			h.Exit()

			if cdiDir != "" {
				reports = append(reports, doctor.DiagnoseEndpoints(adapters, cdiDir, cdi.DefaultVendor, cdi.DefaultFormat))
			}
			if wantTransport(opts.transports, rdma.Name) {
				units, err := rdma.NewDiscoverer().DiscoverAll()
				if err != nil {
					log.Warnf("RDMA discovery failed: %v", err)
				}
				for _, u := range units {
					reports = append(reports, doctor.DiagnoseUnit(u))
				}
			}
			merged := doctor.MergeReports(reports...)

			// Output
			switch output {
			case "json":
				if err := doctor.PrintJSON(cmd.OutOrStdout(), merged, showPass); err != nil {
					return err
				}
			default:
				doctor.PrintTable(cmd.OutOrStdout(), merged, showPass)
			}

			// Exit code strategy
			if merged.HasFail {
				return fmt.Errorf("diagnostics failed")
			}
			if strict && merged.HasWarn {
				return fmt.Errorf("diagnostics reported warnings")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cdiDir, "cdi-dir", "", "Verify endpoint CDI specs of a running daemon in this directory")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero on warnings")
	cmd.Flags().BoolVar(&showPass, "show-pass", false, "Show passed checks in output")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  cleanup
// ──────────────────────────────────────────────

func newCleanupCmd() *cobra.Command {
	var (
		vendor    string
		name      string
		outputDir string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove CDI spec files left behind by pdmd",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := cdi.CleanupSpecs(outputDir, vendor, name, dryRun)
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching spec files found.")
			} else {
				action := "Removed"
				if dryRun {
					action = "Would remove"
				}
				for _, f := range removed {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", action, f)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&vendor, "vendor", cdi.DefaultVendor, "CDI vendor to match")
	cmd.Flags().StringVar(&name, "name", "", "Endpoint name to match, e.g. pdm_master_led (all if omitted)")
	cmd.Flags().StringVar(&outputDir, "cdi-dir", cdi.DefaultOutputDir, "CDI spec directory")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview files that would be removed")

	return cmd
}

// ──────────────────────────────────────────────
//  version
// ──────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pdmd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// ──────────────────────────────────────────────
//  helpers
// ──────────────────────────────────────────────

// loadBoard reads the board file, or returns nil when none is given.
func loadBoard(path string) (*board.Board, error) {
	if path == "" {
		log.Debug("no board file given, using discovered devices only")
		return nil, nil
	}
	b, err := board.Load(path)
	if err != nil {
		return nil, fmt.Errorf("cannot load board: %w", err)
	}
	return b, nil
}

// startHost brings up a host with in-memory endpoints for one-shot commands.
func startHost(opts *globalOptions) (*host.Host, error) {
	b, err := loadBoard(opts.boardPath)
	if err != nil {
		return nil, err
	}
	h := host.New(host.Config{Board: b, Transports: opts.transports})
	if err := h.Init(); err != nil {
		return nil, err
	}
	return h, nil
}

// wantTransport reports whether name is selected by the --transports flag.
func wantTransport(selected []string, name string) bool {
	if len(selected) == 0 {
		return true
	}
	for _, s := range selected {
		if s == name {
			return true
		}
	}
	return false
}

// groupByAdapter buckets device records by owning adapter.
func groupByAdapter(devices []types.DeviceInfo) map[string][]types.DeviceInfo {
	out := make(map[string][]types.DeviceInfo)
	for _, d := range devices {
		if d.Adapter == "" {
			continue
		}
		out[d.Adapter] = append(out[d.Adapter], d)
	}
	return out
}
