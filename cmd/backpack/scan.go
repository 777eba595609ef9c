package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/backpack/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover nearby backpacks",
	Long: `Listens for advertisements of the backpack services and lists the devices
found, strongest signal first. Use the printed address with the other commands.

Examples:
  # Scan for 10 seconds
  backpack scan

  # Include every BLE device, print JSON
  backpack scan --all --format json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanAll       bool
	scanAllowList []string
	scanBlockList []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "Include devices that advertise no backpack service")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

func validateScanFlags() error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("invalid duration: %s", scanDuration)
	}
	return nil
}

func runScan(cmd *cobra.Command, _ []string) error {
	if err := validateScanFlags(); err != nil {
		return err
	}
	_, logger, err := prepare(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	progress := NewCountdownProgressPrinter(out, "Scanning for backpacks", "Scanning", scanDuration, "Processing results")
	progress.Start()
	found, err := scanner.New(logger).Scan(ctx, &scanner.Options{
		Duration:        scanDuration,
		DuplicateFilter: true,
		All:             scanAll,
		AllowList:       scanAllowList,
		BlockList:       scanBlockList,
	}, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}

	if scanFormat == "json" {
		return writeBackpacksJSON(out, found)
	}
	return writeBackpacksTable(out, found, time.Now())
}

func serviceNames(b scanner.Backpack) []string {
	names := make([]string, 0, len(b.Services))
	for _, s := range b.Services {
		names = append(names, s.String())
	}
	return names
}

func writeBackpacksTable(out io.Writer, found []scanner.Backpack, now time.Time) error {
	if len(found) == 0 {
		fmt.Fprintln(out, "No backpacks discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	for _, b := range found {
		name := b.Name
		if name == "" {
			name = "-"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(serviceNames(b), ",")
		if services == "" {
			services = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, b.Address, b.RSSI, services, now.Sub(b.LastSeen).Truncate(time.Second))
	}
	return w.Flush()
}

type backpackJSON struct {
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	RSSI        int       `json:"rssi"`
	Connectable bool      `json:"connectable"`
	Services    []string  `json:"services"`
	LastSeen    time.Time `json:"lastSeen"`
}

func writeBackpacksJSON(out io.Writer, found []scanner.Backpack) error {
	list := make([]backpackJSON, 0, len(found))
	for _, b := range found {
		list = append(list, backpackJSON{
			Name:        b.Name,
			Address:     b.Address,
			RSSI:        b.RSSI,
			Connectable: b.Connectable,
			Services:    serviceNames(b),
			LastSeen:    b.LastSeen,
		})
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(list)
}
