package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/backpack/internal/backpack"
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info [device-address]",
	Short: "Show firmware version and capabilities",
	Long: fmt.Sprintf(`Connects to a backpack, completes the capability handshake and prints
the firmware version, the available sensor readings and processed values,
the channels a log would record and the log state.

Examples:
  # Show device information
  backpack info %s

  # Use the address from a config file
  backpack info --config backpack.yaml

%s`, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.MaximumNArgs(1),
	RunE: runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, logger, err := prepare(cmd)
	if err != nil {
		return err
	}
	address, err := resolveAddress(args, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	progress := NewProgressPrinter(cmd.OutOrStdout(), fmt.Sprintf("Querying %s", address), "Starting", "Ready")
	progress.Start()
	s, err := openSession(ctx, address, cfg, logger, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}
	defer s.close()

	// the logger state read issued at connect may still be in flight
	if err := s.settle(ctx, cfg.TransportTimeout, nil); err != nil {
		return err
	}

	info := deviceInfo{Address: address}
	err = s.do(ctx, func(c *backpack.Client) error {
		info.Version = c.Version()
		info.SensorMask = c.AvailableSensorMask()
		info.ProcessedMask = c.AvailableProcessedMask()
		info.LoggedMask = c.LoggedValuesMask()
		info.LogState = c.LogStatus()
		info.LogRemaining = c.LogRemaining()
		return nil
	})
	if err != nil {
		return err
	}

	writeInfo(cmd.OutOrStdout(), info)
	return nil
}
