package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/backpack/internal/backpack"
)

// compensationCmd represents the compensation command
var compensationCmd = &cobra.Command{
	Use:   "compensation [device-address] <mode>",
	Short: "Select the temperature compensation mode",
	Long: fmt.Sprintf(`Selects how the backpack compensates skin temperature and prints the mode
it acknowledged together with the number of modes it supports.

Examples:
  # Select mode 2
  backpack compensation %s 2

%s`, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runCompensation,
}

var compensationTimeout time.Duration

func init() {
	compensationCmd.Flags().DurationVar(&compensationTimeout, "timeout", 5*time.Second, "How long to wait for the acknowledgement")
}

// parseMode reads the mode argument, a number 0-255.
func parseMode(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid compensation mode %q: must be a number between 0 and 255", s)
	}
	return uint8(v), nil
}

type compensationReply struct {
	current, total uint8
}

func runCompensation(cmd *cobra.Command, args []string) error {
	mode, err := parseMode(args[len(args)-1])
	if err != nil {
		return err
	}
	cfg, logger, err := prepare(cmd)
	if err != nil {
		return err
	}
	address, err := resolveAddress(args[:len(args)-1], cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	progress := NewProgressPrinter(cmd.OutOrStdout(), fmt.Sprintf("Configuring %s", address), "Starting", "Ready")
	progress.Start()
	s, err := openSession(ctx, address, cfg, logger, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}
	defer s.close()

	replies := make(chan compensationReply, 1)
	err = s.do(ctx, func(c *backpack.Client) error {
		return c.SetTemperatureCompensationMode(mode, func(current, total uint8) {
			replies <- compensationReply{current: current, total: total}
		})
	})
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, compensationTimeout)
	defer cancel()
	select {
	case r := <-replies:
		fmt.Fprintln(cmd.OutOrStdout(), formatCompensation(mode, r))
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("no acknowledgement for compensation mode %d: %w", mode, waitCtx.Err())
	}
}

func formatCompensation(requested uint8, r compensationReply) string {
	if r.current != requested {
		return fmt.Sprintf("Backpack kept compensation mode %d of %d (requested %d)", r.current, r.total, requested)
	}
	return fmt.Sprintf("Compensation mode %d of %d", r.current, r.total)
}
