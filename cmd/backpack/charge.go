package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/backpack/internal/backpack"
)

// chargeCmd represents the charge command
var chargeCmd = &cobra.Command{
	Use:   "charge [device-address] <plugged|unplugged>",
	Short: "Tell the backpack whether its host is charging",
	Long: fmt.Sprintf(`The backpack adjusts its skin temperature model while the host device
charges. This command relays the charge state once.

Examples:
  backpack charge %s plugged

%s`, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runCharge,
}

func parseChargeState(s string) (bool, error) {
	switch s {
	case "plugged", "on":
		return true, nil
	case "unplugged", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid charge state %q: must be plugged or unplugged", s)
}

func runCharge(cmd *cobra.Command, args []string) error {
	plugged, err := parseChargeState(args[len(args)-1])
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
	s, err := openSession(ctx, address, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.do(ctx, func(c *backpack.Client) error { return c.SetChargeState(plugged) }); err != nil {
		return err
	}
	// the write is not acknowledged; give it one transport timeout to go out
	if err := s.settle(ctx, cfg.TransportTimeout, nil); err != nil {
		return err
	}

	state := "unplugged"
	if plugged {
		state = "plugged"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Charge state %s sent\n", state)
	return nil
}
