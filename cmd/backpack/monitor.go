package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/backpack/internal/backpack"
	"github.com/srg/backpack/internal/protocol"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor [device-address]",
	Short: "Stream sensor readings and processed values",
	Long: fmt.Sprintf(`Polls the backpack and prints every reading until interrupted. AirTouch
and on-body changes are printed as they are notified.

Examples:
  # Print raw sensor readings twice a second
  backpack monitor %s

  # Add processed temperatures, poll every 2 seconds
  backpack monitor %s --processed --interval 2s

  # Run for five minutes, then print min/mean/max
  backpack monitor %s --duration 5m --summary

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.MaximumNArgs(1),
	RunE: runMonitor,
}

var (
	monitorInterval  time.Duration
	monitorSensor    bool
	monitorProcessed bool
	monitorDuration  time.Duration
	monitorSummary   bool
)

func init() {
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 0, "Polling interval (default from config, 500ms)")
	monitorCmd.Flags().BoolVar(&monitorSensor, "sensor", true, "Poll raw sensor readings")
	monitorCmd.Flags().BoolVar(&monitorProcessed, "processed", false, "Poll processed temperature values")
	monitorCmd.Flags().DurationVar(&monitorDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	monitorCmd.Flags().BoolVar(&monitorSummary, "summary", false, "Print statistics over the recorded readings on exit")
}

// validateMonitorFlags checks flag combinations before connecting.
func validateMonitorFlags() error {
	if !monitorSensor && !monitorProcessed {
		return fmt.Errorf("nothing to monitor: enable --sensor or --processed")
	}
	if monitorInterval < 0 {
		return fmt.Errorf("invalid interval: %s", monitorInterval)
	}
	if monitorDuration < 0 {
		return fmt.Errorf("invalid duration: %s", monitorDuration)
	}
	return nil
}

// monitorHandlers decides what the client polls. Readings themselves are
// consumed from the event stream.
func monitorHandlers(sensor, processed bool) backpack.Handlers {
	h := backpack.Handlers{
		AirTouch: func(bool) {},
		OnBody:   func(bool) {},
	}
	if sensor {
		h.SensorReadings = func(protocol.SensorReadings) {}
	}
	if processed {
		h.ProcessedValues = func(protocol.ProcessedValues) {}
	}
	return h
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if err := validateMonitorFlags(); err != nil {
		return err
	}
	cfg, logger, err := prepare(cmd)
	if err != nil {
		return err
	}
	address, err := resolveAddress(args, cfg)
	if err != nil {
		return err
	}
	interval := monitorInterval
	if interval == 0 {
		interval = cfg.PollInterval
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	progress := NewProgressPrinter(out, fmt.Sprintf("Monitoring %s", address), "Starting", "Ready")
	progress.Start()
	s, err := openSession(ctx, address, cfg, logger, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}
	defer s.close()

	err = s.do(ctx, func(c *backpack.Client) error {
		c.SetPollingInterval(interval)
		return c.Subscribe(monitorHandlers(monitorSensor, monitorProcessed))
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Monitoring %s every %s, press Ctrl+C to stop\n", address, interval)

	if monitorDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, monitorDuration)
		defer cancel()
	}

	err = streamEvents(ctx, s.client.Events(), func(ev backpack.Event) {
		if line := formatEvent(ev); line != "" {
			fmt.Fprintln(out, line)
		}
	})
	if err != nil {
		return err
	}

	if monitorSummary {
		writeSummary(out, s.client.History())
	}
	return nil
}

// streamEvents hands every event to fn until ctx ends. Interrupts and the
// duration running out are a normal end; losing the backpack is not.
func streamEvents(ctx context.Context, events <-chan backpack.Event, fn func(ev backpack.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return ErrConnectionLost
			}
			if ev.Kind == backpack.EventConnection && !ev.Connected {
				return ErrConnectionLost
			}
			fn(ev)
		}
	}
}
