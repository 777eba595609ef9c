package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/backpack/internal/backpack"
)

// logPollInterval is how often a waiting command re-checks the log state.
const logPollInterval = time.Second

// logCmd groups the on-device log commands
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Manage the on-device data log",
	Long: fmt.Sprintf(`The backpack records the loggable channels it advertises into its own
flash. A log must be erased before it can be started; erasing takes about %s.

%s`, backpack.LogClearDuration, deviceAddressNote),
}

var logStatusCmd = &cobra.Command{
	Use:   "status [device-address]",
	Short: "Show the log state",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLogStatus,
}

var logClearCmd = &cobra.Command{
	Use:   "clear [device-address]",
	Short: "Erase the log",
	Long: fmt.Sprintf(`Erases the on-device log.

Examples:
  # Start the erase and return
  backpack log clear %s

  # Wait until the erase has finished
  backpack log clear %s --wait`, exampleDeviceAddress, exampleDeviceAddress),
	Args: cobra.MaximumNArgs(1),
	RunE: runLogClear,
}

var logRecordCmd = &cobra.Command{
	Use:   "record [device-address]",
	Short: "Record a log until interrupted",
	Long: fmt.Sprintf(`Starts the on-device log, keeps the connection open while it records and
stops it on Ctrl+C or when --duration has passed. A stopped log is resumed.

Examples:
  # Erase, then record for an hour
  backpack log record %s --clear --duration 1h

  # Resume recording into a stopped log
  backpack log record %s`, exampleDeviceAddress, exampleDeviceAddress),
	Args: cobra.MaximumNArgs(1),
	RunE: runLogRecord,
}

var (
	logClearWait      bool
	logRecordClear    bool
	logRecordDuration time.Duration
)

func init() {
	logClearCmd.Flags().BoolVar(&logClearWait, "wait", false, "Wait for the erase to finish")
	logRecordCmd.Flags().BoolVar(&logRecordClear, "clear", false, "Erase the log first and wait for the erase")
	logRecordCmd.Flags().DurationVar(&logRecordDuration, "duration", 0, "Stop after this long (0 records until interrupted)")

	logCmd.AddCommand(logStatusCmd)
	logCmd.AddCommand(logClearCmd)
	logCmd.AddCommand(logRecordCmd)
}

// openLogSession connects and lets the firmware logger state arrive, so the
// local log state reflects the device.
func openLogSession(ctx context.Context, cmd *cobra.Command, args []string) (*session, error) {
	cfg, logger, err := prepare(cmd)
	if err != nil {
		return nil, err
	}
	address, err := resolveAddress(args, cfg)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	progress := NewProgressPrinter(cmd.OutOrStdout(), fmt.Sprintf("Connecting to %s", address), "Starting", "Ready")
	progress.Start()
	s, err := openSession(ctx, address, cfg, logger, progress.Callback())
	progress.Stop()
	if err != nil {
		return nil, err
	}
	if err := s.settle(ctx, cfg.TransportTimeout, nil); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func logStatus(ctx context.Context, s *session) (state backpack.LogState, remaining time.Duration, err error) {
	err = s.do(ctx, func(c *backpack.Client) error {
		state = c.LogStatus()
		remaining = c.LogRemaining()
		return nil
	})
	return state, remaining, err
}

func runLogStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openLogSession(ctx, cmd, args)
	if err != nil {
		return err
	}
	defer s.close()

	state, remaining, err := logStatus(ctx, s)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Log: %s\n", formatLogState(state, remaining))
	return nil
}

func runLogClear(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openLogSession(ctx, cmd, args)
	if err != nil {
		return err
	}
	defer s.close()

	out := cmd.OutOrStdout()
	remaining, err := clearLog(ctx, s)
	if err != nil {
		return err
	}
	if !logClearWait || remaining == 0 {
		fmt.Fprintln(out, formatClearResult(remaining))
		return nil
	}
	if err := waitCleared(ctx, s, out, remaining); err != nil {
		return err
	}
	fmt.Fprintln(out, formatClearResult(0))
	return nil
}

func clearLog(ctx context.Context, s *session) (time.Duration, error) {
	var remaining time.Duration
	err := s.do(ctx, func(c *backpack.Client) error {
		var err error
		remaining, err = c.LogClear()
		return err
	})
	return remaining, err
}

func formatClearResult(remaining time.Duration) string {
	if remaining == 0 {
		return "Log cleared"
	}
	return fmt.Sprintf("Log erase started, completes in %s", remaining.Round(time.Second))
}

// waitCleared shows a countdown until the log reports Cleared.
func waitCleared(ctx context.Context, s *session, out io.Writer, remaining time.Duration) error {
	progress := NewCountdownProgressPrinter(out, "Erasing log", "Clearing", remaining, "Cleared")
	progress.Start()
	defer progress.Stop()

	for {
		state, _, err := logStatus(ctx, s)
		if err != nil {
			return err
		}
		switch state {
		case backpack.LogCleared:
			progress.Callback()("Cleared")
			return nil
		case backpack.LogClearing:
		default:
			return fmt.Errorf("log erase did not complete: log is %s", state)
		}
		if err := s.settle(ctx, logPollInterval, nil); err != nil {
			return err
		}
	}
}

func runLogRecord(cmd *cobra.Command, args []string) error {
	if logRecordDuration < 0 {
		return fmt.Errorf("invalid duration: %s", logRecordDuration)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openLogSession(ctx, cmd, args)
	if err != nil {
		return err
	}
	defer s.close()
	out := cmd.OutOrStdout()

	if logRecordClear {
		remaining, err := clearLog(ctx, s)
		if err != nil {
			return err
		}
		if remaining > 0 {
			if err := waitCleared(ctx, s, out, remaining); err != nil {
				return err
			}
		}
	}

	var state backpack.LogState
	var channels uint32
	err = s.do(ctx, func(c *backpack.Client) error {
		if err := c.LogStart(); err != nil {
			return err
		}
		state = c.LogStatus()
		channels = c.LoggedValuesMask()
		return nil
	})
	if err != nil {
		return err
	}
	if state != backpack.LogStarted {
		return fmt.Errorf("cannot start the log while it is %s (use --clear to erase it first)", state)
	}
	fmt.Fprintf(out, "Logging channels 0x%08x every %s, press Ctrl+C to stop\n", channels, backpack.LogInterval)

	recordCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if logRecordDuration > 0 {
		recordCtx, cancel = context.WithTimeout(recordCtx, logRecordDuration)
		defer cancel()
	}

	interrupted := false
	err = streamEvents(recordCtx, s.client.Events(), func(ev backpack.Event) {
		if ev.Kind == backpack.EventLogInterrupted {
			state = ev.LogState
			interrupted = true
			cancel()
		}
	})
	if err != nil {
		return err
	}
	if interrupted {
		return fmt.Errorf("log interrupted: the backpack reset it to %s", state)
	}

	// ctx may already be cancelled by the interrupt that ended the recording
	stopCtx, stopCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer stopCancel()
	if err := s.do(stopCtx, func(c *backpack.Client) error { return c.LogStop() }); err != nil {
		return fmt.Errorf("failed to stop the log: %w", err)
	}
	fmt.Fprintln(out, "Log stopped")
	return nil
}
