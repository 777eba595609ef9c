package backpack

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/backpack/internal/eventloop"
	"github.com/srg/backpack/internal/protocol"
)

// Log timing
const (
	// LogClearDuration is how long the firmware needs to erase the log.
	LogClearDuration = 70 * time.Second
	// LogWatchdogInterval is the period of the firmware logger state check.
	LogWatchdogInterval = 60 * time.Second
	// LogInterval is the sampling period requested when a log starts.
	LogInterval = 100 * time.Millisecond
)

// LogState is the client's view of the on-device log. States are ordered.
type LogState int

const (
	LogDirty LogState = iota
	LogClearing
	LogCleared
	LogStarted
	LogStopped
)

func (s LogState) String() string {
	switch s {
	case LogDirty:
		return "dirty"
	case LogClearing:
		return "clearing"
	case LogCleared:
		return "cleared"
	case LogStarted:
		return "started"
	case LogStopped:
		return "stopped"
	default:
		return fmt.Sprintf("log-state(%d)", int(s))
	}
}

type logRefs struct {
	clear, start, pause, resume, state AttributeRef
}

// dataLog drives the log lifecycle. Writes are fire-and-forget; the state
// only advances once the write was accepted by the transport.
type dataLog struct {
	clock  eventloop.Clock
	logger *logrus.Logger
	refs   logRefs

	state         LogState
	clearDeadline time.Time
	watchdog      eventloop.Timer

	write      func(ref AttributeRef, payload []byte) error
	read       func(ref AttributeRef) error
	loggedMask func() uint32

	// interrupted is told about state changes the firmware forced on us.
	interrupted func(state LogState)
}

func (l *dataLog) setState(s LogState) {
	if l.state == s {
		return
	}
	l.logger.WithFields(logrus.Fields{"from": l.state, "to": s}).Info("Log state changed")
	l.state = s
}

// status evaluates the clearing deadline before reporting.
func (l *dataLog) status() LogState {
	if l.state == LogClearing {
		l.remaining()
	}
	return l.state
}

// remaining is the time left until an erase finishes. Passing the deadline is
// the only way Clearing becomes Cleared without firmware confirmation.
func (l *dataLog) remaining() time.Duration {
	if l.state != LogClearing {
		return 0
	}
	left := l.clearDeadline.Sub(l.clock.Now())
	if left <= 0 {
		l.clearDeadline = time.Time{}
		l.setState(LogCleared)
		return 0
	}
	return left
}

// clear erases the log. A clear in progress is not reissued.
func (l *dataLog) clear() (time.Duration, error) {
	switch l.state {
	case LogCleared:
		return 0, nil
	case LogClearing:
		return l.remaining(), nil
	}

	if err := l.write(l.refs.clear, []byte{0}); err != nil {
		return 0, err
	}
	l.clearDeadline = l.clock.Now().Add(LogClearDuration)
	l.setState(LogClearing)
	l.stopWatchdog()
	return LogClearDuration, nil
}

func (l *dataLog) start() error {
	l.startWatchdog()

	switch l.status() {
	case LogStopped:
		if err := l.write(l.refs.resume, []byte{0}); err != nil {
			return err
		}
		l.setState(LogStarted)
		return nil
	case LogCleared:
	default:
		l.logger.WithField("state", l.state).Debug("Log not cleared, start ignored")
		return nil
	}

	msg := protocol.LogStartMessage{
		StartTimeMs:     uint64(l.clock.Now().UnixMilli()),
		LogIntervalMs:   uint32(LogInterval / time.Millisecond),
		EnabledChannels: l.loggedMask(),
	}
	payload, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if err := l.write(l.refs.start, payload); err != nil {
		return err
	}
	l.logger.WithFields(logrus.Fields{
		"start_time_ms": msg.StartTimeMs,
		"channels":      fmt.Sprintf("0x%08x", msg.EnabledChannels),
	}).Info("Log started")
	l.setState(LogStarted)
	return nil
}

func (l *dataLog) stop() error {
	if l.state != LogStarted {
		return nil
	}
	if err := l.write(l.refs.pause, []byte{0}); err != nil {
		return err
	}
	l.setState(LogStopped)
	return nil
}

func (l *dataLog) startWatchdog() {
	if l.watchdog != nil {
		return
	}
	l.watchdog = l.clock.AfterFunc(LogWatchdogInterval, l.watchdogTick)
}

func (l *dataLog) stopWatchdog() {
	if l.watchdog == nil {
		return
	}
	l.watchdog.Stop()
	l.watchdog = nil
}

func (l *dataLog) watchdogTick() {
	l.watchdog = nil
	l.checkState()
	l.watchdog = l.clock.AfterFunc(LogWatchdogInterval, l.watchdogTick)
}

// checkState asks the firmware for its logger state.
func (l *dataLog) checkState() {
	_ = l.read(l.refs.state)
}

// firmwareState reconciles the local state with the one the firmware
// reported. Only empty and dirty are authoritative.
func (l *dataLog) firmwareState(fw protocol.FirmwareLogState) {
	var mapped LogState
	switch fw {
	case protocol.FirmwareLogEmpty:
		mapped = LogCleared
	case protocol.FirmwareLogDirty:
		mapped = LogDirty
	default:
		l.logger.WithField("firmware_state", fw).Debug("Firmware log state")
		return
	}

	local := l.status()
	l.clearDeadline = time.Time{}
	if local == mapped {
		return
	}
	// an erase finishing before the estimate is not an interruption
	if local == LogClearing && mapped == LogCleared {
		l.setState(LogCleared)
		return
	}

	l.logger.WithFields(logrus.Fields{
		"firmware_state": fw,
		"local":          local,
	}).Warn("Log interrupted")
	l.setState(mapped)
	if l.interrupted != nil {
		l.interrupted(mapped)
	}
}
