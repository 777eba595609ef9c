// Package backpack is the client side of the Backpack protocol. It keeps an
// attribute registry on top of a transport, establishes the capability
// handshake, polls subscribed attributes, drives the on-device log and fans
// the results out to the caller.
//
// A Client is not safe for concurrent use. Every method, and every transport
// callback, must run on one logical thread; eventloop.Loop provides one.
// Methods never block, and handlers may call back into the client.
package backpack

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/backpack/internal/eventloop"
	"github.com/srg/backpack/internal/protocol"
	"github.com/srg/backpack/internal/ringchan"
	"github.com/srg/backpack/internal/transport"
)

// LibVersion is the version of this client library.
const LibVersion = "1.0.0"

// TransportTimeout bounds every transport operation.
const TransportTimeout = 200 * time.Millisecond

// Client is the backpack protocol client.
type Client struct {
	tr      transport.Transport
	clock   eventloop.Clock
	logger  *logrus.Logger
	timeout time.Duration

	reg  *registry
	poll *poller
	log  *dataLog

	handlers     Handlers
	events       *ringchan.RingChannel[Event]
	history      *history
	compensation func(current, total uint8)
	logInterrupt func()

	attrs       builtins
	initialized bool

	handshake     initState
	version       string
	sensorMask    uint16
	processedMask uint16
	loggedMask    uint32

	charge chargeState
}

type chargeState struct {
	known   bool
	plugged bool
}

type builtins struct {
	sensorReadings  AttributeRef
	processedValues AttributeRef
	onBodyState     AttributeRef
	compensation    AttributeRef
	airTouchStart   AttributeRef
	airTouchStop    AttributeRef
	onBody          AttributeRef
	offBody         AttributeRef
	log             logRefs
	plugged         AttributeRef
	unplugged       AttributeRef
	version         AttributeRef
	sensorMask      AttributeRef
	processedMask   AttributeRef
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. A nil logger gets a fresh logrus.New().
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTransportTimeout overrides TransportTimeout.
func WithTransportTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithEventStream mirrors every event into a channel of the given capacity,
// read with Events. When the reader falls behind the oldest events are dropped.
func WithEventStream(capacity int) Option {
	return func(c *Client) {
		c.events = ringchan.New[Event](capacity)
	}
}

// WithHistory keeps the most recent readings for History.
func WithHistory(size uint32) Option {
	return func(c *Client) {
		if size > 0 {
			c.history = newHistory(size, nil)
		}
	}
}

// New creates a client on top of tr. Call Init to start it.
//
// clock is the time source for polling, the log watchdog and the log clear
// deadline. Its timers must fire on the client's logical thread, so it is
// usually the eventloop.Loop that also dispatches the transport callbacks.
func New(tr transport.Transport, clock eventloop.Clock, opts ...Option) *Client {
	if clock == nil {
		panic("backpack: nil clock")
	}
	c := &Client{tr: tr, clock: clock, timeout: TransportTimeout}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logrus.New()
	}
	if c.history != nil {
		c.history.logger = c.logger
	}

	c.reg = newRegistry(tr, c.logger)
	c.poll = newPoller(c.clock, c.logger, c.reg.requestRead, c.reg.isOpen)
	c.reg.released = c.poll.remove
	c.log = &dataLog{
		clock:  c.clock,
		logger: c.logger,
		state:  LogDirty,
		write: func(ref AttributeRef, payload []byte) error {
			return c.reg.requestWrite(ref, payload, false)
		},
		read:        c.reg.requestRead,
		loggedMask:  func() uint32 { return c.loggedMask },
		interrupted: c.logInterrupted,
	}
	return c
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Init registers the built-in attributes, replays the availability of services
// the transport already knows about and subscribes to transport events.
func (c *Client) Init() error {
	if c.initialized {
		return nil
	}
	if err := c.registerBuiltins(); err != nil {
		c.reg.releaseAll()
		return fmt.Errorf("failed to register backpack attributes: %w", err)
	}

	for _, service := range protocol.Services {
		if c.tr.ServiceAvailable(service) {
			c.availabilityChanged(service, true)
		}
	}

	c.tr.Subscribe(sink{c})
	c.tr.SetTimeout(c.timeout)
	c.initialized = true
	c.logger.WithField("version", LibVersion).Info("Backpack client initialized")
	return nil
}

// Deinit stops all timers, releases every attribute and detaches from the
// transport. The event stream, if any, is closed.
func (c *Client) Deinit() {
	if !c.initialized {
		return
	}
	c.poll.suspend()
	c.log.stopWatchdog()
	c.reg.releaseAll()
	c.poll.clear()
	c.tr.Unsubscribe()

	c.handshake = initNone
	c.version = ""
	c.sensorMask, c.processedMask, c.loggedMask = 0, 0, 0
	c.initialized = false
	if c.events != nil {
		c.events.Close()
	}
	c.logger.Info("Backpack client deinitialized")
}

func (c *Client) registerBuiltins() error {
	type entry struct {
		ref     *AttributeRef
		service protocol.ServiceID
		id      protocol.AttributeID
		length  int
		desc    string
		handler AttributeHandler
	}
	a := &c.attrs
	entries := []entry{
		{&a.sensorReadings, protocol.ServiceSensorReadings, protocol.SensorReadingsID, protocol.SensorReadingsLength, "Sensor Readings", c.onSensorReadings},
		{&a.processedValues, protocol.ServiceProcessedValues, protocol.ProcessedValuesID, protocol.ProcessedValuesLength, "Processed Values", c.onProcessedValues},
		{&a.log.clear, protocol.ServiceLogger, protocol.AttrLoggerClear, protocol.LoggerClearLength, "Logger Clear", nil},
		{&a.log.start, protocol.ServiceLogger, protocol.AttrLoggerStart, protocol.LoggerStartLength, "Logger Start", nil},
		{&a.log.pause, protocol.ServiceLogger, protocol.AttrLoggerPause, protocol.LoggerPauseLength, "Logger Pause", nil},
		{&a.log.resume, protocol.ServiceLogger, protocol.AttrLoggerResume, protocol.LoggerResumeLength, "Logger Resume", nil},
		{&a.log.state, protocol.ServiceLogger, protocol.AttrLoggerState, protocol.LoggerStateLength, "Logger State", c.onLoggerState},
		{&a.airTouchStart, protocol.ServiceProcessedValues, protocol.AttrAirTouchStart, protocol.EventLength, "AirTouch Start", nil},
		{&a.airTouchStop, protocol.ServiceProcessedValues, protocol.AttrAirTouchStop, protocol.EventLength, "AirTouch Stop", nil},
		{&a.onBody, protocol.ServiceProcessedValues, protocol.AttrOnBody, protocol.EventLength, "OnBody", nil},
		{&a.offBody, protocol.ServiceProcessedValues, protocol.AttrOffBody, protocol.EventLength, "OffBody", nil},
		{&a.onBodyState, protocol.ServiceProcessedValues, protocol.OnBodyStateID, protocol.OnBodyStateLength, "OnBody State", c.onOnBodyState},
		{&a.compensation, protocol.ServiceProcessedValues, protocol.AttrTemperatureCompMode, protocol.TemperatureCompModeLength, "Temperature Compensation", c.onCompensation},
		{&a.plugged, protocol.ServiceSystem, protocol.AttrSystemPlugged, protocol.SystemPluggedLength, "System Plugged", nil},
		{&a.unplugged, protocol.ServiceSystem, protocol.AttrSystemUnplugged, protocol.SystemUnpluggedLength, "System Unplugged", nil},
		{&a.version, protocol.ServiceSystem, protocol.AttrSystemVersion, protocol.SystemVersionLength, "System Version", c.onVersion},
		{&a.sensorMask, protocol.ServiceSystem, protocol.AttrSystemSensorMask, protocol.SystemSensorMaskLength, "Available Sensor Readings", c.onSensorMask},
		{&a.processedMask, protocol.ServiceSystem, protocol.AttrSystemProcessedMask, protocol.SystemProcessedMaskLength, "Available Processed Values", c.onProcessedMask},
	}

	var errs []error
	for _, s := range entries {
		ref, err := c.reg.register(s.service, s.id, s.length, s.desc, s.handler)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*s.ref = ref
	}
	c.log.refs = a.log
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// Connected reports whether the capability handshake has completed.
func (c *Client) Connected() bool {
	return c.handshake == initComplete
}

// Version is the firmware version string, empty until known.
func (c *Client) Version() string {
	return c.version
}

// AvailableSensorMask is the sensor fields the backpack advertises.
func (c *Client) AvailableSensorMask() uint16 {
	return c.sensorMask
}

// AvailableProcessedMask is the processed fields the backpack advertises.
func (c *Client) AvailableProcessedMask() uint16 {
	return c.processedMask
}

// LoggedValuesMask is the channel mask sent with a log start. It is fixed when
// the handshake completes.
func (c *Client) LoggedValuesMask() uint32 {
	return c.loggedMask
}

// Events returns the event stream, or nil without WithEventStream.
func (c *Client) Events() <-chan Event {
	if c.events == nil {
		return nil
	}
	return c.events.C()
}

// History drains the readings recorded since the last call. It is safe to
// call from any goroutine.
func (c *Client) History() []Sample {
	if c.history == nil {
		return nil
	}
	return c.history.drain()
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// Subscribe installs handlers. A SensorReadings or ProcessedValues handler
// adds the matching attribute to the poll set, an OnBody handler triggers a
// read of the current on-body state. Polling starts when connected.
func (c *Client) Subscribe(h Handlers) error {
	c.handlers = h

	var errs []error
	if h.SensorReadings != nil {
		errs = append(errs, c.poll.add(c.attrs.sensorReadings))
	}
	if h.ProcessedValues != nil {
		errs = append(errs, c.poll.add(c.attrs.processedValues))
	}
	if h.OnBody != nil {
		errs = append(errs, c.reg.requestRead(c.attrs.onBodyState))
	}
	if c.Connected() {
		c.poll.resume()
	}
	return errors.Join(errs...)
}

// Unsubscribe stops polling and forgets every handler, the log interrupt
// handler included. The poll interval returns to its default.
func (c *Client) Unsubscribe() {
	c.poll.suspend()
	c.poll.clear()
	c.reg.openReads = 0
	c.handlers = Handlers{}
	c.logInterrupt = nil
	c.poll.setInterval(DefaultPollInterval)
}

// SetPollingInterval changes the poll period. It applies from the next
// scheduled poll.
func (c *Client) SetPollingInterval(d time.Duration) {
	c.poll.setInterval(d)
}

// ---------------------------------------------------------------------------
// Custom attributes
// ---------------------------------------------------------------------------

// InitAttribute registers a caller-defined attribute. handler receives every
// successful read. Field-mask ids of the sensor and processed services are
// checked against the protocol length table.
func (c *Client) InitAttribute(service protocol.ServiceID, id protocol.AttributeID, length int, desc string, handler AttributeHandler) (AttributeRef, error) {
	if layout, ok := protocol.LayoutFor(service); ok && id&protocol.PlainAttributeBit == 0 {
		size := layout.Size(id)
		if size < 0 {
			c.logger.WithFields(logrus.Fields{
				"service":   service,
				"attribute": fmt.Sprintf("0x%04x", uint16(id)),
			}).Error("Attribute selects fields of unknown width")
			return AttributeRef{}, fmt.Errorf("%s attribute 0x%04x: %w", service, uint16(id), ErrUnknownField)
		}
		if length < size {
			c.logger.WithFields(logrus.Fields{
				"service":   service,
				"attribute": fmt.Sprintf("0x%04x", uint16(id)),
				"length":    length,
				"fields":    size,
			}).Warn("Attribute length shorter than its fields, trailing fields will not decode")
		}
	}
	return c.reg.register(service, id, length, desc, handler)
}

// SubscribeAttribute adds an attribute to the poll set.
func (c *Client) SubscribeAttribute(ref AttributeRef) error {
	if _, err := c.reg.lookup(ref); err != nil {
		return err
	}
	if err := c.poll.add(ref); err != nil {
		return err
	}
	if c.Connected() {
		c.poll.resume()
	}
	return nil
}

// ReadAttribute issues a single read of an attribute.
func (c *Client) ReadAttribute(ref AttributeRef) error {
	return c.reg.requestRead(ref)
}

// DestroyAttribute releases an attribute. It returns false while a read is
// outstanding; the caller retries later.
func (c *Client) DestroyAttribute(ref AttributeRef) bool {
	return c.reg.destroy(ref)
}

// DestroyAttributeAsync releases an attribute as soon as nothing is
// outstanding on it. It never blocks.
func (c *Client) DestroyAttributeAsync(ref AttributeRef) *Destruction {
	return c.reg.destroyAsync(ref)
}

// ---------------------------------------------------------------------------
// Device settings
// ---------------------------------------------------------------------------

// SetTemperatureCompensationMode selects a compensation mode. The reply is
// delivered to handler once.
func (c *Client) SetTemperatureCompensationMode(mode uint8, handler func(current, total uint8)) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	if err := c.reg.requestWrite(c.attrs.compensation, []byte{mode}, true); err != nil {
		return err
	}
	c.compensation = handler
	return nil
}

// SetChargeState tells the backpack whether the host is charging. Changes are
// relayed while connected; the current state is relayed on every connect.
func (c *Client) SetChargeState(plugged bool) error {
	changed := !c.charge.known || c.charge.plugged != plugged
	c.charge = chargeState{known: true, plugged: plugged}
	if !changed || !c.Connected() {
		return nil
	}
	return c.relayCharge()
}

func (c *Client) relayCharge() error {
	ref := c.attrs.unplugged
	if c.charge.plugged {
		ref = c.attrs.plugged
	}
	c.logger.WithField("plugged", c.charge.plugged).Debug("Relaying charge state")
	return c.reg.requestWrite(ref, []byte{0}, false)
}

// ---------------------------------------------------------------------------
// Log
// ---------------------------------------------------------------------------

// LogStatus reports the log state, first completing a clear whose deadline
// has passed.
func (c *Client) LogStatus() LogState {
	return c.log.status()
}

// LogClear erases the log and returns how long the erase takes.
func (c *Client) LogClear() (time.Duration, error) {
	return c.log.clear()
}

// LogStart starts a cleared log, or resumes a stopped one. The start message
// carries the logged values mask, so the handshake must have completed.
func (c *Client) LogStart() error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return c.log.start()
}

// LogStop pauses a started log.
func (c *Client) LogStop() error {
	return c.log.stop()
}

// LogRemaining is the time left until a clear completes.
func (c *Client) LogRemaining() time.Duration {
	return c.log.remaining()
}

// SetLogInterruptHandler is called when the firmware reports a log state that
// contradicts the local one.
func (c *Client) SetLogInterruptHandler(fn func()) {
	c.logInterrupt = fn
}

func (c *Client) logInterrupted(state LogState) {
	c.emit(Event{Kind: EventLogInterrupted, LogState: state})
	if c.logInterrupt != nil {
		c.logInterrupt()
	}
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

func (c *Client) emit(ev Event) {
	ev.Time = c.clock.Now()
	if c.history != nil && (ev.Kind == EventSensorReadings || ev.Kind == EventProcessedValues) {
		c.history.record(ev)
	}
	if c.events != nil && c.events.Send(ev) {
		c.logger.WithField("kind", ev.Kind).Debug("Event stream full, oldest event dropped")
	}
	c.handlers.deliver(ev)
}
