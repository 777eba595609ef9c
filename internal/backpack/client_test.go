package backpack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/backpack/internal/eventloop"
	"github.com/srg/backpack/internal/protocol"
	"github.com/srg/backpack/internal/transport"
	"github.com/srg/backpack/internal/transport/transporttest"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ClientLifecycleTestSuite struct {
	ClientTestSuite
}

func (suite *ClientLifecycleTestSuite) TestInitSubscribesAndSetsTimeout() {
	suite.True(suite.tr.Subscribed(), "client MUST listen to the transport")
	suite.Equal(TransportTimeout, suite.tr.Timeout)
	suite.Equal(18, suite.tr.Live(), "every built-in attribute MUST be registered")
	suite.Equal(18, suite.client.reg.live())
}

func (suite *ClientLifecycleTestSuite) TestInitIsIdempotent() {
	suite.Require().NoError(suite.client.Init())
	suite.Equal(18, suite.tr.Live())
}

func (suite *ClientLifecycleTestSuite) TestDeinitReleasesEverything() {
	suite.connect()
	suite.Require().NoError(suite.client.Subscribe(Handlers{SensorReadings: func(protocol.SensorReadings) {}}))
	suite.Require().NoError(suite.client.LogStart())

	suite.client.Deinit()

	suite.Zero(suite.tr.Live(), "every transport handle MUST be destroyed")
	suite.False(suite.tr.Subscribed())
	suite.False(suite.client.Connected())
	suite.False(suite.client.poll.running())
	suite.Empty(suite.client.poll.subscribed())
	suite.Zero(suite.clock.Pending(), "no timer MUST survive deinit")
}

func (suite *ClientLifecycleTestSuite) TestUnsubscribeResets() {
	suite.connect()
	suite.Require().NoError(suite.client.Subscribe(Handlers{
		SensorReadings:  func(protocol.SensorReadings) {},
		ProcessedValues: func(protocol.ProcessedValues) {},
	}))
	suite.client.SetPollingInterval(5 * DefaultPollInterval)
	suite.client.SetLogInterruptHandler(func() {})

	suite.client.Unsubscribe()

	suite.False(suite.client.poll.running())
	suite.Empty(suite.client.poll.subscribed())
	suite.Equal(DefaultPollInterval, suite.client.poll.interval)
	suite.Nil(suite.client.logInterrupt)
	suite.Zero(suite.client.reg.openReads)
}

func (suite *ClientLifecycleTestSuite) TestSubscribeWhileConnectedStartsPolling() {
	suite.connect()
	suite.False(suite.client.poll.running())

	suite.Require().NoError(suite.client.Subscribe(Handlers{ProcessedValues: func(protocol.ProcessedValues) {}}))
	suite.clock.Advance(0)

	suite.Equal(1, suite.tr.ReadCount(suite.processedHandle()))
}

func (suite *ClientLifecycleTestSuite) TestReadAttributeIsSingleOutstanding() {
	ref, err := suite.client.InitAttribute(protocol.ServiceSystem, 0x0400, 4, "custom", nil)
	suite.Require().NoError(err)

	suite.Require().NoError(suite.client.ReadAttribute(ref))
	suite.ErrorIs(suite.client.ReadAttribute(ref), ErrBusy)
	suite.False(suite.client.DestroyAttribute(ref), "destroy MUST wait for the outstanding read")

	suite.tr.CompleteRead(suite.handle(protocol.ServiceSystem, 0x0400), []byte{1, 2, 3, 4})
	suite.True(suite.client.DestroyAttribute(ref))
	suite.ErrorIs(suite.client.ReadAttribute(ref), ErrInvalidAttribute)
}

func (suite *ClientLifecycleTestSuite) TestDestroyAttributeAsyncCompletesOnReply() {
	ref, err := suite.client.InitAttribute(protocol.ServiceSystem, 0x0400, 4, "custom", nil)
	suite.Require().NoError(err)
	h := suite.handle(protocol.ServiceSystem, 0x0400)
	suite.Require().NoError(suite.client.ReadAttribute(ref))

	d := suite.client.DestroyAttributeAsync(ref)
	suite.False(d.Completed())

	suite.tr.FailRead(h, transport.ResultTimeout)
	suite.True(d.Completed(), "a failed read MUST also release a pending destroy")
	suite.Contains(suite.tr.Destroyed, h)
}

func (suite *ClientLifecycleTestSuite) TestInitAttributeChecksFieldWidths() {
	// GOAL: Verify custom field-mask attributes are checked against the length table
	//
	// TEST SCENARIO: undefined sensor bit → rejected; short length → warned and registered; plain id → unchecked

	_, err := suite.client.InitAttribute(protocol.ServiceSensorReadings, 1<<6, 4, "undefined", nil)
	suite.ErrorIs(err, ErrUnknownField, "a field of unknown width MUST be rejected")
	suite.True(suite.logged(logrus.ErrorLevel, "Attribute selects fields of unknown width"))
	suite.Equal(18, suite.tr.Live(), "a rejected attribute MUST NOT reach the transport")

	ref, err := suite.client.InitAttribute(protocol.ServiceSensorReadings, protocol.SensorTemperature|protocol.SensorHumidity, 4, "short", nil)
	suite.Require().NoError(err)
	suite.True(ref.Valid())
	suite.True(suite.logged(logrus.WarnLevel, "Attribute length shorter than its fields, trailing fields will not decode"))

	ref, err = suite.client.InitAttribute(protocol.ServiceProcessedValues, protocol.PlainAttributeBit|0x0010, 4, "event", nil)
	suite.Require().NoError(err, "plain ids MUST NOT be checked as field masks")
	suite.True(ref.Valid())
}

func (suite *ClientLifecycleTestSuite) TestLogStartRequiresConnection() {
	suite.ErrorIs(suite.client.LogStart(), ErrNotConnected)
	suite.Empty(suite.tr.Writes, "nothing MUST be written before the handshake")
	suite.Zero(suite.clock.Pending(), "the watchdog MUST NOT start before the handshake")
}

func TestClientLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(ClientLifecycleTestSuite))
}

// ---------------------------------------------------------------------------
// Notifications and device settings
// ---------------------------------------------------------------------------

type ClientDeviceTestSuite struct {
	ClientTestSuite
	airTouch []bool
	onBody   []bool
}

func (suite *ClientDeviceTestSuite) SetupTest() {
	suite.ClientTestSuite.SetupTest()
	suite.airTouch = nil
	suite.onBody = nil
	suite.Require().NoError(suite.client.Subscribe(Handlers{
		AirTouch: func(start bool) { suite.airTouch = append(suite.airTouch, start) },
		OnBody:   func(on bool) { suite.onBody = append(suite.onBody, on) },
	}))
}

func (suite *ClientDeviceTestSuite) TestOnBodyHandlerReadsCurrentState() {
	h := suite.handle(protocol.ServiceProcessedValues, protocol.OnBodyStateID)
	suite.Equal(1, suite.tr.ReadCount(h), "an onbody handler MUST trigger a state read")

	suite.tr.CompleteRead(h, []byte{1})

	suite.Equal([]bool{true}, suite.onBody)
}

func (suite *ClientDeviceTestSuite) TestNotificationsAreDispatched() {
	// GOAL: Verify event notifications reach the matching handler
	//
	// TEST SCENARIO: airtouch start, onbody, offbody, airtouch stop notified → handlers see them in order

	suite.tr.Notify(suite.handle(protocol.ServiceProcessedValues, protocol.AttrAirTouchStart))
	suite.tr.Notify(suite.handle(protocol.ServiceProcessedValues, protocol.AttrOnBody))
	suite.tr.Notify(suite.handle(protocol.ServiceProcessedValues, protocol.AttrOffBody))
	suite.tr.Notify(suite.handle(protocol.ServiceProcessedValues, protocol.AttrAirTouchStop))

	suite.Equal([]bool{true, false}, suite.airTouch)
	suite.Equal([]bool{true, false}, suite.onBody)
}

func (suite *ClientDeviceTestSuite) TestUnknownServiceNotificationIsLogged() {
	suite.tr.Notify(transport.NewHandle(0x2000, 0x0001, 1))

	suite.True(suite.logged(logrus.ErrorLevel, "Notification from unknown service"))
	suite.Empty(suite.airTouch)
	suite.Empty(suite.onBody)
}

func (suite *ClientDeviceTestSuite) TestCompensationRequiresConnection() {
	called := false

	err := suite.client.SetTemperatureCompensationMode(1, func(uint8, uint8) { called = true })

	suite.ErrorIs(err, ErrNotConnected)
	suite.Empty(suite.tr.WritesTo(suite.handle(protocol.ServiceProcessedValues, protocol.AttrTemperatureCompMode)))
	suite.Nil(suite.client.compensation, "a rejected request MUST NOT keep its handler")
	suite.False(called)
}

func (suite *ClientDeviceTestSuite) TestCompensationReplyDeliveredOnce() {
	suite.connect()
	var replies [][2]uint8
	h := suite.handle(protocol.ServiceProcessedValues, protocol.AttrTemperatureCompMode)

	suite.Require().NoError(suite.client.SetTemperatureCompensationMode(2, func(current, total uint8) {
		replies = append(replies, [2]uint8{current, total})
	}))

	writes := suite.tr.WritesTo(h)
	suite.Require().Len(writes, 1)
	suite.Equal([]byte{2}, writes[0].Data)
	suite.True(writes[0].RequestRead, "mode change MUST ask for the reply")
	suite.ErrorIs(suite.client.SetTemperatureCompensationMode(3, nil), ErrBusy)

	suite.tr.CompleteRead(h, []byte{2, 4})
	suite.tr.CompleteRead(h, []byte{2, 4})

	suite.Equal([][2]uint8{{2, 4}}, replies, "handler MUST be called exactly once")
}

func (suite *ClientDeviceTestSuite) TestCompensationReplyWithWrongLength() {
	suite.connect()
	called := false
	h := suite.handle(protocol.ServiceProcessedValues, protocol.AttrTemperatureCompMode)
	suite.Require().NoError(suite.client.SetTemperatureCompensationMode(1, func(uint8, uint8) { called = true }))

	suite.tr.CompleteRead(h, []byte{1, 4, 0})

	suite.False(called, "a malformed reply MUST NOT reach the handler")
	suite.True(suite.logged(logrus.ErrorLevel, "Invalid temperature compensation reply"))
}

func (suite *ClientDeviceTestSuite) TestChargeStateRelayedOnConnectAndChange() {
	plugged := suite.handle(protocol.ServiceSystem, protocol.AttrSystemPlugged)
	unplugged := suite.handle(protocol.ServiceSystem, protocol.AttrSystemUnplugged)

	suite.Require().NoError(suite.client.SetChargeState(true))
	suite.Empty(suite.tr.WritesTo(plugged), "charge state MUST NOT be relayed before connect")

	suite.connect()
	suite.Len(suite.tr.WritesTo(plugged), 1, "known charge state MUST be relayed on connect")

	suite.Require().NoError(suite.client.SetChargeState(true))
	suite.Len(suite.tr.WritesTo(plugged), 1, "unchanged state MUST NOT be relayed")

	suite.Require().NoError(suite.client.SetChargeState(false))
	suite.Len(suite.tr.WritesTo(unplugged), 1)
}

func (suite *ClientDeviceTestSuite) TestHandlerMayCallBackIntoClient() {
	var left time.Duration
	suite.Require().NoError(suite.client.Subscribe(Handlers{
		ConnectionChanged: func(connected bool) {
			if connected {
				left, _ = suite.client.LogClear()
			}
		},
	}))

	suite.connect()

	suite.Equal(LogClearDuration, left)
	suite.Equal(LogClearing, suite.client.LogStatus())
	suite.Len(suite.tr.WritesTo(suite.handle(protocol.ServiceLogger, protocol.AttrLoggerClear)), 1)
}

func TestClientDeviceTestSuite(t *testing.T) {
	suite.Run(t, new(ClientDeviceTestSuite))
}

// ---------------------------------------------------------------------------
// Event stream and history
// ---------------------------------------------------------------------------

type ClientStreamTestSuite struct {
	ClientTestSuite
}

func (suite *ClientStreamTestSuite) SetupTest() {
	suite.opts = []Option{WithEventStream(2), WithHistory(16)}
	suite.ClientTestSuite.SetupTest()
}

func (suite *ClientStreamTestSuite) TestStreamKeepsNewestEvents() {
	suite.connect()

	first := <-suite.client.Events()
	second := <-suite.client.Events()

	suite.Equal(EventAvailability, first.Kind)
	suite.Equal(protocol.ServiceLogger, first.Service)
	suite.Equal(EventConnection, second.Kind)
	suite.True(second.Connected)
	suite.Equal(testEpoch, second.Time, "events MUST carry the client clock time")
}

func (suite *ClientStreamTestSuite) TestHistoryRecordsReadings() {
	suite.Require().NoError(suite.client.Subscribe(Handlers{
		SensorReadings:  func(protocol.SensorReadings) {},
		ProcessedValues: func(protocol.ProcessedValues) {},
	}))
	suite.connect()
	suite.clock.Advance(0)

	suite.tr.CompleteRead(suite.sensorHandle(), le32s(21500, 45000, 0, 0, 0))
	suite.tr.CompleteRead(suite.processedHandle(), make([]byte, protocol.ProcessedValuesLength))

	samples := suite.client.History()
	suite.Require().Len(samples, 2)
	suite.Equal(EventSensorReadings, samples[0].Kind)
	suite.Equal(int32(21500), samples[0].Sensor.Temperature)
	suite.Equal(EventProcessedValues, samples[1].Kind)
	suite.Empty(suite.client.History(), "History MUST drain what it returns")
}

func (suite *ClientStreamTestSuite) TestDeinitClosesStream() {
	suite.client.Deinit()

	for range suite.client.Events() {
	}
	_, ok := <-suite.client.Events()
	suite.False(ok, "event stream MUST be closed")
}

func TestClientStreamTestSuite(t *testing.T) {
	suite.Run(t, new(ClientStreamTestSuite))
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestInitFailureReleasesRegisteredAttributes(t *testing.T) {
	// GOAL: Verify a failed Init leaves no transport handles behind
	//
	// TEST SCENARIO: transport refuses the logger state attribute → Init fails → nothing live, not subscribed

	tr := transporttest.New()
	boom := errors.New("out of handles")
	tr.CreateErr = func(service protocol.ServiceID, attribute protocol.AttributeID) error {
		if service == protocol.ServiceLogger && attribute == protocol.AttrLoggerState {
			return boom
		}
		return nil
	}
	logger, _ := test.NewNullLogger()
	c := New(tr, eventloop.NewManualClock(testEpoch), WithLogger(logger))

	err := c.Init()

	require.ErrorIs(t, err, boom)
	require.Zero(t, tr.Live(), "registered attributes MUST be released")
	require.False(t, tr.Subscribed())
}

func TestInitReplaysKnownAvailability(t *testing.T) {
	tr := transporttest.New()
	tr.Preset(protocol.ServiceSystem)
	logger, _ := test.NewNullLogger()
	c := New(tr, eventloop.NewManualClock(testEpoch), WithLogger(logger))

	require.NoError(t, c.Init())

	version := tr.Handle(protocol.ServiceSystem, protocol.AttrSystemVersion)
	require.NotNil(t, version)
	require.Equal(t, 1, tr.ReadCount(version), "an already available system service MUST start the handshake")
}

func TestClientOnEventLoop(t *testing.T) {
	// GOAL: Verify a client built with only an event loop keeps poll timers and caller calls on one thread
	//
	// TEST SCENARIO: handshake on a running loop → 1ms polling → test goroutine changes the interval and answers reads through Do while polls fire (meaningful under -race)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop := eventloop.New(nil, 0)
	loop.Start(ctx)
	do := func(fn func()) {
		require.NoError(t, loop.Do(ctx, fn))
	}

	tr := transporttest.New()
	var c *Client
	var sensor *transport.Handle
	var err error
	do(func() {
		c = New(tr, loop)
		if err = c.Init(); err != nil {
			return
		}
		tr.SetAvailable(protocol.ServiceSystem, true)
		tr.CompleteRead(tr.Handle(protocol.ServiceSystem, protocol.AttrSystemVersion), []byte("1.4.2\x00\x00\x00"))
		tr.CompleteRead(tr.Handle(protocol.ServiceSystem, protocol.AttrSystemSensorMask), le16(0x000F))
		tr.CompleteRead(tr.Handle(protocol.ServiceSystem, protocol.AttrSystemProcessedMask), le16(0x003F))
		tr.SetAvailable(protocol.ServiceLogger, true)
		tr.CompleteRead(tr.Handle(protocol.ServiceLogger, protocol.AttrLoggerState), []byte{byte(protocol.FirmwareLogDirty)})
		c.SetPollingInterval(time.Millisecond)
		err = c.Subscribe(Handlers{SensorReadings: func(protocol.SensorReadings) {}})
		sensor = tr.Handle(protocol.ServiceSensorReadings, protocol.SensorReadingsID)
	})
	require.NoError(t, err)
	require.NotNil(t, sensor)
	defer do(c.Deinit)

	var connected bool
	do(func() { connected = c.Connected() })
	require.True(t, connected, "client MUST be connected after the handshake")

	deadline := time.Now().Add(5 * time.Second)
	polls := 0
	for i := 0; polls < 10; i++ {
		require.True(t, time.Now().Before(deadline), "polling MUST keep running, got %d polls", polls)
		do(func() {
			c.SetPollingInterval(time.Duration(1+i%2) * time.Millisecond)
			if c.reg.isOpen(c.attrs.sensorReadings) {
				tr.CompleteRead(sensor, le32s(21500, 45000, 0, 0, 0))
			}
			polls = tr.ReadCount(sensor)
		})
		time.Sleep(time.Millisecond)
	}
}

func TestNewRequiresClock(t *testing.T) {
	require.PanicsWithValue(t, "backpack: nil clock", func() {
		New(transporttest.New(), nil)
	})
}
