package backpack

import (
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/backpack/internal/eventloop"
	"github.com/srg/backpack/internal/protocol"
	"github.com/srg/backpack/internal/transport"
	"github.com/srg/backpack/internal/transport/transporttest"
	"github.com/stretchr/testify/suite"
)

var testEpoch = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// ClientTestSuite drives a Client over the scripted transport. The test
// goroutine is the client's logical thread and the manual clock fires timers
// synchronously.
type ClientTestSuite struct {
	suite.Suite
	tr     *transporttest.Fake
	clock  *eventloop.ManualClock
	client *Client
	hook   *test.Hook
	opts   []Option
}

// SetupTest creates a fresh, initialized client for every test
func (suite *ClientTestSuite) SetupTest() {
	suite.tr = transporttest.New()
	suite.clock = eventloop.NewManualClock(testEpoch)

	var logger *logrus.Logger
	logger, suite.hook = test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	opts := append([]Option{WithLogger(logger)}, suite.opts...)
	suite.client = New(suite.tr, suite.clock, opts...)
	suite.Require().NoError(suite.client.Init(), "Init MUST succeed on an empty registry")
}

func (suite *ClientTestSuite) handle(service protocol.ServiceID, attribute protocol.AttributeID) *transport.Handle {
	h := suite.tr.Handle(service, attribute)
	suite.Require().NotNil(h, "attribute %04x:%04x MUST be registered", uint16(service), uint16(attribute))
	return h
}

func (suite *ClientTestSuite) sensorHandle() *transport.Handle {
	return suite.handle(protocol.ServiceSensorReadings, protocol.SensorReadingsID)
}

func (suite *ClientTestSuite) processedHandle() *transport.Handle {
	return suite.handle(protocol.ServiceProcessedValues, protocol.ProcessedValuesID)
}

func (suite *ClientTestSuite) loggerStateHandle() *transport.Handle {
	return suite.handle(protocol.ServiceLogger, protocol.AttrLoggerState)
}

// systemUp brings the system service up and answers the three capability reads.
func (suite *ClientTestSuite) systemUp(sensor, processed uint16) {
	suite.tr.SetAvailable(protocol.ServiceSystem, true)
	suite.tr.CompleteRead(suite.handle(protocol.ServiceSystem, protocol.AttrSystemVersion), []byte("1.4.2\x00\x00\x00"))
	suite.tr.CompleteRead(suite.handle(protocol.ServiceSystem, protocol.AttrSystemSensorMask), le16(sensor))
	suite.tr.CompleteRead(suite.handle(protocol.ServiceSystem, protocol.AttrSystemProcessedMask), le16(processed))
}

// loggerUp brings the logger service up and answers the logger state read.
func (suite *ClientTestSuite) loggerUp(state protocol.FirmwareLogState) {
	suite.tr.SetAvailable(protocol.ServiceLogger, true)
	suite.tr.CompleteRead(suite.loggerStateHandle(), []byte{byte(state)})
}

// connect runs the complete handshake.
func (suite *ClientTestSuite) connect() {
	suite.systemUp(0x000F, 0x003F)
	suite.loggerUp(protocol.FirmwareLogDirty)
	suite.Require().True(suite.client.Connected(), "client MUST be connected after the full handshake")
}

func (suite *ClientTestSuite) logged(level logrus.Level, msg string) bool {
	for _, e := range suite.hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}

func le16(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

func le32s(vs ...int32) []byte {
	var b []byte
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint32(b, uint32(v))
	}
	return b
}
