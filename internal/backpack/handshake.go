package backpack

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/backpack/internal/protocol"
	"github.com/srg/backpack/internal/transport"
)

// initState accumulates the handshake. The client is connected once every
// bit is set.
type initState uint8

const (
	initFirmwareVersion initState = 1 << iota
	initSensorMask
	initProcessedMask
	initLoggedValues

	initNone     initState = 0
	initComplete           = initFirmwareVersion | initSensorMask | initProcessedMask | initLoggedValues
)

// markInitialized adds handshake bits, or resets the handshake with initNone.
// Connection handlers only hear about edges.
func (c *Client) markInitialized(bits initState) {
	was := c.Connected()
	if bits == initNone {
		c.handshake = initNone
	} else {
		c.handshake |= bits
	}
	now := c.Connected()
	if was == now {
		return
	}

	if now {
		c.loggedMask = protocol.LoggedValuesMask(c.sensorMask, c.processedMask)
		c.logger.WithFields(logrus.Fields{
			"version":        c.version,
			"sensor_mask":    fmt.Sprintf("0x%04x", c.sensorMask),
			"processed_mask": fmt.Sprintf("0x%04x", c.processedMask),
			"logged_mask":    fmt.Sprintf("0x%08x", c.loggedMask),
		}).Info("Backpack connected")
		c.poll.resume()
		if c.charge.known {
			_ = c.relayCharge()
		}
	} else {
		c.logger.Info("Backpack disconnected")
	}
	c.emit(Event{Kind: EventConnection, Connected: now})
}

func (c *Client) availabilityChanged(service protocol.ServiceID, available bool) {
	c.logger.WithFields(logrus.Fields{
		"service":   service,
		"available": available,
	}).Info("Service availability changed")

	switch service {
	case protocol.ServiceSystem:
		if available {
			_ = c.reg.requestRead(c.attrs.version)
			_ = c.reg.requestRead(c.attrs.sensorMask)
			_ = c.reg.requestRead(c.attrs.processedMask)
		} else {
			c.poll.suspend()
			c.version = ""
			c.sensorMask, c.processedMask, c.loggedMask = 0, 0, 0
			c.markInitialized(initNone)
		}
	case protocol.ServiceLogger:
		if available {
			c.log.checkState()
		}
	}

	c.emit(Event{Kind: EventAvailability, Service: service, Available: available})
}

// ---------------------------------------------------------------------------
// Built-in attribute handlers
// ---------------------------------------------------------------------------

func (c *Client) onVersion(data []byte, _ protocol.AttributeID) {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	if len(data) >= protocol.SystemVersionLength {
		data = data[:protocol.SystemVersionLength-1]
	}
	c.version = string(data)
	c.logger.WithField("version", c.version).Info("Firmware version")
	c.markInitialized(initFirmwareVersion)
}

func (c *Client) onSensorMask(data []byte, _ protocol.AttributeID) {
	mask, err := protocol.NewCursor(data).Uint16("sensor mask")
	if err != nil {
		c.logger.WithError(err).Error("Invalid sensor mask")
		return
	}
	c.sensorMask = mask
	c.logger.WithField("mask", fmt.Sprintf("0x%04x", mask)).Info("Available sensor readings")
	c.markInitialized(initSensorMask)
}

func (c *Client) onProcessedMask(data []byte, _ protocol.AttributeID) {
	mask, err := protocol.NewCursor(data).Uint16("processed mask")
	if err != nil {
		c.logger.WithError(err).Error("Invalid processed mask")
		return
	}
	c.processedMask = mask
	c.logger.WithField("mask", fmt.Sprintf("0x%04x", mask)).Info("Available processed values")
	c.markInitialized(initProcessedMask)
}

func (c *Client) onLoggerState(data []byte, _ protocol.AttributeID) {
	if len(data) == 0 {
		c.logger.Error("Empty logger state")
	} else {
		c.log.firmwareState(protocol.FirmwareLogState(data[0]))
	}
	c.markInitialized(initLoggedValues)
}

func (c *Client) onSensorReadings(data []byte, id protocol.AttributeID) {
	r, err := protocol.DecodeSensorReadings(id, data)
	if err != nil {
		c.logger.WithError(err).WithField("length", len(data)).Error("Incomplete sensor readings")
	}
	c.emit(Event{Kind: EventSensorReadings, Sensor: r})
}

func (c *Client) onProcessedValues(data []byte, id protocol.AttributeID) {
	v, err := protocol.DecodeProcessedValues(id, data)
	if err != nil {
		c.logger.WithError(err).WithField("length", len(data)).Error("Incomplete processed values")
	}
	c.emit(Event{Kind: EventProcessedValues, Processed: v})
}

func (c *Client) onOnBodyState(data []byte, _ protocol.AttributeID) {
	state, err := protocol.NewCursor(data).Uint8("onbody state")
	if err != nil {
		c.logger.WithError(err).Error("Invalid onbody state")
		return
	}
	c.emit(Event{Kind: EventOnBody, OnBody: state != 0})
}

func (c *Client) onCompensation(data []byte, _ protocol.AttributeID) {
	handler := c.compensation
	c.compensation = nil

	reply, err := protocol.DecodeCompensationReply(data)
	if err != nil {
		c.logger.WithError(err).Error("Invalid temperature compensation reply")
		return
	}
	c.logger.WithFields(logrus.Fields{
		"current": reply.Current,
		"total":   reply.Total,
	}).Info("Temperature compensation mode")
	if handler != nil {
		handler(reply.Current, reply.Total)
	}
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

func (c *Client) notified(h *transport.Handle) {
	switch h.Service() {
	case protocol.ServiceSensorReadings:
		c.logger.WithField("attribute_id", fmt.Sprintf("0x%04x", uint16(h.Attribute()))).Debug("Sensor readings notification")
	case protocol.ServiceProcessedValues:
		switch h.Attribute() {
		case protocol.AttrAirTouchStart:
			c.emit(Event{Kind: EventAirTouch, Start: true})
		case protocol.AttrAirTouchStop:
			c.emit(Event{Kind: EventAirTouch, Start: false})
		case protocol.AttrOnBody:
			c.emit(Event{Kind: EventOnBody, OnBody: true})
		case protocol.AttrOffBody:
			c.emit(Event{Kind: EventOnBody, OnBody: false})
		default:
			c.logger.WithField("attribute_id", fmt.Sprintf("0x%04x", uint16(h.Attribute()))).Debug("Processed values notification")
		}
	default:
		c.logger.WithField("handle", h).Error("Notification from unknown service")
	}
}

// sink adapts the client to transport.Sink without widening its API.
type sink struct {
	c *Client
}

func (s sink) AvailabilityChanged(service protocol.ServiceID, available bool) {
	s.c.availabilityChanged(service, available)
}

func (s sink) ReadComplete(h *transport.Handle, result transport.Result, data []byte) {
	s.c.reg.readComplete(h, result, data)
}

func (s sink) WriteComplete(h *transport.Handle, result transport.Result) {
	s.c.reg.writeComplete(h, result)
}

func (s sink) Notified(h *transport.Handle) {
	s.c.notified(h)
}
