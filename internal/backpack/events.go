package backpack

import (
	"fmt"
	"time"

	"github.com/srg/backpack/internal/protocol"
)

// EventKind tags an Event.
type EventKind int

const (
	EventAvailability EventKind = iota + 1
	EventConnection
	EventSensorReadings
	EventProcessedValues
	EventAirTouch
	EventOnBody
	EventLogInterrupted
)

func (k EventKind) String() string {
	switch k {
	case EventAvailability:
		return "availability"
	case EventConnection:
		return "connection"
	case EventSensorReadings:
		return "sensor-readings"
	case EventProcessedValues:
		return "processed-values"
	case EventAirTouch:
		return "airtouch"
	case EventOnBody:
		return "onbody"
	case EventLogInterrupted:
		return "log-interrupted"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one delivery from the client. Only the fields of its Kind are set.
type Event struct {
	Kind EventKind
	Time time.Time

	Service   protocol.ServiceID // EventAvailability
	Available bool               // EventAvailability
	Connected bool               // EventConnection

	Sensor    protocol.SensorReadings  // EventSensorReadings
	Processed protocol.ProcessedValues // EventProcessedValues

	Start  bool // EventAirTouch: true on start, false on stop
	OnBody bool // EventOnBody

	LogState LogState // EventLogInterrupted
}

// Handlers are the caller's callbacks. Every slot is optional. Which of the
// reading slots are set decides what Subscribe polls.
//
// Callbacks run on the client's logical thread and may call back into the
// client.
type Handlers struct {
	AvailabilityChanged func(service protocol.ServiceID, available bool)
	ConnectionChanged   func(connected bool)
	SensorReadings      func(r protocol.SensorReadings)
	ProcessedValues     func(v protocol.ProcessedValues)
	AirTouch            func(start bool)
	OnBody              func(onBody bool)
}

func (h Handlers) deliver(ev Event) {
	switch ev.Kind {
	case EventAvailability:
		if h.AvailabilityChanged != nil {
			h.AvailabilityChanged(ev.Service, ev.Available)
		}
	case EventConnection:
		if h.ConnectionChanged != nil {
			h.ConnectionChanged(ev.Connected)
		}
	case EventSensorReadings:
		if h.SensorReadings != nil {
			h.SensorReadings(ev.Sensor)
		}
	case EventProcessedValues:
		if h.ProcessedValues != nil {
			h.ProcessedValues(ev.Processed)
		}
	case EventAirTouch:
		if h.AirTouch != nil {
			h.AirTouch(ev.Start)
		}
	case EventOnBody:
		if h.OnBody != nil {
			h.OnBody(ev.OnBody)
		}
	}
}
