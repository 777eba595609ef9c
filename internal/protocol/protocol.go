// Package protocol holds the Backpack wire vocabulary: service ids, attribute
// bitmasks, field lengths and the payload codecs built on top of them.
//
// Attribute ids are bitmasks. A set bit names a field, and a payload carries
// the fields of its id in ascending bit order, each with the length fixed by
// the protocol-wide length table of its service.
package protocol

import "fmt"

// ServiceID identifies a Backpack service.
type ServiceID uint16

// AttributeID identifies an attribute within a service. For sensor and
// processed services it is a bitmask of fields.
type AttributeID uint16

// Services
const (
	ServiceSensorReadings  ServiceID = 0x1001
	ServiceProcessedValues ServiceID = 0x1002
	ServiceLogger          ServiceID = 0x1003
	ServiceSystem          ServiceID = 0x1004
)

// Services lists every service in the order the client discovers them.
var Services = []ServiceID{
	ServiceSensorReadings,
	ServiceProcessedValues,
	ServiceLogger,
	ServiceSystem,
}

func (s ServiceID) String() string {
	switch s {
	case ServiceSensorReadings:
		return "sensor-readings"
	case ServiceProcessedValues:
		return "processed-values"
	case ServiceLogger:
		return "logger"
	case ServiceSystem:
		return "system"
	default:
		return fmt.Sprintf("service(0x%04x)", uint16(s))
	}
}

// Sensor readings fields
const (
	SensorTemperature  AttributeID = 1 << 0
	SensorHumidity     AttributeID = 1 << 1
	SensorSkinTemp     AttributeID = 1 << 2
	SensorSkinHumidity AttributeID = 1 << 3
	SensorReserved0    AttributeID = 1 << 4
	SensorReserved1    AttributeID = 1 << 5
	SensorAccelX       AttributeID = 1 << 8
	SensorAccelY       AttributeID = 1 << 9
	SensorAccelZ       AttributeID = 1 << 10
	SensorGyroX        AttributeID = 1 << 11
	SensorGyroY        AttributeID = 1 << 12
	SensorGyroZ        AttributeID = 1 << 13
	SensorMPUTemp      AttributeID = 1 << 14

	// SensorLoggableBits are the sensor fields the firmware can record.
	SensorLoggableBits = SensorTemperature | SensorHumidity | SensorSkinTemp | SensorSkinHumidity
)

// Processed values fields
const (
	ProcessedSkin             AttributeID = 1 << 0
	ProcessedApparent         AttributeID = 1 << 1
	ProcessedFeelsLike        AttributeID = 1 << 2
	ProcessedHumidex          AttributeID = 1 << 3
	ProcessedCompensationMode AttributeID = 1 << 4
	ProcessedTranspiration    AttributeID = 1 << 5
	ProcessedOnBodyState      AttributeID = 1 << 6

	// ProcessedLoggableBits are the processed fields the firmware can record.
	ProcessedLoggableBits = ProcessedTranspiration
)

// Processed values event and control attributes. These are plain ids, not
// field masks, and carry PlainAttributeBit.
const (
	PlainAttributeBit AttributeID = 0x8000

	AttrAirTouchStart       AttributeID = 0x8001
	AttrAirTouchStop        AttributeID = 0x8002
	AttrTemperatureCompMode AttributeID = 0x8003
	AttrOnBody              AttributeID = 0x8004
	AttrOffBody             AttributeID = 0x8005
)

const (
	EventLength               = 4
	TemperatureCompModeLength = 2
)

// Logger attributes
const (
	AttrLoggerClear   AttributeID = 0x0001
	AttrLoggerStart   AttributeID = 0x0002
	AttrLoggerPause   AttributeID = 0x0003
	AttrLoggerResume  AttributeID = 0x0004
	AttrLoggerEntries AttributeID = 0x0005
	AttrLoggerState   AttributeID = 0x0006
)

const (
	LoggerClearLength  = 1
	LoggerStartLength  = 16
	LoggerPauseLength  = 1
	LoggerResumeLength = 1
	LoggerStateLength  = 1
)

// System attributes
const (
	AttrSystemPlugged       AttributeID = 0x0002
	AttrSystemUnplugged     AttributeID = 0x0003
	AttrSystemVersion       AttributeID = 0x0004
	AttrSystemSensorMask    AttributeID = 0x0005
	AttrSystemProcessedMask AttributeID = 0x0006
)

const (
	SystemPluggedLength       = 1
	SystemUnpluggedLength     = 1
	SystemVersionLength       = 60
	SystemSensorMaskLength    = 2
	SystemProcessedMaskLength = 2
)

// The polled attributes. Their ids select which fields the firmware packs.
const (
	SensorReadingsID = SensorTemperature | SensorHumidity | SensorSkinTemp | SensorReserved0 | SensorReserved1
	// SensorReadingsLength covers five 4-byte fields.
	SensorReadingsLength = 20

	ProcessedValuesID = ProcessedSkin | ProcessedFeelsLike | ProcessedApparent | ProcessedHumidex |
		ProcessedCompensationMode | ProcessedTranspiration
	// ProcessedValuesLength covers the four temperature floats; the firmware
	// does not send the trailing fields for this id.
	ProcessedValuesLength = 16

	OnBodyStateID     = ProcessedOnBodyState
	OnBodyStateLength = 1
)

// LoggedValuesMask combines the loggable subsets of the advertised sensor and
// processed masks: sensor fields in the low half, processed fields in the high half.
func LoggedValuesMask(sensor, processed uint16) uint32 {
	return uint32(AttributeID(sensor)&SensorLoggableBits) |
		uint32(AttributeID(processed)&ProcessedLoggableBits)<<16
}
