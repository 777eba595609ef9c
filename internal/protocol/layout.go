package protocol

import "math/bits"

// Layout is the length table of a service: the byte width of the field named
// by each bit. A zero width marks a bit the protocol does not define.
type Layout struct {
	Service ServiceID
	Widths  [16]int
	Names   [16]string
}

// SensorLayout describes sensor readings payloads.
var SensorLayout = Layout{
	Service: ServiceSensorReadings,
	Widths: [16]int{
		0: 4, 1: 4, 2: 4, 3: 4, 4: 4, 5: 4,
		8: 2, 9: 2, 10: 2,
		11: 2, 12: 2, 13: 2,
		14: 2,
	},
	Names: [16]string{
		0: "temperature", 1: "humidity", 2: "skin temperature", 3: "skin humidity",
		4: "reserved0", 5: "reserved1",
		8: "accel x", 9: "accel y", 10: "accel z",
		11: "gyro x", 12: "gyro y", 13: "gyro z",
		14: "mpu temperature",
	},
}

// ProcessedLayout describes processed values payloads.
var ProcessedLayout = Layout{
	Service: ServiceProcessedValues,
	Widths:  [16]int{0: 4, 1: 4, 2: 4, 3: 4, 4: 1, 5: 4, 6: 1},
	Names: [16]string{
		0: "skin", 1: "apparent", 2: "feels like", 3: "humidex",
		4: "compensation mode", 5: "transpiration", 6: "onbody state",
	},
}

// LayoutFor returns the length table of a field-mask service.
func LayoutFor(service ServiceID) (Layout, bool) {
	switch service {
	case ServiceSensorReadings:
		return SensorLayout, true
	case ServiceProcessedValues:
		return ProcessedLayout, true
	default:
		return Layout{}, false
	}
}

// Size is the payload length implied by id, or -1 if id has an unknown bit.
func (l Layout) Size(id AttributeID) int {
	size := 0
	for b := 0; b < 16; b++ {
		if id&(1<<b) == 0 {
			continue
		}
		if l.Widths[b] == 0 {
			return -1
		}
		size += l.Widths[b]
	}
	return size
}

// Walk visits the fields of id found in data in ascending bit order. Bits above
// the highest bit of upto are not consumed. A short payload or an unknown bit
// stops the walk; fields visited before that point stay delivered.
func (l Layout) Walk(id, upto AttributeID, data []byte, visit func(field AttributeID, value []byte)) error {
	if upto == 0 {
		return nil
	}
	highest := 15 - bits.LeadingZeros16(uint16(upto))
	c := NewCursor(data)
	for b := 0; b <= highest; b++ {
		field := AttributeID(1 << b)
		if id&field == 0 {
			continue
		}
		width := l.Widths[b]
		if width == 0 {
			return &UnknownFieldError{Service: l.Service, Bit: b}
		}
		value, err := c.Next(width, l.Names[b])
		if err != nil {
			return err
		}
		visit(field, value)
	}
	return nil
}
