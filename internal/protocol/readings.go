package protocol

// SensorReadings are raw sensor values. Temperatures are milli-degrees
// Celsius and humidities milli-percent relative humidity.
type SensorReadings struct {
	Temperature     int32
	Humidity        int32
	SkinTemperature int32
	SkinHumidity    int32
	Accel           [3]int16
	Gyro            [3]int16
	MPUTemperature  int16

	// Fields has a bit set for every field actually decoded.
	Fields AttributeID
}

// ProcessedValues are the derived temperatures in degrees Celsius.
type ProcessedValues struct {
	Skin      float32
	Apparent  float32
	FeelsLike float32
	Humidex   float32

	Fields AttributeID
}

const (
	sensorDecodeBits    = SensorTemperature | SensorHumidity | SensorSkinTemp | SensorSkinHumidity | SensorReserved0 | SensorReserved1 | SensorAccelX | SensorAccelY | SensorAccelZ | SensorGyroX | SensorGyroY | SensorGyroZ | SensorMPUTemp
	processedDecodeBits = ProcessedSkin | ProcessedApparent | ProcessedFeelsLike | ProcessedHumidex
)

// DecodeSensorReadings decodes a sensor readings payload for attribute id.
// On error the returned readings hold every field decoded before the failure.
func DecodeSensorReadings(id AttributeID, data []byte) (SensorReadings, error) {
	var r SensorReadings
	err := SensorLayout.Walk(id, sensorDecodeBits, data, func(field AttributeID, v []byte) {
		// Walk hands over exactly the field's width
		c := NewCursor(v)
		switch field {
		case SensorTemperature:
			r.Temperature, _ = c.Int32("temperature")
		case SensorHumidity:
			r.Humidity, _ = c.Int32("humidity")
		case SensorSkinTemp:
			r.SkinTemperature, _ = c.Int32("skin temperature")
		case SensorSkinHumidity:
			r.SkinHumidity, _ = c.Int32("skin humidity")
		case SensorAccelX, SensorAccelY, SensorAccelZ:
			r.Accel[axis(field, SensorAccelX)], _ = c.Int16("accel")
		case SensorGyroX, SensorGyroY, SensorGyroZ:
			r.Gyro[axis(field, SensorGyroX)], _ = c.Int16("gyro")
		case SensorMPUTemp:
			r.MPUTemperature, _ = c.Int16("mpu temperature")
		default:
			// reserved
			return
		}
		r.Fields |= field
	})
	return r, err
}

// DecodeProcessedValues decodes the temperature block of a processed values
// payload for attribute id. Fields after humidex are left unread.
func DecodeProcessedValues(id AttributeID, data []byte) (ProcessedValues, error) {
	var p ProcessedValues
	err := ProcessedLayout.Walk(id, processedDecodeBits, data, func(field AttributeID, v []byte) {
		f, _ := NewCursor(v).Float32(ProcessedLayout.Names[axis(field, ProcessedSkin)])
		switch field {
		case ProcessedSkin:
			p.Skin = f
		case ProcessedApparent:
			p.Apparent = f
		case ProcessedFeelsLike:
			p.FeelsLike = f
		case ProcessedHumidex:
			p.Humidex = f
		}
		p.Fields |= field
	})
	return p, err
}

func axis(field, first AttributeID) int {
	n := 0
	for f := first; f != field; f <<= 1 {
		n++
	}
	return n
}
