package protocol

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func le32(vs ...int32) []byte {
	b := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint32(b, uint32(v))
	}
	return b
}

func lef32(vs ...float32) []byte {
	b := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

func TestLayout_WalkAscendingBitOrder(t *testing.T) {
	// GOAL: Verify fields are consumed lowest bit first regardless of how the id was composed
	//
	// TEST SCENARIO: id with bits 0 and 2 → 8-byte payload → bit 0 gets bytes 0..3, bit 2 gets bytes 4..7

	id := SensorSkinTemp | SensorTemperature
	data := le32(21500, 33100)

	var got []AttributeID
	values := map[AttributeID]int32{}
	err := SensorLayout.Walk(id, id, data, func(field AttributeID, v []byte) {
		got = append(got, field)
		values[field] = int32(binary.LittleEndian.Uint32(v))
	})

	require.NoError(t, err)
	assert.Equal(t, []AttributeID{SensorTemperature, SensorSkinTemp}, got, "fields MUST be visited in ascending bit order")
	assert.Equal(t, int32(21500), values[SensorTemperature])
	assert.Equal(t, int32(33100), values[SensorSkinTemp])
}

func TestLayout_WalkErrors(t *testing.T) {
	tests := []struct {
		name      string
		layout    Layout
		id        AttributeID
		data      []byte
		wantCount int
		check     func(t *testing.T, err error)
	}{
		{
			name:      "short buffer stops at the field that does not fit",
			layout:    SensorLayout,
			id:        SensorTemperature | SensorHumidity,
			data:      le32(1)[:4],
			wantCount: 1,
			check: func(t *testing.T, err error) {
				var sb *ShortBufferError
				require.ErrorAs(t, err, &sb)
				assert.Equal(t, "humidity", sb.Field)
				assert.Equal(t, 4, sb.Offset)
				assert.Equal(t, 4, sb.Need)
				assert.Equal(t, 0, sb.Have)
			},
		},
		{
			name:      "unknown bit stops the walk",
			layout:    SensorLayout,
			id:        SensorTemperature | AttributeID(1<<6),
			data:      le32(1, 2),
			wantCount: 1,
			check: func(t *testing.T, err error) {
				var uf *UnknownFieldError
				require.ErrorAs(t, err, &uf)
				assert.Equal(t, 6, uf.Bit)
				assert.Equal(t, ServiceSensorReadings, uf.Service)
			},
		},
		{
			name:      "bits above the decode limit are not consumed",
			layout:    ProcessedLayout,
			id:        ProcessedValuesID,
			data:      lef32(1, 2, 3, 4),
			wantCount: 4,
			check: func(t *testing.T, err error) {
				assert.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upto := tt.id
			if tt.layout.Service == ServiceProcessedValues {
				upto = processedDecodeBits
			}
			count := 0
			err := tt.layout.Walk(tt.id, upto, tt.data, func(AttributeID, []byte) { count++ })
			tt.check(t, err)
			assert.Equal(t, tt.wantCount, count)
		})
	}
}

func TestLayout_Size(t *testing.T) {
	assert.Equal(t, SensorReadingsLength, SensorLayout.Size(SensorReadingsID))
	assert.Equal(t, 6, SensorLayout.Size(SensorAccelX|SensorAccelY|SensorAccelZ))
	assert.Equal(t, -1, SensorLayout.Size(AttributeID(1<<7)))
	assert.Equal(t, 1, ProcessedLayout.Size(OnBodyStateID))
}

func TestDecodeSensorReadings(t *testing.T) {
	// GOAL: Verify the polled sensor attribute decodes its five 4-byte fields
	//
	// TEST SCENARIO: 20-byte payload for id 0x37 → temp, hum, skin temp set → reserved skipped

	data := le32(23450, 41200, 33800, 0, 0)

	r, err := DecodeSensorReadings(SensorReadingsID, data)

	require.NoError(t, err)
	assert.Equal(t, int32(23450), r.Temperature)
	assert.Equal(t, int32(41200), r.Humidity)
	assert.Equal(t, int32(33800), r.SkinTemperature)
	assert.Zero(t, r.SkinHumidity, "skin humidity is not part of id 0x37")
	assert.Equal(t, SensorTemperature|SensorHumidity|SensorSkinTemp, r.Fields)
}

func TestDecodeSensorReadings_Motion(t *testing.T) {
	id := SensorAccelX | SensorAccelY | SensorAccelZ | SensorMPUTemp
	data := []byte{0x01, 0x00, 0xFF, 0xFF, 0x10, 0x00, 0x64, 0x00}

	r, err := DecodeSensorReadings(id, data)

	require.NoError(t, err)
	assert.Equal(t, [3]int16{1, -1, 16}, r.Accel)
	assert.Equal(t, int16(100), r.MPUTemperature)
	assert.Equal(t, id, r.Fields)
}

func TestDecodeSensorReadings_ShortPayloadKeepsDecodedFields(t *testing.T) {
	r, err := DecodeSensorReadings(SensorReadingsID, le32(23450, 41200)[:6])

	var sb *ShortBufferError
	require.ErrorAs(t, err, &sb, "short payload MUST be reported")
	assert.Equal(t, int32(23450), r.Temperature, "fields before the short one MUST be kept")
	assert.Zero(t, r.Humidity)
	assert.Equal(t, SensorTemperature, r.Fields)
}

func TestDecodeProcessedValues(t *testing.T) {
	// GOAL: Verify processed floats land in ascending bit order: skin, apparent, feels like, humidex
	data := lef32(33.5, 27.25, 28.0, 31.75)

	p, err := DecodeProcessedValues(ProcessedValuesID, data)

	require.NoError(t, err)
	assert.Equal(t, float32(33.5), p.Skin)
	assert.Equal(t, float32(27.25), p.Apparent)
	assert.Equal(t, float32(28.0), p.FeelsLike)
	assert.Equal(t, float32(31.75), p.Humidex)
}

func TestLoggedValuesMask(t *testing.T) {
	tests := []struct {
		name      string
		sensor    uint16
		processed uint16
		want      uint32
	}{
		{"temperature and humidity with transpiration", 0b0011, 0b100000, 0x00200003},
		{"non-loggable sensor bits are dropped", 0xFFFF, 0, 0x0000000F},
		{"non-loggable processed bits are dropped", 0, 0b011111, 0},
		{"nothing advertised", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LoggedValuesMask(tt.sensor, tt.processed))
		})
	}
}

func TestLogStartMessage_MarshalBinary(t *testing.T) {
	m := LogStartMessage{StartTimeMs: 0x0102030405060708, LogIntervalMs: 100, EnabledChannels: 0x00200003}

	b, err := m.MarshalBinary()

	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
		0x64, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x20, 0x00,
	}, b, "start message MUST be 16 little-endian bytes")
}

func TestDecodeCompensationReply(t *testing.T) {
	r, err := DecodeCompensationReply([]byte{2, 5})
	require.NoError(t, err)
	assert.Equal(t, CompensationReply{Current: 2, Total: 5}, r)

	_, err = DecodeCompensationReply([]byte{2})
	assert.Error(t, err, "one-byte reply MUST be rejected")
	_, err = DecodeCompensationReply([]byte{2, 5, 0})
	assert.Error(t, err, "three-byte reply MUST be rejected")
}

func TestCursor(t *testing.T) {
	c := NewCursor([]byte{0xFE, 0xFF, 0x2A, 0x00, 0x00, 0x00, 0x07})

	i16, err := c.Int16("a")
	require.NoError(t, err)
	assert.Equal(t, int16(-2), i16)

	u32, err := c.Uint32("b")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), u32)

	_, err = c.Uint16("c")
	assert.Error(t, err)
	assert.Equal(t, 6, c.Offset(), "failed read MUST NOT advance")

	u8, err := c.Uint8("d")
	require.NoError(t, err)
	assert.Equal(t, uint8(7), u8)
	assert.Zero(t, c.Remaining())
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "logger", ServiceLogger.String())
	assert.Equal(t, "service(0x2000)", ServiceID(0x2000).String())
	assert.Equal(t, "writing-paused", FirmwareLogWritingPaused.String())
	assert.Equal(t, "state(9)", FirmwareLogState(9).String())
}
