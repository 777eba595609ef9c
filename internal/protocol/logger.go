package protocol

import (
	"encoding/binary"
	"fmt"
)

// FirmwareLogState is the logger state reported by the backpack.
type FirmwareLogState uint8

const (
	FirmwareLogEmpty FirmwareLogState = iota
	FirmwareLogDirty
	FirmwareLogErasing
	FirmwareLogWriting
	FirmwareLogWritingPaused
	FirmwareLogFull
	FirmwareLogReading
	FirmwareLogReadingFinished
)

func (s FirmwareLogState) String() string {
	switch s {
	case FirmwareLogEmpty:
		return "empty"
	case FirmwareLogDirty:
		return "dirty"
	case FirmwareLogErasing:
		return "erasing"
	case FirmwareLogWriting:
		return "writing"
	case FirmwareLogWritingPaused:
		return "writing-paused"
	case FirmwareLogFull:
		return "full"
	case FirmwareLogReading:
		return "reading"
	case FirmwareLogReadingFinished:
		return "reading-finished"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// LogStartMessage is the payload of the logger start attribute.
type LogStartMessage struct {
	StartTimeMs     uint64
	LogIntervalMs   uint32
	EnabledChannels uint32
}

// MarshalBinary encodes the message as 16 little-endian bytes.
func (m LogStartMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, LoggerStartLength)
	binary.LittleEndian.PutUint64(b[0:8], m.StartTimeMs)
	binary.LittleEndian.PutUint32(b[8:12], m.LogIntervalMs)
	binary.LittleEndian.PutUint32(b[12:16], m.EnabledChannels)
	return b, nil
}

// CompensationReply is the answer to a temperature compensation mode write.
type CompensationReply struct {
	Current uint8
	Total   uint8
}

// DecodeCompensationReply requires exactly two bytes.
func DecodeCompensationReply(data []byte) (CompensationReply, error) {
	if len(data) != TemperatureCompModeLength {
		return CompensationReply{}, fmt.Errorf("temperature compensation reply: want %d bytes, got %d", TemperatureCompModeLength, len(data))
	}
	return CompensationReply{Current: data[0], Total: data[1]}, nil
}
