package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ShortBufferError reports a field that did not fit in the received payload.
type ShortBufferError struct {
	Field  string
	Offset int
	Need   int
	Have   int
}

func (e *ShortBufferError) Error() string {
	return fmt.Sprintf("short buffer reading %s at offset %d: need %d bytes, have %d", e.Field, e.Offset, e.Need, e.Have)
}

// UnknownFieldError reports a set bit that has no entry in the length table.
// Decoding cannot continue past it since its width is unknown.
type UnknownFieldError struct {
	Service ServiceID
	Bit     int
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown field bit %d in %s payload", e.Bit, e.Service)
}

// Cursor reads little-endian fields sequentially from a payload.
// A read that would run past the end fails without advancing.
type Cursor struct {
	data   []byte
	offset int
}

// NewCursor returns a cursor positioned at the start of data.
func NewCursor(data []byte) *Cursor {
	return &Cursor{data: data}
}

// Offset is the number of bytes consumed so far.
func (c *Cursor) Offset() int {
	return c.offset
}

// Remaining is the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.data) - c.offset
}

// Next returns the next n bytes of the payload.
func (c *Cursor) Next(n int, field string) ([]byte, error) {
	if n > c.Remaining() {
		return nil, &ShortBufferError{Field: field, Offset: c.offset, Need: n, Have: c.Remaining()}
	}
	b := c.data[c.offset : c.offset+n]
	c.offset += n
	return b, nil
}

func (c *Cursor) Uint8(field string) (uint8, error) {
	b, err := c.Next(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Cursor) Uint16(field string) (uint16, error) {
	b, err := c.Next(2, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *Cursor) Int16(field string) (int16, error) {
	v, err := c.Uint16(field)
	return int16(v), err
}

func (c *Cursor) Uint32(field string) (uint32, error) {
	b, err := c.Next(4, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *Cursor) Int32(field string) (int32, error) {
	v, err := c.Uint32(field)
	return int32(v), err
}

func (c *Cursor) Float32(field string) (float32, error) {
	v, err := c.Uint32(field)
	return math.Float32frombits(v), err
}
