// Package transport defines the boundary between the backpack client and the
// link that carries attribute traffic.
//
// A transport accepts asynchronous read and write requests for attribute
// handles and reports their completion, service availability changes and
// notifications to a single Sink. Implementations must deliver every Sink
// call on the client's logical thread, one at a time, and never from inside
// the request call that caused it.
package transport

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/srg/backpack/internal/protocol"
)

// Transport errors
var (
	ErrBusy          = errors.New("transport busy")
	ErrUnavailable   = errors.New("service unavailable")
	ErrUnknownHandle = errors.New("unknown attribute handle")
	ErrNotSupported  = errors.New("attribute not supported by device")
	ErrPayloadSize   = errors.New("payload does not fit attribute buffer")
)

// Result is the outcome of a completed operation.
type Result int

const (
	ResultOK Result = iota
	ResultBusy
	ResultTimeout
	ResultUnavailable
	ResultNotSupported
	ResultError
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultBusy:
		return "busy"
	case ResultTimeout:
		return "timeout"
	case ResultUnavailable:
		return "unavailable"
	case ResultNotSupported:
		return "not-supported"
	case ResultError:
		return "error"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

var handleSeq atomic.Uint32

// Handle is a transport-level attribute. Completions refer to the handle they
// belong to; handles compare by identity.
type Handle struct {
	id        uint32
	service   protocol.ServiceID
	attribute protocol.AttributeID
	length    int
}

// NewHandle allocates a handle with a process-unique id.
func NewHandle(service protocol.ServiceID, attribute protocol.AttributeID, length int) *Handle {
	return &Handle{
		id:        handleSeq.Add(1),
		service:   service,
		attribute: attribute,
		length:    length,
	}
}

func (h *Handle) ID() uint32                      { return h.id }
func (h *Handle) Service() protocol.ServiceID     { return h.service }
func (h *Handle) Attribute() protocol.AttributeID { return h.attribute }
func (h *Handle) Length() int                     { return h.length }

func (h *Handle) String() string {
	return fmt.Sprintf("%04x:%04x", uint16(h.service), uint16(h.attribute))
}

// Sink receives transport events.
type Sink interface {
	AvailabilityChanged(service protocol.ServiceID, available bool)
	ReadComplete(h *Handle, result Result, data []byte)
	WriteComplete(h *Handle, result Result)
	Notified(h *Handle)
}

// Transport issues attribute operations.
type Transport interface {
	// Create registers an attribute and returns its handle.
	Create(service protocol.ServiceID, attribute protocol.AttributeID, length int) (*Handle, error)
	// Destroy releases a handle. Completions for it are no longer delivered.
	Destroy(h *Handle)

	Subscribe(sink Sink)
	Unsubscribe()
	SetTimeout(d time.Duration)
	ServiceAvailable(service protocol.ServiceID) bool

	// BeginRead requests a read; its result arrives as ReadComplete.
	BeginRead(h *Handle) error
	// BeginWrite returns the handle's outgoing buffer. The write is sent by
	// EndWrite with the number of bytes filled in.
	BeginWrite(h *Handle) ([]byte, error)
	// EndWrite sends n bytes of the buffer. With requestRead a read follows
	// the write and its result arrives as ReadComplete.
	EndWrite(h *Handle, n int, requestRead bool) error
}
