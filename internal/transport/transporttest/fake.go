// Package transporttest provides a scripted in-memory transport. Requests are
// recorded; completions are delivered only when the test asks for them, on the
// test goroutine.
package transporttest

import (
	"fmt"
	"time"

	"github.com/srg/backpack/internal/protocol"
	"github.com/srg/backpack/internal/transport"
)

// Write is a recorded EndWrite.
type Write struct {
	Handle      *transport.Handle
	Data        []byte
	RequestRead bool
}

// Fake implements transport.Transport.
type Fake struct {
	// Optional failure hooks. A non-nil error is returned from the call.
	CreateErr func(service protocol.ServiceID, attribute protocol.AttributeID) error
	ReadErr   func(h *transport.Handle) error
	WriteErr  func(h *transport.Handle) error

	Timeout   time.Duration
	Reads     []*transport.Handle
	Writes    []Write
	Destroyed []*transport.Handle

	sink      transport.Sink
	available map[protocol.ServiceID]bool
	live      map[*transport.Handle]bool
	created   []*transport.Handle
	buffers   map[*transport.Handle][]byte
}

var _ transport.Transport = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		available: make(map[protocol.ServiceID]bool),
		live:      make(map[*transport.Handle]bool),
		buffers:   make(map[*transport.Handle][]byte),
	}
}

func (f *Fake) Create(service protocol.ServiceID, attribute protocol.AttributeID, length int) (*transport.Handle, error) {
	if f.CreateErr != nil {
		if err := f.CreateErr(service, attribute); err != nil {
			return nil, err
		}
	}
	h := transport.NewHandle(service, attribute, length)
	f.live[h] = true
	f.created = append(f.created, h)
	return h, nil
}

func (f *Fake) Destroy(h *transport.Handle) {
	delete(f.live, h)
	delete(f.buffers, h)
	f.Destroyed = append(f.Destroyed, h)
}

func (f *Fake) Subscribe(sink transport.Sink) { f.sink = sink }
func (f *Fake) Unsubscribe()                  { f.sink = nil }
func (f *Fake) SetTimeout(d time.Duration)    { f.Timeout = d }

func (f *Fake) ServiceAvailable(service protocol.ServiceID) bool {
	return f.available[service]
}

func (f *Fake) BeginRead(h *transport.Handle) error {
	if !f.live[h] {
		return transport.ErrUnknownHandle
	}
	if f.ReadErr != nil {
		if err := f.ReadErr(h); err != nil {
			return err
		}
	}
	f.Reads = append(f.Reads, h)
	return nil
}

func (f *Fake) BeginWrite(h *transport.Handle) ([]byte, error) {
	if !f.live[h] {
		return nil, transport.ErrUnknownHandle
	}
	if f.WriteErr != nil {
		if err := f.WriteErr(h); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, h.Length())
	f.buffers[h] = buf
	return buf, nil
}

func (f *Fake) EndWrite(h *transport.Handle, n int, requestRead bool) error {
	buf, ok := f.buffers[h]
	if !ok {
		return fmt.Errorf("end write without begin write on %s", h)
	}
	delete(f.buffers, h)
	data := make([]byte, n)
	copy(data, buf[:n])
	f.Writes = append(f.Writes, Write{Handle: h, Data: data, RequestRead: requestRead})
	return nil
}

// ---------------------------------------------------------------------------
// Test controls
// ---------------------------------------------------------------------------

// SetAvailable changes service availability and notifies the subscriber.
func (f *Fake) SetAvailable(service protocol.ServiceID, available bool) {
	f.available[service] = available
	if f.sink != nil {
		f.sink.AvailabilityChanged(service, available)
	}
}

// Preset marks a service available without notifying anyone.
func (f *Fake) Preset(service protocol.ServiceID) {
	f.available[service] = true
}

// Handle returns the most recently created live handle for an attribute.
func (f *Fake) Handle(service protocol.ServiceID, attribute protocol.AttributeID) *transport.Handle {
	for i := len(f.created) - 1; i >= 0; i-- {
		h := f.created[i]
		if f.live[h] && h.Service() == service && h.Attribute() == attribute {
			return h
		}
	}
	return nil
}

// Live is the number of handles created and not destroyed.
func (f *Fake) Live() int {
	return len(f.live)
}

// Subscribed reports whether a sink is attached.
func (f *Fake) Subscribed() bool {
	return f.sink != nil
}

// ReadCount counts BeginRead calls accepted for h.
func (f *Fake) ReadCount(h *transport.Handle) int {
	n := 0
	for _, r := range f.Reads {
		if r == h {
			n++
		}
	}
	return n
}

// WritesTo returns the recorded writes for h in order.
func (f *Fake) WritesTo(h *transport.Handle) []Write {
	var out []Write
	for _, w := range f.Writes {
		if w.Handle == h {
			out = append(out, w)
		}
	}
	return out
}

// ClearCalls forgets recorded reads and writes.
func (f *Fake) ClearCalls() {
	f.Reads = nil
	f.Writes = nil
}

func (f *Fake) CompleteRead(h *transport.Handle, data []byte) {
	f.sink.ReadComplete(h, transport.ResultOK, data)
}

func (f *Fake) FailRead(h *transport.Handle, result transport.Result) {
	f.sink.ReadComplete(h, result, nil)
}

func (f *Fake) CompleteWrite(h *transport.Handle, result transport.Result) {
	f.sink.WriteComplete(h, result)
}

func (f *Fake) Notify(h *transport.Handle) {
	f.sink.Notified(h)
}
