package backpack

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/backpack/internal/protocol"
	"github.com/srg/backpack/internal/transport"
)

// MaxAttributes is the fixed capacity of the attribute registry.
const MaxAttributes = 32

// AttributeHandler receives the payload of a completed read together with the
// attribute id the attribute was registered with.
type AttributeHandler func(data []byte, id protocol.AttributeID)

// AttributeRef refers to a registered attribute. Refs carry a generation, so a
// ref kept after DestroyAttribute never reaches a later occupant of the slot.
// The zero value is invalid.
type AttributeRef struct {
	slot uint8
	gen  uint32
}

// Valid reports whether the ref was returned by a successful registration.
// It does not say whether the attribute still exists.
func (r AttributeRef) Valid() bool {
	return r.gen != 0
}

func (r AttributeRef) String() string {
	if !r.Valid() {
		return "attr(invalid)"
	}
	return fmt.Sprintf("attr(%d#%d)", r.slot, r.gen)
}

// Destruction tracks a deferred DestroyAttributeAsync.
type Destruction struct {
	done chan struct{}
	once sync.Once
}

func newDestruction() *Destruction {
	return &Destruction{done: make(chan struct{})}
}

// Done is closed once the transport handle has been released.
func (d *Destruction) Done() <-chan struct{} {
	return d.done
}

// Completed reports whether the handle has been released.
func (d *Destruction) Completed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *Destruction) complete() {
	d.once.Do(func() { close(d.done) })
}

type attribute struct {
	handle      *transport.Handle
	service     protocol.ServiceID
	id          protocol.AttributeID
	length      int
	desc        string
	handler     AttributeHandler
	gen         uint32
	openRead    bool
	destruction *Destruction
}

func (a *attribute) live() bool {
	return a.handle != nil
}

func (a *attribute) fields() logrus.Fields {
	return logrus.Fields{
		"attribute":    a.desc,
		"service":      a.service,
		"attribute_id": fmt.Sprintf("0x%04x", uint16(a.id)),
	}
}

// registry is the arena of attributes. It owns the open-read bookkeeping that
// enforces at most one outstanding read per attribute.
type registry struct {
	tr        transport.Transport
	logger    *logrus.Logger
	slots     [MaxAttributes]attribute
	openReads int

	// released is called after a slot gives up its handle.
	released func(ref AttributeRef)
}

func newRegistry(tr transport.Transport, logger *logrus.Logger) *registry {
	return &registry{tr: tr, logger: logger}
}

func (r *registry) register(service protocol.ServiceID, id protocol.AttributeID, length int, desc string, handler AttributeHandler) (AttributeRef, error) {
	for i := range r.slots {
		at := &r.slots[i]
		if at.live() {
			continue
		}

		h, err := r.tr.Create(service, id, length)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"attribute": desc,
				"service":   service,
				"length":    length,
			}).WithError(err).Error("Failed to create attribute")
			return AttributeRef{}, &TransportError{Op: "create", Attribute: desc, Err: err}
		}

		gen := at.gen + 1
		*at = attribute{
			handle:  h,
			service: service,
			id:      id,
			length:  length,
			desc:    desc,
			handler: handler,
			gen:     gen,
		}
		return AttributeRef{slot: uint8(i), gen: gen}, nil
	}

	r.logger.WithFields(logrus.Fields{
		"attribute": desc,
		"capacity":  MaxAttributes,
	}).Error("No more space for attributes")
	return AttributeRef{}, ErrCapacityExceeded
}

func (r *registry) lookup(ref AttributeRef) (*attribute, error) {
	if !ref.Valid() || int(ref.slot) >= MaxAttributes {
		return nil, ErrInvalidAttribute
	}
	at := &r.slots[ref.slot]
	if !at.live() || at.gen != ref.gen {
		return nil, ErrInvalidAttribute
	}
	return at, nil
}

func (r *registry) refOf(at *attribute) AttributeRef {
	for i := range r.slots {
		if &r.slots[i] == at {
			return AttributeRef{slot: uint8(i), gen: at.gen}
		}
	}
	return AttributeRef{}
}

func (r *registry) byHandle(h *transport.Handle) *attribute {
	if h == nil {
		return nil
	}
	for i := range r.slots {
		if r.slots[i].live() && r.slots[i].handle == h {
			return &r.slots[i]
		}
	}
	return nil
}

func (r *registry) isOpen(ref AttributeRef) bool {
	at, err := r.lookup(ref)
	return err == nil && at.openRead
}

func (r *registry) live() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].live() {
			n++
		}
	}
	return n
}

// requestRead issues a read unless one is already outstanding.
func (r *registry) requestRead(ref AttributeRef) error {
	at, err := r.lookup(ref)
	if err != nil {
		r.logger.WithField("ref", ref).Warn("Read requested on invalid attribute")
		return err
	}
	if at.openRead {
		r.logger.WithFields(at.fields()).Warn("Still waiting on last read, discarding")
		return ErrBusy
	}

	if err := r.tr.BeginRead(at.handle); err != nil {
		r.logger.WithFields(at.fields()).WithError(err).Error("Failed to begin read")
		return &TransportError{Op: "read", Attribute: at.desc, Err: err}
	}

	at.openRead = true
	r.openReads++
	r.logger.WithFields(at.fields()).WithField("open_reads", r.openReads).Debug("Read requested")
	return nil
}

// requestWrite copies value into the attribute buffer and sends it. With
// readAfter the reply is delivered through the attribute handler.
func (r *registry) requestWrite(ref AttributeRef, value []byte, readAfter bool) error {
	at, err := r.lookup(ref)
	if err != nil {
		r.logger.WithField("ref", ref).Warn("Write requested on invalid attribute")
		return err
	}
	if len(value) > at.length {
		r.logger.WithFields(at.fields()).WithField("length", len(value)).Error("Write payload exceeds attribute length")
		return &TransportError{Op: "write", Attribute: at.desc, Err: transport.ErrPayloadSize}
	}
	if at.openRead {
		r.logger.WithFields(at.fields()).Warn("Still waiting on last read, discarding write")
		return ErrBusy
	}

	buf, err := r.tr.BeginWrite(at.handle)
	if err != nil {
		r.logger.WithFields(at.fields()).WithError(err).Error("Failed to begin write")
		return &TransportError{Op: "write", Attribute: at.desc, Err: err}
	}
	n := copy(buf, value)
	if err := r.tr.EndWrite(at.handle, n, readAfter); err != nil {
		r.logger.WithFields(at.fields()).WithError(err).Error("Failed to end write")
		return &TransportError{Op: "write", Attribute: at.desc, Err: err}
	}

	if readAfter {
		at.openRead = true
		r.openReads++
	}
	r.logger.WithFields(at.fields()).WithField("length", n).Debug("Write sent")
	return nil
}

func (r *registry) readComplete(h *transport.Handle, result transport.Result, data []byte) {
	if r.openReads > 0 {
		r.openReads--
	}

	if result != transport.ResultOK {
		r.logger.WithFields(logrus.Fields{
			"handle":     h,
			"result":     result,
			"open_reads": r.openReads,
		}).Error("Read failed")
		if !r.resetReadState(h) {
			r.logger.WithField("handle", h).Warn("Failed read did not match any attribute")
		}
		return
	}

	at := r.byHandle(h)
	if at == nil {
		if !r.resetReadState(h) {
			r.logger.WithFields(logrus.Fields{
				"handle": h,
				"length": len(data),
			}).Warn("Did not handle read")
		}
		return
	}

	at.openRead = false
	gen := at.gen
	r.logger.WithFields(at.fields()).WithFields(logrus.Fields{
		"length":     len(data),
		"open_reads": r.openReads,
	}).Debug("Read complete")

	if at.handler != nil {
		at.handler(data, at.id)
	}
	// the handler may have destroyed the attribute or reused its slot
	if at.gen == gen {
		r.settle(at)
	}
}

func (r *registry) writeComplete(h *transport.Handle, result transport.Result) {
	fields := logrus.Fields{"handle": h, "result": result}
	if at := r.byHandle(h); at != nil {
		fields = at.fields()
		fields["result"] = result
	}
	if result != transport.ResultOK {
		r.logger.WithFields(fields).Error("Write failed")
		return
	}
	r.logger.WithFields(fields).Debug("Write complete")
}

// resetReadState clears the open-read flag of the attribute owning h. When the
// open-read counter has drained, every other flag is cleared as well. Reports
// whether h matched an attribute.
func (r *registry) resetReadState(h *transport.Handle) bool {
	matched := false
	for i := range r.slots {
		at := &r.slots[i]
		if !at.live() {
			continue
		}
		switch {
		case h != nil && at.handle == h:
			matched = true
		case r.openReads == 0:
		default:
			continue
		}
		at.openRead = false
		r.settle(at)
	}
	return matched
}

// settle finishes a deferred destruction once nothing is outstanding.
func (r *registry) settle(at *attribute) {
	if at.live() && at.destruction != nil && !at.openRead {
		r.release(at)
	}
}

func (r *registry) release(at *attribute) {
	ref := r.refOf(at)
	r.logger.WithFields(at.fields()).Debug("Destroying attribute")

	r.tr.Destroy(at.handle)
	d := at.destruction
	*at = attribute{gen: at.gen}

	if r.released != nil {
		r.released(ref)
	}
	if d != nil {
		d.complete()
	}
}

// destroy releases the attribute unless a read is outstanding. A ref that no
// longer names a live attribute counts as destroyed.
func (r *registry) destroy(ref AttributeRef) bool {
	at, err := r.lookup(ref)
	if err != nil {
		return true
	}
	if at.openRead {
		r.logger.WithFields(at.fields()).Debug("Attribute busy, destroy deferred")
		return false
	}
	r.release(at)
	return true
}

func (r *registry) destroyAsync(ref AttributeRef) *Destruction {
	at, err := r.lookup(ref)
	if err != nil {
		d := newDestruction()
		d.complete()
		return d
	}
	if at.destruction == nil {
		at.destruction = newDestruction()
	}
	d := at.destruction
	r.settle(at)
	return d
}

// releaseAll drops every attribute, outstanding reads included.
func (r *registry) releaseAll() {
	for i := range r.slots {
		at := &r.slots[i]
		if !at.live() {
			continue
		}
		if at.openRead {
			r.logger.WithFields(at.fields()).Warn("Destroying attribute with a read outstanding")
		}
		r.release(at)
	}
	r.openReads = 0
}
