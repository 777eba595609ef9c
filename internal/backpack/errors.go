package backpack

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy means the attribute still has a read outstanding.
	ErrBusy = errors.New("attribute busy: previous read still outstanding")
	// ErrCapacityExceeded means all attribute slots are in use.
	ErrCapacityExceeded = errors.New("attribute capacity exceeded")
	// ErrInvalidAttribute means the reference is zero, stale or destroyed.
	ErrInvalidAttribute = errors.New("invalid attribute reference")
	// ErrNotConnected means the capability handshake has not completed.
	ErrNotConnected = errors.New("backpack not connected")
	// ErrUnknownField means a field-mask id selects a field the protocol
	// does not define.
	ErrUnknownField = errors.New("attribute selects a field of unknown width")
)

// TransportError is returned when the transport refuses to issue an operation.
type TransportError struct {
	Op        string
	Attribute string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Attribute, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
