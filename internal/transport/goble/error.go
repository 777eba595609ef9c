package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/backpack/internal/transport"
)

// Connection errors. ErrNotConnected also matches transport.ErrUnavailable.
var (
	ErrBluetoothOff     = errors.New("bluetooth is turned off")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
)

// NormalizeError maps known go-ble error strings onto the package and
// transport sentinels. The original error stays wrapped.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %w: %v", ErrNotConnected, transport.ErrUnavailable, err)
	case containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "not supported"):
		return fmt.Errorf("%w: %v", transport.ErrNotSupported, err)
	default:
		return err
	}
}

// resultOf turns the outcome of a go-ble call into a completion result.
func resultOf(err error) transport.Result {
	if err == nil {
		return transport.ResultOK
	}
	err = NormalizeError(err)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return transport.ResultTimeout
	case errors.Is(err, transport.ErrBusy):
		return transport.ResultBusy
	case errors.Is(err, transport.ErrUnavailable), errors.Is(err, ErrBluetoothOff):
		return transport.ResultUnavailable
	case errors.Is(err, transport.ErrNotSupported):
		return transport.ResultNotSupported
	default:
		return transport.ResultError
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
