package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/backpack/internal/backpack"
	"github.com/srg/backpack/internal/transport"
	"github.com/srg/backpack/internal/transport/goble"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the backpack went away while a command was
	// still using it.
	ErrConnectionLost = errors.New("connection lost")
	// ErrHandshakeTimeout means the link came up but the backpack never
	// reported its version and capabilities.
	ErrHandshakeTimeout = errors.New("backpack did not complete the capability handshake")
	// ErrNoAddress means neither an argument nor the config named a device.
	ErrNoAddress = errors.New("device address required")
)

// FormatUserError turns an error chain into a single line for the terminal.
// Known causes get a hint; anything else is printed as is.
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, goble.ErrBluetoothOff):
		return "Bluetooth is turned off or unavailable on this host"
	case errors.Is(err, ErrNoAddress):
		return "device address required: pass it as an argument or set device_address in the config file"
	case errors.Is(err, ErrHandshakeTimeout):
		return "connected, but the device did not answer as a backpack (check the address and firmware)"
	case errors.Is(err, ErrConnectionLost):
		return "connection to the backpack was lost"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out waiting for the backpack"
	case errors.Is(err, backpack.ErrBusy), errors.Is(err, transport.ErrBusy):
		return "the backpack is busy with a previous request, try again"
	case errors.Is(err, transport.ErrUnavailable), errors.Is(err, backpack.ErrNotConnected):
		return "the backpack is not connected"
	case errors.Is(err, transport.ErrNotSupported):
		return "this backpack firmware does not support the operation"
	}

	// Drop the trailing newline cobra leaves on flag errors
	return strings.TrimSpace(fmt.Sprint(err))
}
