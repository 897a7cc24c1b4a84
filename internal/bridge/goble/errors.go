package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/srg/gattkit/internal/device"
)

// NormalizeError maps go-ble errors onto BridgeError codes. Matching is on message
// text because the library exposes few typed errors; the original error is kept
// as the cause.
func NormalizeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var berr *device.BridgeError
	if errors.As(err, &berr) {
		return err
	}

	msg := err.Error()
	code := device.CodeUnknown
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = device.CodeTimeout
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?",
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "can't init hci"):
		code = device.CodeBluetoothOff
	case containsIgnoreCase(msg, "device already connected"),
		containsIgnoreCase(msg, "already exists"):
		code = device.CodeAlreadyExists
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"),
		containsIgnoreCase(msg, "connection is not initialized"):
		code = device.CodeNotConnected
	case containsIgnoreCase(msg, "not supported"),
		containsIgnoreCase(msg, "unsupported"):
		code = device.CodeNotSupported
	case containsIgnoreCase(msg, "not permitted"),
		containsIgnoreCase(msg, "insufficient"):
		code = device.CodeNotPermitted
	case containsIgnoreCase(msg, "not found"):
		code = device.CodeNotFound
	case containsIgnoreCase(msg, "timeout"), containsIgnoreCase(msg, "timed out"):
		code = device.CodeTimeout
	}

	return &device.BridgeError{Op: op, Code: code, Message: msg, Err: err}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
