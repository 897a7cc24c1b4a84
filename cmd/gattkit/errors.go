package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/gattkit/internal/device"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link went down while a command was using it.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError renders err for the terminal, replacing bridge codes and
// engine error kinds with a hint where one helps.
func FormatUserError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("%v (timed out; is the device in range?)", err)
	}

	var be *device.BridgeError
	if errors.As(err, &be) {
		switch be.Code {
		case device.CodeBluetoothOff:
			return fmt.Sprintf("%v (is Bluetooth turned on?)", err)
		case device.CodeNotPermitted:
			return fmt.Sprintf("%v (the peripheral refused the operation; pairing may be required)", err)
		}
	}

	switch {
	case device.IsKind(err, device.AlreadySubscribed):
		return fmt.Sprintf("%v (already subscribed on this connection)", err)
	case device.IsKind(err, device.InvalidState):
		return fmt.Sprintf("%v (the connection is not ready)", err)
	}
	return err.Error()
}
