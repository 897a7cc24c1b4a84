// Package bridge defines the contract between the engine and the component that
// performs the actual radio I/O.
//
// Every operation is issue-and-return: it starts the work and returns at once;
// the outcome arrives later through the supplied callback, on any goroutine.
// Implementations must be safe for concurrent use. Callbacks must not be invoked
// while holding locks the engine could need, and the engine never assumes a
// callback fires exactly once.
package bridge

import "github.com/srg/gattkit/internal/device"

// Bridge is the operation set the engine consumes.
type Bridge interface {
	// StartScan reports devices through found until StopScan. An empty filter list
	// matches every device; otherwise a device must advertise one of the service UUIDs.
	StartScan(serviceUUIDs []string, found func(device.Device)) error
	StopScan() error

	// Connect starts connecting to address and returns the handle identifying the
	// connection. State changes for it are reported through events.
	Connect(address string, events func(device.StateEvent)) (device.ConnHandle, error)
	// Close asks the bridge to drop the connection. A DISCONNECTED event may or may
	// not follow.
	Close(conn device.ConnHandle) error

	RSSI(conn device.ConnHandle, done func(int, error))

	Services(conn device.ConnHandle, done func([]*device.Service, error))
	Characteristics(conn device.ConnHandle, service device.Handle, done func([]*device.Characteristic, error))
	Descriptors(conn device.ConnHandle, characteristic device.Handle, done func([]*device.Descriptor, error))

	ReadCharacteristic(conn device.ConnHandle, h device.Handle, done func([]byte, error))
	ReadDescriptor(conn device.ConnHandle, h device.Handle, done func([]byte, error))
	WriteCharacteristic(conn device.ConnHandle, h device.Handle, data []byte, wt device.WriteType, done func(error))
	WriteDescriptor(conn device.ConnHandle, h device.Handle, data []byte, done func(error))

	// EnableNotification acknowledges through done; value changes then arrive
	// through values until DisableNotification or disconnect.
	EnableNotification(conn device.ConnHandle, h device.Handle, values func(device.Notification), done func(error))
	DisableNotification(conn device.ConnHandle, h device.Handle, done func(error))

	// Reset drops every connection and returns the adapter to its initial state.
	Reset(done func(error))
}

// Factory creates a bridge; overridden in tests.
type Factory func() (Bridge, error)
