// Package ble delivers on/off commands to a BLE relay outlet. It owns the
// radio: resolving the outlet's address, connecting, discovering the relay
// characteristic, writing the command and tearing the link down, with
// bounded retries and a timeout on every step.
package ble

import "context"

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic and returns once the peer has
	// acknowledged the write.
	Write(data []byte) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	// A missing service or characteristic is reported with ErrServiceNotFound
	// or ErrCharacteristicNotFound.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
}

// Pairer is implemented by connections that can start OS-level pairing.
// The engine calls it in the background and never waits on it.
type Pairer interface {
	Pair() error
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter. An error means the radio is
	// unavailable.
	Enable() error
	// Scan runs an active scan until a peripheral with the given address
	// advertises or ctx is done.
	Scan(ctx context.Context, address string) (Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
