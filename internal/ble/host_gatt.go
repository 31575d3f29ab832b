//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// CoreBluetooth and WinRT report power state through Enable and Scan.
func hostPowered() error { return nil }

func (c *hostConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	char, err := c.discover(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	return &hostCharacteristic{char: char}, nil
}

type hostCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

// Write uses write-with-response so a nil error means the relay's stack
// acknowledged the command.
func (c *hostCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
