//go:build linux || darwin || windows

package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// stopScanRetry is how often a cancelled scan retries StopScan until the
// stack reports the scan as running.
const stopScanRetry = 50 * time.Millisecond

// radio is the part of *bluetooth.Adapter the host adapter drives.
type radio interface {
	Enable() error
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
	Connect(address bluetooth.Address, params bluetooth.ConnectionParams) (bluetooth.Device, error)
}

// HostAdapter wraps tinygo-org/bluetooth. Addresses are MAC strings
// (BlueZ on Linux, WinRT on Windows).
type HostAdapter struct {
	radio radio
	// powered checks the radio power state on every Enable. Nil skips it.
	powered func() error

	// mu serializes Enable and Scan; the stack allows one scan at a time.
	mu      sync.Mutex
	enabled bool
}

// NewHostAdapter creates a new BLE adapter on the default host radio.
func NewHostAdapter() *HostAdapter {
	return &HostAdapter{radio: bluetooth.DefaultAdapter, powered: hostPowered}
}

// Enable initializes the stack once and then checks that the radio is on,
// so a radio switched off later is still reported as ErrAdapterDisabled.
func (a *HostAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		if err := a.radio.Enable(); err != nil {
			return err
		}
		a.enabled = true
	}
	if a.powered != nil {
		return a.powered()
	}
	return nil
}

func (a *HostAdapter) Scan(ctx context.Context, address string) (Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// The step may have expired while waiting for the lock.
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}

	var found Device
	var ok bool

	done := make(chan struct{})
	go a.stopOnCancel(ctx, done)

	err := a.radio.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if ok {
			return
		}
		if ctx.Err() != nil {
			a.radio.StopScan()
			return
		}
		if !strings.EqualFold(result.Address.String(), address) {
			return
		}
		found = Device{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		}
		ok = true
		a.radio.StopScan()
	})
	close(done)

	if ok {
		return found, nil
	}
	if ctx.Err() != nil {
		return Device{}, ctx.Err()
	}
	if err != nil {
		return Device{}, adapterError("scan", err)
	}
	return Device{}, fmt.Errorf("ble: scan ended without seeing %s", address)
}

// stopOnCancel stops the running scan once ctx is done. StopScan fails
// until Scan has registered the scan, so it is retried until Scan returns.
func (a *HostAdapter) stopOnCancel(ctx context.Context, done <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-done:
		return
	}
	ticker := time.NewTicker(stopScanRetry)
	defer ticker.Stop()
	for {
		err := a.radio.StopScan()
		if err == nil {
			return
		}
		slog.Debug("[BLE] stop scan not accepted yet", "error", err)
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (a *HostAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks with its own timeout and cannot be
	// cancelled. If ctx wins, the late device is disconnected on arrival.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.radio.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if result := <-ch; result.err == nil {
				result.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, adapterError("connect to "+address, result.err)
		}
		return &hostConnection{device: result.device, address: address}, nil
	}
}

// Compile-time check that HostAdapter implements Adapter.
var _ Adapter = (*HostAdapter)(nil)

type hostConnection struct {
	device  bluetooth.Device
	address string
}

// discover resolves the service and characteristic through the stack.
func (c *hostConnection) discover(serviceUUID, charUUID string) (bluetooth.DeviceCharacteristic, error) {
	var none bluetooth.DeviceCharacteristic

	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return none, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return none, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return none, fmt.Errorf("%w: %w", ErrServiceNotFound, err)
	}
	if len(svcs) == 0 {
		return none, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return none, fmt.Errorf("%w: %w", ErrCharacteristicNotFound, err)
	}
	if len(chars) == 0 {
		return none, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, charUUID)
	}
	return chars[0], nil
}

func (c *hostConnection) Disconnect() error {
	return c.device.Disconnect()
}
