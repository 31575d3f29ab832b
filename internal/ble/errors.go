package ble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Terminal errors. These reach the caller of Assert.
var (
	ErrAdapterDisabled  = errors.New("ble: adapter disabled")
	ErrRetriesExhausted = errors.New("ble: retries exhausted")
)

// Retryable errors. The engine handles these itself until MaxRetries is
// reached; the last one is wrapped into ErrRetriesExhausted.
var (
	ErrResolutionTimeout      = errors.New("ble: device not found before scan timeout")
	ErrConnectTimeout         = errors.New("ble: connect timed out")
	ErrConnectFailed          = errors.New("ble: connect failed")
	ErrServiceNotFound        = errors.New("ble: service not found")
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
	ErrWriteFailed            = errors.New("ble: write failed")
)

// Retryable reports whether err is handled by the engine's retry loop.
func Retryable(err error) bool {
	for _, target := range []error{
		ErrResolutionTimeout,
		ErrConnectTimeout,
		ErrConnectFailed,
		ErrServiceNotFound,
		ErrCharacteristicNotFound,
		ErrWriteFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// adapterError wraps a radio error from op. A powered-off radio becomes
// ErrAdapterDisabled so the engine fails without retrying.
func adapterError(op string, err error) error {
	if poweredOff(err) {
		return fmt.Errorf("%w: %s: %w", ErrAdapterDisabled, op, err)
	}
	return fmt.Errorf("ble: %s: %w", op, err)
}

// poweredOff reports whether err means the host radio is off. tinygo keeps
// its not-powered error unexported, so it is matched by text.
func poweredOff(err error) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) && dbusErr.Name == "org.bluez.Error.NotReady" {
		return true
	}
	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) && dbusErrPtr.Name == "org.bluez.Error.NotReady" {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "adaptor is not powered") ||
		strings.Contains(msg, "org.bluez.Error.NotReady")
}
