// Package protocol implements the command encoding for single-channel BLE
// relay outlets that expose the HM-10 style UART service (FFE0/FFE1).
package protocol

import (
	"errors"
	"fmt"
)

// Relay UART service and write characteristic.
const (
	ServiceUUID = "0000ffe0-0000-1000-8000-00805f9b34fb"
	CharUUID    = "0000ffe1-0000-1000-8000-00805f9b34fb"
)

// Wire layout: start byte, channel, state, checksum.
const (
	startByte    = 0xA0
	relayChannel = 0x01

	// PayloadLen is the fixed length of every relay command.
	PayloadLen = 4
)

// State is the desired outlet state.
type State bool

const (
	Off State = false
	On  State = true
)

func (s State) String() string {
	if s {
		return "on"
	}
	return "off"
}

// Command is everything needed to deliver one state change to the outlet.
type Command struct {
	ServiceUUID string
	CharUUID    string
	Payload     []byte
}

// Encode returns the command that sets the relay to state.
//
//	byte 0: 0xA0 start
//	byte 1: relay channel (always 1)
//	byte 2: 0x01 on, 0x00 off
//	byte 3: sum of bytes 0..2, truncated to 8 bits
func Encode(state State) Command {
	var bit byte
	if state {
		bit = 0x01
	}
	payload := []byte{startByte, relayChannel, bit, 0}
	payload[3] = checksum(payload[:3])
	return Command{
		ServiceUUID: ServiceUUID,
		CharUUID:    CharUUID,
		Payload:     payload,
	}
}

// Decode parses a relay payload back into the state it asserts.
func Decode(payload []byte) (State, error) {
	if len(payload) != PayloadLen {
		return Off, fmt.Errorf("protocol: payload must be %d bytes, got %d", PayloadLen, len(payload))
	}
	if payload[0] != startByte {
		return Off, fmt.Errorf("protocol: bad start byte 0x%02x", payload[0])
	}
	if payload[1] != relayChannel {
		return Off, fmt.Errorf("protocol: unsupported relay channel %d", payload[1])
	}
	if want := checksum(payload[:3]); payload[3] != want {
		return Off, fmt.Errorf("protocol: checksum 0x%02x, want 0x%02x", payload[3], want)
	}
	switch payload[2] {
	case 0x00:
		return Off, nil
	case 0x01:
		return On, nil
	default:
		return Off, errors.New("protocol: state byte must be 0x00 or 0x01")
	}
}

func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}
