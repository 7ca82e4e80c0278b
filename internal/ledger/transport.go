package ledger

import (
	"context"
	"fmt"
)

// Mode selects the physical transport.
type Mode string

const (
	ModeBLE Mode = "ble"
	ModeUSB Mode = "usb"
)

// ParseMode parses "ble" or "usb".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeBLE, ModeUSB:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Exchanger sends one APDU and returns the raw response including the
// status word.
type Exchanger interface {
	Exchange(ctx context.Context, apdu []byte) ([]byte, error)
}

// Conn is an open link to one device.
type Conn interface {
	Exchanger
	Close() error
}

// Transport is the set of primitives the connection manager is written
// against. Both BLE and USB implement it.
type Transport interface {
	Mode() Mode

	// Scan reports candidates as they are seen, several at once when they
	// are enumerated together. It returns when ctx is done or, for
	// enumerating transports, once the attached devices have been listed.
	Scan(ctx context.Context, found func([]Device)) error

	// Connect opens a link to a device previously reported by Scan.
	Connect(ctx context.Context, d Device) (Conn, error)
}
