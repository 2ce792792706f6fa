package session

import (
	"errors"
	"fmt"

	"github.com/uartcl/uartcl/internal/transport"
)

var (
	// ErrTimeout is returned when every attempt of a command timed out.
	ErrTimeout = errors.New("device did not respond")
	// ErrClosed is returned by Execute once the session left the Idle state for good.
	ErrClosed = errors.New("session is closed")
	// ErrLinkDown wraps channel failures that closed the session.
	ErrLinkDown = errors.New("serial link failed")
)

// ProtocolError reports a command whose responses kept failing frame
// verification after all retries.
type ProtocolError struct {
	Command  transport.Command
	Attempts int
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol error after %d attempts: %v", e.Command, e.Attempts, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// DeviceError carries a non-success status reported by the bootloader.
// The session stays usable after it.
type DeviceError struct {
	Command transport.Command
	Code    uint32
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s rejected by bootloader: status 0x%08X", e.Command, e.Code)
}

// Class is the operator-facing error category.
type Class string

const (
	ClassNone      Class = ""
	ClassTransport Class = "transport"
	ClassProtocol  Class = "protocol"
	ClassDevice    Class = "device"
	ClassOther     Class = "other"
)

func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var (
		protoErr  *ProtocolError
		deviceErr *DeviceError
	)
	switch {
	case errors.As(err, &deviceErr):
		return ClassDevice
	case errors.As(err, &protoErr):
		return ClassProtocol
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrLinkDown), errors.Is(err, ErrClosed):
		return ClassTransport
	default:
		return ClassOther
	}
}
