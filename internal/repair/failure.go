package repair

import (
	"context"
	"errors"
	"fmt"

	"github.com/uartcl/uartcl/internal/errcode"
	"github.com/uartcl/uartcl/internal/nor"
	"github.com/uartcl/uartcl/internal/session"
	"github.com/uartcl/uartcl/internal/transport"
)

// DeviceFailure is a bootloader status resolved to a description.
type DeviceFailure struct {
	Command transport.Command
	Entry   errcode.Entry
	Err     error
}

func (e *DeviceFailure) Error() string {
	return fmt.Sprintf("%v: %s [%s]", e.Err, e.Entry.Description, e.Entry.Severity)
}

func (e *DeviceFailure) Unwrap() error {
	return e.Err
}

// Hint returns an operator suggestion for err, or "" when there is none.
func Hint(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}
	if nor.IsIntegrity(err) {
		return "re-read the image from the device before patching again"
	}
	if errors.Is(err, session.ErrBootloaderTooOld) {
		return "update the bootloader or choose a profile with a lower min_bootloader"
	}

	switch session.Classify(err) {
	case session.ClassTransport:
		return "check the serial cable, port and baud rate, then retry"
	case session.ClassProtocol:
		return "the link is noisy: lower the baud rate or shorten the cable, then retry"
	case session.ClassDevice:
		var failure *DeviceFailure
		if errors.As(err, &failure) && failure.Entry.Severity == errcode.SeverityFatal {
			return "the bootloader reported a fatal condition; do not power cycle until the cause is understood"
		}

		return ""
	default:
		return ""
	}
}
