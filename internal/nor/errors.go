package nor

import (
	"errors"
	"fmt"
)

var (
	ErrLayoutMismatch = errors.New("images do not share a layout")
	ErrUnmappedChange = errors.New("image differs outside every region")
)

// OutOfRangeError reports a patch that does not fit its declared region.
type OutOfRangeError struct {
	Region string
	Offset int
	Length int
	Reason string
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("patch for region %q at +0x%X (%d bytes) is out of range: %s", e.Region, e.Offset, e.Length, e.Reason)
}

// VerificationMismatchError reports that an image does not hold the bytes a
// patch expects to replace.
type VerificationMismatchError struct {
	Region   string
	Offset   int
	Expected []byte
	Actual   []byte
}

func (e *VerificationMismatchError) Error() string {
	return fmt.Sprintf("region %q at +0x%X: expected % X, image has % X", e.Region, e.Offset, e.Expected, e.Actual)
}

// ReadIncompleteError reports a chunk that could not be read from the device.
type ReadIncompleteError struct {
	Offset int
	Length int
	Err    error
}

func (e *ReadIncompleteError) Error() string {
	return fmt.Sprintf("read of 0x%X bytes at 0x%X incomplete: %v", e.Length, e.Offset, e.Err)
}

func (e *ReadIncompleteError) Unwrap() error {
	return e.Err
}

// CommitVerificationFailedError reports a region whose read-back differs from
// what was written.
type CommitVerificationFailedError struct {
	Region string
	Start  int
	Length int
	// Mismatch is the absolute offset of the first differing byte.
	Mismatch int
}

func (e *CommitVerificationFailedError) Error() string {
	return fmt.Sprintf("commit verification failed for region %q: byte 0x%X differs after writing [0x%X..0x%X]",
		e.Region, e.Mismatch, e.Start, e.Start+e.Length-1)
}

// IsIntegrity reports whether err must abort a commit and force a re-read.
func IsIntegrity(err error) bool {
	var (
		mismatch *VerificationMismatchError
		verify   *CommitVerificationFailedError
	)

	return errors.As(err, &mismatch) || errors.As(err, &verify)
}
