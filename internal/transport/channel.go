package transport

import (
	"errors"
	"io"
	"time"
)

var (
	// ErrReadTimeout is returned by Channel.Read when no byte arrived in time.
	ErrReadTimeout = errors.New("read timeout")
	// ErrNotConnected is returned by channel operations after Close.
	ErrNotConnected = errors.New("channel is not connected")
)

// Channel is a duplex byte stream to the device's debug console.
type Channel interface {
	Name() string
	// Read blocks for at most timeout and returns at least one byte or ErrReadTimeout.
	Read(buf []byte, timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// StatusTargeter is implemented by channels that can describe their endpoint.
type StatusTargeter interface {
	StatusTarget() string
}

func writeFull(w func([]byte) (int, error), buf []byte) error {
	written := 0
	for written < len(buf) {
		n, err := w(buf[written:])
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		written += n
	}

	return nil
}
