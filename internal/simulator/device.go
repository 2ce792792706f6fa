// Package simulator provides an in-memory bootloader that speaks the frame
// protocol over a transport.Channel. It backs tests and the sim:// target.
package simulator

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/uartcl/uartcl/internal/transport"
)

// Status codes reported by the simulated bootloader.
const (
	StatusOK             uint32 = 0
	StatusBadRequest     uint32 = 0x80010001
	StatusOutOfRange     uint32 = 0x80010002
	StatusUnknownCommand uint32 = 0x80010003
)

const DefaultVersion = "2.4.1"

type Stats struct {
	Requests int
	Executed int
	Replayed int
	Writes   int
	Reads    int
}

// Device is a simulated bootloader holding a flash image.
type Device struct {
	codec   *transport.Codec
	version string

	mu        sync.Mutex
	decoder   *transport.Decoder
	flash     []byte
	out       []byte
	notify    chan struct{}
	closed    bool
	faults    []*fault
	readChunk int
	// ignoreWrites acknowledges WRITE without storing it.
	ignoreWrites bool

	haveLast bool
	lastOp   transport.Opcode
	lastSeq  uint16
	lastResp []byte

	stats Stats
}

type Option func(*Device)

func WithVersion(v string) Option {
	return func(d *Device) {
		d.version = v
	}
}

// WithReadChunk caps how many bytes a single Read returns.
func WithReadChunk(n int) Option {
	return func(d *Device) {
		d.readChunk = n
	}
}

func New(codec *transport.Codec, flash []byte, opts ...Option) *Device {
	d := &Device{
		codec:   codec,
		version: DefaultVersion,
		decoder: codec.NewDecoder(),
		flash:   append([]byte(nil), flash...),
		notify:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Device) Name() string {
	return "sim"
}

func (d *Device) StatusTarget() string {
	return "sim://" + d.version
}

// Flash returns a copy of the simulated flash contents.
func (d *Device) Flash() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]byte(nil), d.flash...)
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.stats
}

func (d *Device) SetIgnoreWrites(v bool) {
	d.mu.Lock()
	d.ignoreWrites = v
	d.mu.Unlock()
}

// Inject emits raw bytes on the line, as noise or echo would.
func (d *Device) Inject(b []byte) {
	d.mu.Lock()
	d.emitLocked(b)
	d.mu.Unlock()
}

func (d *Device) Read(buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()

			return 0, transport.ErrNotConnected
		}
		if len(d.out) > 0 {
			limit := len(buf)
			if d.readChunk > 0 && d.readChunk < limit {
				limit = d.readChunk
			}
			n := copy(buf[:limit], d.out)
			d.out = d.out[n:]
			d.mu.Unlock()

			return n, nil
		}
		notify := d.notify
		d.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, transport.ErrReadTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, transport.ErrNotConnected
	}

	d.decoder.Feed(p)
	for {
		frame, err := d.decoder.Next()
		if errors.Is(err, transport.ErrNeedMoreData) {
			break
		}
		if err != nil {
			continue
		}
		d.handleLocked(frame)
	}

	return len(p), nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.notify)
	}

	return nil
}

func (d *Device) handleLocked(frame transport.Frame) {
	d.stats.Requests++

	var resp []byte
	if d.haveLast && frame.Opcode == d.lastOp && frame.Seq == d.lastSeq {
		d.stats.Replayed++
		resp = d.lastResp
	} else {
		status, data := d.executeLocked(frame)
		d.stats.Executed++
		payload := make([]byte, 4+len(data))
		binary.BigEndian.PutUint32(payload, status)
		copy(payload[4:], data)

		var err error
		resp, err = d.codec.Encode(frame.Opcode.Response(), frame.Seq, payload)
		if err != nil {
			return
		}
		d.haveLast, d.lastOp, d.lastSeq, d.lastResp = true, frame.Opcode, frame.Seq, resp
	}

	cmd, _ := d.codec.Opcodes().Command(frame.Opcode)
	d.transmitLocked(cmd, frame, resp)
}

func (d *Device) executeLocked(frame transport.Frame) (uint32, []byte) {
	cmd, ok := d.codec.Opcodes().Command(frame.Opcode)
	if !ok {
		return StatusUnknownCommand, nil
	}
	if f := d.takeFaultLocked(cmd, FaultStatus); f != nil {
		return f.code, nil
	}

	p := frame.Payload
	switch cmd {
	case transport.CommandHello:
		return StatusOK, []byte(d.version)
	case transport.CommandInfo:
		data := make([]byte, 4)
		// #nosec G115 -- simulated images are far below 4 GiB.
		binary.BigEndian.PutUint32(data, uint32(len(d.flash)))

		return StatusOK, data
	case transport.CommandRead:
		if len(p) != 6 {
			return StatusBadRequest, nil
		}
		addr := int(binary.BigEndian.Uint32(p[:4]))
		n := int(binary.BigEndian.Uint16(p[4:6]))
		if !d.inRange(addr, n) {
			return StatusOutOfRange, nil
		}
		d.stats.Reads++

		return StatusOK, append([]byte(nil), d.flash[addr:addr+n]...)
	case transport.CommandWrite:
		if len(p) < 4 {
			return StatusBadRequest, nil
		}
		addr := int(binary.BigEndian.Uint32(p[:4]))
		data := p[4:]
		if !d.inRange(addr, len(data)) {
			return StatusOutOfRange, nil
		}
		d.stats.Writes++
		if !d.ignoreWrites {
			copy(d.flash[addr:], data)
		}

		return StatusOK, nil
	case transport.CommandErase:
		if len(p) != 8 {
			return StatusBadRequest, nil
		}
		addr := int(binary.BigEndian.Uint32(p[:4]))
		n := int(binary.BigEndian.Uint32(p[4:8]))
		if !d.inRange(addr, n) {
			return StatusOutOfRange, nil
		}
		for i := addr; i < addr+n; i++ {
			d.flash[i] = 0xFF
		}

		return StatusOK, nil
	case transport.CommandReboot:
		return StatusOK, nil
	default:
		return StatusUnknownCommand, nil
	}
}

func (d *Device) inRange(addr, n int) bool {
	return addr >= 0 && n >= 0 && addr+n <= len(d.flash)
}

func (d *Device) emitLocked(b []byte) {
	if d.closed {
		return
	}
	d.out = append(d.out, b...)
	close(d.notify)
	d.notify = make(chan struct{})
}
