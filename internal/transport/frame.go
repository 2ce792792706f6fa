package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/sigurn/crc16"
)

// Wire layout: [START][OPCODE][SEQ:2][LEN:2][PAYLOAD:LEN][CHECKSUM:2], big-endian.
const (
	StartMarker   byte = 0x7E
	MaxPayloadLen      = math.MaxUint16

	headerLen   = 6
	checksumLen = 2
	// FrameOverhead is the number of bytes a frame adds around its payload.
	FrameOverhead = headerLen + checksumLen
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// ErrNeedMoreData is returned by Decoder.Next until a whole frame is buffered.
var ErrNeedMoreData = errors.New("need more data")

type Frame struct {
	Opcode   Opcode
	Seq      uint16
	Payload  []byte
	Checksum uint16
}

// CorruptFrameError reports a frame dropped by the decoder. The decoder has
// already resynchronized when it is returned.
type CorruptFrameError struct {
	Reason   string
	Expected uint16
	Actual   uint16
}

func (e *CorruptFrameError) Error() string {
	if e.Expected != e.Actual {
		return fmt.Sprintf("corrupt frame: %s (expected 0x%04X, got 0x%04X)", e.Reason, e.Expected, e.Actual)
	}

	return "corrupt frame: " + e.Reason
}

// Checksum computes the frame checksum over OPCODE, SEQ, LEN and PAYLOAD.
func Checksum(op Opcode, seq uint16, payload []byte) uint16 {
	buf := make([]byte, headerLen-1+len(payload))
	buf[0] = byte(op)
	binary.BigEndian.PutUint16(buf[1:3], seq)
	// #nosec G115 -- callers bound payload length by MaxPayloadLen.
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(payload)))
	copy(buf[headerLen-1:], payload)

	return crc16.Checksum(buf, crcTable)
}

// Codec encodes frames for one device profile: only opcodes from its table
// (or their responses) are accepted.
type Codec struct {
	opcodes    OpcodeTable
	maxPayload int
}

func NewCodec(opcodes OpcodeTable, maxPayload int) (*Codec, error) {
	if err := opcodes.Validate(); err != nil {
		return nil, err
	}
	if maxPayload <= 0 || maxPayload > MaxPayloadLen {
		maxPayload = MaxPayloadLen
	}

	return &Codec{opcodes: opcodes, maxPayload: maxPayload}, nil
}

func (c *Codec) MaxPayload() int {
	return c.maxPayload
}

func (c *Codec) Opcodes() OpcodeTable {
	return c.opcodes
}

func (c *Codec) Encode(op Opcode, seq uint16, payload []byte) ([]byte, error) {
	if !c.opcodes.Contains(op) {
		return nil, fmt.Errorf("opcode %s is not part of the device command set", op)
	}
	if len(payload) > c.maxPayload {
		return nil, fmt.Errorf("payload too large: %d > %d", len(payload), c.maxPayload)
	}

	return encodeFrame(op, seq, payload), nil
}

func (c *Codec) NewDecoder() *Decoder {
	return NewDecoder(c.maxPayload)
}

func encodeFrame(op Opcode, seq uint16, payload []byte) []byte {
	frame := make([]byte, headerLen+len(payload)+checksumLen)
	frame[0] = StartMarker
	frame[1] = byte(op)
	binary.BigEndian.PutUint16(frame[2:4], seq)
	// #nosec G115 -- length is bounded by the codec payload cap.
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(payload)))
	copy(frame[headerLen:], payload)

	crc := crc16.Checksum(frame[1:headerLen+len(payload)], crcTable)
	binary.BigEndian.PutUint16(frame[headerLen+len(payload):], crc)

	return frame
}

type DecoderStats struct {
	Frames    uint64
	Corrupt   uint64
	Discarded uint64
}

// Decoder reassembles frames from arbitrarily split reads.
type Decoder struct {
	buf        []byte
	maxPayload int
	stats      DecoderStats
}

func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 || maxPayload > MaxPayloadLen {
		maxPayload = MaxPayloadLen
	}

	return &Decoder{maxPayload: maxPayload}
}

func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) Stats() DecoderStats {
	return d.stats
}

// Reset drops all buffered bytes.
func (d *Decoder) Reset() {
	d.stats.Discarded += uint64(len(d.buf))
	d.buf = d.buf[:0]
}

// Next returns the next complete frame, ErrNeedMoreData, or a *CorruptFrameError.
func (d *Decoder) Next() (Frame, error) {
	idx := bytes.IndexByte(d.buf, StartMarker)
	if idx < 0 {
		d.stats.Discarded += uint64(len(d.buf))
		d.buf = d.buf[:0]

		return Frame{}, ErrNeedMoreData
	}
	if idx > 0 {
		d.consume(idx)
		d.stats.Discarded += uint64(idx)
	}
	if len(d.buf) < headerLen {
		return Frame{}, ErrNeedMoreData
	}

	ln := int(binary.BigEndian.Uint16(d.buf[4:6]))
	if ln > d.maxPayload {
		d.dropStart()

		return Frame{}, &CorruptFrameError{Reason: fmt.Sprintf("declared length %d exceeds cap %d", ln, d.maxPayload)}
	}

	total := headerLen + ln + checksumLen
	if len(d.buf) < total {
		return Frame{}, ErrNeedMoreData
	}

	want := crc16.Checksum(d.buf[1:headerLen+ln], crcTable)
	got := binary.BigEndian.Uint16(d.buf[headerLen+ln : total])
	if want != got {
		d.dropStart()

		return Frame{}, &CorruptFrameError{Reason: "checksum mismatch", Expected: want, Actual: got}
	}

	frame := Frame{
		Opcode:   Opcode(d.buf[1]),
		Seq:      binary.BigEndian.Uint16(d.buf[2:4]),
		Payload:  append([]byte(nil), d.buf[headerLen:headerLen+ln]...),
		Checksum: got,
	}
	d.consume(total)
	d.stats.Frames++

	return frame, nil
}

// dropStart discards the start marker of a rejected frame so the next call
// rescans from the following byte.
func (d *Decoder) dropStart() {
	d.consume(1)
	d.stats.Corrupt++
	d.stats.Discarded++
}

func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}
