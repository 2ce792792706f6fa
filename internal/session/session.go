package session

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uartcl/uartcl/internal/bus"
	"github.com/uartcl/uartcl/internal/transport"
)

const (
	statusLen = 4
	// StatusOK is the only success status a bootloader reports.
	StatusOK uint32 = 0

	defaultReadSlice = 100 * time.Millisecond
	readBufSize      = 4096
)

var errAttemptTimeout = errors.New("attempt timed out")

type State int32

const (
	StateIdle State = iota
	StateAwaitingResponse
	StateClosed
)

func (s State) String() string {
	return string(s.linkState())
}

func (s State) linkState() bus.LinkState {
	switch s {
	case StateAwaitingResponse:
		return bus.LinkStateAwaitingResponse
	case StateClosed:
		return bus.LinkStateClosed
	default:
		return bus.LinkStateIdle
	}
}

// Response is a verified reply to one logical command.
type Response struct {
	Command  transport.Command
	Seq      uint16
	Status   uint32
	Data     []byte
	Attempts int
}

type Option func(*Session)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Session) {
		s.policy = p.normalized()
	}
}

func WithPublisher(p bus.Publisher) Option {
	return func(s *Session) {
		s.bus = bus.OrDiscard(p)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReadSlice bounds a single channel read so cancellation is noticed
// promptly while waiting for a response.
func WithReadSlice(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.readSlice = d
		}
	}
}

// Session sequences request/response exchanges over one channel. Only one
// request is ever outstanding.
type Session struct {
	logger    *slog.Logger
	channel   transport.Channel
	codec     *transport.Codec
	decoder   *transport.Decoder
	policy    RetryPolicy
	bus       bus.Publisher
	readSlice time.Duration

	mu      sync.Mutex
	seq     uint16
	readBuf []byte

	state atomic.Int32
	epoch time.Time
	// lastGood is nanoseconds since epoch plus one; zero means never.
	lastGood atomic.Int64
}

func New(ch transport.Channel, codec *transport.Codec, opts ...Option) *Session {
	s := &Session{
		logger:    slog.Default().With("component", "session"),
		channel:   ch,
		codec:     codec,
		decoder:   codec.NewDecoder(),
		policy:    DefaultRetryPolicy(),
		bus:       bus.Discard{},
		readSlice: defaultReadSlice,
		readBuf:   make([]byte, readBufSize),
		epoch:     time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) Policy() RetryPolicy {
	return s.policy
}

func (s *Session) Codec() *transport.Codec {
	return s.codec
}

// LastGoodContact reports when the last verified response arrived.
func (s *Session) LastGoodContact() (time.Time, bool) {
	v := s.lastGood.Load()
	if v == 0 {
		return time.Time{}, false
	}

	return s.epoch.Add(time.Duration(v - 1)), true
}

func (s *Session) SinceLastGoodContact() (time.Duration, bool) {
	last, ok := s.LastGoodContact()
	if !ok {
		return 0, false
	}

	return time.Since(last), true
}

// Close moves the session to Closed and releases the channel. An exchange in
// progress fails with ErrClosed.
func (s *Session) Close() error {
	prev := State(s.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return nil
	}
	s.publishState(StateClosed, nil)

	return s.channel.Close()
}

// Execute sends cmd and waits for its response. timeout overrides the
// per-attempt timeout of the retry policy when positive.
func (s *Session) Execute(ctx context.Context, cmd transport.Command, payload []byte, timeout time.Duration) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateClosed {
		return Response{}, ErrClosed
	}
	op, err := s.codec.Opcodes().Opcode(cmd)
	if err != nil {
		return Response{}, err
	}
	if timeout <= 0 {
		timeout = s.policy.AttemptTimeout
	}

	s.seq++
	seq := s.seq
	frame, err := s.codec.Encode(op, seq, payload)
	if err != nil {
		return Response{}, fmt.Errorf("encode %s: %w", cmd, err)
	}

	s.setState(StateAwaitingResponse, nil)
	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			s.logger.Debug("retransmitting", "command", cmd, "seq", seq, "attempt", attempt, "reason", lastErr)
			if !sleepWithContext(ctx, s.policy.Backoff) {
				s.setState(StateIdle, nil)

				return Response{}, ctx.Err()
			}
			s.decoder.Reset()
		}
		if err := ctx.Err(); err != nil {
			s.setState(StateIdle, nil)

			return Response{}, err
		}

		if _, err := s.channel.Write(frame); err != nil {
			return Response{}, s.linkFailed(cmd, err)
		}
		s.bus.Publish(bus.TopicRawFrameOut, bus.RawFrame{
			Hex: strings.ToUpper(hex.EncodeToString(frame)), Len: len(frame), Seq: seq, Opcode: byte(op), Attempt: attempt,
		})

		resp, err := s.await(ctx, op, seq, timeout)
		switch {
		case err == nil:
			resp.Command = cmd
			resp.Attempts = attempt
			s.markGoodContact()
			s.setState(StateIdle, nil)
			if resp.Status != StatusOK {
				return resp, &DeviceError{Command: cmd, Code: resp.Status}
			}

			return resp, nil
		case errors.Is(err, errAttemptTimeout):
			lastErr = ErrTimeout
		case isCorrupt(err):
			lastErr = err
		case ctx.Err() != nil:
			s.setState(StateIdle, nil)

			return Response{}, ctx.Err()
		default:
			return Response{}, s.linkFailed(cmd, err)
		}
	}

	s.setState(StateIdle, nil)
	stats := s.decoder.Stats()
	s.logger.Warn("command failed", "command", cmd, "seq", seq, "attempts", s.policy.MaxAttempts, "error", lastErr,
		"corrupt_frames", stats.Corrupt, "discarded_bytes", stats.Discarded)
	if isCorrupt(lastErr) {
		return Response{}, &ProtocolError{Command: cmd, Attempts: s.policy.MaxAttempts, Err: lastErr}
	}

	return Response{}, fmt.Errorf("%s after %d attempts: %w", cmd, s.policy.MaxAttempts, ErrTimeout)
}

// await reads until the response to (op, seq) arrives, a corrupt frame is
// seen, or the attempt times out. Frames for other requests are dropped.
func (s *Session) await(ctx context.Context, op transport.Opcode, seq uint16, timeout time.Duration) (Response, error) {
	deadline := time.Now().Add(timeout)
	want := op.Response()
	for {
		for {
			frame, err := s.decoder.Next()
			if errors.Is(err, transport.ErrNeedMoreData) {
				break
			}
			if err != nil {
				s.logger.Debug("dropping corrupt frame", "error", err)

				return Response{}, err
			}
			s.bus.Publish(bus.TopicRawFrameIn, bus.RawFrame{
				Hex: strings.ToUpper(hex.EncodeToString(frame.Payload)), Len: len(frame.Payload), Seq: frame.Seq, Opcode: byte(frame.Opcode),
			})
			if frame.Opcode != want || frame.Seq != seq {
				s.logger.Debug("discarding unexpected frame", "opcode", frame.Opcode, "seq", frame.Seq, "want_opcode", want, "want_seq", seq)

				continue
			}

			return parseResponse(frame)
		}

		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Response{}, errAttemptTimeout
		}

		n, err := s.channel.Read(s.readBuf, min(remaining, s.readSlice))
		if n > 0 {
			s.decoder.Feed(s.readBuf[:n])
		}
		if err != nil && !errors.Is(err, transport.ErrReadTimeout) {
			return Response{}, err
		}
	}
}

func parseResponse(frame transport.Frame) (Response, error) {
	if len(frame.Payload) < statusLen {
		return Response{}, &transport.CorruptFrameError{Reason: fmt.Sprintf("response payload too short: %d bytes", len(frame.Payload))}
	}

	return Response{
		Seq:    frame.Seq,
		Status: binary.BigEndian.Uint32(frame.Payload[:statusLen]),
		Data:   frame.Payload[statusLen:],
	}, nil
}

func (s *Session) linkFailed(cmd transport.Command, err error) error {
	if State(s.state.Load()) == StateClosed {
		return fmt.Errorf("%s: %w", cmd, ErrClosed)
	}
	s.setState(StateClosed, err)
	_ = s.channel.Close()
	s.logger.Error("link failed", "command", cmd, "error", err)

	return fmt.Errorf("%s: %w: %w", cmd, ErrLinkDown, err)
}

func (s *Session) setState(state State, cause error) {
	for {
		cur := s.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(state)) {
			break
		}
	}
	s.publishState(state, cause)
}

func (s *Session) publishState(state State, cause error) {
	status := bus.LinkStatus{
		State:     state.linkState(),
		Channel:   s.channel.Name(),
		Timestamp: time.Now(),
	}
	if cause != nil {
		status.Err = cause.Error()
	}
	if targeter, ok := s.channel.(transport.StatusTargeter); ok {
		status.Target = targeter.StatusTarget()
	}
	s.bus.Publish(bus.TopicLinkState, status)
}

func (s *Session) markGoodContact() {
	s.lastGood.Store(int64(time.Since(s.epoch)) + 1)
}

func isCorrupt(err error) bool {
	var corrupt *transport.CorruptFrameError

	return errors.As(err, &corrupt)
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
