package nor

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/uartcl/uartcl/internal/bus"
	"github.com/uartcl/uartcl/internal/session"
	"github.com/uartcl/uartcl/internal/transport"
)

const (
	DefaultChunkSize = 4096
	// ChunkOverhead is the payload space a chunk shares with the READ status
	// or the WRITE address.
	ChunkOverhead = 4
	// MaxChunkSize keeps READ responses and WRITE requests inside one frame.
	MaxChunkSize = transport.MaxPayloadLen - ChunkOverhead

	readRequestLen = 6
	addrLen        = 4
)

// Executor runs one command exchange. *session.Session implements it.
type Executor interface {
	Execute(ctx context.Context, cmd transport.Command, payload []byte, timeout time.Duration) (session.Response, error)
}

type Phase string

const (
	PhaseRead   Phase = "read"
	PhaseWrite  Phase = "write"
	PhaseVerify Phase = "verify"
)

type Progress struct {
	Phase  Phase
	Region string
	Done   int
	Total  int
}

type ProgressFunc func(Progress)

// RegionWrite is one committed range.
type RegionWrite struct {
	Region   string
	Start    int
	Length   int
	Verified bool
}

type CommitReport struct {
	Writes     []RegionWrite
	Skipped    []string
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r CommitReport) BytesWritten() int {
	total := 0
	for _, w := range r.Writes {
		total += w.Length
	}

	return total
}

type EngineOption func(*Engine)

func WithChunkSize(n int) EngineOption {
	return func(e *Engine) {
		e.chunkSize = n
	}
}

func WithPublisher(p bus.Publisher) EngineOption {
	return func(e *Engine) {
		e.bus = bus.OrDiscard(p)
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPayloadLimit caps chunks so they fit frames of at most n payload bytes.
// n <= 0 means the protocol maximum.
func WithPayloadLimit(n int) EngineOption {
	return func(e *Engine) {
		e.maxPayload = n
	}
}

// WithProgressCallback is invoked for every chunk read, region written and
// region verified.
func WithProgressCallback(fn ProgressFunc) EngineOption {
	return func(e *Engine) {
		e.progress = fn
	}
}

// WithRegionCommitted is invoked after each region passes verification.
func WithRegionCommitted(fn func(RegionWrite)) EngineOption {
	return func(e *Engine) {
		e.committed = fn
	}
}

// Engine moves images between the device and memory.
type Engine struct {
	exec       Executor
	layout     Layout
	chunkSize  int
	maxPayload int
	logger     *slog.Logger
	bus        bus.Publisher
	progress   ProgressFunc
	committed  func(RegionWrite)
}

func NewEngine(exec Executor, layout Layout, opts ...EngineOption) *Engine {
	e := &Engine{
		exec:      exec,
		layout:    layout,
		chunkSize: DefaultChunkSize,
		logger:    slog.Default().With("component", "nor"),
		bus:       bus.Discard{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.chunkSize <= 0 {
		e.chunkSize = DefaultChunkSize
	}
	e.chunkSize = max(min(e.chunkSize, MaxChunkSizeFor(e.maxPayload)), 1)

	return e
}

// MaxChunkSizeFor returns the largest chunk that fits a frame carrying at most
// maxPayload bytes. maxPayload <= 0 means the protocol maximum.
func MaxChunkSizeFor(maxPayload int) int {
	if maxPayload <= 0 || maxPayload > transport.MaxPayloadLen {
		return MaxChunkSize
	}

	return max(maxPayload-ChunkOverhead, 0)
}

// ChunkSize is the transfer size the engine uses.
func (e *Engine) ChunkSize() int {
	return e.chunkSize
}

func (e *Engine) Layout() Layout {
	return e.layout
}

// Probe asks the device for its flash size and checks it against the layout.
func (e *Engine) Probe(ctx context.Context) (int, error) {
	resp, err := e.exec.Execute(ctx, transport.CommandInfo, nil, 0)
	if err != nil {
		return 0, err
	}
	if len(resp.Data) < 4 {
		return 0, fmt.Errorf("info response too short: %d bytes", len(resp.Data))
	}
	size := int(binary.BigEndian.Uint32(resp.Data[:4]))
	if size != e.layout.Size {
		return size, fmt.Errorf("device reports 0x%X bytes of flash, profile expects 0x%X", size, e.layout.Size)
	}

	return size, nil
}

// LoadImage reads the whole device in chunks.
func (e *Engine) LoadImage(ctx context.Context) (*Image, error) {
	started := time.Now()
	data, err := e.readSpan(ctx, "", 0, e.layout.Size)
	if err != nil {
		return nil, err
	}
	e.logger.Info("image loaded", "bytes", len(data), "duration", time.Since(started).Round(time.Millisecond))

	return NewImage(e.layout, data)
}

// ReadRegion reads one region from the device.
func (e *Engine) ReadRegion(ctx context.Context, name string) ([]byte, error) {
	r, ok := e.layout.Region(name)
	if !ok {
		return nil, fmt.Errorf("unknown region %q", name)
	}

	return e.readSpan(ctx, r.Name, r.Start, r.Len())
}

func (e *Engine) readSpan(ctx context.Context, region string, start, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for off := start; off < start+n; off += e.chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		size := min(e.chunkSize, start+n-off)
		chunk, err := e.readChunk(ctx, off, size)
		if err != nil {
			return nil, &ReadIncompleteError{Offset: off, Length: size, Err: err}
		}
		out = append(out, chunk...)

		done := off + size - start
		e.bus.Publish(bus.TopicReadProgress, bus.ReadProgress{Offset: off, Done: done, Total: n})
		e.report(Progress{Phase: PhaseRead, Region: region, Done: done, Total: n})
	}

	return out, nil
}

func (e *Engine) readChunk(ctx context.Context, off, n int) ([]byte, error) {
	payload := make([]byte, readRequestLen)
	// #nosec G115 -- offsets are bounded by the layout size.
	binary.BigEndian.PutUint32(payload[:addrLen], uint32(off))
	// #nosec G115 -- n is bounded by MaxChunkSize.
	binary.BigEndian.PutUint16(payload[addrLen:], uint16(n))

	resp, err := e.exec.Execute(ctx, transport.CommandRead, payload, 0)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != n {
		return nil, fmt.Errorf("short read at 0x%X: got %d of %d bytes", off, len(resp.Data), n)
	}

	return resp.Data, nil
}

func (e *Engine) writeSpan(ctx context.Context, start int, data []byte) error {
	for i := 0; i < len(data); i += e.chunkSize {
		chunk := data[i:min(i+e.chunkSize, len(data))]
		payload := make([]byte, addrLen+len(chunk))
		// #nosec G115 -- offsets are bounded by the layout size.
		binary.BigEndian.PutUint32(payload[:addrLen], uint32(start+i))
		copy(payload[addrLen:], chunk)

		if _, err := e.exec.Execute(ctx, transport.CommandWrite, payload, 0); err != nil {
			return fmt.Errorf("write 0x%X bytes at 0x%X: %w", len(chunk), start+i, err)
		}
	}

	return nil
}

// PlanCommit computes, per region, the single contiguous range that covers
// every changed byte and the region checksum field.
func PlanCommit(current, next *Image) ([]RegionWrite, error) {
	if current.Size() != next.Size() || len(current.layout.Regions) != len(next.layout.Regions) {
		return nil, ErrLayoutMismatch
	}

	for i := range next.data {
		if current.data[i] == next.data[i] {
			continue
		}
		if _, ok := next.layout.RegionAt(i); !ok {
			return nil, fmt.Errorf("%w: first at 0x%X", ErrUnmappedChange, i)
		}
	}

	var plan []RegionWrite
	for _, r := range next.layout.Regions {
		first, last := diffBounds(current.data, next.data, r.Start, r.End)
		if first < 0 {
			continue
		}
		if cs := r.Checksum; cs != nil {
			first = min(first, cs.Offset)
			last = max(last, cs.End())
		}
		plan = append(plan, RegionWrite{Region: r.Name, Start: first, Length: last - first + 1})
	}

	return plan, nil
}

// Commit writes the difference between current (what the device holds) and
// next. Each changed region is written as one range and read back. A region
// in progress is always finished; ctx is only checked between regions.
func (e *Engine) Commit(ctx context.Context, current, next *Image) (CommitReport, error) {
	report := CommitReport{StartedAt: time.Now()}
	plan, err := PlanCommit(current, next)
	if err != nil {
		return report, err
	}

	planned := make(map[string]struct{}, len(plan))
	for _, w := range plan {
		planned[w.Region] = struct{}{}
	}
	for _, r := range e.layout.Regions {
		if _, ok := planned[r.Name]; !ok {
			report.Skipped = append(report.Skipped, r.Name)
		}
	}
	if len(plan) == 0 {
		report.FinishedAt = time.Now()
		e.logger.Info("commit skipped: image unchanged")

		return report, nil
	}

	for i, w := range plan {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = time.Now()

			return report, fmt.Errorf("commit interrupted before region %q: %w", w.Region, err)
		}

		regionCtx := context.WithoutCancel(ctx)
		want := next.data[w.Start : w.Start+w.Length]
		e.logger.Info("writing region", "region", w.Region, "start", fmt.Sprintf("0x%X", w.Start), "length", w.Length)
		if err := e.writeSpan(regionCtx, w.Start, want); err != nil {
			report.FinishedAt = time.Now()

			return report, fmt.Errorf("region %q: %w", w.Region, err)
		}
		e.publishCommit(w, i, len(plan), false)
		e.report(Progress{Phase: PhaseWrite, Region: w.Region, Done: i + 1, Total: len(plan)})

		got, err := e.readSpan(regionCtx, w.Region, w.Start, w.Length)
		if err != nil {
			report.FinishedAt = time.Now()

			return report, fmt.Errorf("verify region %q: %w", w.Region, err)
		}
		if !bytes.Equal(got, want) {
			report.FinishedAt = time.Now()
			mismatch, _ := diffBounds(got, want, 0, len(want)-1)

			return report, &CommitVerificationFailedError{Region: w.Region, Start: w.Start, Length: w.Length, Mismatch: w.Start + mismatch}
		}

		w.Verified = true
		report.Writes = append(report.Writes, w)
		e.publishCommit(w, i, len(plan), true)
		e.report(Progress{Phase: PhaseVerify, Region: w.Region, Done: i + 1, Total: len(plan)})
		if e.committed != nil {
			e.committed(w)
		}
	}
	report.FinishedAt = time.Now()
	e.logger.Info("commit finished", "regions", len(report.Writes), "bytes", report.BytesWritten())

	return report, nil
}

func (e *Engine) publishCommit(w RegionWrite, idx, total int, verified bool) {
	e.bus.Publish(bus.TopicCommitProgress, bus.CommitProgress{
		Region: w.Region, Start: w.Start, Length: w.Length, Index: idx, Total: total, Verified: verified,
	})
}

func (e *Engine) report(p Progress) {
	if e.progress != nil {
		e.progress(p)
	}
}

// diffBounds returns the first and last differing offsets in [from, to], or
// -1, -1 when the ranges are equal.
func diffBounds(a, b []byte, from, to int) (int, int) {
	first := -1
	for i := from; i <= to; i++ {
		if a[i] != b[i] {
			first = i

			break
		}
	}
	if first < 0 {
		return -1, -1
	}
	last := first
	for i := to; i > first; i-- {
		if a[i] != b[i] {
			last = i

			break
		}
	}

	return first, last
}
