package nor

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/uartcl/uartcl/internal/session"
	"github.com/uartcl/uartcl/internal/simulator"
	"github.com/uartcl/uartcl/internal/transport"
)

type rig struct {
	dev     *simulator.Device
	session *session.Session
	engine  *Engine
}

func newRig(t *testing.T, img *Image, opts ...EngineOption) rig {
	t.Helper()
	codec, err := transport.NewCodec(transport.DefaultOpcodes(), 0)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	dev := simulator.New(codec, img.Bytes())
	s := session.New(dev, codec,
		session.WithRetryPolicy(session.RetryPolicy{MaxAttempts: 3, AttemptTimeout: 40 * time.Millisecond}),
		session.WithReadSlice(10*time.Millisecond),
	)
	t.Cleanup(func() { _ = s.Close() })

	opts = append([]EngineOption{WithChunkSize(0x1000)}, opts...)

	return rig{dev: dev, session: s, engine: NewEngine(s, img.Layout(), opts...)}
}

func TestLoadImageReassemblesChunks(t *testing.T) {
	img := testImage(t, testLayout(t))
	r := newRig(t, img, WithChunkSize(0x300))

	var reads int
	r.engine.progress = func(p Progress) {
		if p.Phase == PhaseRead {
			reads++
		}
	}

	loaded, err := r.engine.LoadImage(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.Equal(img) {
		t.Fatalf("loaded image differs from device flash")
	}
	if want := (0x4000 + 0x2FF) / 0x300; reads != want {
		t.Fatalf("expected %d chunk reads, got %d", want, reads)
	}
}

func TestLoadImageReadIncomplete(t *testing.T) {
	img := testImage(t, testLayout(t))
	r := newRig(t, img)
	r.dev.InjectFault(simulator.FaultDrop, transport.CommandRead, simulator.Forever)

	_, err := r.engine.LoadImage(context.Background())
	var incomplete *ReadIncompleteError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected read incomplete, got %v", err)
	}
	if incomplete.Offset != 0 || incomplete.Length != 0x1000 {
		t.Fatalf("unexpected failing chunk: %+v", incomplete)
	}
	if !errors.Is(err, session.ErrTimeout) {
		t.Fatalf("expected wrapped timeout, got %v", err)
	}
}

func TestCommitScenarioWritesMinimalRange(t *testing.T) {
	img := testImage(t, testLayout(t))
	r := newRig(t, img)
	ctx := context.Background()

	current, err := r.engine.LoadImage(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	next, err := ApplyPatch(current, mustPatch(t, current, "bootloader", 0x50, []byte{0x5A}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	var committed []RegionWrite
	r.engine.committed = func(w RegionWrite) { committed = append(committed, w) }

	report, err := r.engine.Commit(ctx, current, next)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(report.Writes) != 1 {
		t.Fatalf("expected one region write, got %+v", report.Writes)
	}
	w := report.Writes[0]
	if w.Region != "bootloader" || w.Start != 0x1050 || w.Length != 0x1FFF-0x1050+1 || !w.Verified {
		t.Fatalf("unexpected write: %+v", w)
	}
	if len(report.Skipped) != 2 || len(committed) != 1 {
		t.Fatalf("unexpected skipped=%v committed=%v", report.Skipped, committed)
	}
	if got := r.dev.Stats().Writes; got != 1 {
		t.Fatalf("expected a single WRITE command, got %d", got)
	}

	reloaded, err := r.engine.LoadImage(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Equal(next) {
		t.Fatalf("device does not hold the patched image")
	}
	untouched, _ := reloaded.Slice(0, 0x1050)
	want, _ := img.Slice(0, 0x1050)
	if !bytes.Equal(untouched, want) {
		t.Fatalf("bytes before the patch changed")
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	img := testImage(t, testLayout(t))
	next, err := ApplyPatch(img, mustPatch(t, img, "nvs", 0x10, []byte{1, 2, 3}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	r := newRig(t, next)

	loaded, err := r.engine.LoadImage(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	report, err := r.engine.Commit(context.Background(), loaded, next)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(report.Writes) != 0 || r.dev.Stats().Writes != 0 {
		t.Fatalf("re-commit must not write: report=%+v stats=%+v", report, r.dev.Stats())
	}
	if len(report.Skipped) != len(next.Layout().Regions) {
		t.Fatalf("every region should be skipped: %v", report.Skipped)
	}
}

func TestCommitSplitsLargeRangesIntoFrames(t *testing.T) {
	img := testImage(t, testLayout(t))
	r := newRig(t, img, WithChunkSize(0x400))

	next, err := ApplyPatch(img, mustPatch(t, img, "nvs", 0x0, bytes.Repeat([]byte{0xCC}, 0x900)))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	report, err := r.engine.Commit(context.Background(), img, next)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if report.BytesWritten() != 0x900 {
		t.Fatalf("unexpected bytes written: %d", report.BytesWritten())
	}
	if got := r.dev.Stats().Writes; got != 3 {
		t.Fatalf("expected 3 WRITE frames, got %d", got)
	}
	if !bytes.Equal(r.dev.Flash(), next.Bytes()) {
		t.Fatalf("device flash differs from target image")
	}
}

func TestCommitVerificationFailure(t *testing.T) {
	img := testImage(t, testLayout(t))
	r := newRig(t, img)
	r.dev.SetIgnoreWrites(true)

	next, err := ApplyPatch(img, mustPatch(t, img, "bootloader", 0x10, []byte{0x00, 0x01}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	report, err := r.engine.Commit(context.Background(), img, next)
	var verifyErr *CommitVerificationFailedError
	if !errors.As(err, &verifyErr) {
		t.Fatalf("expected verification failure, got %v", err)
	}
	if verifyErr.Region != "bootloader" || !IsIntegrity(err) {
		t.Fatalf("unexpected verification error: %+v", verifyErr)
	}
	if len(report.Writes) != 0 {
		t.Fatalf("failed region must not be reported as written: %+v", report.Writes)
	}
	if got := r.dev.Stats().Writes; got != 1 {
		t.Fatalf("integrity failures must not be retried, got %d writes", got)
	}
}

func TestCommitCancellationStopsAtRegionBoundary(t *testing.T) {
	img := testImage(t, testLayout(t))
	next, err := ApplyPatches(img,
		mustPatch(t, img, "header", 0x10, []byte{0xAA}),
		mustPatch(t, img, "nvs", 0x10, []byte{0xBB}),
	)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newRig(t, img, WithProgressCallback(func(p Progress) {
		if p.Phase == PhaseWrite {
			cancel()
		}
	}))

	report, err := r.engine.Commit(ctx, img, next)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(report.Writes) != 1 || report.Writes[0].Region != "header" || !report.Writes[0].Verified {
		t.Fatalf("first region must be fully written and verified: %+v", report.Writes)
	}
	flash := r.dev.Flash()
	if flash[0x10] != 0xAA || flash[0x2010] == 0xBB {
		t.Fatalf("unexpected device contents after cancellation")
	}
}

func TestProbeChecksFlashSize(t *testing.T) {
	img := testImage(t, testLayout(t))
	r := newRig(t, img)

	size, err := r.engine.Probe(context.Background())
	if err != nil || size != 0x4000 {
		t.Fatalf("probe: size=0x%X err=%v", size, err)
	}

	other, _ := NewLayout(0x8000, nil)
	mismatched := NewEngine(r.session, other)
	if _, err := mismatched.Probe(context.Background()); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}

func TestReadRegion(t *testing.T) {
	img := testImage(t, testLayout(t))
	r := newRig(t, img)

	got, err := r.engine.ReadRegion(context.Background(), "header")
	if err != nil {
		t.Fatalf("read region: %v", err)
	}
	want, _ := img.RegionBytes("header")
	if !bytes.Equal(got, want) {
		t.Fatalf("region bytes differ")
	}
	if _, err := r.engine.ReadRegion(context.Background(), "missing"); err == nil {
		t.Fatalf("expected unknown region error")
	}
}
