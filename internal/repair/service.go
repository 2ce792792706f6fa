// Package repair runs operator-level NOR repair flows on top of a command
// session: identify, read, patch and commit, with bootloader statuses
// translated and every commit journaled.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uartcl/uartcl/internal/bus"
	"github.com/uartcl/uartcl/internal/domain"
	"github.com/uartcl/uartcl/internal/errcode"
	"github.com/uartcl/uartcl/internal/nor"
	"github.com/uartcl/uartcl/internal/profile"
	"github.com/uartcl/uartcl/internal/session"
)

const journalFlushTimeout = 5 * time.Second

// Device is the command link the service drives. *session.Session
// implements it.
type Device interface {
	nor.Executor
	CheckBootloader(ctx context.Context, minVersion string) (string, error)
}

// WriteQueue defers journal writes. *persistence.WriterQueue implements it.
type WriteQueue interface {
	Enqueue(name string, fn func(context.Context) error)
	Flush(ctx context.Context) error
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithPublisher(p bus.Publisher) Option {
	return func(s *Service) {
		s.bus = bus.OrDiscard(p)
	}
}

func WithTranslator(t *errcode.Translator) Option {
	return func(s *Service) {
		if t != nil {
			s.translator = t
		}
	}
}

// WithJournal records commits in repo. With a nil queue the writes happen
// inline.
func WithJournal(repo domain.RepairRepository, queue WriteQueue) Option {
	return func(s *Service) {
		s.journal = repo
		s.queue = queue
	}
}

// WithTarget names the device in journal records.
func WithTarget(target string) Option {
	return func(s *Service) {
		s.target = target
	}
}

func WithProgress(fn nor.ProgressFunc) Option {
	return func(s *Service) {
		s.progress = fn
	}
}

type Service struct {
	logger     *slog.Logger
	bus        bus.Publisher
	device     Device
	profile    *profile.Profile
	layout     nor.Layout
	fields     nor.DeviceFields
	translator *errcode.Translator
	journal    domain.RepairRepository
	queue      WriteQueue
	target     string
	progress   nor.ProgressFunc
}

func NewService(device Device, prof *profile.Profile, opts ...Option) (*Service, error) {
	if device == nil {
		return nil, errors.New("device is required")
	}
	if prof == nil {
		return nil, errors.New("device profile is required")
	}
	layout, err := prof.Layout()
	if err != nil {
		return nil, err
	}
	fields, err := prof.DeviceFields()
	if err != nil {
		return nil, err
	}

	s := &Service{
		logger:     slog.Default().With("component", "repair"),
		bus:        bus.Discard{},
		device:     device,
		profile:    prof,
		layout:     layout,
		fields:     fields,
		translator: errcode.NewTranslator(nil, nil),
		target:     prof.Name,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func (s *Service) Layout() nor.Layout {
	return s.layout
}

func (s *Service) Fields() nor.DeviceFields {
	return s.fields
}

func (s *Service) engine(opts ...nor.EngineOption) *nor.Engine {
	base := []nor.EngineOption{
		nor.WithChunkSize(s.profile.EffectiveChunkSize()),
		nor.WithPayloadLimit(s.profile.MaxPayload),
		nor.WithLogger(s.logger.With("component", "nor")),
		nor.WithPublisher(s.bus),
		nor.WithProgressCallback(s.progress),
	}

	return nor.NewEngine(s.device, s.layout, append(base, opts...)...)
}

// Connect checks the bootloader version against the profile minimum and the
// flash size against the layout.
func (s *Service) Connect(ctx context.Context) (string, error) {
	version, err := s.device.CheckBootloader(ctx, s.profile.MinBootloader)
	if err != nil {
		return version, s.explain(ctx, err)
	}
	if _, err := s.engine().Probe(ctx); err != nil {
		return version, s.explain(ctx, err)
	}

	return version, nil
}

func (s *Service) LoadImage(ctx context.Context) (*nor.Image, error) {
	img, err := s.engine().LoadImage(ctx)
	if err != nil {
		return nil, s.explain(ctx, err)
	}

	return img, nil
}

func (s *Service) ReadRegion(ctx context.Context, name string) ([]byte, error) {
	data, err := s.engine().ReadRegion(ctx, name)
	if err != nil {
		return nil, s.explain(ctx, err)
	}

	return data, nil
}

func (s *Service) Info(img *nor.Image) nor.Info {
	return nor.ScanInfo(img, s.fields)
}

// CommitImage writes next over current, which must be what the device holds.
func (s *Service) CommitImage(ctx context.Context, current, next *nor.Image) (nor.CommitReport, error) {
	id := s.beginJournal(ctx)
	engine := s.engine(nor.WithRegionCommitted(func(w nor.RegionWrite) {
		s.recordWrite(id, w)
	}))

	report, err := engine.Commit(ctx, current, next)
	s.finishJournal(id, err)
	if err != nil {
		return report, s.explain(ctx, err)
	}

	return report, nil
}

// Commit reads the device image and writes next over it.
func (s *Service) Commit(ctx context.Context, next *nor.Image) (nor.CommitReport, error) {
	current, err := s.LoadImage(ctx)
	if err != nil {
		return nor.CommitReport{}, err
	}

	return s.CommitImage(ctx, current, next)
}

// Repair reads the device image, applies req and commits the result.
func (s *Service) Repair(ctx context.Context, req PatchRequest) ([]nor.Patch, nor.CommitReport, error) {
	current, err := s.LoadImage(ctx)
	if err != nil {
		return nil, nor.CommitReport{}, err
	}
	next, patches, err := PatchImage(current, s.fields, req)
	if err != nil {
		return nil, nor.CommitReport{}, err
	}
	for _, p := range patches {
		s.logger.Info("patch planned", "patch", p.String())
	}
	report, err := s.CommitImage(ctx, current, next)

	return patches, report, err
}

// explain resolves bootloader statuses inside err into a DeviceFailure and
// publishes them.
func (s *Service) explain(ctx context.Context, err error) error {
	var deviceErr *session.DeviceError
	if !errors.As(err, &deviceErr) {
		return err
	}

	entry := s.translator.Translate(context.WithoutCancel(ctx), deviceErr.Code)
	s.bus.Publish(bus.TopicDeviceStatus, bus.DeviceStatus{
		Command:     deviceErr.Command.String(),
		Code:        deviceErr.Code,
		Description: entry.Description,
		Severity:    string(entry.Severity),
	})
	s.logger.Warn("bootloader rejected command", "command", deviceErr.Command.String(), "code", errcode.FormatCode(deviceErr.Code), "description", entry.Description, "severity", entry.Severity)

	return &DeviceFailure{Command: deviceErr.Command, Entry: entry, Err: err}
}

func (s *Service) beginJournal(ctx context.Context) int64 {
	if s.journal == nil {
		return 0
	}
	id, err := s.journal.Begin(context.WithoutCancel(ctx), domain.RepairRecord{Target: s.target, Profile: s.profile.Name, StartedAt: time.Now()})
	if err != nil {
		s.logger.Warn("repair journal unavailable", "error", err)

		return 0
	}

	return id
}

func (s *Service) recordWrite(id int64, w nor.RegionWrite) {
	if id == 0 {
		return
	}
	rec := domain.RegionWriteRecord{Region: w.Region, Start: w.Start, Length: w.Length, Verified: w.Verified, WrittenAt: time.Now()}
	s.journalWrite("record region write", func(ctx context.Context) error {
		return s.journal.RecordWrite(ctx, id, rec)
	})
}

func (s *Service) finishJournal(id int64, commitErr error) {
	if id == 0 {
		return
	}

	status := domain.RepairStatusCompleted
	errText := ""
	switch {
	case commitErr == nil:
	case errors.Is(commitErr, context.Canceled), errors.Is(commitErr, context.DeadlineExceeded):
		status = domain.RepairStatusCancelled
		errText = commitErr.Error()
	default:
		status = domain.RepairStatusFailed
		errText = commitErr.Error()
	}
	finishedAt := time.Now()
	s.journalWrite("finish repair", func(ctx context.Context) error {
		return s.journal.Finish(ctx, id, status, finishedAt, errText)
	})

	if s.queue != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), journalFlushTimeout)
		defer cancel()
		if err := s.queue.Flush(flushCtx); err != nil {
			s.logger.Warn("repair journal flush timed out", "error", err)
		}
	}
}

func (s *Service) journalWrite(name string, fn func(context.Context) error) {
	if s.queue != nil {
		s.queue.Enqueue(name, fn)

		return
	}
	if err := fn(context.Background()); err != nil {
		s.logger.Warn("repair journal write failed", "cmd", name, "error", err)
	}
}

// History returns recent journal records, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]domain.RepairRecord, error) {
	if s.journal == nil {
		return nil, fmt.Errorf("repair journal is not configured")
	}

	return s.journal.ListRecent(ctx, limit)
}
