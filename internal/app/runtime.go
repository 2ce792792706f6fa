package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/uartcl/uartcl/internal/bus"
	"github.com/uartcl/uartcl/internal/config"
	"github.com/uartcl/uartcl/internal/errcode"
	"github.com/uartcl/uartcl/internal/logging"
	"github.com/uartcl/uartcl/internal/persistence"
	"github.com/uartcl/uartcl/internal/profile"
	"github.com/uartcl/uartcl/internal/repair"
	"github.com/uartcl/uartcl/internal/session"
	"github.com/uartcl/uartcl/internal/simulator"
	"github.com/uartcl/uartcl/internal/transport"
)

const (
	writerQueueCapacity = 256
	closeFlushTimeout   = 5 * time.Second
)

// Options tune Initialize for command-line overrides and tests.
type Options struct {
	// ConfigPath replaces the default config file location.
	ConfigPath string
	// Override is applied to the loaded config before anything is opened.
	Override func(*config.AppConfig)
	// LogOutput replaces stderr as the console log destination.
	LogOutput io.Writer
}

type Runtime struct {
	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	DB         *sql.DB

	RepairRepo  *persistence.RepairRepo
	WriterQueue *persistence.WriterQueue

	CodeStore  *errcode.FileStore
	Translator *errcode.Translator
	Profile    *profile.Profile

	linkMu    sync.RWMutex
	link      bus.LinkStatus
	linkKnown bool
}

// Device is one connected bootloader.
type Device struct {
	Channel transport.Channel
	Session *session.Session
	Repair  *repair.Service
	// Sim is set when the channel is the built-in simulator.
	Sim *simulator.Device
}

func (d *Device) Close() error {
	if d == nil || d.Session == nil {
		return nil
	}

	return d.Session.Close()
}

func Initialize(parent context.Context, opts Options) (*Runtime, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}
	if opts.ConfigPath != "" {
		paths.ConfigFile = opts.ConfigPath
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.Override != nil {
		opts.Override(&cfg)
		cfg.FillMissingDefaults()
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
		link:   LinkStatusFromConfig(cfg.Connection),
	}

	logMgr := logging.NewManager()
	if opts.LogOutput != nil {
		logMgr = logging.NewManagerWithWriter(opts.LogOutput)
	}
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Debug("starting uartcl runtime", "version", BuildVersion(), "build_date", BuildDateYMD())

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b
	linkSub := b.Subscribe(bus.TopicLinkState)
	go rt.captureLinkStatus(ctx, linkSub)

	if cfg.Journal.Enabled {
		if err := rt.openJournal(ctx); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}

	rt.openTranslator()

	prof, err := profile.Resolve(cfg.Device.Profile)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("load device profile: %w", err)
	}
	rt.Profile = prof

	return rt, nil
}

func (r *Runtime) openJournal(ctx context.Context) error {
	db, err := persistence.Open(ctx, r.Paths.DBFile)
	if err != nil {
		return err
	}
	r.DB = db
	r.RepairRepo = persistence.NewRepairRepo(db)

	queue := persistence.NewWriterQueue(r.LogManager.Logger("persistence"), writerQueueCapacity)
	queue.Start(ctx)
	r.WriterQueue = queue

	logger := r.LogManager.Logger("journal")
	now := time.Now()
	if n, err := r.RepairRepo.MarkInterrupted(ctx, now); err != nil {
		logger.Warn("mark interrupted repairs", "error", err)
	} else if n > 0 {
		logger.Warn("previous repairs did not finish", "count", n)
	}
	if days := r.Config.Journal.RetentionDays; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		if n, err := persistence.PruneJournal(ctx, db, cutoff); err != nil {
			logger.Warn("prune repair journal", "error", err)
		} else if n > 0 {
			logger.Info("pruned repair journal", "removed", n, "cutoff", cutoff.Format(time.DateOnly))
		}
	}

	return nil
}

func (r *Runtime) openTranslator() {
	cfg := r.Config.Translator
	r.CodeStore = errcode.OpenFileStore(r.Paths.CachePath(cfg.CacheFile), r.LogManager.Logger("errcode"))

	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	var remote errcode.Remote
	switch {
	case cfg.Offline:
	case cfg.RemoteURL != "":
		remote = errcode.NewHTTPRemote(cfg.RemoteURL, UserAgent(), timeout)
	default:
		remote = errcode.NewCatalogRemote(cfg.CatalogURL, UserAgent(), timeout)
	}
	r.Translator = errcode.NewTranslator(r.CodeStore, remote,
		errcode.WithLogger(r.LogManager.Logger("errcode")),
		errcode.WithLookupTimeout(timeout),
	)
}

// NewSyncer returns a catalog syncer that fills the offline store.
func (r *Runtime) NewSyncer() *errcode.Syncer {
	return errcode.NewSyncer(r.CodeStore, r.LogManager.Logger("errcode"), errcode.SyncerConfig{
		URL:       r.Config.Translator.CatalogURL,
		UserAgent: UserAgent(),
	})
}

// Connect opens the configured channel and wraps it in a session and a
// repair service. opts are applied after the runtime's own service options.
// The caller owns the returned device.
func (r *Runtime) Connect(ctx context.Context, opts ...repair.Option) (*Device, error) {
	if err := r.Config.Validate(); err != nil {
		return nil, err
	}
	codec, err := r.Profile.Codec()
	if err != nil {
		return nil, err
	}
	ch, err := OpenChannel(ctx, r.Config.Connection, codec, r.Profile)
	if err != nil {
		return nil, fmt.Errorf("open %s channel: %w", ChannelNameFromConnector(r.Config.Connection.Connector), err)
	}

	sessCfg := r.Config.Session
	sess := session.New(ch, codec,
		session.WithRetryPolicy(session.RetryPolicy{
			MaxAttempts:    sessCfg.MaxAttempts,
			AttemptTimeout: time.Duration(sessCfg.AttemptTimeoutMS) * time.Millisecond,
			Backoff:        time.Duration(sessCfg.BackoffMS) * time.Millisecond,
		}),
		session.WithPublisher(r.Bus),
		session.WithLogger(r.LogManager.Logger("session")),
	)

	target := ConnectionTarget(r.Config.Connection)
	if st, ok := ch.(transport.StatusTargeter); ok && st.StatusTarget() != "" {
		target = st.StatusTarget()
	}
	svcOpts := []repair.Option{
		repair.WithLogger(r.LogManager.Logger("repair")),
		repair.WithPublisher(r.Bus),
		repair.WithTranslator(r.Translator),
		repair.WithTarget(target),
	}
	if r.RepairRepo != nil {
		svcOpts = append(svcOpts, repair.WithJournal(r.RepairRepo, r.WriterQueue))
	}
	svc, err := repair.NewService(sess, r.Profile, append(svcOpts, opts...)...)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}

	dev := &Device{Channel: ch, Session: sess, Repair: svc}
	if sim, ok := ch.(*simulator.Device); ok {
		dev.Sim = sim
	}

	return dev, nil
}

func (r *Runtime) captureLinkStatus(ctx context.Context, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			status, ok := raw.(bus.LinkStatus)
			if !ok {
				continue
			}
			r.setLinkStatus(status)
		}
	}
}

func (r *Runtime) setLinkStatus(status bus.LinkStatus) {
	r.linkMu.Lock()
	r.link = status
	r.linkKnown = true
	r.linkMu.Unlock()
}

// CurrentLinkStatus returns the last published link state. known is false
// until a session has published one.
func (r *Runtime) CurrentLinkStatus() (bus.LinkStatus, bool) {
	r.linkMu.RLock()
	status := r.link
	known := r.linkKnown
	r.linkMu.RUnlock()
	return status, known
}

func (r *Runtime) ClearJournal() error {
	if r.DB == nil {
		return errors.New("repair journal is disabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := persistence.ClearJournal(ctx, r.DB); err != nil {
		return err
	}
	slog.Info("repair journal cleared")

	return nil
}

func (r *Runtime) Close() error {
	var errs []error
	if r.Translator != nil {
		if err := r.Translator.Close(); err != nil {
			errs = append(errs, fmt.Errorf("save error code cache: %w", err))
		}
	}
	if r.WriterQueue != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
		if err := r.WriterQueue.Flush(flushCtx); err != nil {
			slog.Warn("flush journal writes", "error", err)
		}
		cancel()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.DB != nil {
		_ = r.DB.Close()
	}
	if r.LogManager != nil {
		_ = r.LogManager.Close()
	}

	return errors.Join(errs...)
}
