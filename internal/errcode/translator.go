package errcode

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Option func(*Translator)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Translator) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithLookupTimeout bounds each online lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(t *Translator) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(t *Translator) {
		t.now = now
	}
}

// Translator resolves codes from memory, then the offline store, then the
// remote. It never fails: a total miss yields a placeholder entry.
type Translator struct {
	logger  *slog.Logger
	store   Store
	remote  Remote
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	memory map[uint32]Entry
	group  singleflight.Group
}

// NewTranslator builds a translator. store and remote may be nil.
func NewTranslator(store Store, remote Remote, opts ...Option) *Translator {
	t := &Translator{
		logger:  slog.Default().With("component", "errcode"),
		store:   store,
		remote:  remote,
		timeout: DefaultLookupTimeout,
		now:     time.Now,
		memory:  make(map[uint32]Entry),
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Translate resolves code. Concurrent calls for one code share a single
// resolution that outlives any one caller; a caller whose ctx ends first gets
// a placeholder that is not memoized.
func (t *Translator) Translate(ctx context.Context, code uint32) Entry {
	if e, ok := t.cached(code); ok {
		return e
	}

	detached := context.WithoutCancel(ctx)
	ch := t.group.DoChan(FormatCode(code), func() (any, error) {
		if e, ok := t.cached(code); ok {
			return e, nil
		}
		e := t.resolve(detached, code)
		t.remember(e)

		return e, nil
	})

	select {
	case res := <-ch:
		return res.Val.(Entry)
	case <-ctx.Done():
		return unknownEntry(code)
	}
}

func (t *Translator) resolve(ctx context.Context, code uint32) Entry {
	if t.store != nil {
		if e, ok := t.store.Get(code); ok {
			e.Source = SourceOffline

			return e
		}
	}

	e, err := t.fetch(ctx, code)
	if err == nil {
		return e
	}
	if !errors.Is(err, errNoRemote) {
		t.logger.Warn("online lookup failed", "code", FormatCode(code), "error", err)
	}

	return unknownEntry(code)
}

var errNoRemote = errors.New("no remote configured")

func (t *Translator) fetch(ctx context.Context, code uint32) (Entry, error) {
	if t.remote == nil {
		return Entry{}, errNoRemote
	}

	lookupCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	e, err := t.remote.Fetch(lookupCtx, code)
	if err != nil {
		return Entry{}, err
	}
	e.Code = code
	e.Source = SourceOnline
	e.FetchedAt = t.now().UTC()
	if t.store != nil {
		t.store.Put(e)
	}

	return e, nil
}

// Refresh forces an online lookup. The existing entry is only replaced when
// the lookup succeeds.
func (t *Translator) Refresh(ctx context.Context, code uint32) (Entry, error) {
	v, err, _ := t.group.Do("refresh:"+FormatCode(code), func() (any, error) {
		e, err := t.fetch(ctx, code)
		if err != nil {
			return Entry{}, err
		}
		t.remember(e)

		return e, nil
	})
	if err != nil {
		return Entry{}, err
	}

	return v.(Entry), nil
}

// Forget drops in-memory entries so the next lookup consults the store again.
func (t *Translator) Forget() {
	t.mu.Lock()
	t.memory = make(map[uint32]Entry)
	t.mu.Unlock()
}

func (t *Translator) Save() error {
	if t.store == nil {
		return nil
	}

	return t.store.Save()
}

func (t *Translator) Close() error {
	return t.Save()
}

func (t *Translator) cached(code uint32) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.memory[code]

	return e, ok
}

func (t *Translator) remember(e Entry) {
	t.mu.Lock()
	t.memory[e.Code] = e
	t.mu.Unlock()
}
