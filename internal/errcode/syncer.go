package errcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	SyncTimeout = 30 * time.Second
	SyncRetries = 3
)

// Merger accepts downloaded entries.
type Merger interface {
	Merge(entries []Entry) int
	Save() error
}

// Syncer downloads the full catalog into the offline store.
type Syncer struct {
	url        string
	userAgent  string
	store      Merger
	logger     *slog.Logger
	client     *http.Client
	retryDelay time.Duration
}

type SyncerConfig struct {
	URL         string
	UserAgent   string
	HTTPTimeout time.Duration
	RetryDelay  time.Duration
}

func NewSyncer(store Merger, logger *slog.Logger, cfg SyncerConfig) *Syncer {
	if cfg.URL == "" {
		cfg.URL = DefaultCatalogURL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = SyncTimeout
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Syncer{
		url:        cfg.URL,
		userAgent:  cfg.UserAgent,
		store:      store,
		logger:     logger,
		client:     &http.Client{Timeout: cfg.HTTPTimeout},
		retryDelay: cfg.RetryDelay,
	}
}

type SyncResult struct {
	Downloaded int
	Changed    int
	Duration   time.Duration
}

// SyncNow downloads the catalog, merges it and saves the store.
func (s *Syncer) SyncNow(ctx context.Context) (SyncResult, error) {
	started := time.Now()
	s.logger.Info("syncing error code catalog", "url", s.url)

	var (
		entries []Entry
		err     error
	)
	for attempt := 1; attempt <= SyncRetries; attempt++ {
		entries, err = fetchCatalog(ctx, s.client, s.url, s.userAgent, s.logger)
		if err == nil {
			break
		}
		s.logger.Warn("catalog download failed", "attempt", attempt, "max_attempts", SyncRetries, "error", err)
		if attempt == SyncRetries || errors.Is(err, ErrNotFound) {
			break
		}

		timer := time.NewTimer(s.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()

			return SyncResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	if err != nil {
		return SyncResult{}, fmt.Errorf("download catalog: %w", err)
	}
	if len(entries) == 0 {
		return SyncResult{}, errors.New("catalog is empty")
	}

	fetchedAt := time.Now().UTC()
	for i := range entries {
		if entries[i].FetchedAt.IsZero() {
			entries[i].FetchedAt = fetchedAt
		}
	}
	changed := s.store.Merge(entries)
	if err := s.store.Save(); err != nil {
		return SyncResult{}, err
	}

	result := SyncResult{Downloaded: len(entries), Changed: changed, Duration: time.Since(started)}
	s.logger.Info("error code catalog synced", "entries", result.Downloaded, "changed", result.Changed, "duration", result.Duration.Round(time.Millisecond))

	return result, nil
}
