package errcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	DefaultCatalogURL    = "https://uart.codes/latest.json"
	DefaultLookupTimeout = 3 * time.Second
	maxBodyBytes         = 8 << 20
)

var ErrNotFound = errors.New("code not found")

// Remote is the online tier of the translator.
type Remote interface {
	Fetch(ctx context.Context, code uint32) (Entry, error)
}

// HTTPRemote looks codes up one at a time at <base>/<CODE>.
type HTTPRemote struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

func NewHTTPRemote(baseURL, userAgent string, timeout time.Duration) *HTTPRemote {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}

	return &HTTPRemote{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

type remoteEntry struct {
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

func (r *HTTPRemote) Fetch(ctx context.Context, code uint32) (Entry, error) {
	url := fmt.Sprintf("%s/%08X", r.baseURL, code)
	body, err := get(ctx, r.client, url, r.userAgent)
	if err != nil {
		return Entry{}, err
	}

	var payload remoteEntry
	if err := json.Unmarshal(body, &payload); err != nil {
		return Entry{}, fmt.Errorf("decode lookup response: %w", err)
	}
	if strings.TrimSpace(payload.Description) == "" {
		return Entry{}, errors.New("lookup response has no description")
	}
	sev, ok := ParseSeverity(payload.Severity)
	if !ok {
		return Entry{}, fmt.Errorf("lookup response has unknown severity %q", payload.Severity)
	}

	return Entry{Code: code, Description: payload.Description, Severity: sev, Source: SourceOnline}, nil
}

// CatalogRemote answers lookups from the published catalog document. The
// catalog is downloaded once per process.
type CatalogRemote struct {
	url       string
	userAgent string
	client    *http.Client

	logger *slog.Logger

	mu      sync.Mutex
	entries map[uint32]Entry
}

func NewCatalogRemote(url, userAgent string, timeout time.Duration) *CatalogRemote {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}

	return &CatalogRemote{
		url:       url,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		logger:    slog.Default().With("component", "errcode"),
	}
}

func (r *CatalogRemote) Fetch(ctx context.Context, code uint32) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries == nil {
		entries, err := fetchCatalog(ctx, r.client, r.url, r.userAgent, r.logger)
		if err != nil {
			return Entry{}, err
		}
		r.entries = make(map[uint32]Entry, len(entries))
		for _, e := range entries {
			r.entries[e.Code] = e
		}
	}

	e, ok := r.entries[code]
	if !ok {
		return Entry{}, fmt.Errorf("%s: %w", FormatCode(code), ErrNotFound)
	}

	return e, nil
}

func fetchCatalog(ctx context.Context, client *http.Client, url, userAgent string, logger *slog.Logger) ([]Entry, error) {
	body, err := get(ctx, client, url, userAgent)
	if err != nil {
		return nil, err
	}
	entries, skipped, err := decodeDocument(body, SourceOnline)
	if err != nil {
		return nil, err
	}
	for _, e := range skipped {
		logger.Warn("catalog entry skipped", "url", url, "error", e)
	}

	return entries, nil
}

func get(ctx context.Context, client *http.Client, url, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return body, nil
}
