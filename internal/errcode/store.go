package errcode

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store is the offline tier of the translator.
type Store interface {
	Get(code uint32) (Entry, bool)
	Put(entry Entry)
	Save() error
}

// FileStore keeps entries in a JSON document that is loaded and saved whole.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[uint32]Entry
	dirty   bool
	// unreadable is set when the file on disk could not be loaded. It is moved
	// aside on the first save instead of being silently replaced.
	unreadable bool
}

// OpenFileStore loads path. A missing or unreadable file yields an empty
// store; entries that cannot be decoded are skipped with a warning.
func OpenFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{path: path, logger: logger, entries: make(map[uint32]Entry)}

	// #nosec G304 -- cache path comes from the application config.
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("error code cache not found, starting empty", "path", path)

		return s
	}
	if err != nil {
		logger.Warn("error code cache unreadable, starting empty", "path", path, "error", err)
		s.unreadable = true

		return s
	}

	entries, skipped, err := decodeDocument(raw, SourceOffline)
	if err != nil {
		logger.Warn("error code cache is corrupt, starting empty", "path", path, "error", err)
		s.unreadable = true

		return s
	}
	for _, e := range skipped {
		logger.Warn("error code cache entry skipped", "path", path, "error", e)
	}
	for _, e := range entries {
		s.entries[e.Code] = e
	}
	logger.Debug("error code cache loaded", "path", path, "entries", len(entries), "skipped", len(skipped))

	return s
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(code uint32) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[code]

	return e, ok
}

func (s *FileStore) Put(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Code] = entry
	s.dirty = true
}

// Merge stores every entry and returns how many were new or changed.
func (s *FileStore) Merge(entries []Entry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, e := range entries {
		prev, ok := s.entries[e.Code]
		if ok && prev.Description == e.Description && prev.Severity == e.Severity {
			continue
		}
		s.entries[e.Code] = e
		changed++
	}
	if changed > 0 {
		s.dirty = true
	}

	return changed
}

func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// Entries returns all entries ordered by code.
func (s *FileStore) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })

	return out
}

// Save writes the document when it changed since the last load or save.
func (s *FileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	raw, err := encodeDocument(entries)
	if err != nil {
		return fmt.Errorf("encode error code cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if s.unreadable {
		badPath := s.path + ".bad"
		if err := os.Rename(s.path, badPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("move unreadable cache aside: %w", err)
		}
		s.logger.Warn("unreadable error code cache moved aside", "path", badPath)
		s.unreadable = false
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp cache: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp cache: %w", err)
	}
	s.dirty = false
	s.logger.Debug("error code cache saved", "path", s.path, "entries", len(entries))

	return nil
}
