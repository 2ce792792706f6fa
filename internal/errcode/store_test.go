package errcode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseCodeAndKeys(t *testing.T) {
	tests := []struct {
		in   string
		key  bool
		want uint32
	}{
		{in: "0x80020001", want: 0x80020001},
		{in: "80020001", want: 0x80020001},
		{in: "c0020303", want: 0xC0020303},
		{in: "0x80020001", key: true, want: 0x80020001},
		{in: "C0020303", key: true, want: 0xC0020303},
		{in: "2147614721", key: true, want: 0x80020001},
		{in: "12345678", key: true, want: 12345678},
		{in: "42", key: true, want: 42},
	}

	for _, tc := range tests {
		parse := ParseCode
		if tc.key {
			parse = parseKey
		}
		got, err := parse(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q: got 0x%X want 0x%X", tc.in, got, tc.want)
		}
	}

	if _, err := ParseCode("zz"); err == nil {
		t.Fatalf("expected parse error")
	}
	for _, bad := range []string{"bogus-key", "", "99999999999"} {
		if _, err := parseKey(bad); err == nil {
			t.Fatalf("expected key error for %q", bad)
		}
	}
}

func TestFileStoreLoadsMixedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errcodes.json")
	doc := `{
  "0x80020001": {"description": "Southbridge error", "severity": "fatal", "fetchedAt": "2025-01-02T03:04:05Z"},
  "2147549186": {"description": "Decimal keyed", "severity": "warn"},
  "C0020303": "Plain description"
}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := OpenFileStore(path, nil)
	if store.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", store.Len())
	}

	e, _ := store.Get(0x80020001)
	if e.Severity != SeverityFatal || e.FetchedAt.Year() != 2025 || e.Source != SourceOffline {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e, _ := store.Get(2147549186); e.Severity != SeverityWarning {
		t.Fatalf("unexpected decimal entry: %+v", e)
	}
	if e, _ := store.Get(0xC0020303); e.Description != "Plain description" || e.Severity != SeverityWarning {
		t.Fatalf("unexpected plain entry: %+v", e)
	}
}

func TestFileStoreSaveIsOrderedAndSkipsWhenClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "errcodes.json")
	store := OpenFileStore(path, nil)
	if err := store.Save(); err != nil {
		t.Fatalf("clean save: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("clean store must not create a file")
	}

	store.Put(Entry{Code: 0x20, Description: "b", Severity: SeverityInfo})
	store.Put(Entry{Code: 0x10, Description: "a", Severity: SeverityInfo})
	if err := store.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	first := strings.Index(string(raw), "0x00000010")
	second := strings.Index(string(raw), "0x00000020")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("document not ordered by code:\n%s", raw)
	}
}

func TestFileStoreSkipsBadEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errcodes.json")
	doc := `{
  "0x80020001": {"description": "Southbridge error", "severity": "fatal"},
  "bogus-key": "x",
  "0x80020002": {"description": "Odd severity", "severity": "catastrophic"},
  "0x80020003": {"description": 5},
  "0x80020004": {"description": "No severity"}
}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := OpenFileStore(path, nil)
	if store.Len() != 2 {
		t.Fatalf("expected 2 usable entries, got %+v", store.Entries())
	}
	if e, ok := store.Get(0x80020001); !ok || e.Severity != SeverityFatal {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e, ok := store.Get(0x80020004); !ok || e.Severity != SeverityWarning {
		t.Fatalf("missing severity must default to warning: %+v", e)
	}
	if _, ok := store.Get(0x80020002); ok {
		t.Fatalf("entry with unknown severity must be skipped")
	}
}

func TestFileStoreStartsEmptyOnCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errcodes.json")
	corrupt := []byte("{not json")
	if err := os.WriteFile(path, corrupt, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := OpenFileStore(path, nil)
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d entries", store.Len())
	}
	if err := store.Save(); err != nil {
		t.Fatalf("clean save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil || string(raw) != string(corrupt) {
		t.Fatalf("clean save must leave the unreadable file alone: %q %v", raw, err)
	}

	store.Put(Entry{Code: 0x10, Description: "fresh", Severity: SeverityInfo})
	if err := store.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	bad, err := os.ReadFile(path + ".bad")
	if err != nil || string(bad) != string(corrupt) {
		t.Fatalf("unreadable file must be kept aside: %q %v", bad, err)
	}
	if reopened := OpenFileStore(path, nil); reopened.Len() != 1 {
		t.Fatalf("expected the new entry after reopen, got %d", reopened.Len())
	}
}

func TestSyncerMergesCatalog(t *testing.T) {
	agents := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`{"80020001":"Southbridge error","0x80810001":{"description":"PSU","severity":"fatal"}}`))
	}))
	defer srv.Close()

	store := newTestStore(t)
	store.Put(Entry{Code: 0x80810001, Description: "PSU", Severity: SeverityFatal})
	syncer := NewSyncer(store, nil, SyncerConfig{URL: srv.URL, UserAgent: "uartcl/test"})

	result, err := syncer.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Downloaded != 2 || result.Changed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if agent := <-agents; agent != "uartcl/test" {
		t.Fatalf("unexpected user agent: %q", agent)
	}
	if _, err := os.Stat(store.Path()); err != nil {
		t.Fatalf("sync must save the store: %v", err)
	}
	if e, ok := store.Get(0x80020001); !ok || e.FetchedAt.IsZero() {
		t.Fatalf("synced entry missing timestamp: %+v", e)
	}
}

func TestSyncerFailsAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	syncer := NewSyncer(newTestStore(t), nil, SyncerConfig{URL: srv.URL, RetryDelay: time.Millisecond})
	if _, err := syncer.SyncNow(context.Background()); err == nil {
		t.Fatalf("expected sync error")
	}
	if hits.Load() != SyncRetries {
		t.Fatalf("expected %d attempts, got %d", SyncRetries, hits.Load())
	}
}
