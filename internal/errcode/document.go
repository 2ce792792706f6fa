package errcode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type documentEntry struct {
	Description string `json:"description"`
	Severity    string `json:"severity"`
	FetchedAt   string `json:"fetchedAt,omitempty"`
}

// decodeDocument parses the code catalog format. Values are either objects or
// bare description strings; a missing severity means warning. Catalog
// documents (SourceOnline) key codes by bare hex; cache keys follow parseKey. Entries with a
// bad key, value or severity are skipped and reported in skipped. err is set
// only when the document as a whole is unreadable.
func decodeDocument(raw []byte, source Source) (entries []Entry, skipped []error, err error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode code document: %w", err)
	}

	entries = make([]Entry, 0, len(doc))
	for key, value := range doc {
		entry, err := decodeEntry(key, value, source)
		if err != nil {
			skipped = append(skipped, err)

			continue
		}
		if entry.Description == "" {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Code < entries[j].Code })
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Error() < skipped[j].Error() })

	return entries, skipped, nil
}

func decodeEntry(key string, value json.RawMessage, source Source) (Entry, error) {
	readKey := parseKey
	if source == SourceOnline {
		readKey = ParseCode
	}
	code, err := readKey(key)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{Code: code, Source: source, Severity: SeverityWarning}
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &entry.Description); err != nil {
			return Entry{}, fmt.Errorf("code %s: %w", key, err)
		}

		return entry, nil
	}

	var de documentEntry
	if err := json.Unmarshal(trimmed, &de); err != nil {
		return Entry{}, fmt.Errorf("code %s: %w", key, err)
	}
	entry.Description = de.Description
	if strings.TrimSpace(de.Severity) != "" {
		sev, ok := ParseSeverity(de.Severity)
		if !ok {
			return Entry{}, fmt.Errorf("code %s: unknown severity %q", key, de.Severity)
		}
		entry.Severity = sev
	}
	if de.FetchedAt != "" {
		if ts, err := time.Parse(time.RFC3339, de.FetchedAt); err == nil {
			entry.FetchedAt = ts
		}
	}

	return entry, nil
}

func encodeDocument(entries []Entry) ([]byte, error) {
	doc := make(map[string]documentEntry, len(entries))
	for _, e := range entries {
		de := documentEntry{Description: e.Description, Severity: string(e.Severity)}
		if !e.FetchedAt.IsZero() {
			de.FetchedAt = e.FetchedAt.UTC().Format(time.RFC3339)
		}
		doc[FormatCode(e.Code)] = de
	}

	return json.MarshalIndent(doc, "", "  ")
}
