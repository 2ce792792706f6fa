// Package errcode translates bootloader status codes into operator-facing
// descriptions.
package errcode

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityFatal   Severity = "fatal"
)

// ParseSeverity normalizes a severity label. Unknown labels are reported as
// not ok.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "notice":
		return SeverityInfo, true
	case "warning", "warn":
		return SeverityWarning, true
	case "fatal", "error", "critical":
		return SeverityFatal, true
	default:
		return "", false
	}
}

type Source string

const (
	SourceOffline Source = "offline"
	SourceOnline  Source = "online"
)

type Entry struct {
	Code        uint32
	Description string
	Severity    Severity
	Source      Source
	FetchedAt   time.Time
}

func (e Entry) String() string {
	return fmt.Sprintf("%s [%s] %s", FormatCode(e.Code), e.Severity, e.Description)
}

// FormatCode renders a status code the way the bootloader prints it.
func FormatCode(code uint32) string {
	return fmt.Sprintf("0x%08X", code)
}

// ParseCode reads a hexadecimal status code with or without the 0x prefix.
func ParseCode(s string) (uint32, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	v, err := strconv.ParseUint(trimmed, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid status code %q", s)
	}

	return uint32(v), nil
}

// parseKey reads a cache document key. Keys are hexadecimal when prefixed
// with 0x or when they contain a hex letter; plain digit strings are decimal.
func parseKey(key string) (uint32, error) {
	k := strings.TrimSpace(key)
	if strings.HasPrefix(k, "0x") || strings.HasPrefix(k, "0X") || strings.ContainsAny(k, "abcdefABCDEF") {
		return ParseCode(k)
	}
	v, err := strconv.ParseUint(k, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid status code %q", key)
	}

	return uint32(v), nil
}

func unknownEntry(code uint32) Entry {
	return Entry{
		Code:        code,
		Description: "Unknown code " + FormatCode(code),
		Severity:    SeverityWarning,
		Source:      SourceOffline,
	}
}
