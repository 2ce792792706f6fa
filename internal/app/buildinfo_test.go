package app

import (
	"strings"
	"testing"
)

func setBuildInfo(t *testing.T, version, date string) {
	t.Helper()
	origVersion, origDate := Version, BuildDate
	t.Cleanup(func() {
		Version, BuildDate = origVersion, origDate
	})
	Version, BuildDate = version, date
}

func TestBuildVersionStrings(t *testing.T) {
	tests := []struct {
		name, version, date    string
		wantVersion, wantDated string
		wantYMD                string
	}{
		{name: "unset build", wantVersion: "dev", wantDated: "dev"},
		{name: "padded version", version: " 1.4.0 ", wantVersion: "1.4.0", wantDated: "1.4.0"},
		{name: "rfc3339 date", version: "1.4.0", date: "2026-03-02T08:00:00Z", wantVersion: "1.4.0", wantDated: "1.4.0 (2026-03-02)", wantYMD: "2026-03-02"},
		{name: "date prefix", version: "1.4.0", date: "2026-03-02 nightly", wantVersion: "1.4.0", wantDated: "1.4.0 (2026-03-02)", wantYMD: "2026-03-02"},
		{name: "opaque date", version: "1.4.0", date: "yesterday", wantVersion: "1.4.0", wantDated: "1.4.0 (yesterday)", wantYMD: "yesterday"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBuildInfo(t, tt.version, tt.date)
			if got := BuildVersion(); got != tt.wantVersion {
				t.Fatalf("BuildVersion() = %q, want %q", got, tt.wantVersion)
			}
			if got := BuildDateYMD(); got != tt.wantYMD {
				t.Fatalf("BuildDateYMD() = %q, want %q", got, tt.wantYMD)
			}
			if got := BuildVersionWithDate(); got != tt.wantDated {
				t.Fatalf("BuildVersionWithDate() = %q, want %q", got, tt.wantDated)
			}
		})
	}
}

func TestUserAgent(t *testing.T) {
	setBuildInfo(t, "2.0.1", "")

	got := UserAgent()
	if !strings.HasPrefix(got, Name+"/2.0.1 ") || !strings.Contains(got, SourceURL) {
		t.Fatalf("UserAgent() = %q", got)
	}
}
