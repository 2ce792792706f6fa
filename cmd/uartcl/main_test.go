package main

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/uartcl/uartcl/internal/bus"
	"github.com/uartcl/uartcl/internal/config"
	"github.com/uartcl/uartcl/internal/errcode"
)

func parseGlobal(t *testing.T, args ...string) (*pflag.FlagSet, globalFlags) {
	t.Helper()
	var g globalFlags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindGlobalFlags(fs, &g)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	return fs, g
}

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(config.AppConfig) bool
	}{
		{name: "no flags keep config", args: nil, check: func(c config.AppConfig) bool {
			return c == config.Default()
		}},
		{name: "serial port", args: []string{"--port", "/dev/ttyUSB1", "--baud", "9600"}, check: func(c config.AppConfig) bool {
			return c.Connection.Connector == config.ConnectorSerial && c.Connection.SerialPort == "/dev/ttyUSB1" && c.Connection.SerialBaud == 9600
		}},
		{name: "simulator", args: []string{"-p", "sim://"}, check: func(c config.AppConfig) bool {
			return c.Connection.Connector == config.ConnectorSim
		}},
		{name: "tcp bridge", args: []string{"--host", " bridge.lan ", "--tcp-port", "4000"}, check: func(c config.AppConfig) bool {
			return c.Connection.Connector == config.ConnectorTCP && c.Connection.Host == "bridge.lan" && c.Connection.Port == 4000
		}},
		{name: "verbose raises log level", args: []string{"-v"}, check: func(c config.AppConfig) bool {
			return c.Logging.Level == "debug"
		}},
		{name: "explicit level wins over verbose", args: []string{"-v", "--log-level", "warn"}, check: func(c config.AppConfig) bool {
			return c.Logging.Level == "warn"
		}},
		{name: "offline and profile", args: []string{"--offline", "--profile", "sim-64k", "--attempts", "5"}, check: func(c config.AppConfig) bool {
			return c.Translator.Offline && c.Device.Profile == "sim-64k" && c.Session.MaxAttempts == 5
		}},
	}

	for _, tc := range tests {
		fs, g := parseGlobal(t, tc.args...)
		cfg := config.Default()
		applyFlags(fs, g, &cfg)
		if !tc.check(cfg) {
			t.Fatalf("%s: unexpected config %+v", tc.name, cfg)
		}
	}
}

func TestFormatFrame(t *testing.T) {
	out := formatFrame(bus.RawFrame{Hex: "7E01000100000000", Len: 8, Seq: 1, Opcode: 0x01, Attempt: 2})
	if !strings.HasPrefix(out, "-> op=0x01 seq=1 len=8") || !strings.HasSuffix(out, "(attempt 2)") {
		t.Fatalf("unexpected outgoing frame line: %q", out)
	}
	in := formatFrame(bus.RawFrame{Hex: strings.Repeat("AB", 100), Len: 100, Seq: 1, Opcode: 0x81})
	if !strings.HasPrefix(in, "<- op=0x81") || !strings.HasSuffix(in, "...") {
		t.Fatalf("unexpected incoming frame line: %q", in)
	}
}

func TestFormatEntry(t *testing.T) {
	e := errcode.Entry{
		Code:        0x80020001,
		Description: "Flash write protected",
		Severity:    errcode.SeverityFatal,
		Source:      errcode.SourceOffline,
		FetchedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	want := "0x80020001  fatal    Flash write protected  (offline, fetched 2026-03-01)"
	if got := formatEntry(e); got != want {
		t.Fatalf("formatEntry = %q, want %q", got, want)
	}
}

func TestRepairCommandAgainstSimulator(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "cfg"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(t.TempDir(), "cache"))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs([]string{
		"--config", filepath.Join(t.TempDir(), "config.json"),
		"--port", "sim://", "--profile", "sim-64k", "--offline", "--log-level", "error",
		"nor", "repair", "--edition", "digital",
	})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("repair command: %v", err)
	}
	if !strings.Contains(out.String(), "wrote nvs") {
		t.Fatalf("expected an nvs write in output:\n%s", out.String())
	}
}
