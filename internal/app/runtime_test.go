package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/uartcl/uartcl/internal/bus"
	"github.com/uartcl/uartcl/internal/config"
	"github.com/uartcl/uartcl/internal/domain"
	"github.com/uartcl/uartcl/internal/nor"
	"github.com/uartcl/uartcl/internal/profile"
	"github.com/uartcl/uartcl/internal/repair"
	"github.com/uartcl/uartcl/internal/simulator"
)

func newSimRuntime(t *testing.T, mutate func(*config.AppConfig)) *Runtime {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "cfg"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(t.TempDir(), "cache"))

	rt, err := Initialize(context.Background(), Options{
		ConfigPath: filepath.Join(t.TempDir(), "config.json"),
		LogOutput:  io.Discard,
		Override: func(cfg *config.AppConfig) {
			cfg.Connection.Connector = config.ConnectorSim
			cfg.Device.Profile = "sim-64k"
			cfg.Translator.Offline = true
			cfg.Session.AttemptTimeoutMS = 200
			if mutate != nil {
				mutate(cfg)
			}
		},
	})
	if err != nil {
		t.Fatalf("initialize runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })

	return rt
}

func TestRuntimeConnectRepairsSimulatedDevice(t *testing.T) {
	rt := newSimRuntime(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dev, err := rt.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = dev.Close() }()
	if dev.Sim == nil {
		t.Fatalf("expected simulated device")
	}

	version, err := dev.Repair.Connect(ctx)
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	if version != simulator.DefaultVersion {
		t.Fatalf("unexpected bootloader version %q", version)
	}

	if _, _, err := dev.Repair.Repair(ctx, repair.PatchRequest{Edition: "digital"}); err != nil {
		t.Fatalf("repair: %v", err)
	}
	img, err := dev.Repair.LoadImage(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := dev.Repair.Info(img).Edition; got != "digital" {
		t.Fatalf("edition after repair = %q", got)
	}

	history, err := dev.Repair.History(ctx, 5)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Status != domain.RepairStatusCompleted {
		t.Fatalf("unexpected journal: %+v", history)
	}
	if history[0].Target != SimTarget+simulator.DefaultVersion {
		t.Fatalf("unexpected journal target %q", history[0].Target)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, known := rt.CurrentLinkStatus()
		if known && status.State == bus.LinkStateIdle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("link status was not captured: %+v known=%v", status, known)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInitializeToleratesBadErrorCodeCache(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		entries int
	}{
		{name: "bad key", doc: `{"0x80020001":{"description":"Southbridge error","severity":"fatal"},"bogus-key":"x"}`, entries: 1},
		{name: "corrupt document", doc: `{"0x80020001":`, entries: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cachePath := filepath.Join(t.TempDir(), "errcodes.json")
			if err := os.WriteFile(cachePath, []byte(tc.doc), 0o600); err != nil {
				t.Fatalf("write cache: %v", err)
			}
			rt := newSimRuntime(t, func(cfg *config.AppConfig) {
				cfg.Translator.CacheFile = cachePath
			})
			if rt.CodeStore.Len() != tc.entries {
				t.Fatalf("expected %d cached entries, got %d", tc.entries, rt.CodeStore.Len())
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			dev, err := rt.Connect(ctx)
			if err != nil {
				t.Fatalf("connect: %v", err)
			}
			defer func() { _ = dev.Close() }()
			if _, err := dev.Repair.LoadImage(ctx); err != nil {
				t.Fatalf("load image: %v", err)
			}
		})
	}
}

func TestRuntimeWithoutJournal(t *testing.T) {
	rt := newSimRuntime(t, func(cfg *config.AppConfig) { cfg.Journal.Enabled = false })
	if rt.DB != nil || rt.RepairRepo != nil {
		t.Fatalf("journal must not be opened when disabled")
	}
	if err := rt.ClearJournal(); err == nil {
		t.Fatalf("expected clear to fail without a journal")
	}

	dev, err := rt.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = dev.Close() }()
	if _, err := dev.Repair.History(context.Background(), 1); err == nil {
		t.Fatalf("expected history error without a journal")
	}
}

func TestRuntimeConnectValidatesConfig(t *testing.T) {
	rt := newSimRuntime(t, func(cfg *config.AppConfig) {
		cfg.Connection.Connector = config.ConnectorSerial
		cfg.Connection.SerialPort = ""
	})
	if _, err := rt.Connect(context.Background()); err == nil {
		t.Fatalf("expected validation error for serial without port")
	}
	status, known := rt.CurrentLinkStatus()
	if known || status.Channel != "serial" || status.State != bus.LinkStateClosed {
		t.Fatalf("unexpected initial link status: %+v known=%v", status, known)
	}
}

func TestInitializeRejectsUnknownProfile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "cfg"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(t.TempDir(), "cache"))

	_, err := Initialize(context.Background(), Options{
		ConfigPath: filepath.Join(t.TempDir(), "config.json"),
		LogOutput:  io.Discard,
		Override:   func(cfg *config.AppConfig) { cfg.Device.Profile = "no-such-profile" },
	})
	if err == nil {
		t.Fatalf("expected profile error")
	}
}

func TestSimulatedFlashLooksLikeAConsole(t *testing.T) {
	prof, err := profile.Builtin("sim-64k")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	flash, err := SimulatedFlash(prof)
	if err != nil {
		t.Fatalf("simulated flash: %v", err)
	}
	layout, _ := prof.Layout()
	fields, _ := prof.DeviceFields()
	img, err := nor.NewImage(layout, flash)
	if err != nil {
		t.Fatalf("image: %v", err)
	}

	info := nor.ScanInfo(img, fields)
	if info.Edition != "slim" || info.ConsoleSerial != simConsoleSerial || info.MoboSerial != simMoboSerial {
		t.Fatalf("unexpected info: %+v", info)
	}
	for _, cs := range img.Checksums() {
		if !cs.Valid() {
			t.Fatalf("checksum of %s is invalid", cs.Region)
		}
	}
}

func TestConnectionTarget(t *testing.T) {
	tests := []struct {
		cfg  config.ConnectionConfig
		want string
	}{
		{cfg: config.ConnectionConfig{Connector: config.ConnectorSerial, SerialPort: " /dev/ttyUSB0 "}, want: "/dev/ttyUSB0"},
		{cfg: config.ConnectionConfig{Connector: config.ConnectorTCP, Host: "bridge", Port: 2000}, want: "bridge:2000"},
		{cfg: config.ConnectionConfig{Connector: config.ConnectorTCP}, want: ""},
		{cfg: config.ConnectionConfig{Connector: config.ConnectorSim}, want: SimTarget},
		{cfg: config.ConnectionConfig{Connector: "usb"}, want: ""},
	}
	for _, tc := range tests {
		if got := ConnectionTarget(tc.cfg); got != tc.want {
			t.Fatalf("ConnectionTarget(%+v) = %q, want %q", tc.cfg, got, tc.want)
		}
	}
}
