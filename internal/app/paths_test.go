package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePaths_ResolvesConfigAndCacheDirectories(t *testing.T) {
	configHome := filepath.Join(t.TempDir(), "cfg")
	cacheHome := filepath.Join(t.TempDir(), "cache")
	t.Setenv("XDG_CONFIG_HOME", configHome)
	t.Setenv("XDG_CACHE_HOME", cacheHome)

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}

	if paths.RootDir != filepath.Join(configHome, Name) {
		t.Fatalf("unexpected root dir: %q", paths.RootDir)
	}
	if paths.DBFile != filepath.Join(configHome, Name, DBFilename) {
		t.Fatalf("unexpected db file: %q", paths.DBFile)
	}
	if paths.CacheDir != filepath.Join(cacheHome, Name) {
		t.Fatalf("unexpected cache dir: %q", paths.CacheDir)
	}
	if _, err := os.Stat(paths.CacheDir); err != nil {
		t.Fatalf("expected cache directory to exist: %v", err)
	}
}

func TestPathsCachePath(t *testing.T) {
	p := Paths{CacheDir: "/var/cache/uartcl"}
	if got := p.CachePath("errcodes.json"); got != filepath.Join("/var/cache/uartcl", "errcodes.json") {
		t.Fatalf("unexpected relative resolution: %q", got)
	}
	if got := p.CachePath("/tmp/codes.json"); got != "/tmp/codes.json" {
		t.Fatalf("absolute path must be kept: %q", got)
	}
}
