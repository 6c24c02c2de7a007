package daemoncfg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigPathsAreRootedUnderStateDir(t *testing.T) {
	cfg := DefaultConfig()
	if filepath.Dir(cfg.SocketPath) != cfg.StateDir {
		t.Errorf("SocketPath %q not rooted under StateDir %q", cfg.SocketPath, cfg.StateDir)
	}
	if cfg.NetworkBackend != "gvisor-tap-vsock" {
		t.Errorf("NetworkBackend = %q, want gvisor-tap-vsock", cfg.NetworkBackend)
	}
}

func TestEnsureDirsCreatesAllPaths(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		StateDir:      filepath.Join(dir, "state"),
		SocketPath:    filepath.Join(dir, "state", "daemon.sock"),
		ImageCacheDir: filepath.Join(dir, "state", "cache", "images"),
		AuditDBPath:   filepath.Join(dir, "state", "logs", "audit.db"),
		LogDir:        filepath.Join(dir, "state", "logs"),
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, d := range []string{cfg.StateDir, cfg.ImageCacheDir, cfg.LogDir, filepath.Join(cfg.StateDir, "run")} {
		if fi, err := statDir(d); err != nil || !fi {
			t.Errorf("expected directory %q to exist", d)
		}
	}
}

func statDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
