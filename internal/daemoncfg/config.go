// Package daemoncfg holds the daemon's own runtime configuration —
// paths, binaries, and backend selection — distinct from the per-VM
// configuration owned by internal/vmconfig.
package daemoncfg

import (
	"os"
	"os/exec"
	"path/filepath"
)

// Config holds gaovm daemon runtime configuration.
type Config struct {
	// StateDir is the base directory for all persisted daemon and VM state.
	StateDir string

	// SocketPath is the unix socket path the daemon listens on for
	// client (vmctl) connections.
	SocketPath string

	// DriverBin is the path to the vmdriver binary.
	DriverBin string

	// ImageCacheDir is the directory for cached disk images resolved
	// from OCI image references.
	ImageCacheDir string

	// AuditDBPath is the path to the audit log's SQLite database.
	AuditDBPath string

	// LogDir is the directory for daemon and driver log files.
	LogDir string

	// NetworkBackend selects the data-plane networking implementation
	// for network.mode == "shared". "gvisor-tap-vsock" is the only
	// backend today; "disabled" turns off shared networking support.
	NetworkBackend string
}

// DefaultConfig returns the default configuration rooted under the
// user's home directory.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".gaovm")
	execDir := executableDir()

	return &Config{
		StateDir:       base,
		SocketPath:     filepath.Join(base, "daemon.sock"),
		DriverBin:      FindBinary("vmdriver", execDir),
		ImageCacheDir:  filepath.Join(base, "cache", "images"),
		AuditDBPath:    filepath.Join(base, "logs", "audit.db"),
		LogDir:         filepath.Join(base, "logs"),
		NetworkBackend: "gvisor-tap-vsock",
	}
}

// EnsureDirs creates all directories the daemon needs before it can run.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.StateDir,
		filepath.Dir(c.SocketPath),
		c.ImageCacheDir,
		filepath.Dir(c.AuditDBPath),
		c.LogDir,
		filepath.Join(c.StateDir, "run"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// FindBinary locates a binary by name: PATH first, then the directory
// of the currently running executable.
func FindBinary(name string, binDir string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}
	return ""
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
