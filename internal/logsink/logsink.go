// Package logsink provides a rotating, level-tagged append-only log
// file used by both the daemon and the output captured from the driver
// child. It rotates at a fixed size threshold and keeps a bounded
// number of prior generations.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// MaxSizeBytes is the live-file size threshold that triggers
	// rotation.
	MaxSizeBytes = 10 * 1024 * 1024
	// Generations is how many rotated files are retained (.1..N); the
	// oldest is dropped on the next rotation.
	Generations = 3
)

// Sink is an io.Writer-compatible append-only rotating log file. All
// methods are safe for concurrent use; writes are serialized internally
// so concurrent callers never interleave bytes mid-line.
type Sink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

// Open creates (or appends to) the log file at path, creating its
// parent directory if needed.
func Open(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	return &Sink{path: path, f: f, size: info.Size()}, nil
}

// Write implements io.Writer so a Sink can back a standard log.Logger
// directly. It does not itself add a level tag; use Logf for that.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.f.Write(p)
	s.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("write log: %w", err)
	}
	if s.size >= MaxSizeBytes {
		if rerr := s.rotateLocked(); rerr != nil {
			return n, rerr
		}
	}
	return n, nil
}

// Logf appends one level-tagged line: "TIMESTAMP LEVEL message\n".
func (s *Sink) Logf(level, format string, args ...interface{}) {
	line := fmt.Sprintf("%s %s %s\n", time.Now().UTC().Format(time.RFC3339), level, fmt.Sprintf(format, args...))
	s.Write([]byte(line))
}

// rotateLocked shifts .N -> .N+1 (dropping the oldest), renames the
// live file to .1, and opens a fresh live file. Caller holds s.mu.
func (s *Sink) rotateLocked() error {
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close log file before rotation: %w", err)
	}

	oldest := fmt.Sprintf("%s.%d", s.path, Generations)
	os.Remove(oldest)
	for n := Generations - 1; n >= 1; n-- {
		src := fmt.Sprintf("%s.%d", s.path, n)
		dst := fmt.Sprintf("%s.%d", s.path, n+1)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}
	if err := os.Rename(s.path, s.path+".1"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate log file: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("reopen log file after rotation: %w", err)
	}
	s.f = f
	s.size = 0
	return nil
}

// Close closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
