// Package atomicfile writes JSON documents so readers never observe a
// partial file: stage to a temp path alongside the target, flush,
// close, rename over the target, and best-effort fsync the containing
// directory.
package atomicfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

var monotonic int64

// WriteJSON marshals v as pretty-printed JSON and commits it to path
// atomically. On any error before the rename, the temp file is removed
// and the target is left untouched.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')
	return Write(path, data)
}

// Write commits data to path atomically.
func Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	n := atomic.AddInt64(&monotonic, 1)
	tmp := fmt.Sprintf("%s.tmp.%d.%d", path, os.Getpid(), n)

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}

	fsyncDirBestEffort(dir)
	return nil
}

// ReadJSON loads and unmarshals the file at path into v. Returns
// os.ErrNotExist-wrapping error (checkable with os.IsNotExist) when
// absent.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}

// Remove deletes path if present; a missing file is not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// fsyncDirBestEffort opens the directory and fsyncs it so the rename
// itself is durable on filesystems that require it. Failure is
// non-fatal: some platforms/filesystems don't support fsync on
// directories at all.
func fsyncDirBestEffort(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	d.Sync()
}
