// Package diskimage resolves OCI image references into local raw disk
// files suitable for the disk.path field of a VM config.
package diskimage

import "strings"

// LooksLikeImageRef classifies a disk.path value as an OCI image
// reference rather than a filesystem path. A value is treated as a
// path, never a reference, if it is empty, starts with "/" or "./" or
// "../", or contains a backslash. Any other value is a reference if it
// contains a "/", a ":" or an "@"; a bare name with none of these (such
// as "disk.raw") is a path. A relative path such as "images/disk.raw"
// therefore classifies as a reference.
func LooksLikeImageRef(path string) bool {
	if path == "" {
		return false
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "./") || strings.HasPrefix(path, "../") {
		return false
	}
	if strings.ContainsAny(path, "\\") {
		return false
	}
	// Anything without at least one '/' and no recognizable tag/digest
	// marker is almost certainly a bare relative filename, not a ref.
	if !strings.Contains(path, "/") && !strings.Contains(path, ":") && !strings.Contains(path, "@") {
		return false
	}
	return true
}
