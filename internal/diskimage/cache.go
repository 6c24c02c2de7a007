package diskimage

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Cache maps OCI image references to locally resolved raw disk files,
// keyed by content digest so two references to the same digest share
// one cached file. Layout: {cacheDir}/sha256_{digest}.raw, with a
// {cacheDir}/sha256_{digest}.ref sidecar recording the original
// reference string for index rebuilds after a restart.
type Cache struct {
	mu       sync.Mutex
	cacheDir string
	refIndex map[string]string // imageRef -> digest
}

func NewCache(cacheDir string) *Cache {
	return &Cache{cacheDir: cacheDir, refIndex: make(map[string]string)}
}

func (c *Cache) lookup(imageRef string) (path string, digest string, hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.refIndex[imageRef]; ok {
		p := c.diskPath(d)
		if fileExists(p) {
			return p, d, true
		}
		delete(c.refIndex, imageRef)
	}

	if len(c.refIndex) == 0 {
		c.rebuildIndexLocked()
		if d, ok := c.refIndex[imageRef]; ok {
			p := c.diskPath(d)
			if fileExists(p) {
				return p, d, true
			}
		}
	}
	return "", "", false
}

func (c *Cache) record(imageRef, digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refIndex[imageRef] = digest
	refFile := c.diskPath(digest) + ".ref"
	_ = os.WriteFile(refFile, []byte(imageRef), 0644)
}

func (c *Cache) diskPath(digest string) string {
	return filepath.Join(c.cacheDir, digestToDirName(digest)+".raw")
}

func (c *Cache) rebuildIndexLocked() {
	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".ref") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.cacheDir, name))
		if err != nil {
			continue
		}
		digest := strings.Replace(strings.TrimSuffix(name, ".ref"), "_", ":", 1)
		c.refIndex[strings.TrimSpace(string(data))] = digest
	}
}

func digestToDirName(digest string) string {
	return strings.Replace(digest, ":", "_", 1)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// diskIndexEntry and related helpers are retained for future inspection
// tooling (vmctl doctor could enumerate cached images).
type diskIndexEntry struct {
	Ref    string `json:"ref"`
	Digest string `json:"digest"`
}

func (c *Cache) List() ([]diskIndexEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.refIndex) == 0 {
		c.rebuildIndexLocked()
	}
	out := make([]diskIndexEntry, 0, len(c.refIndex))
	for ref, digest := range c.refIndex {
		out = append(out, diskIndexEntry{Ref: ref, Digest: digest})
	}
	return out, nil
}

