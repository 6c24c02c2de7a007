package diskimage

import (
	"os"
	"testing"
)

func TestLooksLikeImageRef(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"", false},
		{"/var/lib/gaovm/disk.raw", false},
		{"./disk.raw", false},
		{"../disk.raw", false},
		{"disk.raw", false},
		{"docker.io/library/alpine:3.19", true},
		{"alpine:3.19", true},
		{"ghcr.io/org/image@sha256:abcd", true},
		{"library/alpine", true},
	}
	for _, c := range cases {
		if got := LooksLikeImageRef(c.path); got != c.want {
			t.Errorf("LooksLikeImageRef(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestCacheLookupMissWhenEmpty(t *testing.T) {
	c := NewCache(t.TempDir())
	if _, _, hit := c.lookup("docker.io/library/alpine:3.19"); hit {
		t.Fatal("expected cache miss on empty cache")
	}
}

func TestCacheRecordAndRebuild(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir)
	digest := "sha256:deadbeef"
	path := c.diskPath(digest)
	if err := os.WriteFile(path, []byte{}, 0600); err != nil {
		t.Fatal(err)
	}
	c.record("docker.io/library/alpine:3.19", digest)

	c2 := NewCache(dir)
	got, gotDigest, hit := c2.lookup("docker.io/library/alpine:3.19")
	if !hit {
		t.Fatal("expected cache hit after rebuild from disk")
	}
	if got != path || gotDigest != digest {
		t.Fatalf("got (%s, %s), want (%s, %s)", got, gotDigest, path, digest)
	}
}
