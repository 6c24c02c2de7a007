package diskimage

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	gzip "github.com/klauspost/compress/gzip"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

const defaultDiskSizeMiB = 8192

// Resolver turns an OCI image reference into a cached local raw disk
// file. Pulls are not serialized: Cache's mutex guards only the
// reference index, and the staging file is named from the digest and
// the process id, so concurrent resolutions of one reference within a
// process write to the same staging file.
type Resolver struct {
	cache *Cache
}

func NewResolver(cacheDir string) *Resolver {
	return &Resolver{cache: NewCache(cacheDir)}
}

// Resolve returns the local raw disk file path for imageRef, pulling
// and converting it if not already cached. sizeHintMiB overrides the
// default raw file size when set.
func (r *Resolver) Resolve(ctx context.Context, imageRef string, sizeHintMiB *int) (string, error) {
	if path, _, hit := r.cache.lookup(imageRef); hit {
		return path, nil
	}

	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return "", fmt.Errorf("parse image reference %q: %w", imageRef, err)
	}
	arch := vmArch()
	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithPlatform(v1.Platform{OS: "linux", Architecture: arch}))
	if err != nil {
		return "", fmt.Errorf("pull %s: %w", imageRef, err)
	}
	img, err := selectImage(desc, arch)
	if err != nil {
		return "", err
	}
	digest, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("get digest for %s: %w", imageRef, err)
	}

	finalPath := r.cache.diskPath(digest.String())
	if fileExists(finalPath) {
		r.cache.record(imageRef, digest.String())
		return finalPath, nil
	}

	size := defaultDiskSizeMiB
	if sizeHintMiB != nil {
		size = *sizeHintMiB
	}

	tmpPath := finalPath + fmt.Sprintf(".tmp.%d", os.Getpid())
	if err := convertToRawDisk(img, tmpPath, int64(size)<<20); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("convert %s to raw disk: %w", imageRef, err)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("install cached disk image: %w", err)
	}
	r.cache.record(imageRef, digest.String())
	return finalPath, nil
}

// vmArch mirrors the host-architecture assumption used when pulling
// platform-specific image manifests.
func vmArch() string {
	if runtime.GOOS == "darwin" {
		return "arm64"
	}
	return runtime.GOARCH
}

func selectImage(desc *remote.Descriptor, arch string) (v1.Image, error) {
	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, err := desc.ImageIndex()
		if err != nil {
			return nil, fmt.Errorf("get image index: %w", err)
		}
		manifest, err := idx.IndexManifest()
		if err != nil {
			return nil, fmt.Errorf("get index manifest: %w", err)
		}
		for _, m := range manifest.Manifests {
			if m.Platform != nil && m.Platform.OS == "linux" && m.Platform.Architecture == arch {
				img, err := idx.Image(m.Digest)
				if err != nil {
					return nil, fmt.Errorf("get %s image: %w", arch, err)
				}
				return img, nil
			}
		}
		return nil, fmt.Errorf("no linux/%s variant in image index", arch)
	default:
		img, err := desc.Image()
		if err != nil {
			return nil, fmt.Errorf("get image: %w", err)
		}
		cfg, err := img.ConfigFile()
		if err != nil {
			return nil, fmt.Errorf("get image config: %w", err)
		}
		if cfg.OS != "linux" || cfg.Architecture != arch {
			return nil, fmt.Errorf("image is %s/%s, need linux/%s", cfg.OS, cfg.Architecture, arch)
		}
		return img, nil
	}
}

// convertToRawDisk unpacks every layer into a flat raw file laid out
// as a minimal archive-backed block device: a fixed-size sparse file
// pre-truncated to sizeBytes, with the unpacked rootfs written as a
// tar stream starting at offset 0. This intentionally punts on a real
// filesystem image (ext4/erofs) format; disk resolution only promises
// a local raw disk file, not a specific guest filesystem layout.
func convertToRawDisk(img v1.Image, destPath string, sizeBytes int64) error {
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(sizeBytes); err != nil {
		return err
	}

	tw := tar.NewWriter(f)
	layers, err := img.Layers()
	if err != nil {
		return fmt.Errorf("get layers: %w", err)
	}
	for i, layer := range layers {
		if err := appendLayer(tw, layer); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// appendLayer streams a compressed OCI layer into tw. Whiteout markers
// are not applied: a flat append-only tar stream cannot retroactively
// delete earlier entries, so later layers' whiteout entries are copied
// through like any other entry for the eventual guest-side unpack step
// to honor. Entries whose cleaned name starts with ".." are skipped.
func appendLayer(tw *tar.Writer, layer v1.Layer) error {
	rc, err := layer.Compressed()
	if err != nil {
		return err
	}
	defer rc.Close()
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") {
			continue
		}
		hdr.Name = cleanName
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tw, tr); err != nil {
				return err
			}
		}
	}
	return nil
}
