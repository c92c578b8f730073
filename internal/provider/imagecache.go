package provider

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// imageExt and kernelExt are the on-disk conventions a cached base image
// uses: <name>.qcow2 for the disk and, optionally, <name>.vmlinux for a
// pinned kernel/init artifact associated with that image.
const (
	imageExt  = ".qcow2"
	kernelExt = ".vmlinux"
)

// ImageInfo describes one cached base image available to the provider.
type ImageInfo struct {
	Name      string
	Path      string
	SizeMB    int64
	HasKernel bool
}

// Store inspects a local directory of cached provider base images,
// resolving image names to disk-image and optional kernel paths. The
// provider adapter's CreateSessionSandbox and RestoreFromSnapshot do not
// consult it; the run command lists the cache contents at startup.
type Store struct {
	baseDir string
	logger  *slog.Logger
}

// NewStore opens (creating if necessary) the base image cache directory.
func NewStore(baseDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("imagecache: create base dir %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir, logger: logger}, nil
}

// BaseDir returns the directory this store inspects.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// List returns every cached image, with kernel presence and size metadata.
func (s *Store) List() ([]ImageInfo, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("imagecache: read %s: %w", s.baseDir, err)
	}

	var images []ImageInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), imageExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), imageExt)
		path := filepath.Join(s.baseDir, e.Name())

		info, err := e.Info()
		if err != nil {
			s.logger.Warn("imagecache: stat failed, skipping", "file", e.Name(), "error", err)
			continue
		}

		_, kernelErr := os.Stat(filepath.Join(s.baseDir, name+kernelExt))

		images = append(images, ImageInfo{
			Name:      name,
			Path:      path,
			SizeMB:    info.Size() / (1024 * 1024),
			HasKernel: kernelErr == nil,
		})
	}

	return images, nil
}

// ListNames returns just the cached image names, for validating a
// caller-supplied image name against what's actually on disk.
func (s *Store) ListNames() ([]string, error) {
	images, err := s.List()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(images))
	for _, img := range images {
		names = append(names, img.Name)
	}
	return names, nil
}

// GetImagePath resolves a cached image name to its disk path.
func (s *Store) GetImagePath(name string) (string, error) {
	path := filepath.Join(s.baseDir, name+imageExt)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("imagecache: image %q not found in %s", name, s.baseDir)
	}
	return path, nil
}

// GetKernelPath resolves the kernel/init artifact pinned to a cached image,
// trying the direct by-convention path first and falling back to a manual
// directory scan for a same-named file under an alternate extension (a
// kernel artifact occasionally gets re-extracted under .vmlinuz instead of
// .vmlinux by an upstream tool).
func (s *Store) GetKernelPath(name string) (string, error) {
	direct := filepath.Join(s.baseDir, name+kernelExt)
	if _, err := os.Stat(direct); err == nil {
		return direct, nil
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("imagecache: kernel for %q not found: %w", name, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())) == name && strings.HasPrefix(filepath.Ext(e.Name()), ".vmlinu") {
			return filepath.Join(s.baseDir, e.Name()), nil
		}
	}

	return "", fmt.Errorf("imagecache: kernel for %q not found in %s", name, s.baseDir)
}

// HasImage reports whether a cached image with this name exists.
func (s *Store) HasImage(name string) bool {
	_, err := os.Stat(filepath.Join(s.baseDir, name+imageExt))
	return err == nil
}
