package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// FS stores blobs as files in one directory.
type FS struct {
	fs     afero.Fs
	dir    string
	logger *zap.Logger
}

// NewFS creates a directory-backed store. A nil fs selects the OS
// filesystem.
func NewFS(fs afero.Fs, dir string, logger *zap.Logger) (*FS, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir == "" {
		dir = "model-cache"
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	logger.Info("Filesystem model cache initialized", zap.String("dir", dir))
	return &FS{fs: fs, dir: dir, logger: logger}, nil
}

func (s *FS) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) || key != filepath.Base(key) {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

// Get reads the blob stored under key.
func (s *FS) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

// Put writes the blob through a temporary file so readers never observe a
// partial write.
func (s *FS) Put(ctx context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", p, err)
	}
	s.logger.Debug("Blob stored", zap.String("path", p), zap.Int("bytes", len(data)))
	return nil
}

func (s *FS) Close() error { return nil }
