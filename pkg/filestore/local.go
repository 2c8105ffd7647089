package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/declarest/declarest/pkg/config"
)

// copyBufferSize is the buffer used for store copies.
const copyBufferSize = 128 * 1024

type localStore struct {
	name     string
	basePath string
	optional bool
}

func newLocalStore(name string, cfg config.LocalStore) *localStore {
	return &localStore{name: name, basePath: cfg.BasePath, optional: cfg.Optional}
}

func (s *localStore) Name() string   { return s.name }
func (s *localStore) Optional() bool { return s.optional }

func (s *localStore) path(relPath string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(relPath))
}

func (s *localStore) Exists(_ context.Context, relPath string) (bool, error) {
	_, err := os.Stat(s.path(relPath))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *localStore) Write(ctx context.Context, relPath string, content io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dest := s.path(relPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	f, err := os.Create(dest) // #nosec G304 - dest derives from validated filenames
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(f, content, buf); err != nil {
		return fmt.Errorf("failed to write destination file: %w", err)
	}
	return nil
}

func (s *localStore) Delete(_ context.Context, relPath string) error {
	err := os.Remove(s.path(relPath))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *localStore) Open(_ context.Context, relPath string) (io.ReadCloser, error) {
	return os.Open(s.path(relPath)) // #nosec G304 - relPath comes from trusted query results
}
