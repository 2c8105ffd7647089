package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/errors"
	"github.com/declarest/declarest/pkg/uploads"
)

func stageFile(t *testing.T, name, content string) uploads.StagedFile {
	t.Helper()

	tmp, err := os.CreateTemp(t.TempDir(), "staged-*")
	require.NoError(t, err)
	_, err = tmp.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	return uploads.StagedFile{
		TempPath:     tmp.Name(),
		LogicalName:  name,
		RelativePath: "2026/08/24/" + name,
	}
}

func TestCommitWritesEveryStore(t *testing.T) {
	t.Parallel()

	baseA, baseB := t.TempDir(), t.TempDir()
	stores := []Store{
		newLocalStore("a", config.LocalStore{BasePath: baseA}),
		newLocalStore("b", config.LocalStore{BasePath: baseB}),
	}
	files := []uploads.StagedFile{stageFile(t, "report.pdf", "content")}

	require.NoError(t, NewCommitter().Commit(context.Background(), files, stores, false))

	for _, base := range []string{baseA, baseB} {
		got, err := os.ReadFile(filepath.Join(base, "2026/08/24/report.pdf"))
		require.NoError(t, err)
		assert.Equal(t, "content", string(got))
	}
}

func TestCommitRefusesOverwrite(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	dest := filepath.Join(base, "2026/08/24/report.pdf")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o750))
	require.NoError(t, os.WriteFile(dest, []byte("existing"), 0o600))

	stores := []Store{newLocalStore("a", config.LocalStore{BasePath: base})}
	files := []uploads.StagedFile{stageFile(t, "report.pdf", "new content")}

	err := NewCommitter().Commit(context.Background(), files, stores, false)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	// The existing file is untouched.
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "existing", string(got))
}

func TestCommitOverwriteAllowed(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	dest := filepath.Join(base, "2026/08/24/report.pdf")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o750))
	require.NoError(t, os.WriteFile(dest, []byte("existing"), 0o600))

	stores := []Store{newLocalStore("a", config.LocalStore{BasePath: base})}
	files := []uploads.StagedFile{stageFile(t, "report.pdf", "new content")}

	require.NoError(t, NewCommitter().Commit(context.Background(), files, stores, true))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "new content", string(got))
}

// failingStore fails every write, for rollback tests.
type failingStore struct {
	name     string
	optional bool
}

func (s *failingStore) Name() string   { return s.name }
func (s *failingStore) Optional() bool { return s.optional }
func (s *failingStore) Exists(context.Context, string) (bool, error) {
	return false, nil
}
func (s *failingStore) Write(context.Context, string, io.Reader) error {
	return fmt.Errorf("disk full")
}
func (s *failingStore) Delete(context.Context, string) error { return nil }
func (s *failingStore) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, os.ErrNotExist
}

func TestCommitRollsBackOnMandatoryFailure(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	stores := []Store{
		newLocalStore("good", config.LocalStore{BasePath: base}),
		&failingStore{name: "bad"},
	}
	files := []uploads.StagedFile{stageFile(t, "report.pdf", "content")}

	err := NewCommitter().Commit(context.Background(), files, stores, false)
	require.Error(t, err)

	// Rollback removes the filename joined to the base path.
	_, statErr := os.Stat(filepath.Join(base, "report.pdf"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCommitOptionalFailureContinues(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	stores := []Store{
		&failingStore{name: "mirror", optional: true},
		newLocalStore("primary", config.LocalStore{BasePath: base}),
	}
	files := []uploads.StagedFile{stageFile(t, "report.pdf", "content")}

	require.NoError(t, NewCommitter().Commit(context.Background(), files, stores, false))

	_, err := os.Stat(filepath.Join(base, "2026/08/24/report.pdf"))
	require.NoError(t, err)
}

func TestPoolResolve(t *testing.T) {
	t.Parallel()

	pool := NewPool(config.FileManagement{
		LocalStores: map[string]config.LocalStore{
			"archive": {BasePath: t.TempDir()},
		},
		SFTPStores: map[string]config.SFTPStore{
			"mirror": {Host: "backup.internal", Port: 22, Username: "u", Password: "p"},
		},
	})

	stores, closer, err := pool.Resolve("archive, mirror")
	require.NoError(t, err)
	defer closer()
	require.Len(t, stores, 2)
	assert.Equal(t, "archive", stores[0].Name())
	assert.Equal(t, "mirror", stores[1].Name())

	_, _, err = pool.Resolve("unknown")
	require.Error(t, err)

	_, _, err = pool.Resolve("")
	require.Error(t, err)
}
