package filestore

import (
	"context"
	"fmt"
	"os"

	"github.com/declarest/declarest/pkg/errors"
	"github.com/declarest/declarest/pkg/logger"
	"github.com/declarest/declarest/pkg/uploads"
)

// Committer copies staged temp files to every resolved store, with
// rollback of already-written stores when a mandatory store fails.
type Committer struct{}

// NewCommitter returns a committer.
func NewCommitter() *Committer {
	return &Committer{}
}

// Commit writes every staged file to every store, in store order. A store
// counts as successful only after all of its files are written.
//
// Failure handling:
//   - an existing destination with overwrite disabled aborts with a
//     conflict error and rolls back successful stores;
//   - a write failure on a mandatory store aborts and rolls back;
//   - a failure on an optional store is logged and skipped, and that store
//     is not rolled back later.
func (c *Committer) Commit(ctx context.Context, files []uploads.StagedFile, stores []Store, overwrite bool) error {
	var committed []Store

	for _, store := range stores {
		err := c.commitToStore(ctx, store, files, overwrite)
		if err == nil {
			committed = append(committed, store)
			continue
		}

		if store.Optional() && !errors.IsConflict(err) {
			logger.Warnw("optional file store failed, continuing",
				"store", store.Name(), "error", err)
			continue
		}

		c.rollback(ctx, committed, files)
		if errors.IsConflict(err) {
			return err
		}
		return errors.NewInternalError(
			fmt.Sprintf("failed to commit files to store %s", store.Name()), err)
	}

	return nil
}

func (c *Committer) commitToStore(ctx context.Context, store Store, files []uploads.StagedFile, overwrite bool) error {
	for _, f := range files {
		if !overwrite {
			exists, err := store.Exists(ctx, f.RelativePath)
			if err != nil {
				return err
			}
			if exists {
				return errors.NewConflictError(
					fmt.Sprintf("file %s already exists in store %s", f.RelativePath, store.Name()), nil)
			}
		}

		if err := c.copyFile(ctx, store, f); err != nil {
			return err
		}
	}
	return nil
}

func (c *Committer) copyFile(ctx context.Context, store Store, f uploads.StagedFile) error {
	src, err := os.Open(f.TempPath) // #nosec G304 - temp paths are produced by the stager
	if err != nil {
		return fmt.Errorf("failed to open staged file %s: %w", f.LogicalName, err)
	}
	defer src.Close()

	return store.Write(ctx, f.RelativePath, src)
}

// rollback removes the files from stores that already committed. Removal
// targets the filename under the store's base path; failures are logged
// and never surfaced.
func (c *Committer) rollback(ctx context.Context, committed []Store, files []uploads.StagedFile) {
	for _, store := range committed {
		for _, f := range files {
			if err := store.Delete(ctx, f.LogicalName); err != nil {
				logger.Warnw("rollback delete failed",
					"store", store.Name(), "file", f.LogicalName, "error", err)
			}
		}
	}
}
