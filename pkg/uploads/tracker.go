// Package uploads stages multipart and base64 file uploads into temp files,
// validates them, and tracks them for commit or cleanup.
package uploads

import (
	"os"
	"sync"

	"github.com/declarest/declarest/pkg/logger"
)

// StagedFile records one upload staged to a temporary location.
type StagedFile struct {
	TempPath     string
	LogicalName  string
	RelativePath string
}

// Tracker owns the staged temp files of one request. Its contract is
// cleanup on any exit path: commit success, error, or cancellation.
type Tracker struct {
	mu    sync.Mutex
	files []StagedFile
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Add registers a staged file.
func (t *Tracker) Add(f StagedFile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = append(t.files, f)
}

// Files returns the staged files in registration order.
func (t *Tracker) Files() []StagedFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StagedFile, len(t.files))
	copy(out, t.files)
	return out
}

// Empty reports whether any files are staged.
func (t *Tracker) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files) == 0
}

// Cleanup deletes every staged temp file. Deletion failures are logged,
// never surfaced.
func (t *Tracker) Cleanup() {
	t.mu.Lock()
	files := t.files
	t.files = nil
	t.mu.Unlock()

	for _, f := range files {
		if err := os.Remove(f.TempPath); err != nil && !os.IsNotExist(err) {
			logger.Warnw("failed to remove temp upload file", "path", f.TempPath, "error", err)
		}
	}
}
