package dbquery

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/filestore"
)

func newTestStreamer(t *testing.T) (*FileStreamer, string) {
	t.Helper()

	base := t.TempDir()
	pool := filestore.NewPool(config.FileManagement{
		LocalStores: map[string]config.LocalStore{
			"archive": {BasePath: base},
		},
	})
	return NewFileStreamer(pool), base
}

func TestServeInlineBase64(t *testing.T) {
	t.Parallel()

	streamer, _ := newTestStreamer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/files/1", nil)

	row := Row{
		"file_name":      "hello.txt",
		"base64_content": base64.StdEncoding.EncodeToString([]byte("hello world")),
		"content_type":   "text/plain",
	}
	require.NoError(t, streamer.Serve(w, r, row, ""))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="hello.txt"`, w.Header().Get("Content-Disposition"))
}

func TestServeFromStore(t *testing.T) {
	t.Parallel()

	streamer, base := newTestStreamer(t)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "2026/01"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(base, "2026/01/doc.pdf"), []byte("%PDF-1.7 fake"), 0o600))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/files/2", nil)

	row := Row{"file_name": "doc.pdf", "relative_path": "2026/01/doc.pdf"}
	require.NoError(t, streamer.Serve(w, r, row, "archive"))

	assert.Equal(t, "%PDF-1.7 fake", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "pdf")
}

func TestServeFromStoreRequiresStoreName(t *testing.T) {
	t.Parallel()

	streamer, _ := newTestStreamer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/files/2", nil)

	err := streamer.Serve(w, r, Row{"file_name": "doc.pdf", "relative_path": "x/doc.pdf"}, "")
	require.Error(t, err)
}

func TestServeFromHTTP(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	t.Cleanup(upstream.Close)

	streamer, _ := newTestStreamer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/files/3", nil)

	row := Row{"file_name": "logo.png", "http": upstream.URL + "/logo.png"}
	require.NoError(t, streamer.Serve(w, r, row, ""))

	assert.Equal(t, "png-bytes", w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
}

func TestServeSourcePriority(t *testing.T) {
	t.Parallel()

	// base64_content wins over relative_path and http.
	streamer, _ := newTestStreamer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/files/4", nil)

	row := Row{
		"file_name":      "a.txt",
		"base64_content": base64.StdEncoding.EncodeToString([]byte("inline")),
		"relative_path":  "nope/a.txt",
		"http":           "http://127.0.0.1:1/unreachable",
		"content_type":   "text/plain",
	}
	require.NoError(t, streamer.Serve(w, r, row, "archive"))
	assert.Equal(t, "inline", w.Body.String())
}

func TestServeNoSource(t *testing.T) {
	t.Parallel()

	streamer, _ := newTestStreamer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/files/5", nil)

	require.Error(t, streamer.Serve(w, r, Row{"file_name": "a.txt"}, ""))
	require.Error(t, streamer.Serve(w, r, nil, ""))
}
