package dbquery

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/declarest/declarest/pkg/errors"
	"github.com/declarest/declarest/pkg/filestore"
	"github.com/declarest/declarest/pkg/networking"
)

// FileStreamer serves response_structure=file rows: the first row names a
// content source and the body is streamed to the caller, never buffered.
type FileStreamer struct {
	pool *filestore.Pool
}

// NewFileStreamer returns a streamer reading store-backed files from pool.
func NewFileStreamer(pool *filestore.Pool) *FileStreamer {
	return &FileStreamer{pool: pool}
}

// Serve streams the file described by row. Content sources are checked in
// priority order: inline base64_content, relative_path against the declared
// store, then an http URL fetched through the gateway. An optional
// content_type column overrides detection.
func (f *FileStreamer) Serve(w http.ResponseWriter, r *http.Request, row Row, storeName string) error {
	if row == nil {
		return errors.NewNotFoundError("no file row returned", nil)
	}

	fileName := stringColumn(row, "file_name")
	if fileName == "" {
		fileName = "download"
	}
	contentType := stringColumn(row, "content_type")

	if content := stringColumn(row, "base64_content"); content != "" {
		reader := base64.NewDecoder(base64.StdEncoding, strings.NewReader(content))
		return f.stream(w, reader, fileName, contentType)
	}

	if relPath := stringColumn(row, "relative_path"); relPath != "" {
		if storeName == "" {
			return errors.NewConfigError("file response requires a store_name for relative paths", nil)
		}
		store, closer, err := f.pool.Lookup(storeName)
		if err != nil {
			return err
		}
		defer closer()

		rc, err := store.Open(r.Context(), relPath)
		if err != nil {
			return errors.NewNotFoundError("file not found in store "+storeName, err)
		}
		defer rc.Close()
		return f.stream(w, rc, fileName, contentType)
	}

	if url := stringColumn(row, "http"); url != "" {
		return f.streamHTTP(w, r, url, fileName, contentType)
	}

	return errors.NewInternalError("file row names no content source", nil)
}

func (f *FileStreamer) streamHTTP(w http.ResponseWriter, r *http.Request, url, fileName, contentType string) error {
	client, err := networking.NewHTTPClientBuilder().Build()
	if err != nil {
		return errors.NewInternalError("failed to build file fetch client", err)
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		return errors.NewConfigError("invalid file url", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.NewUpstreamError("file fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.NewUpstreamError(fmt.Sprintf("file fetch returned HTTP %d", resp.StatusCode), nil)
	}
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	return f.stream(w, resp.Body, fileName, contentType)
}

// stream writes the attachment headers and copies content through. When no
// content type is declared, the leading bytes are sniffed.
func (f *FileStreamer) stream(w http.ResponseWriter, content io.Reader, fileName, contentType string) error {
	if contentType == "" {
		mtype, recycled, err := detectType(content)
		if err != nil {
			return errors.NewInternalError("failed to read file content", err)
		}
		contentType = mtype
		content = recycled
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.WriteHeader(http.StatusOK)

	_, err := io.Copy(w, content)
	return err
}

// detectType sniffs the MIME type from the reader's leading bytes and
// returns a reader that replays them.
func detectType(content io.Reader) (string, io.Reader, error) {
	header := make([]byte, 3072)
	n, err := io.ReadFull(content, header)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", nil, err
	}
	header = header[:n]

	mtype := mimetype.Detect(header)
	return mtype.String(), io.MultiReader(bytes.NewReader(header), content), nil
}

func stringColumn(row Row, name string) string {
	for col, v := range row {
		if !strings.EqualFold(col, name) {
			continue
		}
		switch t := v.(type) {
		case string:
			return t
		case []byte:
			return string(t)
		case nil:
			return ""
		default:
			return fmt.Sprintf("%v", t)
		}
	}
	return ""
}
