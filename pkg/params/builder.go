package params

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/errors"
)

// Normalized request content types.
const (
	ContentTypeJSON      = "application/json"
	ContentTypeForm      = "application/x-www-form-urlencoded"
	ContentTypeMultipart = "multipart/form-data"
)

// maxFormMemory bounds the in-memory portion of multipart parsing; larger
// file parts spill to disk.
const maxFormMemory = 32 << 20

// FilesProcessor stages uploaded files referenced by the route's files data
// field and returns the rewritten JSON array that replaces the incoming
// value. Implemented by pkg/uploads.
type FilesProcessor interface {
	ProcessJSON(field json.RawMessage) (json.RawMessage, error)
	ProcessMultipart(files []*multipart.FileHeader) (json.RawMessage, error)
}

// Request carries everything the builder needs from the pipeline.
type Request struct {
	HTTP        *http.Request
	ContentType string
	RouteParams map[string]any
	Claims      map[string]any
	Section     *config.RegexOverrides
	Global      config.RegexOverrides
	Vars        map[string]any

	// FilesDataField names the body field holding upload descriptors;
	// empty disables file processing.
	FilesDataField string
	Files          FilesProcessor
}

// Build materializes the parameter bundle for a request. Groups are appended
// in priority order: headers first, then JSON body, form body, query string,
// auth claims, route bindings and settings variables; later groups win for
// the generic marker namespace. The request body is buffered before parsing
// and re-readable afterwards.
func Build(req Request) (*Bundle, *PatternSet, error) {
	patterns, err := ResolvePatterns(req.Section, req.Global)
	if err != nil {
		return nil, nil, errors.NewConfigError("invalid parameter pattern", err)
	}

	bundle := &Bundle{}

	bundle.Append(SourceHeader, patterns.Pattern(SourceHeader), headerModel(req.HTTP))

	jsonModel, err := jsonBodyModel(req)
	if err != nil {
		return nil, nil, err
	}
	bundle.Append(SourceJSON, patterns.Pattern(SourceJSON), jsonModel)

	formModel, err := formBodyModel(req)
	if err != nil {
		return nil, nil, err
	}
	bundle.Append(SourceForm, patterns.Pattern(SourceForm), formModel)

	bundle.Append(SourceQueryString, patterns.Pattern(SourceQueryString), queryModel(req.HTTP))
	bundle.Append(SourceAuth, patterns.Pattern(SourceAuth), req.Claims)
	bundle.Append(SourceRoute, patterns.Pattern(SourceRoute), req.RouteParams)
	bundle.Append(SourceSettings, patterns.Pattern(SourceSettings), req.Vars)

	return bundle, patterns, nil
}

// BufferBody reads the request body into memory and resets it so downstream
// stages see the same bytes. Calling it again after a parse restores the
// stream position.
func BufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}
	_ = r.Body.Close()
	ResetBody(r, buf)
	return buf, nil
}

// ResetBody rewinds the request body to the start of the buffered bytes.
func ResetBody(r *http.Request, buf []byte) {
	r.Body = io.NopCloser(bytes.NewReader(buf))
	r.ContentLength = int64(len(buf))
}

func headerModel(r *http.Request) map[string]any {
	if len(r.Header) == 0 {
		return nil
	}
	model := make(map[string]any, len(r.Header))
	for name, values := range r.Header {
		model[name] = strings.Join(values, "|")
	}
	return model
}

func queryModel(r *http.Request) map[string]any {
	values := r.URL.Query()
	if len(values) == 0 {
		return nil
	}
	model := make(map[string]any, len(values))
	for name, vals := range values {
		model[name] = strings.Join(vals, "|")
	}
	return model
}

func jsonBodyModel(req Request) (map[string]any, error) {
	if req.ContentType != ContentTypeJSON {
		return nil, nil
	}

	buf, err := BufferBody(req.HTTP)
	if err != nil {
		return nil, errors.NewValidationError("unreadable request body", err)
	}
	defer ResetBody(req.HTTP, buf)

	if len(bytes.TrimSpace(buf)) == 0 {
		return nil, nil
	}

	var model map[string]any
	if err := json.Unmarshal(buf, &model); err != nil {
		return nil, errors.NewValidationError("malformed JSON body", err)
	}

	if req.FilesDataField != "" && req.Files != nil {
		if raw, ok := model[req.FilesDataField]; ok {
			encoded, err := json.Marshal(raw)
			if err != nil {
				return nil, errors.NewValidationError("malformed files field", err)
			}
			rewritten, err := req.Files.ProcessJSON(encoded)
			if err != nil {
				return nil, err
			}
			var replacement any
			if err := json.Unmarshal(rewritten, &replacement); err != nil {
				return nil, errors.NewInternalError("invalid rewritten files field", err)
			}
			model[req.FilesDataField] = replacement
		}
	}

	return model, nil
}

func formBodyModel(req Request) (map[string]any, error) {
	r := req.HTTP

	switch req.ContentType {
	case ContentTypeForm:
		buf, err := BufferBody(r)
		if err != nil {
			return nil, errors.NewValidationError("unreadable request body", err)
		}
		defer ResetBody(r, buf)

		if err := r.ParseForm(); err != nil {
			return nil, errors.NewValidationError("malformed form body", err)
		}
		if len(r.PostForm) == 0 {
			return nil, nil
		}
		model := make(map[string]any, len(r.PostForm))
		for name, vals := range r.PostForm {
			model[name] = strings.Join(vals, "|")
		}
		return model, nil

	case ContentTypeMultipart:
		buf, err := BufferBody(r)
		if err != nil {
			return nil, errors.NewValidationError("unreadable request body", err)
		}
		defer ResetBody(r, buf)

		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			return nil, errors.NewValidationError("malformed multipart body", err)
		}

		form := r.MultipartForm
		model := map[string]any{}
		for name, vals := range form.Value {
			model[name] = strings.Join(vals, "|")
		}

		if req.FilesDataField != "" && req.Files != nil {
			// The files field may arrive as a JSON array form value (partial
			// updates) or as actual file parts.
			var rewritten json.RawMessage
			if vals := form.Value[req.FilesDataField]; len(vals) > 0 {
				rewritten, err = req.Files.ProcessJSON(json.RawMessage(vals[0]))
			} else if files := form.File[req.FilesDataField]; len(files) > 0 {
				rewritten, err = req.Files.ProcessMultipart(files)
			}
			if err != nil {
				return nil, err
			}
			if rewritten != nil {
				var replacement any
				if err := json.Unmarshal(rewritten, &replacement); err != nil {
					return nil, errors.NewInternalError("invalid rewritten files field", err)
				}
				model[req.FilesDataField] = replacement
			}
		}

		if len(model) == 0 {
			return nil, nil
		}
		return model, nil
	}

	return nil, nil
}
