package uploads

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/declarest/declarest/pkg/errors"
)

// Settings are the effective upload limits and behaviors for one route
// after route-over-global resolution.
type Settings struct {
	MaxFileSizeInBytes     int64
	MaxNumberOfFiles       int
	PermittedExtensions    []string
	AllowCallerSuppliedIDs bool
	PathTemplate           string

	// QueryConsumption controls whether staged items expose the temp file
	// path to the query chain or keep the inline base64 content.
	QueryConsumption bool
}

// Stager validates and stages the uploads of a single request.
type Stager struct {
	settings Settings
	tempDir  string
	tracker  *Tracker
	now      func() time.Time
}

// NewStager creates a stager writing temp files under tempDir and
// registering them with the request's tracker.
func NewStager(settings Settings, tempDir string, tracker *Tracker) *Stager {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Stager{settings: settings, tempDir: tempDir, tracker: tracker, now: time.Now}
}

// item is the wire shape of one entry in the files data field.
type item struct {
	ID                  string `json:"id,omitempty"`
	FileName            string `json:"file_name"`
	Base64Content       string `json:"base64_content,omitempty"`
	RelativePath        string `json:"relative_path,omitempty"`
	Extension           string `json:"extension,omitempty"`
	MimeType            string `json:"mime_type,omitempty"`
	Size                int64  `json:"size,omitempty"`
	IsNewUpload         bool   `json:"is_new_upload"`
	BackendTempFilePath string `json:"backend_temp_file_path,omitempty"`
	ContentType         string `json:"content_type,omitempty"`
}

// ProcessJSON validates and stages a JSON files array. Entries carrying
// base64 content are decoded in streaming chunks into unique temp files;
// entries without new content are preserved as-is (partial-update
// semantics). The returned array replaces the incoming field value.
func (s *Stager) ProcessJSON(field json.RawMessage) (json.RawMessage, error) {
	var items []item
	if err := json.Unmarshal(field, &items); err != nil {
		return nil, errors.NewValidationError("files field is not an array", err)
	}

	if s.settings.MaxNumberOfFiles > 0 && len(items) > s.settings.MaxNumberOfFiles {
		return nil, errors.NewValidationError(
			fmt.Sprintf("too many files: %d exceeds the limit of %d", len(items), s.settings.MaxNumberOfFiles), nil)
	}

	out := make([]item, 0, len(items))
	for i := range items {
		it := items[i]
		if it.Base64Content == "" {
			// Existing entry, no new content: pass through untouched.
			it.IsNewUpload = false
			out = append(out, it)
			continue
		}

		staged, err := s.stageBase64(it)
		if err != nil {
			return nil, err
		}
		out = append(out, staged)
	}

	return json.Marshal(out)
}

// ProcessMultipart validates and stages multipart file parts, producing the
// same rewritten array shape as ProcessJSON.
func (s *Stager) ProcessMultipart(files []*multipart.FileHeader) (json.RawMessage, error) {
	if s.settings.MaxNumberOfFiles > 0 && len(files) > s.settings.MaxNumberOfFiles {
		return nil, errors.NewValidationError(
			fmt.Sprintf("too many files: %d exceeds the limit of %d", len(files), s.settings.MaxNumberOfFiles), nil)
	}

	out := make([]item, 0, len(files))
	for _, fh := range files {
		name, err := SanitizeFilename(fh.Filename)
		if err != nil {
			return nil, err
		}
		if err := s.checkExtension(name); err != nil {
			return nil, err
		}
		if s.settings.MaxFileSizeInBytes > 0 && fh.Size > s.settings.MaxFileSizeInBytes {
			return nil, errors.NewValidationError("file "+name+" exceeds the maximum size", nil)
		}

		part, err := fh.Open()
		if err != nil {
			return nil, errors.NewValidationError("unreadable file part "+name, err)
		}
		staged, err := s.stageStream(item{FileName: name}, part)
		part.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, staged)
	}

	return json.Marshal(out)
}

func (s *Stager) stageBase64(it item) (item, error) {
	name, err := SanitizeFilename(it.FileName)
	if err != nil {
		return item{}, err
	}
	if err := s.checkExtension(name); err != nil {
		return item{}, err
	}
	it.FileName = name

	decoder := base64.NewDecoder(base64.StdEncoding, strings.NewReader(it.Base64Content))
	staged, err := s.stageStream(it, decoder)
	if err != nil {
		return item{}, err
	}

	if s.settings.QueryConsumption {
		// The chain consumes the temp path; drop the inline copy.
		staged.Base64Content = ""
	}
	return staged, nil
}

// stageStream copies content into a unique temp file, enforcing the size
// limit during the copy, and fills in the staged item's metadata.
func (s *Stager) stageStream(it item, content io.Reader) (item, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(it.FileName)), ".")

	tmp, err := os.CreateTemp(s.tempDir, "declarest-upload-*")
	if err != nil {
		return item{}, errors.NewInternalError("failed to create temp upload file", err)
	}
	defer tmp.Close()

	limit := s.settings.MaxFileSizeInBytes
	var reader io.Reader = content
	if limit > 0 {
		reader = io.LimitReader(content, limit+1)
	}

	size, err := io.Copy(tmp, reader)
	if err != nil {
		os.Remove(tmp.Name())
		return item{}, errors.NewValidationError("failed to decode file content", err)
	}
	if limit > 0 && size > limit {
		os.Remove(tmp.Name())
		return item{}, errors.NewValidationError("file "+it.FileName+" exceeds the maximum size", nil)
	}

	mtype, err := mimetype.DetectFile(tmp.Name())
	mime := "application/octet-stream"
	if err == nil {
		mime = mtype.String()
	}

	if it.ID == "" || !s.settings.AllowCallerSuppliedIDs || uuid.Validate(it.ID) != nil {
		it.ID = uuid.NewString()
	}
	it.Extension = ext
	it.MimeType = mime
	it.Size = size
	it.IsNewUpload = true
	it.RelativePath = s.expandPathTemplate(it)
	if s.settings.QueryConsumption {
		it.BackendTempFilePath = tmp.Name()
	}

	s.tracker.Add(StagedFile{
		TempPath:     tmp.Name(),
		LogicalName:  it.FileName,
		RelativePath: it.RelativePath,
	})

	return it, nil
}

func (s *Stager) checkExtension(name string) error {
	if len(s.settings.PermittedExtensions) == 0 {
		return nil
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	for _, permitted := range s.settings.PermittedExtensions {
		if strings.EqualFold(strings.TrimPrefix(permitted, "."), ext) {
			return nil
		}
	}
	return errors.NewValidationError("file extension ."+ext+" is not permitted", nil)
}

var (
	dateToken = regexp.MustCompile(`\{date\{([^}]*)\}\}`)
	guidToken = regexp.MustCompile(`\{\{guid\}\}`)
	fileToken = regexp.MustCompile(`\{file\{name\}\}`)
)

// expandPathTemplate produces the relative destination path from the
// configured template, substituting {date{fmt}}, {{guid}} and {file{name}}.
func (s *Stager) expandPathTemplate(it item) string {
	tpl := s.settings.PathTemplate
	if tpl == "" {
		tpl = "{date{2006/01/02}}/{{guid}}/{file{name}}"
	}

	expanded := dateToken.ReplaceAllStringFunc(tpl, func(m string) string {
		layout := dateToken.FindStringSubmatch(m)[1]
		return s.now().Format(layout)
	})
	expanded = guidToken.ReplaceAllString(expanded, it.ID)
	expanded = fileToken.ReplaceAllString(expanded, it.FileName)

	return path.Clean(expanded)
}
