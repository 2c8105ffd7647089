package uploads

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/declarest/declarest/pkg/errors"
)

// maxFilenameLength bounds the NFC-normalized filename.
const maxFilenameLength = 150

// Windows reserved device names, refused regardless of extension.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// invalidChars are refused in filenames: path separators, the drive
// separator, and characters invalid on common platforms.
const invalidChars = `/\:<>"|?*`

// zero-width and BOM runes that smuggle past visual review.
var zeroWidthRunes = map[rune]bool{
	'\u200b': true, // zero width space
	'\u200c': true, // zero width non-joiner
	'\u200d': true, // zero width joiner
	'\u2060': true, // word joiner
	'\ufeff': true, // byte order mark
}

// SanitizeFilename validates a client-supplied filename and returns its
// NFC-normalized form. The rules guard against path traversal, platform
// reserved names and invisible characters.
func SanitizeFilename(name string) (string, error) {
	normalized := norm.NFC.String(strings.TrimSpace(name))

	if normalized == "" {
		return "", errors.NewValidationError("file name is empty", nil)
	}
	if len([]rune(normalized)) > maxFilenameLength {
		return "", errors.NewValidationError("file name exceeds maximum length", nil)
	}
	if strings.Trim(normalized, ".") == "" {
		return "", errors.NewValidationError("file name consists only of dots", nil)
	}
	if strings.HasPrefix(normalized, "-") {
		return "", errors.NewValidationError("file name must not start with a hyphen", nil)
	}

	for _, r := range normalized {
		if unicode.IsControl(r) || zeroWidthRunes[r] {
			return "", errors.NewValidationError("file name contains invisible characters", nil)
		}
		if strings.ContainsRune(invalidChars, r) {
			return "", errors.NewValidationError("file name contains invalid characters", nil)
		}
	}

	base := strings.ToUpper(normalized)
	if dot := strings.IndexByte(base, '.'); dot > 0 {
		base = base[:dot]
	}
	if reservedNames[base] {
		return "", errors.NewValidationError("file name is a reserved device name", nil)
	}

	// Traversal guard: resolving the name against a notional base must not
	// escape it.
	const notionalBase = "/uploads"
	resolved := filepath.Clean(filepath.Join(notionalBase, normalized))
	if resolved == notionalBase || !strings.HasPrefix(resolved, notionalBase+string(filepath.Separator)) {
		return "", errors.NewValidationError("file name escapes its base path", nil)
	}

	return normalized, nil
}
