package uploads

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain name", input: "report.pdf", want: "report.pdf"},
		{name: "trims whitespace", input: "  report.pdf  ", want: "report.pdf"},
		{name: "unicode kept after normalization", input: "résumé.pdf", want: "résumé.pdf"},
		{name: "empty", input: "", wantErr: true},
		{name: "whitespace only", input: "   ", wantErr: true},
		{name: "too long", input: strings.Repeat("a", 151) + ".pdf", wantErr: true},
		{name: "dots only", input: "...", wantErr: true},
		{name: "traversal", input: "..", wantErr: true},
		{name: "leading hyphen", input: "-rf.pdf", wantErr: true},
		{name: "forward slash", input: "a/b.pdf", wantErr: true},
		{name: "backslash", input: `a\b.pdf`, wantErr: true},
		{name: "drive colon", input: "c:evil.pdf", wantErr: true},
		{name: "wildcard", input: "a*.pdf", wantErr: true},
		{name: "control char", input: "a\x00b.pdf", wantErr: true},
		{name: "zero width space", input: "a\u200bb.pdf", wantErr: true},
		{name: "reserved device name", input: "CON", wantErr: true},
		{name: "reserved with extension", input: "aux.txt", wantErr: true},
		{name: "reserved as prefix is fine", input: "console.txt", want: "console.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := SanitizeFilename(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
