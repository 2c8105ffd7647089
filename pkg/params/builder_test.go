package params

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/declarest/declarest/pkg/config"
)

func TestBuildAppendsGroupsInOrder(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("POST", "/api/orders?status=open", strings.NewReader(`{"total": 12}`))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-Tenant", "acme")

	bundle, patterns, err := Build(Request{
		HTTP:        r,
		ContentType: ContentTypeJSON,
		RouteParams: map[string]any{"id": "42"},
		Claims:      map[string]any{"user_id": "u-1"},
		Global:      config.RegexOverrides{},
		Vars:        map[string]any{"tenant": "acme"},
	})
	require.NoError(t, err)
	require.NotNil(t, patterns)

	groups := bundle.Groups()
	require.Len(t, groups, 7)
	expected := []Source{
		SourceHeader, SourceJSON, SourceForm, SourceQueryString,
		SourceAuth, SourceRoute, SourceSettings,
	}
	for i, want := range expected {
		assert.Equal(t, want, groups[i].Source)
	}

	v, ok := bundle.Resolve("total")
	require.True(t, ok)
	assert.Equal(t, float64(12), v)

	v, ok = bundle.Resolve("status")
	require.True(t, ok)
	assert.Equal(t, "open", v)
}

func TestBuildBuffersJSONBody(t *testing.T) {
	t.Parallel()

	body := `{"total": 12}`
	r := httptest.NewRequest("POST", "/api/orders", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")

	_, _, err := Build(Request{HTTP: r, ContentType: ContentTypeJSON, Global: config.RegexOverrides{}})
	require.NoError(t, err)

	// Downstream stages must still see the original bytes.
	replayed, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(replayed))
}

func TestBuildMalformedJSON(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("POST", "/", strings.NewReader(`{not json`))
	r.Header.Set("Content-Type", "application/json")

	_, _, err := Build(Request{HTTP: r, ContentType: ContentTypeJSON, Global: config.RegexOverrides{}})
	require.Error(t, err)
}

func TestBuildFormBodyPipeJoins(t *testing.T) {
	t.Parallel()

	form := url.Values{"tag": {"a", "b"}, "name": {"x"}}
	r := httptest.NewRequest("POST", "/", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	bundle, _, err := Build(Request{HTTP: r, ContentType: ContentTypeForm, Global: config.RegexOverrides{}})
	require.NoError(t, err)

	v, ok := bundle.Resolve("tag")
	require.True(t, ok)
	assert.Equal(t, "a|b", v)
}

func TestBuildQueryStringPipeJoins(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/?tag=a&tag=b", nil)

	bundle, _, err := Build(Request{HTTP: r, Global: config.RegexOverrides{}})
	require.NoError(t, err)

	v, ok := bundle.Resolve("tag")
	require.True(t, ok)
	assert.Equal(t, "a|b", v)
}

func TestBuildMultipartValues(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("name", "report"))
	require.NoError(t, mw.Close())

	r := httptest.NewRequest("POST", "/", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())

	bundle, _, err := Build(Request{HTTP: r, ContentType: ContentTypeMultipart, Global: config.RegexOverrides{}})
	require.NoError(t, err)

	v, ok := bundle.Resolve("name")
	require.True(t, ok)
	assert.Equal(t, "report", v)
}

func TestResolvePatternsOverrides(t *testing.T) {
	t.Parallel()

	section := &config.RegexOverrides{
		JSON: `(?P<open><<)(?P<param>.*?)(?P<close>>>)`,
	}
	ps, err := ResolvePatterns(section, config.RegexOverrides{})
	require.NoError(t, err)

	assert.True(t, ps.Pattern(SourceJSON).MatchString("SELECT <<total>>"))
	assert.False(t, ps.Pattern(SourceJSON).MatchString("SELECT {{total}}"))
	// Other namespaces keep their defaults.
	assert.True(t, ps.Pattern(SourceHeader).MatchString("SELECT {h{id}}"))
}

func TestResolvePatternsInvalidOverride(t *testing.T) {
	t.Parallel()

	section := &config.RegexOverrides{Header: `(?P<open>[`}
	_, err := ResolvePatterns(section, config.RegexOverrides{})
	require.Error(t, err)
}
