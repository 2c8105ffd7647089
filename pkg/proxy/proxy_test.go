package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/declarest/declarest/pkg/cache"
	"github.com/declarest/declarest/pkg/config"
)

func TestBuildTargetURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		template  string
		remaining string
		rawQuery  string
		want      string
	}{
		{
			name:     "plain template",
			template: "http://backend/api", want: "http://backend/api",
		},
		{
			name:     "remaining path appended",
			template: "http://backend/api", remaining: "/v2/users",
			want: "http://backend/api/v2/users",
		},
		{
			name:     "remaining path before template query",
			template: "http://backend/api?tenant=a", remaining: "/users",
			want: "http://backend/api/users?tenant=a",
		},
		{
			name:     "caller query appended with ampersand",
			template: "http://backend/api?tenant=a", rawQuery: "page=2",
			want: "http://backend/api?tenant=a&page=2",
		},
		{
			name:     "caller query appended with question mark",
			template: "http://backend/api", rawQuery: "page=2",
			want: "http://backend/api?page=2",
		},
		{
			name:     "both remainders",
			template: "http://backend/api?tenant=a", remaining: "/users", rawQuery: "page=2",
			want: "http://backend/api/users?tenant=a&page=2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, buildTargetURL(tt.template, tt.remaining, tt.rawQuery))
		})
	}
}

func TestCopyHeaders(t *testing.T) {
	t.Parallel()

	in := httptest.NewRequest(http.MethodGet, "/x", nil)
	in.Header.Set("Authorization", "Bearer caller")
	in.Header.Set("X-Forwarded-For", "1.2.3.4")
	in.Header.Set("X-Keep", "yes")

	out := httptest.NewRequest(http.MethodGet, "http://backend/x", nil)
	copyHeaders(out, in, Request{
		Target: &config.ProxyTarget{
			AppliedHeaders: map[string]string{"Authorization": "Bearer service"},
		},
		ExcludedHeaders: []string{"x-forwarded-for"},
	})

	assert.Equal(t, "Bearer service", out.Header.Get("Authorization"))
	assert.Empty(t, out.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "yes", out.Header.Get("X-Keep"))
	assert.Empty(t, out.Header.Get("Host"))
}

func TestServeStreams(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/orders/7", r.URL.Path)
		assert.Equal(t, "deep", r.URL.Query().Get("mode"))
		w.Header().Set("X-Upstream", "1")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(upstream.Close)

	stage := NewStage(cache.New())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/legacy/orders/7?mode=deep", nil)

	err := stage.Serve(w, r, Request{
		Target:        &config.ProxyTarget{URL: upstream.URL + "/api"},
		RemainingPath: "/orders/7",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-Upstream"))
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestServeCachesResponse(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"n":1}`)
	}))
	t.Cleanup(upstream.Close)

	stage := NewStage(cache.New())
	req := Request{
		Target:   &config.ProxyTarget{URL: upstream.URL},
		CacheKey: "proxy-cache-test",
		CacheTTL: time.Minute,
	}

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/legacy", nil)
		require.NoError(t, stage.Serve(w, r, req))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"n":1}`, w.Body.String())
	}

	assert.Equal(t, int64(1), calls.Load(), "second and third hits served from cache")
}

func TestServeExcludedStatusNotCached(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "slow down")
	}))
	t.Cleanup(upstream.Close)

	stage := NewStage(cache.New())
	req := Request{
		Target:             &config.ProxyTarget{URL: upstream.URL},
		CacheKey:           "proxy-excluded-test",
		CacheTTL:           time.Minute,
		ExcludeStatusCodes: []int{http.StatusTooManyRequests},
	}

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/legacy", nil)
		require.NoError(t, stage.Serve(w, r, req))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "30", w.Header().Get("Retry-After"))
		assert.Equal(t, "slow down", w.Body.String())
	}

	assert.Equal(t, int64(2), calls.Load(), "excluded status must hit the upstream every time")
}

func TestServeUpstreamUnreachable(t *testing.T) {
	t.Parallel()

	stage := NewStage(cache.New())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/legacy", nil)

	err := stage.Serve(w, r, Request{
		Target: &config.ProxyTarget{URL: "http://127.0.0.1:1"},
	})
	require.Error(t, err)
}

func TestServeForwardsBody(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, `{"name":"new"}`, string(body))
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(upstream.Close)

	stage := NewStage(cache.New())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/legacy", strings.NewReader(`{"name":"new"}`))

	require.NoError(t, stage.Serve(w, r, Request{Target: &config.ProxyTarget{URL: upstream.URL}}))
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestStatusExcluded(t *testing.T) {
	t.Parallel()

	assert.True(t, statusExcluded(429, []int{404, 429}))
	assert.False(t, statusExcluded(200, []int{404, 429}))
	assert.False(t, statusExcluded(200, nil))
}
