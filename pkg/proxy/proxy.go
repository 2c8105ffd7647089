// Package proxy forwards api_gateway requests to their configured upstream,
// with header rewriting and optional full-response caching.
package proxy

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/declarest/declarest/pkg/cache"
	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/errors"
	"github.com/declarest/declarest/pkg/logger"
	"github.com/declarest/declarest/pkg/networking"
)

// defaultTargetTimeout applies when target_timeout_seconds is unset.
const defaultTargetTimeout = 30 * time.Second

// Request carries the resolved inputs of one proxy dispatch.
type Request struct {
	Target          *config.ProxyTarget
	ExcludedHeaders []string
	RemainingPath   string

	// CacheKey empty means the route declares no response cache.
	CacheKey           string
	CacheTTL           time.Duration
	ExcludeStatusCodes []int
}

// Stage forwards requests and mediates the cache-or-stream decision.
type Stage struct {
	cache *cache.Cache
}

// NewStage returns a proxy stage backed by the shared response cache.
func NewStage(c *cache.Cache) *Stage {
	return &Stage{cache: c}
}

// errUncacheableStatus signals out of the producer that the upstream status
// is excluded from caching and the response was (or must be) streamed.
var errUncacheableStatus = stderrors.New("response status excluded from cache")

// Serve forwards the caller's request to the target and writes the upstream
// response back. Cached entries are replayed without touching the upstream;
// statuses listed in exclude_status_codes_from_cache are streamed and never
// stored.
func (s *Stage) Serve(w http.ResponseWriter, r *http.Request, req Request) error {
	if req.CacheKey == "" {
		return s.stream(w, r, req)
	}

	// The producer runs in the calling goroutine for the singleflight
	// leader, so it can stream an excluded response straight to this
	// request's writer. streamed distinguishes the leader from waiters that
	// share the sentinel error without having run the producer.
	streamed := false
	payload, hit, err := s.cache.GetOrProduce(req.CacheKey, req.CacheTTL, func() ([]byte, error) {
		resp, err := s.send(r, req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if statusExcluded(resp.StatusCode, req.ExcludeStatusCodes) {
			writeUpstream(w, resp)
			streamed = true
			return nil, errUncacheableStatus
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.NewUpstreamError("failed to read upstream response", err)
		}
		return json.Marshal(cache.NewProxiedResponse(resp.StatusCode, resp.Header, body))
	})

	switch {
	case stderrors.Is(err, errUncacheableStatus):
		if streamed {
			return nil
		}
		// Waiter collapsed onto a leader whose response was uncacheable:
		// fetch our own.
		return s.stream(w, r, req)
	case err != nil:
		return err
	}

	var entry cache.ProxiedResponse
	if err := json.Unmarshal(payload, &entry); err != nil {
		return errors.NewInternalError("failed to decode cached proxy response", err)
	}
	if hit {
		logger.Debugw("proxy cache hit", "key", req.CacheKey)
	}
	return entry.WriteTo(w)
}

// stream forwards without buffering: status, headers minus framing, body.
func (s *Stage) stream(w http.ResponseWriter, r *http.Request, req Request) error {
	resp, err := s.send(r, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	writeUpstream(w, resp)
	return nil
}

// writeUpstream copies status, headers minus framing, and the body through.
func writeUpstream(w http.ResponseWriter, resp *http.Response) {
	header := w.Header()
	for name, values := range resp.Header {
		if strings.EqualFold(name, "Transfer-Encoding") || strings.EqualFold(name, "Content-Length") {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Mid-copy failure after the status line; nothing to surface to the
		// caller beyond the aborted stream.
		logger.Debugw("proxy stream aborted", "error", err)
	}
}

func (s *Stage) send(r *http.Request, req Request) (*http.Response, error) {
	timeout := defaultTargetTimeout
	if req.Target.TargetTimeoutSeconds > 0 {
		timeout = time.Duration(req.Target.TargetTimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)

	target := buildTargetURL(req.Target.URL, req.RemainingPath, r.URL.RawQuery)
	out, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		cancel()
		return nil, errors.NewConfigError("invalid proxy target url", err)
	}
	copyHeaders(out, r, req)

	client, err := networking.NewHTTPClientBuilder().
		WithInsecureSkipVerify(req.Target.IgnoreCertificateErrors).
		Build()
	if err != nil {
		cancel()
		return nil, errors.NewInternalError("failed to build proxy client", err)
	}

	resp, err := client.Do(out)
	if err != nil {
		cancel()
		if ctxErr := r.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.NewUpstreamError("upstream request failed", err)
	}

	// Tie the timeout context to the response body lifetime.
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// copyHeaders applies the configured overrides first, then the caller's
// headers that are neither overridden nor excluded.
func copyHeaders(out, in *http.Request, req Request) {
	overridden := map[string]bool{}
	for name, value := range req.Target.AppliedHeaders {
		out.Header.Set(name, value)
		overridden[strings.ToLower(name)] = true
	}

	excluded := map[string]bool{"host": true}
	for _, name := range req.ExcludedHeaders {
		excluded[strings.ToLower(name)] = true
	}

	for name, values := range in.Header {
		key := strings.ToLower(name)
		if overridden[key] || excluded[key] {
			continue
		}
		for _, v := range values {
			out.Header.Add(name, v)
		}
	}
}

// buildTargetURL inserts the wildcard remainder before the template's query
// string and appends the caller's query string.
func buildTargetURL(template, remaining, rawQuery string) string {
	base, suffix := template, ""
	if i := strings.IndexByte(template, '?'); i >= 0 {
		base, suffix = template[:i], template[i:]
	}

	target := base + remaining + suffix
	if rawQuery != "" {
		if strings.ContainsRune(target, '?') {
			target += "&" + rawQuery
		} else {
			target += "?" + rawQuery
		}
	}
	return target
}

func statusExcluded(status int, excluded []int) bool {
	for _, code := range excluded {
		if code == status {
			return true
		}
	}
	return false
}
