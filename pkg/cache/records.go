package cache

import (
	"encoding/json"
	"net/http"
)

// QueryResult is the serializable shadow of a shaped database response.
type QueryResult struct {
	StatusCode int             `json:"status_code"`
	Data       json.RawMessage `json:"data"`
}

// ProxiedResponse is the serializable shadow of a full upstream HTTP
// response. Transfer-Encoding and Content-Length are excluded on both write
// and read; the replayed body carries its own length.
type ProxiedResponse struct {
	StatusCode     int         `json:"status_code"`
	Headers        http.Header `json:"headers"`
	ContentHeaders http.Header `json:"content_headers"`
	Body           []byte      `json:"body"`
}

// hopHeaders never round-trip through the proxy cache.
var hopHeaders = map[string]bool{
	"Transfer-Encoding": true,
	"Content-Length":    true,
}

// contentHeaderNames is the well-known set of headers that describe the
// body rather than the message.
var contentHeaderNames = map[string]bool{
	"Content-Type":        true,
	"Content-Encoding":    true,
	"Content-Language":    true,
	"Content-Disposition": true,
	"Content-Range":       true,
	"Expires":             true,
	"Last-Modified":       true,
}

// IsContentHeader reports whether name describes the response body.
func IsContentHeader(name string) bool {
	return contentHeaderNames[http.CanonicalHeaderKey(name)]
}

// NewProxiedResponse lowers an upstream response's status, headers and body
// to the serializable record, splitting content headers from message headers
// and dropping the transfer framing headers.
func NewProxiedResponse(status int, header http.Header, body []byte) *ProxiedResponse {
	rec := &ProxiedResponse{
		StatusCode:     status,
		Headers:        http.Header{},
		ContentHeaders: http.Header{},
		Body:           body,
	}
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if hopHeaders[canonical] {
			continue
		}
		for _, v := range values {
			if contentHeaderNames[canonical] {
				rec.ContentHeaders.Add(canonical, v)
			} else {
				rec.Headers.Add(canonical, v)
			}
		}
	}
	return rec
}

// WriteTo replays the record to a live response writer: status first, both
// header maps in order, then the body bytes.
func (p *ProxiedResponse) WriteTo(w http.ResponseWriter) error {
	for name, values := range p.Headers {
		if hopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	for name, values := range p.ContentHeaders {
		if hopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(p.StatusCode)
	_, err := w.Write(p.Body)
	return err
}
