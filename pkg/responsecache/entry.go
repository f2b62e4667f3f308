package responsecache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Entry represents a cached upstream response.
type Entry struct {
	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Header are the response headers
	Header http.Header `json:"header"`

	// Body is the response body
	Body []byte `json:"body"`

	// ETag for conditional revalidation (If-None-Match)
	ETag string `json:"etag,omitempty"`

	// LastModified for conditional revalidation (If-Modified-Since)
	LastModified time.Time `json:"last_modified"`

	// StoredAt is when the response was fetched or last revalidated
	StoredAt time.Time `json:"stored_at"`

	// Expires is when the entry stops being fresh. A stale entry may still
	// be served while it is revalidated.
	Expires time.Time `json:"expires"`

	// Tags group entries for invalidation
	Tags []string `json:"tags,omitempty"`
}

// IsFresh reports whether the entry can be served without revalidation.
func (e *Entry) IsFresh(now time.Time) bool {
	return now.Before(e.Expires)
}

// TTL returns the remaining freshness lifetime, 0 if already stale.
func (e *Entry) TTL(now time.Time) time.Duration {
	ttl := e.Expires.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Clone returns a deep copy, so callers never alias cached bytes.
func (e *Entry) Clone() *Entry {
	clone := *e
	clone.Header = e.Header.Clone()
	clone.Body = append([]byte(nil), e.Body...)
	clone.Tags = append([]string(nil), e.Tags...)
	return &clone
}

// Response builds a new *http.Response for req backed by a copy of the
// cached body.
func (e *Entry) Response(req *http.Request) *http.Response {
	body := append([]byte(nil), e.Body...)

	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode)),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// IsSuccess reports whether status is a cacheable 2xx code.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}
