package responsecache

import (
	"fmt"
	"net/http"
)

// UpstreamError reports a response the cache refused to store because the
// upstream answered with a server error.
type UpstreamError struct {
	Key        string
	StatusCode int
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error for %s (status %d): %s",
		e.Key, e.StatusCode, http.StatusText(e.StatusCode))
}

// CheckStatus returns an *UpstreamError for 5xx entries and nil otherwise.
func CheckStatus(key string, entry *Entry) error {
	if entry != nil && entry.StatusCode >= http.StatusInternalServerError {
		return &UpstreamError{Key: key, StatusCode: entry.StatusCode}
	}
	return nil
}
