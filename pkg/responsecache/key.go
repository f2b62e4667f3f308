package responsecache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

// KeyFunc derives a deterministic cache key from a request.
type KeyFunc func(req *http.Request) string

// RequestKey is the default KeyFunc.
// Format: METHOD:scheme://host/path?sorted-query[:body=sha256]
//
// Example:
//
//	GET:https://api.example.com/v1/signals?market=btc&tf=1h
//
// Requests carrying a body get a SHA-256 of that body appended; the body is
// restored so the request can still be sent.
func RequestKey(req *http.Request) string {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	u := req.URL
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if host == "" {
		host = strings.ToLower(req.Host)
	}
	host = stripDefaultPort(scheme, host)

	parts := []string{method, scheme + "://" + host + PathKey(req)}

	if hash := bodyHash(req); hash != "" {
		parts = append(parts, "body="+hash)
	}

	return strings.Join(parts, ":")
}

// PathKey keys a request by path plus sorted query only. It suits a cache
// fronting a single upstream, where scheme and host never vary.
func PathKey(req *http.Request) string {
	path := req.URL.Path
	if path == "" {
		path = "/"
	}

	// url.Values.Encode sorts by key, so parameter order never matters.
	if query := req.URL.Query().Encode(); query != "" {
		return path + "?" + query
	}
	return path
}

func stripDefaultPort(scheme, host string) string {
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

// bodyHash hashes and restores the request body. Empty bodies hash to "".
func bodyHash(req *http.Request) string {
	if req.Body == nil || req.Body == http.NoBody {
		return ""
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	if err != nil || len(data) == 0 {
		return ""
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
