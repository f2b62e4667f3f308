package responsecache

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestResponseToEntry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lastMod := now.Add(-time.Hour)

	tests := []struct {
		name    string
		resp    *http.Response
		wantErr bool
	}{
		{
			name: "valid response with validators",
			resp: &http.Response{
				StatusCode: 200,
				Header: http.Header{
					"Last-Modified": []string{lastMod.Format(http.TimeFormat)},
					"Etag":          []string{`"abc123"`},
					"Content-Type":  []string{"application/json"},
				},
				Body: io.NopCloser(bytes.NewReader([]byte(`{"test": "data"}`))),
			},
		},
		{
			name: "response without validators",
			resp: &http.Response{
				StatusCode: 200,
				Header: http.Header{
					"Content-Type": []string{"application/json"},
				},
				Body: io.NopCloser(bytes.NewReader([]byte(`{"test": "data"}`))),
			},
		},
		{
			name: "unparseable last-modified ignored",
			resp: &http.Response{
				StatusCode: 200,
				Header: http.Header{
					"Last-Modified": []string{"not a valid date"},
				},
				Body: io.NopCloser(bytes.NewReader([]byte(`x`))),
			},
		},
		{
			name:    "nil response",
			resp:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := ResponseToEntry(tt.resp, now)
			if (err != nil) != tt.wantErr {
				t.Errorf("ResponseToEntry() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}

			// Verify body was read and restored
			body, _ := io.ReadAll(tt.resp.Body)
			if len(body) == 0 {
				t.Error("Response body was not restored")
			}
			if !bytes.Equal(body, entry.Body) {
				t.Errorf("restored body %q differs from entry body %q", body, entry.Body)
			}

			if entry.StatusCode != tt.resp.StatusCode {
				t.Errorf("StatusCode = %v, want %v", entry.StatusCode, tt.resp.StatusCode)
			}
			if entry.ETag != tt.resp.Header.Get("ETag") {
				t.Errorf("ETag = %v, want %v", entry.ETag, tt.resp.Header.Get("ETag"))
			}
			if !entry.StoredAt.Equal(now) {
				t.Errorf("StoredAt = %v, want %v", entry.StoredAt, now)
			}
		})
	}
}

func TestResponseToEntry_LastModified(t *testing.T) {
	lastMod := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Last-Modified": []string{lastMod.Format(http.TimeFormat)}},
		Body:       io.NopCloser(bytes.NewReader(nil)),
	}

	entry, err := ResponseToEntry(resp, lastMod.Add(time.Hour))
	if err != nil {
		t.Fatalf("ResponseToEntry() error = %v", err)
	}
	if !entry.LastModified.Equal(lastMod) {
		t.Errorf("LastModified = %v, want %v", entry.LastModified, lastMod)
	}
}

func TestShouldMakeConditionalRequest(t *testing.T) {
	tests := []struct {
		name  string
		entry *Entry
		want  bool
	}{
		{"nil entry", nil, false},
		{"no validators", &Entry{}, false},
		{"etag", &Entry{ETag: `"abc"`}, true},
		{"last-modified", &Entry{LastModified: time.Now()}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldMakeConditionalRequest(tt.entry); got != tt.want {
				t.Errorf("ShouldMakeConditionalRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddConditionalHeaders(t *testing.T) {
	lastMod := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)

	tests := []struct {
		name            string
		entry           *Entry
		wantIfNoneMatch string
		wantIfModSince  string
	}{
		{
			name:            "etag preferred",
			entry:           &Entry{ETag: `"abc"`, LastModified: lastMod},
			wantIfNoneMatch: `"abc"`,
		},
		{
			name:           "last-modified fallback",
			entry:          &Entry{LastModified: lastMod},
			wantIfModSince: lastMod.Format(http.TimeFormat),
		},
		{
			name:  "no validators",
			entry: &Entry{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
			AddConditionalHeaders(req, tt.entry)

			if got := req.Header.Get("If-None-Match"); got != tt.wantIfNoneMatch {
				t.Errorf("If-None-Match = %q, want %q", got, tt.wantIfNoneMatch)
			}
			if got := req.Header.Get("If-Modified-Since"); got != tt.wantIfModSince {
				t.Errorf("If-Modified-Since = %q, want %q", got, tt.wantIfModSince)
			}
		})
	}

	// nil arguments are ignored
	AddConditionalHeaders(nil, &Entry{ETag: "x"})
}
