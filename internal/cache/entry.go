package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ResponseType classifies a response by how it relates to the worker origin.
type ResponseType string

const (
	// TypeBasic is a same-origin, non-opaque response. Only basic
	// responses are stored by the cache-first policy.
	TypeBasic ResponseType = "basic"
	// TypeCORS is a cross-origin response whose body is readable.
	TypeCORS ResponseType = "cors"
	// TypeOpaque is a cross-origin response without CORS approval.
	TypeOpaque ResponseType = "opaque"
)

// Entry is an immutable snapshot of a response: headers, body and status.
type Entry struct {
	StatusCode int
	Status     string
	Headers    http.Header
	Body       []byte
	URL        string
	Type       ResponseType
	StoredAt   time.Time
}

// Snapshot reads the body of resp exactly once. It returns the entry to
// store and a replacement response for the caller; the two share no
// mutable state. resp.Body is closed.
func Snapshot(resp *http.Response, typ ResponseType) (*Entry, *http.Response, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}

	var finalURL string
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	entry := &Entry{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Headers:    resp.Header.Clone(),
		Body:       body,
		URL:        finalURL,
		Type:       typ,
		StoredAt:   time.Now(),
	}

	out := new(http.Response)
	*out = *resp
	out.Header = resp.Header.Clone()
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	return entry, out, nil
}

// Response materializes the entry as a fresh response for req. Each call
// returns an independent body reader over the stored bytes.
func (e *Entry) Response(req *http.Request) *http.Response {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return &http.Response{
		Status:        status,
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.Headers.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Key normalizes u into a cache key: an absolute URL with lowercase
// scheme and host, no user info and no fragment.
func Key(u *url.URL) string {
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	c.User = nil
	c.Fragment = ""
	c.RawFragment = ""
	if c.Path == "" {
		c.Path = "/"
	}
	return c.String()
}
