package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/wudi/swproxy/config"
)

// Fetcher performs a live network fetch for the worker. Requests carry
// absolute URLs as the browser sees them.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopHeaders strips hop-by-hop headers in place.
func RemoveHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// Client is the Fetcher used in production. Same-origin requests are sent
// to the upstream; any other URL is fetched directly.
type Client struct {
	origin   *url.URL
	upstream *url.URL
	http     *http.Client
}

// New creates a Client for the worker origin.
func New(origin string, cfg config.NetworkConfig) (*Client, error) {
	o, err := ParseOrigin(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	up, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}

	return &Client{
		origin:   o,
		upstream: up,
		http: &http.Client{
			Transport: NewTransport(cfg),
			Timeout:   cfg.Timeout,
		},
	}, nil
}

// NewTransport creates the HTTP transport for live fetches.
func NewTransport(cfg config.NetworkConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}
	idleTimeout := cfg.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       idleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		ForceAttemptHTTP2:     true,
	}
}

// Origin returns the worker origin.
func (c *Client) Origin() *url.URL {
	return c.origin
}

// Fetch sends req. A returned response's Request URL is expressed in
// worker-origin terms, so ResponseType classifies upstream responses as
// same-origin.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := c.outbound(ctx, req)

	resp, err := c.http.Do(out)
	if err != nil {
		return nil, err
	}

	if final := resp.Request; final != nil && c.fromUpstream(final.URL) {
		mapped := *final.URL
		mapped.Scheme = c.origin.Scheme
		mapped.Host = c.origin.Host
		mapped.Path = strings.TrimPrefix(mapped.Path, strings.TrimSuffix(c.upstream.Path, "/"))
		if mapped.Path == "" {
			mapped.Path = "/"
		}
		mapped.RawPath = ""
		resp.Request = final.Clone(final.Context())
		resp.Request.URL = &mapped
	}
	return resp, nil
}

func (c *Client) fromUpstream(u *url.URL) bool {
	return SameOrigin(u, c.upstream)
}

func (c *Client) outbound(ctx context.Context, req *http.Request) *http.Request {
	target := *req.URL
	toUpstream := SameOrigin(req.URL, c.origin)
	if toUpstream {
		target.Scheme = c.upstream.Scheme
		target.Host = c.upstream.Host
		target.Path = singleJoiningSlash(c.upstream.Path, req.URL.Path)
		target.RawPath = ""
	}

	out := (&http.Request{
		Method:        req.Method,
		URL:           &target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header, len(req.Header)+3),
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)
	if out.Method == "" {
		out.Method = http.MethodGet
	}
	for k, vv := range req.Header {
		out.Header[k] = vv
	}

	if toUpstream {
		if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil && host != "" {
			if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
				out.Header.Set("X-Forwarded-For", prior+", "+host)
			} else {
				out.Header.Set("X-Forwarded-For", host)
			}
		}
		out.Header.Set("X-Forwarded-Proto", c.origin.Scheme)
		out.Header.Set("X-Forwarded-Host", c.origin.Host)
	}

	RemoveHopHeaders(out.Header)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))
	return out
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
