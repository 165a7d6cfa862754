package network

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/wudi/swproxy/internal/cache"
)

// ParseOrigin parses an origin such as "http://localhost:8080". Any path,
// query or fragment is dropped.
func ParseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &url.URL{Scheme: strings.ToLower(u.Scheme), Host: strings.ToLower(u.Host)}, nil
}

// SameOrigin reports whether a and b share scheme, host and port. Default
// ports compare equal to an omitted port.
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	return hostPort(a) == hostPort(b)
}

func hostPort(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(host, port)
}

// RequestURL returns the absolute URL a browser would see for an incoming
// request. Absolute-form targets are kept; otherwise the Host header is
// resolved against origin.
func RequestURL(r *http.Request, origin *url.URL) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u
	}

	u := *r.URL
	u.Scheme = origin.Scheme
	u.Host = origin.Host
	if r.Host == "" {
		return &u
	}

	candidate := &url.URL{Scheme: origin.Scheme, Host: r.Host}
	if !SameOrigin(candidate, origin) {
		if r.TLS != nil {
			u.Scheme = "https"
		} else {
			u.Scheme = "http"
		}
		u.Host = r.Host
	}
	return &u
}

// ResponseType classifies resp relative to origin using the final URL
// after redirects.
func ResponseType(origin *url.URL, resp *http.Response) cache.ResponseType {
	if resp.Request != nil && SameOrigin(resp.Request.URL, origin) {
		return cache.TypeBasic
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		return cache.TypeCORS
	}
	return cache.TypeOpaque
}
