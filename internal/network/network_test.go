package network

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/wudi/swproxy/config"
	"github.com/wudi/swproxy/internal/cache"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestSameOrigin(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"http://localhost:8080/a", "http://localhost:8080/b", true},
		{"http://LOCALHOST:8080", "http://localhost:8080/", true},
		{"http://example.com", "http://example.com:80", true},
		{"https://example.com", "https://example.com:443/x", true},
		{"http://example.com", "https://example.com", false},
		{"http://localhost:8080", "http://localhost:8081", false},
		{"http://localhost:8080", "https://api.binance.com", false},
	}
	for _, tt := range tests {
		if got := SameOrigin(mustURL(t, tt.a), mustURL(t, tt.b)); got != tt.want {
			t.Errorf("SameOrigin(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestRequestURL(t *testing.T) {
	origin := mustURL(t, "http://localhost:8080")

	r := httptest.NewRequest(http.MethodGet, "/app.js?v=2", nil)
	r.Host = "localhost:8080"
	if got := RequestURL(r, origin).String(); got != "http://localhost:8080/app.js?v=2" {
		t.Errorf("same host: got %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v3/ticker", nil)
	r.Host = "api.binance.com"
	if got := RequestURL(r, origin).String(); got != "http://api.binance.com/api/v3/ticker" {
		t.Errorf("foreign host: got %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "https://api.coingecko.com/api/v3/ping", nil)
	if got := RequestURL(r, origin).String(); got != "https://api.coingecko.com/api/v3/ping" {
		t.Errorf("absolute form: got %q", got)
	}
}

func TestResponseType(t *testing.T) {
	origin := mustURL(t, "http://localhost:8080")

	same := &http.Response{Header: http.Header{}, Request: &http.Request{URL: mustURL(t, "http://localhost:8080/x")}}
	if got := ResponseType(origin, same); got != cache.TypeBasic {
		t.Errorf("same origin: %q", got)
	}

	cors := &http.Response{
		Header:  http.Header{"Access-Control-Allow-Origin": {"*"}},
		Request: &http.Request{URL: mustURL(t, "https://cdn.example.com/x")},
	}
	if got := ResponseType(origin, cors); got != cache.TypeCORS {
		t.Errorf("cors: %q", got)
	}

	opaque := &http.Response{Header: http.Header{}, Request: &http.Request{URL: mustURL(t, "https://cdn.example.com/x")}}
	if got := ResponseType(origin, opaque); got != cache.TypeOpaque {
		t.Errorf("opaque: %q", got)
	}
}

func TestClientFetchUpstream(t *testing.T) {
	var gotPath, gotFwdHost, gotConn string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFwdHost = r.Header.Get("X-Forwarded-Host")
		gotConn = r.Header.Get("Proxy-Connection")
		w.Write([]byte("page"))
	}))
	defer upstream.Close()

	c, err := New("http://localhost:8080", config.NetworkConfig{Upstream: upstream.URL + "/site"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://localhost:8080/index.html", nil)
	req.Header.Set("Proxy-Connection", "keep-alive")
	resp, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if string(body) != "page" {
		t.Errorf("body = %q", body)
	}
	if gotPath != "/site/index.html" {
		t.Errorf("upstream path = %q", gotPath)
	}
	if gotFwdHost != "localhost:8080" {
		t.Errorf("X-Forwarded-Host = %q", gotFwdHost)
	}
	if gotConn != "" {
		t.Errorf("hop header forwarded: %q", gotConn)
	}
	if got := resp.Request.URL.String(); got != "http://localhost:8080/index.html" {
		t.Errorf("final URL = %q", got)
	}
	if got := ResponseType(c.Origin(), resp); got != cache.TypeBasic {
		t.Errorf("type = %q, want basic", got)
	}
}

func TestClientFetchCrossOrigin(t *testing.T) {
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-Host") != "" {
			t.Error("cross-origin fetch should not carry forwarding headers")
		}
		w.Write([]byte("{}"))
	}))
	defer foreign.Close()

	c, err := New("http://localhost:8080", config.NetworkConfig{Upstream: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, foreign.URL+"/api/v3/ping", nil)
	resp, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	resp.Body.Close()
	if got := ResponseType(c.Origin(), resp); got != cache.TypeOpaque {
		t.Errorf("type = %q, want opaque", got)
	}
}

func TestClientFetchFailure(t *testing.T) {
	c, err := New("http://localhost:8080", config.NetworkConfig{Upstream: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, "http://localhost:8080/", nil)
	if _, err := c.Fetch(context.Background(), req); err == nil {
		t.Fatal("expected connection error")
	}
}
