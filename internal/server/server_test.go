package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wudi/swproxy/config"
	"github.com/wudi/swproxy/internal/cache"
	"github.com/wudi/swproxy/internal/worker"
)

const testOrigin = "http://swproxy.test"

// upstream serves the default seeds plus a static asset and counts hits.
type upstream struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{hits: make(map[string]int)}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.hits[r.URL.Path]++
		u.mu.Unlock()

		switch r.URL.Path {
		case "/", "/index.html", "/crypto-exchange-complete.html":
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<html>"+r.URL.Path+"</html>")
		case "/manifest.json":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"name":"cex"}`)
		case "/app.js":
			w.Header().Set("Content-Type", "text/javascript")
			io.WriteString(w, "console.log(1)")
		case "/api/ticker":
			io.WriteString(w, `{"price":1}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) count(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func testConfig(upstreamURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Origin = testOrigin
	cfg.Network.Upstream = upstreamURL
	cfg.Listen.Address = "127.0.0.1:0"
	cfg.Admin.Address = "127.0.0.1:0"
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, configPath string) *Server {
	t.Helper()
	s, err := New(context.Background(), cfg, configPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Shutdown(5 * time.Second) })
	return s
}

// registered returns a server whose configured worker is active.
func registered(t *testing.T, u *upstream) *Server {
	t.Helper()
	s := newTestServer(t, testConfig(u.URL), "")
	if err := s.apply(context.Background(), s.Config()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	return s
}

func proxyGet(t *testing.T, h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Host = "swproxy.test"
	for k, vv := range header {
		req.Header[k] = vv
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestProxyServesSeedsFromCache(t *testing.T) {
	u := newUpstream(t)
	s := registered(t, u)

	rr := proxyGet(t, s.Handler(), "/manifest.json", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != `{"name":"cex"}` {
		t.Fatalf("got %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Cache") != worker.CacheHit {
		t.Errorf("X-Cache = %q", rr.Header().Get("X-Cache"))
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id")
	}
	if n := u.count("/manifest.json"); n != 1 {
		t.Errorf("upstream hits = %d, want 1 (install only)", n)
	}
}

func TestProxyCachesStaticOnMiss(t *testing.T) {
	u := newUpstream(t)
	s := registered(t, u)
	h := s.Handler()

	first := proxyGet(t, h, "/app.js", nil)
	if first.Header().Get("X-Cache") != worker.CacheMiss {
		t.Fatalf("first X-Cache = %q", first.Header().Get("X-Cache"))
	}
	s.Registration().Active().Wait()

	second := proxyGet(t, h, "/app.js", nil)
	if second.Header().Get("X-Cache") != worker.CacheHit || second.Body.String() != "console.log(1)" {
		t.Errorf("second = %q %q", second.Header().Get("X-Cache"), second.Body.String())
	}
	if n := u.count("/app.js"); n != 1 {
		t.Errorf("upstream hits = %d, want 1", n)
	}
}

func TestProxyAPIIsNetworkFirst(t *testing.T) {
	u := newUpstream(t)
	s := registered(t, u)
	h := s.Handler()

	for range 2 {
		if rr := proxyGet(t, h, "/api/ticker", nil); rr.Body.String() != `{"price":1}` {
			t.Fatalf("body = %q", rr.Body.String())
		}
	}
	if n := u.count("/api/ticker"); n != 2 {
		t.Errorf("upstream hits = %d, want 2", n)
	}
}

func TestProxyOffline(t *testing.T) {
	u := newUpstream(t)
	s := registered(t, u)
	h := s.Handler()
	u.Close()

	rr := proxyGet(t, h, "/api/ticker", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("api status = %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body["error"] != "网络不可用，请稍后重试" {
		t.Errorf("api body = %q", rr.Body.String())
	}

	rr = proxyGet(t, h, "/markets", http.Header{"Accept": {"text/html"}})
	if rr.Code != http.StatusOK || rr.Body.String() != "<html>/index.html</html>" {
		t.Errorf("navigation = %d %q", rr.Code, rr.Body.String())
	}
}

func TestProxyUncontrolledBeforeRegistration(t *testing.T) {
	u := newUpstream(t)
	s := newTestServer(t, testConfig(u.URL), "")

	rr := proxyGet(t, s.Handler(), "/app.js", nil)
	if rr.Body.String() != "console.log(1)" || rr.Header().Get("X-Cache") != "" {
		t.Errorf("got %q, X-Cache %q", rr.Body.String(), rr.Header().Get("X-Cache"))
	}
}

const configTemplate = `
listen:
  address: "127.0.0.1:0"
origin: "http://swproxy.test"
network:
  upstream: "%s"
worker:
  version: "%s"
admin:
  enabled: true
  address: "127.0.0.1:0"
`

func writeConfig(t *testing.T, path, upstreamURL, version string) {
	t.Helper()
	data := fmt.Sprintf(configTemplate, upstreamURL, version)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestReloadInstallsNewVersion(t *testing.T) {
	u := newUpstream(t)
	path := filepath.Join(t.TempDir(), "swproxy.yaml")
	writeConfig(t, path, u.URL, "v1")

	cfg, err := config.NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := newTestServer(t, cfg, path)
	if err := s.Reload(context.Background()); err != nil {
		t.Fatalf("Reload v1: %v", err)
	}
	first := s.Registration().Active()

	writeConfig(t, path, u.URL, "v2")
	if err := s.Reload(context.Background()); err != nil {
		t.Fatalf("Reload v2: %v", err)
	}

	active := s.Registration().Active()
	if active.Version() != "v2" || first.State() != worker.StateRedundant {
		t.Errorf("active = %s, old state = %s", active.Version(), first.State())
	}
	if s.Config().Worker.Version != "v2" {
		t.Errorf("config version = %s", s.Config().Worker.Version)
	}
	names, _ := s.storage.Names()
	if len(names) != 1 || names[0] != "v2" {
		t.Errorf("caches = %v", names)
	}
}

// stuckStorage cannot delete caches.
type stuckStorage struct {
	*cache.MemoryStorage
}

func (stuckStorage) Delete(name string) (bool, error) {
	return false, errors.New("backend read-only")
}

func TestApplyKeepsWorkerActivatedWithErrors(t *testing.T) {
	u := newUpstream(t)
	s := newTestServer(t, testConfig(u.URL), "")

	storage := stuckStorage{cache.NewMemoryStorage(0, 0)}
	if _, err := storage.Open("stale"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.storage = storage
	s.registration = worker.NewRegistration(s.fetcher.Origin(), worker.Deps{
		Storage: storage,
		Fetcher: s.fetcher,
		Metrics: s.metrics,
	})

	cfg := testConfig(u.URL)
	cfg.Worker.Version = "v2"
	if err := s.apply(context.Background(), cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	active := s.Registration().Active()
	if active == nil || active.Version() != "v2" || active.State() != worker.StateActivated {
		t.Fatalf("active = %v", active)
	}
	if s.Config().Worker.Version != "v2" {
		t.Errorf("config version = %s, want v2", s.Config().Worker.Version)
	}
	if s.Registration().Status().LastError == "" {
		t.Error("activation errors should still show in status")
	}
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	u := newUpstream(t)
	path := filepath.Join(t.TempDir(), "swproxy.yaml")
	writeConfig(t, path, u.URL, "v1")
	cfg, _ := config.NewLoader().Load(path)
	s := newTestServer(t, cfg, path)
	s.Reload(context.Background())

	writeConfig(t, path, u.URL, "")
	if err := s.Reload(context.Background()); err == nil {
		t.Fatal("expected validation error")
	}
	if s.Registration().Active().Version() != "v1" {
		t.Error("invalid config must keep the active worker")
	}
}

func TestReloadWithoutPath(t *testing.T) {
	u := newUpstream(t)
	s := newTestServer(t, testConfig(u.URL), "")
	if err := s.Reload(context.Background()); err == nil {
		t.Error("expected error without a config path")
	}
}

func TestStartAndShutdown(t *testing.T) {
	u := newUpstream(t)
	s, err := New(context.Background(), testConfig(u.URL), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	proxy, _ := s.manager.Get("proxy")
	req, _ := http.NewRequest(http.MethodGet, "http://"+proxy.Addr()+"/index.html", nil)
	req.Host = "swproxy.test"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Cache") != worker.CacheHit {
		t.Errorf("X-Cache = %q", resp.Header.Get("X-Cache"))
	}

	adminResp, err := http.Get("http://" + s.adminServer.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	adminResp.Body.Close()
	if adminResp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", adminResp.StatusCode)
	}

	active := s.Registration().Active()
	if err := s.Shutdown(5 * time.Second); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if active.State() != worker.StateRedundant {
		t.Errorf("worker state after shutdown = %s", active.State())
	}
}
