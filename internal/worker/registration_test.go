package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/swproxy/config"
	"github.com/wudi/swproxy/internal/cache"
)

func newTestRegistration(t *testing.T, n *fakeNetwork) (*Registration, *cache.MemoryStorage) {
	t.Helper()
	storage := cache.NewMemoryStorage(0, 0)
	opts := testOptions(t, "v1")
	r := NewRegistration(opts.Origin, Deps{Storage: storage, Fetcher: n})
	t.Cleanup(r.Close)
	return r, storage
}

func TestRegisterActivatesAndClaims(t *testing.T) {
	n := seededNetwork()
	r, _ := newTestRegistration(t, n)

	if r.Active() != nil {
		t.Fatal("new registration should have no active worker")
	}
	w, err := r.Register(context.Background(), testOptions(t, "v1"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r.Active() != w || w.State() != StateActivated {
		t.Errorf("active = %v, state = %s", r.Active(), w.State())
	}

	status := r.Status()
	if status.Active == nil || status.Active.Version != "v1" || status.Active.State != "activated" {
		t.Errorf("status = %+v", status)
	}
}

func TestRegisterSameOptionsIsNoop(t *testing.T) {
	n := seededNetwork()
	r, _ := newTestRegistration(t, n)
	ctx := context.Background()

	first, _ := r.Register(ctx, testOptions(t, "v1"))
	calls := n.count(origin + "/")

	second, err := r.Register(ctx, testOptions(t, "v1"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if first != second {
		t.Error("re-registering identical options should keep the worker")
	}
	if n.count(origin+"/") != calls {
		t.Error("no-op registration should not reinstall")
	}
}

func TestRegisterNewVersionReplacesWorker(t *testing.T) {
	n := seededNetwork()
	r, storage := newTestRegistration(t, n)
	ctx := context.Background()

	first, _ := r.Register(ctx, testOptions(t, "v1"))
	second, err := r.Register(ctx, testOptions(t, "v2"))
	if err != nil {
		t.Fatalf("Register v2: %v", err)
	}

	if first.State() != StateRedundant {
		t.Errorf("old worker state = %s", first.State())
	}
	if r.Active() != second {
		t.Error("new worker should be active")
	}
	names, _ := storage.Names()
	if len(names) != 1 || names[0] != "v2" {
		t.Errorf("names = %v", names)
	}
}

// slowStorage blocks Names while block is set, holding activation open.
type slowStorage struct {
	*cache.MemoryStorage
	block   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *slowStorage) Names() ([]string, error) {
	if s.block.Load() {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.MemoryStorage.Names()
}

func TestRegisterOldWorkerServesDuringActivation(t *testing.T) {
	n := seededNetwork()
	storage := &slowStorage{
		MemoryStorage: cache.NewMemoryStorage(0, 0),
		entered:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
	opts := testOptions(t, "v1")
	r := NewRegistration(opts.Origin, Deps{Storage: storage, Fetcher: n})
	t.Cleanup(r.Close)
	ctx := context.Background()

	first, err := r.Register(ctx, opts)
	if err != nil {
		t.Fatalf("Register v1: %v", err)
	}

	var once sync.Once
	release := func() { once.Do(func() { close(storage.release) }) }
	defer release()

	next := testOptions(t, "v2")
	storage.block.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := r.Register(ctx, next)
		done <- err
	}()

	select {
	case <-storage.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("activation never listed caches")
	}

	n.setDown(true)
	calls := n.count(origin + "/index.html")

	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	req.Host = "localhost:8080"
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || rr.Body.String() != "<html>index</html>" {
		t.Errorf("during activation got %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Cache") != CacheHit {
		t.Errorf("X-Cache = %q, want HIT", rr.Header().Get("X-Cache"))
	}
	if got := n.count(origin + "/index.html"); got != calls {
		t.Errorf("cached request reached the network %d times", got-calls)
	}
	if r.Active() != first || first.State() != StateActivated {
		t.Error("previous worker should stay active until the claim")
	}

	storage.block.Store(false)
	release()
	if err := <-done; err != nil {
		t.Fatalf("Register v2: %v", err)
	}
	if r.Active() == first || first.State() != StateRedundant {
		t.Errorf("active = %v, old state = %s", r.Active().Version(), first.State())
	}
	if keys := first.dispatcherRef().store.Keys(); len(keys) != 0 {
		t.Errorf("old cache should be purged after teardown, got %v", keys)
	}
}

func TestRegisterFailedInstallKeepsActive(t *testing.T) {
	n := seededNetwork()
	r, _ := newTestRegistration(t, n)
	ctx := context.Background()

	first, _ := r.Register(ctx, testOptions(t, "v1"))
	n.setDown(true)

	if _, err := r.Register(ctx, testOptions(t, "v2")); err == nil {
		t.Fatal("expected install failure")
	}
	if r.Active() != first || first.State() != StateActivated {
		t.Error("previous worker should stay active after a failed install")
	}
	if r.Status().LastError == "" {
		t.Error("expected last error in status")
	}
}

func TestServeHTTPUncontrolled(t *testing.T) {
	n := seededNetwork()
	n.set(origin+"/app.js", page{body: "app"})
	r, storage := newTestRegistration(t, n)

	req := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	req.Host = "localhost:8080"
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Body.String() != "app" {
		t.Errorf("body = %q", rr.Body.String())
	}
	if names, _ := storage.Names(); len(names) != 0 {
		t.Errorf("uncontrolled requests must not touch the cache, got %v", names)
	}
}

func TestServeHTTPCacheHit(t *testing.T) {
	n := seededNetwork()
	r, _ := newTestRegistration(t, n)
	r.Register(context.Background(), testOptions(t, "v1"))
	n.setDown(true)

	req := httptest.NewRequest(http.MethodGet, "/manifest.json", nil)
	req.Host = "localhost:8080"
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || rr.Body.String() != `{"name":"cex"}` {
		t.Errorf("got %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Cache") != CacheHit {
		t.Errorf("X-Cache = %q", rr.Header().Get("X-Cache"))
	}
}

func TestServeHTTPCrossOriginForwarded(t *testing.T) {
	n := seededNetwork()
	n.set("http://api.binance.com/api/v3/ping", page{body: "{}"})
	r, _ := newTestRegistration(t, n)
	w, _ := r.Register(context.Background(), testOptions(t, "v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v3/ping", nil)
	req.Host = "api.binance.com"
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Body.String() != "{}" {
		t.Errorf("body = %q", rr.Body.String())
	}
	if rr.Header().Get("X-Cache") != "" {
		t.Error("cross-origin responses must not carry a cache status")
	}
	if n.count("http://api.binance.com/api/v3/ping") != 1 {
		t.Error("expected one forwarded fetch")
	}
	w.Wait()
	store, _ := r.deps.Storage.Open("v1")
	for _, k := range store.Keys() {
		if strings.Contains(k, "binance") {
			t.Errorf("cross-origin key cached: %s", k)
		}
	}
}

func TestServeHTTPAbortsOnPropagatedFailure(t *testing.T) {
	n := seededNetwork()
	r, _ := newTestRegistration(t, n)
	r.Register(context.Background(), testOptions(t, "v1"))
	n.setDown(true)

	req := httptest.NewRequest(http.MethodGet, "/chart.js", nil)
	req.Host = "localhost:8080"

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	r.ServeHTTP(httptest.NewRecorder(), req)
	t.Error("expected the handler to abort")
}

func TestServeHTTPBadGatewayOnFailure(t *testing.T) {
	n := seededNetwork()
	r, _ := newTestRegistration(t, n)
	opts := testOptions(t, "v1")
	opts.OnFailure = config.OnFailureBadGateway
	r.Register(context.Background(), opts)
	n.setDown(true)

	req := httptest.NewRequest(http.MethodGet, "/chart.js", nil)
	req.Host = "localhost:8080"
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if !strings.Contains(body["details"].(string), "connection refused") {
		t.Errorf("details = %v", body["details"])
	}
}
