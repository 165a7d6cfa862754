package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/wudi/swproxy/config"
	"github.com/wudi/swproxy/internal/cache"
)

var errOffline = errors.New("dial tcp: connection refused")

type page struct {
	status   int
	body     string
	header   http.Header
	finalURL string
}

// fakeNetwork answers fetches from a fixed table and counts them.
type fakeNetwork struct {
	mu    sync.Mutex
	pages map[string]page
	calls map[string]int
	down  bool
	fail  map[string]bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		pages: make(map[string]page),
		calls: make(map[string]int),
		fail:  make(map[string]bool),
	}
}

func (f *fakeNetwork) set(rawURL string, p page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[rawURL] = p
}

func (f *fakeNetwork) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeNetwork) count(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

func (f *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u := req.URL.String()
	f.calls[u]++
	if f.down || f.fail[u] {
		return nil, errOffline
	}

	p, ok := f.pages[u]
	if !ok {
		p = page{status: http.StatusNotFound, body: "not found"}
	}
	if p.status == 0 {
		p.status = http.StatusOK
	}
	header := http.Header{}
	for k, vv := range p.header {
		header[k] = append([]string(nil), vv...)
	}

	resp := &http.Response{
		Status:     fmt.Sprintf("%d %s", p.status, http.StatusText(p.status)),
		StatusCode: p.status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(p.body)),
		Request:    req,
	}
	if p.finalURL != "" {
		final := req.Clone(ctx)
		final.URL, _ = url.Parse(p.finalURL)
		resp.Request = final
	}
	return resp, nil
}

const origin = "http://localhost:8080"

func testOptions(t *testing.T, version string) Options {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Origin = origin
	cfg.Worker.Version = version
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		t.Fatalf("OptionsFromConfig: %v", err)
	}
	return opts
}

// seededNetwork serves every default seed path.
func seededNetwork() *fakeNetwork {
	n := newFakeNetwork()
	n.set(origin+"/", page{body: "<html>root</html>", header: http.Header{"Content-Type": {"text/html"}}})
	n.set(origin+"/index.html", page{body: "<html>index</html>", header: http.Header{"Content-Type": {"text/html"}}})
	n.set(origin+"/manifest.json", page{body: `{"name":"cex"}`, header: http.Header{"Content-Type": {"application/json"}}})
	n.set(origin+"/crypto-exchange-complete.html", page{body: "<html>exchange</html>"})
	return n
}

// activeWorker returns an activated worker over a fresh memory storage.
func activeWorker(t *testing.T, n *fakeNetwork) (*Worker, *cache.MemoryStorage) {
	t.Helper()
	storage := cache.NewMemoryStorage(0, 0)
	w := New(testOptions(t, "cex-exchange-v1.0.1"), Deps{Storage: storage, Fetcher: n})
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	t.Cleanup(w.Teardown)
	return w, storage
}

func newRequest(t *testing.T, method, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, rawURL, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}
