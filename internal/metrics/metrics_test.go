package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestCollectorRecordRequest(t *testing.T) {
	c := NewCollector()

	c.RecordRequest("static", "GET", 200, 100*time.Millisecond)
	c.RecordRequest("static", "GET", 200, 200*time.Millisecond)
	c.RecordRequest("api", "GET", 503, 50*time.Millisecond)

	out := scrape(t, c)
	for _, want := range []string{
		`swproxy_requests_total{method="GET",policy="static",status="200"} 2`,
		`swproxy_requests_total{method="GET",policy="api",status="503"} 1`,
		`swproxy_request_duration_seconds_count{policy="static"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output", want)
		}
	}
}

func TestCollectorCacheMetrics(t *testing.T) {
	c := NewCollector()

	c.RecordCacheHit()
	c.RecordCacheHit()
	c.RecordCacheMiss()
	c.RecordCacheStore()
	c.RecordFallback("offline")

	out := scrape(t, c)
	for _, want := range []string{
		"swproxy_cache_hits_total 2",
		"swproxy_cache_misses_total 1",
		"swproxy_cache_stores_total 1",
		`swproxy_fallbacks_total{kind="offline"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output", want)
		}
	}
}

func TestCollectorWorkerState(t *testing.T) {
	c := NewCollector()

	c.SetWorkerState("v1", "", "installing")
	c.SetWorkerState("v1", "installing", "activated")

	out := scrape(t, c)
	if !strings.Contains(out, `swproxy_worker_state{state="activated",version="v1"} 1`) {
		t.Error("expected activated state")
	}
	if strings.Contains(out, `state="installing"`) {
		t.Error("previous state should be cleared")
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.RecordRequest("static", "GET", 200, time.Millisecond)
	c.RecordCacheHit()
	c.RecordFallback("abort")
	c.SetWorkerState("v1", "", "parsed")
	c.RecordNotification("log", true)
}
