package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector tracks edge metrics for Prometheus export. A nil *Collector
// is valid and records nothing.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	cacheStores prometheus.Counter

	fallbacks *prometheus.CounterVec

	workerState        *prometheus.GaugeVec
	installs           *prometheus.CounterVec
	cachesDeleted      prometheus.Counter
	configReloads      *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swproxy_requests_total",
				Help: "Total number of requests by policy, method and status",
			},
			[]string{"policy", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swproxy_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"policy"},
		),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swproxy_cache_hits_total",
			Help: "Total cache-first lookups answered from the cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swproxy_cache_misses_total",
			Help: "Total cache-first lookups that went to the network",
		}),
		cacheStores: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swproxy_cache_stores_total",
			Help: "Responses snapshotted and stored in the background",
		}),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swproxy_fallbacks_total",
				Help: "Responses synthesized or aborted after a network failure",
			},
			[]string{"kind"},
		),
		workerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swproxy_worker_state",
				Help: "1 for the current state of each worker version",
			},
			[]string{"version", "state"},
		),
		installs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swproxy_worker_installs_total",
				Help: "Worker installs by outcome",
			},
			[]string{"result"},
		),
		cachesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swproxy_caches_deleted_total",
			Help: "Stale named caches deleted on activation",
		}),
		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swproxy_config_reloads_total",
				Help: "Configuration reloads by outcome",
			},
			[]string{"result"},
		),
		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swproxy_notifications_total",
				Help: "Push notifications by backend and outcome",
			},
			[]string{"backend", "result"},
		),
		registry: registry,
	}

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.cacheHits,
		c.cacheMisses,
		c.cacheStores,
		c.fallbacks,
		c.workerState,
		c.installs,
		c.cachesDeleted,
		c.configReloads,
		c.notificationsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(policy, method string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(policy, method, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(policy).Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit
func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

// RecordCacheMiss records a cache miss
func (c *Collector) RecordCacheMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Inc()
}

// RecordCacheStore records a background store.
func (c *Collector) RecordCacheStore() {
	if c == nil {
		return
	}
	c.cacheStores.Inc()
}

// RecordFallback records a failure response of the given kind, e.g.
// "unavailable", "offline", "abort" or "bad_gateway".
func (c *Collector) RecordFallback(kind string) {
	if c == nil {
		return
	}
	c.fallbacks.WithLabelValues(kind).Inc()
}

// SetWorkerState marks state as current for version and clears the
// previous state.
func (c *Collector) SetWorkerState(version, from, to string) {
	if c == nil {
		return
	}
	if from != "" {
		c.workerState.DeleteLabelValues(version, from)
	}
	c.workerState.WithLabelValues(version, to).Set(1)
}

// RecordInstall records an install outcome.
func (c *Collector) RecordInstall(ok bool) {
	if c == nil {
		return
	}
	c.installs.WithLabelValues(result(ok)).Inc()
}

// RecordCachesDeleted records stale caches removed on activation.
func (c *Collector) RecordCachesDeleted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.cachesDeleted.Add(float64(n))
}

// RecordConfigReload records a reload outcome.
func (c *Collector) RecordConfigReload(ok bool) {
	if c == nil {
		return
	}
	c.configReloads.WithLabelValues(result(ok)).Inc()
}

// RecordNotification records a notification delivery attempt.
func (c *Collector) RecordNotification(backend string, ok bool) {
	if c == nil {
		return
	}
	c.notificationsTotal.WithLabelValues(backend, result(ok)).Inc()
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: false,
	})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
