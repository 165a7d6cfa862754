package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/wudi/swproxy/internal/cache"
	edgeerrors "github.com/wudi/swproxy/internal/errors"
	"github.com/wudi/swproxy/internal/logging"
	"github.com/wudi/swproxy/internal/metrics"
	"github.com/wudi/swproxy/internal/middleware"
	"github.com/wudi/swproxy/internal/network"
	"github.com/wudi/swproxy/internal/tracing"
)

// ErrPassthrough is returned by Dispatch for requests the worker does not
// intercept. The caller forwards them unchanged.
var ErrPassthrough = errors.New("worker: request not intercepted")

// Cache status header values.
const (
	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

// Dispatcher applies the caching policy to requests. It holds the handle
// of the worker's named cache for its whole life.
type Dispatcher struct {
	opts    Options
	store   cache.Store
	fetcher network.Fetcher
	metrics *metrics.Collector
	tracer  *tracing.Tracer

	mu      sync.Mutex // guards closed against pending.Add
	closed  bool
	pending sync.WaitGroup
	stores  atomic.Int64
}

// NewDispatcher creates a dispatcher over store. metrics and tracer may be nil.
func NewDispatcher(opts Options, store cache.Store, fetcher network.Fetcher, m *metrics.Collector, t *tracing.Tracer) *Dispatcher {
	return &Dispatcher{
		opts:    opts,
		store:   store,
		fetcher: fetcher,
		metrics: m,
		tracer:  t,
	}
}

// Dispatch answers req, whose URL must be absolute. A non-nil error means
// the failure propagates to the client; cross-origin requests return
// ErrPassthrough.
func (d *Dispatcher) Dispatch(ctx context.Context, req *http.Request) (*http.Response, error) {
	policy := d.opts.Classify(req.URL)
	middleware.SetPolicy(ctx, string(policy))

	if policy == PolicyPassthrough {
		return nil, ErrPassthrough
	}

	ctx, span := d.tracer.StartSpan(ctx, "worker.dispatch",
		attribute.String("swproxy.policy", string(policy)),
		attribute.String("url.full", req.URL.String()),
	)
	defer span.End()

	var (
		resp *http.Response
		err  error
	)
	switch policy {
	case PolicyAPI:
		resp = d.networkFirst(ctx, req)
	case PolicyNetworkOnly:
		resp, err = d.fetcher.Fetch(ctx, req)
		if err != nil {
			err = fmt.Errorf("fetch %s: %w", req.URL, err)
		}
	default:
		resp, err = d.cacheFirst(ctx, req)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		middleware.SetError(ctx, err)
		return nil, err
	}
	return resp, nil
}

func (d *Dispatcher) networkFirst(ctx context.Context, req *http.Request) *http.Response {
	resp, err := d.fetcher.Fetch(ctx, req)
	if err == nil {
		return resp
	}

	logging.Debug("Network-first fetch failed",
		zap.String("url", req.URL.String()),
		zap.Error(err),
	)
	middleware.SetError(ctx, err)
	d.metrics.RecordFallback("unavailable")

	resp = edgeerrors.NetworkUnavailable(d.opts.UnavailableMessage)
	resp.Request = req
	return resp
}

func (d *Dispatcher) cacheFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	key := cache.Key(req.URL)
	cacheable := req.Method == http.MethodGet

	if cacheable {
		if entry, ok := d.store.Get(key); ok {
			d.metrics.RecordCacheHit()
			return d.fromCache(ctx, entry, req), nil
		}
	}
	d.metrics.RecordCacheMiss()
	middleware.SetCache(ctx, CacheMiss)

	resp, err := d.fetcher.Fetch(ctx, req)
	if err != nil {
		return d.offline(ctx, req, fmt.Errorf("fetch %s: %w", req.URL, err))
	}

	if !cacheable || resp.StatusCode != http.StatusOK || network.ResponseType(d.opts.Origin, resp) != cache.TypeBasic {
		resp.Header.Set("X-Cache", CacheMiss)
		return resp, nil
	}

	entry, out, err := cache.Snapshot(resp, cache.TypeBasic)
	if err != nil {
		return d.offline(ctx, req, fmt.Errorf("fetch %s: %w", req.URL, err))
	}
	d.put(key, entry)

	out.Header.Set("X-Cache", CacheMiss)
	return out, nil
}

// offline answers a failed cache-first fetch. Navigations get the cached
// offline document; everything else, or a missing document, returns cause.
func (d *Dispatcher) offline(ctx context.Context, req *http.Request, cause error) (*http.Response, error) {
	if !IsNavigation(req) {
		d.metrics.RecordFallback("propagate")
		return nil, cause
	}

	doc, err := d.opts.resolve(d.opts.OfflineDocument)
	if err != nil {
		return nil, cause
	}
	entry, ok := d.store.Get(cache.Key(doc))
	if !ok {
		logging.Warn("Offline document not cached",
			zap.String("document", d.opts.OfflineDocument),
			zap.Error(cause),
		)
		d.metrics.RecordFallback("propagate")
		return nil, cause
	}

	middleware.SetError(ctx, cause)
	d.metrics.RecordFallback("offline")
	return d.fromCache(ctx, entry, req), nil
}

func (d *Dispatcher) fromCache(ctx context.Context, entry *cache.Entry, req *http.Request) *http.Response {
	middleware.SetCache(ctx, CacheHit)
	resp := entry.Response(req)
	resp.Header.Set("X-Cache", CacheHit)
	return resp
}

// put stores entry in the background. Stores after Close are dropped.
func (d *Dispatcher) put(key string, entry *cache.Entry) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.pending.Add(1)
	d.stores.Add(1)
	d.mu.Unlock()

	go func() {
		defer func() {
			d.stores.Add(-1)
			d.pending.Done()
		}()
		d.store.Set(key, entry)
		d.metrics.RecordCacheStore()
	}()
}

// Pending returns the number of background stores in flight.
func (d *Dispatcher) Pending() int64 {
	return d.stores.Load()
}

// Wait blocks until every background store started so far has finished.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Close stops accepting background stores and waits for pending ones.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.pending.Wait()
}
