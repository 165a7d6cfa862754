package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/swproxy/internal/cache"
	"github.com/wudi/swproxy/internal/logging"
	"github.com/wudi/swproxy/internal/metrics"
	"github.com/wudi/swproxy/internal/network"
	"github.com/wudi/swproxy/internal/notify"
	"github.com/wudi/swproxy/internal/tracing"
)

// Deps are the collaborators shared by every worker version.
type Deps struct {
	Storage  cache.Storage
	Fetcher  network.Fetcher
	Notifier notify.Notifier    // nil logs notifications
	Metrics  *metrics.Collector // may be nil
	Tracer   *tracing.Tracer    // may be nil
}

// Worker is one version of the caching policy, driven through an explicit
// lifecycle: Install, Activate, Dispatch, Teardown.
type Worker struct {
	opts Options
	deps Deps

	state       atomic.Int32
	mu          sync.Mutex // serializes lifecycle transitions
	skipWaiting bool
	dispatcher  *Dispatcher

	installedAt time.Time
	activatedAt time.Time
	now         func() time.Time
}

// New creates a parsed worker.
func New(opts Options, deps Deps) *Worker {
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(nil)
	}
	w := &Worker{opts: opts, deps: deps, now: time.Now}
	deps.Metrics.SetWorkerState(opts.Version, "", StateParsed.String())
	return w
}

// Version returns the name of the worker's cache.
func (w *Worker) Version() string { return w.opts.Version }

// Options returns the worker's policy.
func (w *Worker) Options() Options { return w.opts }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// SkipWaiting reports whether the worker asked to activate as soon as it
// is installed.
func (w *Worker) SkipWaiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}

func (w *Worker) setState(to State) {
	from := w.State()
	w.state.Store(int32(to))
	w.deps.Metrics.SetWorkerState(w.opts.Version, from.String(), to.String())
	logging.Debug("Worker state changed",
		zap.String("version", w.opts.Version),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}

func (w *Worker) expect(s State) error {
	if cur := w.State(); cur != s {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidTransition, cur, s)
	}
	return nil
}

// Install opens the worker's cache and seeds it. Seeds are fetched
// concurrently and stored only if every fetch returns a 2xx status. On
// failure the worker becomes redundant.
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.expect(StateParsed); err != nil {
		return err
	}
	w.setState(StateInstalling)
	logging.Info("Worker installing", zap.String("version", w.opts.Version))

	ctx, span := w.deps.Tracer.StartSpan(ctx, "worker.install")
	defer span.End()

	if err := w.install(ctx); err != nil {
		w.setState(StateRedundant)
		w.deps.Metrics.RecordInstall(false)
		span.RecordError(err)
		return fmt.Errorf("install %s: %w", w.opts.Version, err)
	}

	w.skipWaiting = true
	w.installedAt = w.now()
	w.setState(StateInstalled)
	w.deps.Metrics.RecordInstall(true)
	logging.Info("Worker installed",
		zap.String("version", w.opts.Version),
		zap.Int("seeded", len(w.opts.Seed)),
	)
	return nil
}

func (w *Worker) install(ctx context.Context) error {
	store, err := w.deps.Storage.Open(w.opts.Version)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	logging.Debug("Cache opened", zap.String("cache", w.opts.Version))

	keys := make([]string, len(w.opts.Seed))
	entries := make([]*cache.Entry, len(w.opts.Seed))

	g, gctx := errgroup.WithContext(ctx)
	for i, path := range w.opts.Seed {
		g.Go(func() error {
			u, err := w.opts.resolve(path)
			if err != nil {
				return fmt.Errorf("seed %q: %w", path, err)
			}
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return fmt.Errorf("seed %q: %w", path, err)
			}

			resp, err := w.deps.Fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				resp.Body.Close()
				return fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
			}

			entry, _, err := cache.Snapshot(resp, network.ResponseType(w.opts.Origin, resp))
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			keys[i] = cache.Key(u)
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range entries {
		store.Set(keys[i], entries[i])
	}
	w.dispatcher = NewDispatcher(w.opts, store, w.deps.Fetcher, w.deps.Metrics, w.deps.Tracer)
	return nil
}

// Activate deletes every cache not named after the worker's version and
// moves the worker to activated. Deletion failures are returned but do
// not stop activation.
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.expect(StateInstalled); err != nil {
		return err
	}
	w.setState(StateActivating)
	logging.Info("Worker activating", zap.String("version", w.opts.Version))

	_, span := w.deps.Tracer.StartSpan(ctx, "worker.activate")
	defer span.End()

	var errs []error
	names, err := w.deps.Storage.Names()
	if err != nil {
		errs = append(errs, fmt.Errorf("list caches: %w", err))
	}
	deleted := 0
	for _, name := range names {
		if name == w.opts.Version {
			continue
		}
		if _, err := w.deps.Storage.Delete(name); err != nil {
			errs = append(errs, fmt.Errorf("delete cache %s: %w", name, err))
			continue
		}
		deleted++
		logging.Info("Deleted stale cache", zap.String("cache", name))
	}
	w.deps.Metrics.RecordCachesDeleted(deleted)

	w.activatedAt = w.now()
	w.setState(StateActivated)
	logging.Info("Worker activated", zap.String("version", w.opts.Version))

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("activate %s: %w", w.opts.Version, err)
	}
	return nil
}

// Dispatch applies the caching policy to req. It returns ErrNotActive
// unless the worker is activated.
func (w *Worker) Dispatch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if w.State() != StateActivated {
		return nil, ErrNotActive
	}
	return w.dispatcher.Dispatch(ctx, req)
}

// Pending returns the number of background cache stores in flight.
func (w *Worker) Pending() int64 {
	if d := w.dispatcherRef(); d != nil {
		return d.Pending()
	}
	return 0
}

// Wait blocks until background stores started so far have finished.
func (w *Worker) Wait() {
	if d := w.dispatcherRef(); d != nil {
		d.Wait()
	}
}

func (w *Worker) dispatcherRef() *Dispatcher {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dispatcher
}

// Teardown stops dispatching, waits for pending background stores and
// marks the worker redundant. It is safe to call more than once.
func (w *Worker) Teardown() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.State() == StateRedundant {
		return
	}
	w.setState(StateRedundant)
	if w.dispatcher != nil {
		w.dispatcher.Close()
	}
	logging.Info("Worker redundant", zap.String("version", w.opts.Version))
}

// purge drops every entry left in the worker's cache.
func (w *Worker) purge() {
	if d := w.dispatcherRef(); d != nil {
		d.store.Purge()
	}
}

// Status is a snapshot of the worker for the admin API.
type Status struct {
	Version     string    `json:"version"`
	State       string    `json:"state"`
	SkipWaiting bool      `json:"skip_waiting"`
	Pending     int64     `json:"pending_stores"`
	InstalledAt time.Time `json:"installed_at,omitzero"`
	ActivatedAt time.Time `json:"activated_at,omitzero"`
}

// Status returns a snapshot of the worker.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Version:     w.opts.Version,
		State:       w.State().String(),
		SkipWaiting: w.skipWaiting,
		InstalledAt: w.installedAt,
		ActivatedAt: w.activatedAt,
	}
	if w.dispatcher != nil {
		s.Pending = w.dispatcher.Pending()
	}
	return s
}
