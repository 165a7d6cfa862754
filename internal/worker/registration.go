package worker

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/swproxy/internal/logging"
)

// Registration holds the active worker for the edge and moves new
// versions through install and activation.
type Registration struct {
	deps   Deps
	origin *url.URL

	active atomic.Pointer[Worker]

	mu sync.Mutex // serializes Register

	statusMu   sync.Mutex
	lastUpdate time.Time
	lastError  string
}

// NewRegistration creates a registration with no active worker. Until a
// worker is activated every request is forwarded uncontrolled.
func NewRegistration(origin *url.URL, deps Deps) *Registration {
	return &Registration{deps: deps, origin: origin}
}

// Active returns the active worker, or nil.
func (r *Registration) Active() *Worker {
	return r.active.Load()
}

// Register installs a worker for opts and, since installed workers skip
// waiting, activates it and claims the edge. The previous worker serves
// until the claim and is torn down after it. Registering the active worker's exact options is a no-op. When
// install fails the previous worker stays active and the error is
// returned.
func (r *Registration) Register(ctx context.Context, opts Options) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.active.Load()
	if cur != nil && cur.State() == StateActivated && cur.Options().Equal(opts) {
		logging.Debug("Worker unchanged", zap.String("version", opts.Version))
		return cur, nil
	}

	r.recordUpdate(nil)

	w := New(opts, r.deps)
	if err := w.Install(ctx); err != nil {
		r.recordUpdate(err)
		logging.Error("Worker install failed",
			zap.String("version", opts.Version),
			zap.Error(err),
		)
		return nil, err
	}

	// cur keeps serving while w activates. A cur lookup in a cache that
	// activation already deleted is a miss.
	activateErr := w.Activate(ctx)
	if activateErr != nil {
		r.recordUpdate(activateErr)
		logging.Warn("Worker activated with errors",
			zap.String("version", opts.Version),
			zap.Error(activateErr),
		)
	}

	// Claim: every subsequent request goes through w.
	r.active.Store(w)

	if cur != nil {
		cur.Teardown()
		if cur.Version() != w.Version() {
			// Stores cur finished after activation may have recreated
			// entries under its deleted cache.
			cur.purge()
		}
	}
	return w, activateErr
}

func (r *Registration) recordUpdate(err error) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if err == nil {
		r.lastUpdate = time.Now()
		r.lastError = ""
		return
	}
	r.lastError = err.Error()
}

// Close tears down the active worker.
func (r *Registration) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w := r.active.Load(); w != nil {
		w.Teardown()
	}
}

// RegistrationStatus describes the registration for the admin API.
type RegistrationStatus struct {
	Active     *Status   `json:"active,omitempty"`
	LastUpdate time.Time `json:"last_update,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
}

// Status returns a snapshot of the registration.
func (r *Registration) Status() RegistrationStatus {
	r.statusMu.Lock()
	s := RegistrationStatus{LastUpdate: r.lastUpdate, LastError: r.lastError}
	r.statusMu.Unlock()

	if w := r.active.Load(); w != nil {
		ws := w.Status()
		s.Active = &ws
	}
	return s
}
