package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/swproxy/internal/cache"
	edgeerrors "github.com/wudi/swproxy/internal/errors"
	"github.com/wudi/swproxy/internal/logging"
	"github.com/wudi/swproxy/internal/worker"
)

// maxPushPayload bounds the body accepted by POST /worker/push.
const maxPushPayload = 64 << 10

// AdminHandler returns the admin API.
func (s *Server) AdminHandler() http.Handler {
	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		edgeerrors.ErrNotFound.WriteJSON(w)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		edgeerrors.ErrMethodNotAllowed.WriteJSON(w)
	})

	router.GET("/health", s.handleHealth)
	router.GET("/healthz", s.handleHealth)

	router.GET("/worker", s.handleWorker)
	router.POST("/worker/update", s.handleUpdate)
	router.POST("/worker/sync/:tag", s.handleSync)
	router.POST("/worker/push", s.handlePush)

	router.GET("/caches", s.handleCaches)
	router.GET("/caches/match", s.handleMatch)
	router.DELETE("/caches/:name", s.handleDeleteCache)

	metricsCfg := s.Config().Admin.Metrics
	if metricsCfg.Enabled {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		router.Handler(http.MethodGet, path, s.metrics.Handler())
	}

	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth reports ok while a worker controls the edge and the cache
// storage answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	checks := make(map[string]any)
	healthy := true

	if active := s.registration.Active(); active != nil {
		checks["worker"] = map[string]any{
			"status":  "ok",
			"version": active.Version(),
			"state":   active.State().String(),
		}
	} else {
		healthy = false
		checks["worker"] = map[string]any{"status": "uncontrolled"}
	}

	if _, err := s.storage.Names(); err != nil {
		healthy = false
		checks["cache"] = map[string]any{"status": "error", "error": err.Error()}
	} else {
		checks["cache"] = map[string]any{"status": "ok", "backend": s.Config().Cache.Backend}
	}

	if s.tracer.IsEnabled() {
		checks["tracing"] = map[string]any{"status": "ok"}
	}

	status, statusStr := http.StatusOK, "ok"
	if !healthy {
		status, statusStr = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":    statusStr,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"checks":    checks,
	})
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.registration.Status())
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.Reload(r.Context()); err != nil {
		logging.Error("Worker update failed", zap.Error(err))
		edgeerrors.ErrConflict.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, s.registration.Status())
}

// activeWorker writes 409 and returns nil when no worker is active.
func (s *Server) activeWorker(w http.ResponseWriter) *worker.Worker {
	active := s.registration.Active()
	if active == nil {
		edgeerrors.ErrConflict.WithDetails("no active worker").WriteJSON(w)
	}
	return active
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	active := s.activeWorker(w)
	if active == nil {
		return
	}
	if err := active.Sync(r.Context(), ps.ByName("tag")); err != nil {
		edgeerrors.ErrConflict.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	active := s.activeWorker(w)
	if active == nil {
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload+1))
	if err != nil {
		edgeerrors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	if len(payload) > maxPushPayload {
		edgeerrors.ErrBadRequest.WithDetails("payload too large").WriteJSON(w)
		return
	}

	n, err := active.Push(r.Context(), payload)
	switch {
	case errors.Is(err, worker.ErrInvalidPayload):
		edgeerrors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
	case errors.Is(err, worker.ErrNotActive):
		edgeerrors.ErrConflict.WithDetails(err.Error()).WriteJSON(w)
	case err != nil:
		edgeerrors.ErrBadGateway.WithDetails(err.Error()).WriteJSON(w)
	case n == nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusOK, n)
	}
}

type cacheInfo struct {
	Name    string           `json:"name"`
	Current bool             `json:"current"`
	Stats   cache.StoreStats `json:"stats"`
}

func (s *Server) handleCaches(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	names, err := s.storage.Names()
	if err != nil {
		edgeerrors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
		return
	}

	current := ""
	if active := s.registration.Active(); active != nil {
		current = active.Version()
	}

	caches := make([]cacheInfo, 0, len(names))
	for _, name := range names {
		store, err := s.storage.Open(name)
		if err != nil {
			continue
		}
		caches = append(caches, cacheInfo{Name: name, Current: name == current, Stats: store.Stats()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"caches": caches})
}

// handleMatch looks a URL up in every cache, like caches.match.
func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	raw := r.URL.Query().Get("url")
	u, err := url.Parse(raw)
	if raw == "" || err != nil || !u.IsAbs() {
		edgeerrors.ErrBadRequest.WithDetails("url must be absolute").WriteJSON(w)
		return
	}

	entry, name, ok := cache.MatchAll(s.storage, cache.Key(u))
	if !ok {
		edgeerrors.ErrNotFound.WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cache":     name,
		"url":       entry.URL,
		"status":    entry.StatusCode,
		"type":      entry.Type,
		"headers":   entry.Headers,
		"size":      len(entry.Body),
		"stored_at": entry.StoredAt,
	})
}

func (s *Server) handleDeleteCache(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	if active := s.registration.Active(); active != nil && active.Version() == name {
		edgeerrors.ErrConflict.WithDetails("cache is in use by the active worker").WriteJSON(w)
		return
	}

	deleted, err := s.storage.Delete(name)
	if err != nil {
		edgeerrors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	if !deleted {
		edgeerrors.ErrNotFound.WriteJSON(w)
		return
	}
	logging.Info("Cache deleted via admin API", zap.String("cache", name))
	w.WriteHeader(http.StatusNoContent)
}
