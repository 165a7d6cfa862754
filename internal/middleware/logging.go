package middleware

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/swproxy/internal/logging"
	"github.com/wudi/swproxy/internal/metrics"
)

var loggingRWPool = sync.Pool{
	New: func() any { return &loggingResponseWriter{} },
}

// LoggingConfig configures the access log middleware
type LoggingConfig struct {
	// Logger receives one entry per request; nil uses the global logger.
	Logger *zap.Logger
	// SkipPaths are paths that should not be logged
	SkipPaths []string
}

// Logging creates an access log middleware with default config
func Logging() Middleware {
	return LoggingWithConfig(LoggingConfig{})
}

// LoggingWithConfig creates an access log middleware. Requests whose
// connection was aborted are logged before the abort propagates.
func LoggingWithConfig(cfg LoggingConfig) Middleware {
	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			info := InfoFromContext(r.Context())
			if info == nil {
				info = &Info{}
				r = r.WithContext(WithInfo(r.Context(), info))
			}

			start := time.Now()
			lrw := loggingRWPool.Get().(*loggingResponseWriter)
			lrw.ResponseWriter = w
			lrw.status = http.StatusOK
			lrw.bytes = 0

			aborted := true
			defer func() {
				logger := cfg.Logger
				if logger == nil {
					logger = logging.Global()
				}
				fields := []zap.Field{
					zap.String("request_id", info.RequestID),
					zap.String("remote_addr", r.RemoteAddr),
					zap.String("method", r.Method),
					zap.String("host", r.Host),
					zap.String("path", r.URL.Path),
					zap.Int("status", lrw.status),
					zap.Int64("body_bytes", lrw.bytes),
					zap.Duration("duration", time.Since(start)),
				}
				if r.URL.RawQuery != "" {
					fields = append(fields, zap.String("query", r.URL.RawQuery))
				}
				if info.Policy != "" {
					fields = append(fields, zap.String("policy", info.Policy))
				}
				if info.Cache != "" {
					fields = append(fields, zap.String("cache", info.Cache))
				}
				if info.Error != "" {
					fields = append(fields, zap.String("error", info.Error))
				}
				if aborted {
					logger.Warn("request aborted", fields...)
				} else {
					logger.Info("request", fields...)
				}

				lrw.ResponseWriter = nil
				loggingRWPool.Put(lrw)
			}()

			next.ServeHTTP(lrw, r)
			aborted = false
		})
	}
}

// Metrics records request counts and durations labeled with the policy
// the dispatcher applied. A request aborted before any response was
// written is counted with status 0.
func Metrics(c *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := InfoFromContext(r.Context())
			if info == nil {
				info = &Info{}
				r = r.WithContext(WithInfo(r.Context(), info))
			}

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			aborted := true
			defer func() {
				policy := info.Policy
				if policy == "" {
					policy = "none"
				}
				status := sw.status
				if aborted && !sw.wrote {
					status = 0
				}
				c.RecordRequest(policy, r.Method, status, time.Since(start))
			}()

			next.ServeHTTP(sw, r)
			aborted = false
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and bytes
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += int64(n)
	return n, err
}

func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := lrw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}
