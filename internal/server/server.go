package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/swproxy/config"
	"github.com/wudi/swproxy/internal/cache"
	"github.com/wudi/swproxy/internal/listener"
	"github.com/wudi/swproxy/internal/logging"
	"github.com/wudi/swproxy/internal/metrics"
	"github.com/wudi/swproxy/internal/middleware"
	"github.com/wudi/swproxy/internal/network"
	"github.com/wudi/swproxy/internal/notify"
	"github.com/wudi/swproxy/internal/tracing"
	"github.com/wudi/swproxy/internal/worker"
)

// Server runs the proxy listener and the admin API around one worker
// registration.
type Server struct {
	mu         sync.RWMutex
	config     *config.Config
	configPath string

	storage      cache.Storage
	fetcher      *network.Client
	notifier     notify.Notifier
	metrics      *metrics.Collector
	tracer       *tracing.Tracer
	registration *worker.Registration

	manager     *listener.Manager
	adminServer *listener.HTTPListener
	watcher     *config.Watcher
	startTime   time.Time
}

// New builds the server from cfg. configPath is read again on reload; an
// empty path disables reloading.
func New(ctx context.Context, cfg *config.Config, configPath string) (*Server, error) {
	fetcher, err := network.New(cfg.Origin, cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	storage, err := cache.NewStorage(ctx, cfg.Cache)
	if err != nil {
		tracer.Close()
		return nil, fmt.Errorf("cache: %w", err)
	}

	notifier, err := notify.New(ctx, cfg.Notify)
	if err != nil {
		storage.Close()
		tracer.Close()
		return nil, fmt.Errorf("notify: %w", err)
	}

	s := &Server{
		config:     cfg,
		configPath: configPath,
		storage:    storage,
		fetcher:    fetcher,
		notifier:   notifier,
		metrics:    metrics.NewCollector(),
		tracer:     tracer,
		manager:    listener.NewManager(),
		startTime:  time.Now(),
	}
	s.registration = worker.NewRegistration(fetcher.Origin(), worker.Deps{
		Storage:  storage,
		Fetcher:  fetcher,
		Notifier: notifier,
		Metrics:  s.metrics,
		Tracer:   tracer,
	})

	proxy, err := listener.NewHTTPListener(listener.HTTPListenerConfig{
		ID:                "proxy",
		Address:           cfg.Listen.Address,
		Handler:           s.Handler(),
		ReadTimeout:       cfg.Listen.ReadTimeout,
		WriteTimeout:      cfg.Listen.WriteTimeout,
		IdleTimeout:       cfg.Listen.IdleTimeout,
		MaxHeaderBytes:    cfg.Listen.MaxHeaderBytes,
		ReadHeaderTimeout: cfg.Listen.ReadHeaderTimeout,
	})
	if err != nil {
		s.closeBackends()
		return nil, err
	}
	if err := s.manager.Add(proxy); err != nil {
		s.closeBackends()
		return nil, err
	}

	if cfg.Admin.Enabled {
		s.adminServer, err = listener.NewHTTPListener(listener.HTTPListenerConfig{
			ID:           "admin",
			Address:      cfg.Admin.Address,
			Handler:      s.AdminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
		if err != nil {
			s.closeBackends()
			return nil, err
		}
	}

	return s, nil
}

// Handler returns the proxy handler: the registration behind the
// request middleware chain.
func (s *Server) Handler() http.Handler {
	return middleware.NewBuilder().
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		UseIf(s.tracer.IsEnabled(), s.tracer.Middleware()).
		Use(middleware.Logging()).
		Use(middleware.Metrics(s.metrics)).
		Handler(s.registration)
}

// Registration returns the worker registration.
func (s *Server) Registration() *worker.Registration {
	return s.registration
}

// Config returns the configuration currently applied.
func (s *Server) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Start registers the configured worker and starts the listeners. A failed
// install is logged and leaves the edge uncontrolled; the next reload
// retries it.
func (s *Server) Start(ctx context.Context) error {
	if err := s.apply(ctx, s.Config()); err != nil {
		logging.Error("Initial worker registration failed", zap.Error(err))
	}

	if err := s.manager.StartAll(ctx); err != nil {
		return err
	}

	if s.adminServer != nil {
		if err := s.adminServer.Start(ctx); err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		logging.Info("Admin API listening", zap.String("address", s.adminServer.Addr()))
	}

	if s.configPath != "" {
		if err := s.watch(); err != nil {
			logging.Warn("Config watcher disabled", zap.Error(err))
		}
	}
	return nil
}

func (s *Server) watch() error {
	w, err := config.NewWatcher(s.configPath)
	if err != nil {
		return err
	}
	w.OnChange(func(cfg *config.Config) {
		if err := s.apply(context.Background(), cfg); err != nil {
			logging.Error("Worker update after config change failed", zap.Error(err))
		}
	})
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	s.watcher = w
	return nil
}

// Run starts the server and blocks until SIGINT or SIGTERM.
// SIGHUP reloads the configuration.
func (s *Server) Run() error {
	if err := s.Start(context.Background()); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)

	for sig := range quit {
		if sig == syscall.SIGHUP {
			if err := s.Reload(context.Background()); err != nil {
				logging.Error("Config reload failed", zap.Error(err))
			}
			continue
		}
		logging.Info("Shutting down gracefully...", zap.Stringer("signal", sig))
		return s.Shutdown(30 * time.Second)
	}
	return nil
}

// Reload reads the config file again and registers the worker it
// describes. Only the worker and static sections take effect without a
// restart.
func (s *Server) Reload(ctx context.Context) error {
	if s.configPath == "" {
		return errors.New("no config path configured")
	}
	cfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		s.metrics.RecordConfigReload(false)
		return fmt.Errorf("config load failed: %w", err)
	}
	return s.apply(ctx, cfg)
}

// apply registers the worker described by cfg and records cfg as current
// once the worker is active.
func (s *Server) apply(ctx context.Context, cfg *config.Config) error {
	opts, err := worker.OptionsFromConfig(cfg)
	if err == nil && !network.SameOrigin(opts.Origin, s.fetcher.Origin()) {
		err = fmt.Errorf("origin changed to %s; restart required", opts.Origin)
	}
	if err == nil {
		var w *worker.Worker
		w, err = s.registration.Register(ctx, opts)
		if err != nil && w != nil {
			// Activated with stale caches left behind; w is live.
			logging.Warn("Worker applied with activation errors",
				zap.String("version", w.Version()),
				zap.Error(err),
			)
			err = nil
		}
	}
	s.metrics.RecordConfigReload(err == nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
	return nil
}

// Shutdown stops accepting requests, waits for pending cache stores and
// releases every backend.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}

	if s.adminServer != nil {
		if err := s.adminServer.Stop(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
		}
	}

	var errs []error
	if err := s.manager.StopAll(ctx); err != nil {
		logging.Error("Listener shutdown error", zap.Error(err))
		errs = append(errs, err)
	}

	s.registration.Close()
	if err := s.closeBackends(); err != nil {
		errs = append(errs, err)
	}

	logging.Info("Server shutdown complete")
	return errors.Join(errs...)
}

func (s *Server) closeBackends() error {
	var errs []error
	if err := s.notifier.Close(); err != nil {
		errs = append(errs, fmt.Errorf("notifier: %w", err))
	}
	if err := s.storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	if err := s.tracer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	return errors.Join(errs...)
}
