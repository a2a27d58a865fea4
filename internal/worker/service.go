package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/tally/internal/config"
	"github.com/thebtf/tally/internal/maintenance"
	"github.com/thebtf/tally/internal/scoring"
	"github.com/thebtf/tally/pkg/models"
)

// Service configuration constants
const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second

	// MaxRequestBodyBytes caps award payloads.
	MaxRequestBodyBytes = 64 << 10

	// ReadyPollInterval is how often WaitReady checks initialization status.
	ReadyPollInterval = 50 * time.Millisecond
)

// Service is the worker service: it owns the stores, the scoring engine and
// the HTTP surface in front of them.
type Service struct {
	startTime time.Time
	initError error
	ctx       context.Context

	config   *config.Config
	router   *chi.Mux
	server   *http.Server
	registry *prometheus.Registry
	limiter  *PerClientRateLimiter
	cancel   context.CancelFunc

	// Components set by initializeAsync, guarded by initMu
	stores  *Stores
	scoring *models.ScoringConfig
	awarder *scoring.Awarder
	ranker  *scoring.Ranker
	maint   *maintenance.Service

	version string
	wg      sync.WaitGroup
	initMu  sync.RWMutex
	ready   atomic.Bool
}

// NewService creates the worker service. Health endpoints respond at once;
// stores are opened in the background and /api/ready flips when they are up.
func NewService(version string, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	svc := newService(version, cfg)

	go svc.initializeAsync()

	return svc, nil
}

// newService builds the router without touching any store.
func newService(version string, cfg *config.Config) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc := &Service{
		version:   version,
		config:    cfg,
		router:    chi.NewRouter(),
		registry:  registry,
		limiter:   NewPerClientRateLimiter(cfg.AwardRate, cfg.AwardBurst),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}

	svc.setupMiddleware()
	svc.setupRoutes()

	return svc
}

// initializeAsync opens the stores and builds the scoring engine.
func (s *Service) initializeAsync() {
	log.Info().Msg("Starting async initialization...")

	scoringCfg, err := config.LoadScoringConfig(s.config.ScoringTablePath)
	if err != nil {
		s.setInitError(fmt.Errorf("load scoring table: %w", err))
		return
	}

	if s.config.DBDriver == config.DriverSQLite {
		if err := config.EnsureDataDir(); err != nil {
			s.setInitError(fmt.Errorf("ensure data dir: %w", err))
			return
		}
	}

	stores, err := OpenStores(s.ctx, s.config)
	if err != nil {
		s.setInitError(err)
		return
	}

	s.setComponents(stores, scoringCfg)
	log.Info().
		Str("driver", stores.DB.Driver()).
		Int("actions", len(scoringCfg.Actions())).
		Msg("Async initialization complete - service ready")
}

// setComponents wires the engine over the given stores and marks the
// service ready.
func (s *Service) setComponents(stores *Stores, scoringCfg *models.ScoringConfig) {
	awarder, ranker := NewEngine(stores, scoringCfg, s.config)
	maint := NewMaintenance(stores, scoringCfg, s.config)

	s.initMu.Lock()
	s.stores = stores
	s.scoring = scoringCfg
	s.awarder = awarder
	s.ranker = ranker
	s.maint = maint
	s.initMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		maint.Start(s.ctx)
	}()

	s.ready.Store(true)
}

// NewEngine builds the award orchestrator and the leaderboard reader.
func NewEngine(stores *Stores, scoringCfg *models.ScoringConfig, cfg *config.Config) (*scoring.Awarder, *scoring.Ranker) {
	engineLog := log.With().Str("component", "scoring").Logger()

	awarder := scoring.NewAwarder(stores.Events, stores.Boards, stores.Users, scoring.NewCalculator(scoringCfg), engineLog, scoring.Options{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return awarder, scoring.NewRanker(stores.Boards, engineLog, cfg.ReadTimeout)
}

// NewMaintenance builds the standings reconciliation scheduler.
func NewMaintenance(stores *Stores, scoringCfg *models.ScoringConfig, cfg *config.Config) *maintenance.Service {
	reconciler := maintenance.NewReconciler(stores.Events, stores.Boards, stores.Users, cfg.ReconcileSettle, log.Logger)
	return maintenance.NewService(reconciler, scoringCfg.Periods(), cfg.ReconcileInterval, log.Logger)
}

// setInitError records an initialization error.
func (s *Service) setInitError(err error) {
	s.initMu.Lock()
	s.initError = err
	s.initMu.Unlock()
	log.Error().Err(err).Msg("Async initialization failed")
}

// GetInitError returns any initialization error.
func (s *Service) GetInitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initError
}

// WaitReady blocks until the service is ready, initialization failed, or
// ctx is done.
func (s *Service) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(ReadyPollInterval)
	defer ticker.Stop()
	for {
		if s.ready.Load() {
			return nil
		}
		if err := s.GetInitError(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// engine returns the scoring components once initialized.
func (s *Service) engine() (*scoring.Awarder, *scoring.Ranker, *models.ScoringConfig) {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.awarder, s.ranker, s.scoring
}

// setupMiddleware configures HTTP middleware.
func (s *Service) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(NewHTTPMetrics(s.registry).Middleware)
	s.router.Use(middleware.Timeout(DefaultHTTPTimeout))
	s.router.Use(SecurityHeaders(s.config.CORSOrigins))
	s.router.Use(MaxBodySize(MaxRequestBodyBytes))
	s.router.Use(NewTokenAuth(s.config.AuthToken).Middleware)
}

// setupRoutes configures HTTP routes.
func (s *Service) setupRoutes() {
	// Health check answers during init so supervisors can connect early
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/version", s.handleVersion)

	// Readiness check - returns 200 only when fully initialized
	s.router.Get("/api/ready", s.handleReady)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// Routes that require the stores to be ready
	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		r.With(RequireJSONContentType, PerClientRateLimitMiddleware(s.limiter)).
			Post("/api/points/award", s.handleAward)

		r.Get("/api/leaderboard/{period}", s.handleLeaderboard)
		r.Get("/api/leaderboard/{period}/users/{userID}", s.handleMyRank)
		r.Get("/api/users/{userID}/events", s.handleUserEvents)
		r.Get("/api/scoring/actions", s.handleScoringActions)
		r.Get("/api/stats/ratelimit", s.handleRateLimitStats)

		r.Get("/api/maintenance/stats", s.handleMaintenanceStats)
		r.Post("/api/maintenance/reconcile", s.handleReconcile)
	})
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Service) Start() error {
	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().
		Str("addr", s.config.Addr()).
		Int("pid", os.Getpid()).
		Bool("auth", s.config.AuthToken != "").
		Msg("Worker HTTP server started (initialization in progress)")

	return nil
}

// Shutdown gracefully shuts down the service.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	s.initMu.RLock()
	maint := s.maint
	s.initMu.RUnlock()
	if maint != nil {
		maint.Stop()
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.initMu.Lock()
	stores := s.stores
	s.stores = nil
	s.initMu.Unlock()

	if stores != nil {
		if err := stores.Close(); err != nil {
			log.Error().Err(err).Msg("Store close error")
		}
	}

	log.Info().Dur("uptime", time.Since(s.startTime)).Msg("Worker service shutdown complete")
	return nil
}

// requestLogger returns the global logger tagged with the request ID.
func requestLogger(ctx context.Context) zerolog.Logger {
	return log.With().Str("component", "worker").Str("request_id", GetRequestID(ctx)).Logger()
}
