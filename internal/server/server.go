// Package server wires the settlement engine's stores, services, and HTTP
// surface together and owns the process lifecycle.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/lodgely/lodgely/internal/auth"
	"github.com/lodgely/lodgely/internal/booking"
	"github.com/lodgely/lodgely/internal/config"
	"github.com/lodgely/lodgely/internal/disputes"
	"github.com/lodgely/lodgely/internal/health"
	"github.com/lodgely/lodgely/internal/joblock"
	"github.com/lodgely/lodgely/internal/ledger"
	"github.com/lodgely/lodgely/internal/logging"
	"github.com/lodgely/lodgely/internal/metrics"
	"github.com/lodgely/lodgely/internal/provider"
	"github.com/lodgely/lodgely/internal/ratelimit"
	"github.com/lodgely/lodgely/internal/reconcile"
	"github.com/lodgely/lodgely/internal/security"
	"github.com/lodgely/lodgely/internal/settlement"
	"github.com/lodgely/lodgely/internal/status"
	"github.com/lodgely/lodgely/internal/traces"
	"github.com/lodgely/lodgely/internal/validation"
)

// Server holds the wired application: storage, domain services, the
// settlement worker, and the gin router.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db *sql.DB // nil when running on in-memory stores

	bookings  booking.Store
	events    ledger.Store
	dispStore disputes.Store
	locks     joblock.Store
	keys      auth.Store

	bookingSvc *booking.Service
	disputeSvc *disputes.Service
	statusSvc  *status.Service
	reconciler *reconcile.Service
	authMgr    *auth.Manager
	worker     *settlement.Worker
	prov       provider.Provider

	healthReg   *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server

	ready        atomic.Bool
	cancelRunCtx context.CancelFunc
	traceStop    func(context.Context) error
}

// Option customizes server construction, mainly for tests.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithProvider overrides the payment provider. Tests inject a mock here
// regardless of configuration.
func WithProvider(p provider.Provider) Option {
	return func(s *Server) { s.prov = p }
}

// New builds a fully wired server from configuration. With DATABASE_URL set
// every store runs on Postgres; otherwise everything is in-memory, which is
// only suitable for development and tests.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}

		s.db = db
		s.bookings = booking.NewPostgresStore(db)
		s.events = ledger.NewPostgresStore(db)
		s.dispStore = disputes.NewPostgresStore(db)
		s.locks = joblock.NewPostgresStore(db)
		s.keys = auth.NewPostgresStore(db)
		s.logger.Info("storage: postgres", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		s.bookings = booking.NewMemoryStore()
		s.events = ledger.NewMemoryStore()
		s.dispStore = disputes.NewMemoryStore()
		s.locks = joblock.NewMemoryStore()
		s.keys = auth.NewMemoryStore()
		s.logger.Warn("storage: in-memory, data will not survive restarts")
	}

	if s.prov == nil {
		if cfg.StripeSecretKey != "" {
			s.prov = provider.NewStripeProvider(cfg.StripeSecretKey, cfg.ProviderTimeout)
			s.logger.Info("payment provider: stripe")
		} else {
			s.prov = provider.NewMock()
			s.logger.Warn("payment provider: mock, transfers are simulated")
		}
	}

	s.authMgr = auth.NewManager(s.keys)
	if err := s.authMgr.Bootstrap(context.Background(), cfg.OperatorAPIKey); err != nil {
		return nil, fmt.Errorf("bootstrap operator key: %w", err)
	}
	s.bookingSvc = booking.NewService(s.bookings, s.events, cfg.Policy)
	s.disputeSvc = disputes.NewService(s.dispStore, s.bookings)
	s.statusSvc = status.NewService(s.bookings, s.events, s.dispStore, cfg.Policy)
	s.reconciler = reconcile.NewService(s.events, s.bookings)
	s.worker = settlement.NewWorker(s.bookings, s.events, s.disputeSvc, s.locks, s.prov, cfg, s.logger)

	s.healthReg = health.NewRegistry()
	s.healthReg.Register("bookings", health.PingChecker("bookings", s.bookings.Ping))
	s.healthReg.Register("ledger", health.PingChecker("ledger", s.events.Ping))
	s.healthReg.Register("disputes", health.PingChecker("disputes", s.dispStore.Ping))
	s.healthReg.Register("locks", health.PingChecker("locks", s.locks.Ping))
	s.healthReg.Register("keys", health.PingChecker("keys", s.keys.Ping))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitRPM / 4,
		CleanupInterval:   5 * time.Minute,
	})

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}


// maskDSN hides credentials in a database URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"panic", fmt.Sprintf("%v", recovered),
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(s.rateLimiter.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// requestIDMiddleware propagates or mints a request ID and attaches a
// request-scoped logger to the context.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("requestId", requestID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Health and metrics probes are too chatty to log.
		path := c.Request.URL.Path
		if path == "/health" || path == "/health/live" || path == "/health/ready" || path == "/metrics" {
			return
		}

		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
			"ip", c.ClientIP(),
		}
		switch {
		case c.Writer.Status() >= 500:
			logger.Error("request", attrs...)
		case c.Writer.Status() >= 400:
			logger.Warn("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	// Provider webhooks authenticate via HMAC signature, not API keys.
	webhookHandler := reconcile.NewHandler(s.reconciler, s.cfg.WebhookSecret)
	webhookHandler.RegisterRoutes(v1)

	authed := v1.Group("")
	authed.Use(auth.RequireAuth())
	booking.NewHandler(s.bookingSvc).RegisterRoutes(authed)
	disputes.NewHandler(s.disputeSvc).RegisterRoutes(authed)
	status.NewHandler(s.statusSvc).RegisterRoutes(authed)
	auth.NewHandler(s.authMgr).RegisterRoutes(authed)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAuth(), auth.RequireOperator())
	booking.NewHandler(s.bookingSvc).RegisterOperatorRoutes(admin)
	disputes.NewHandler(s.disputeSvc).RegisterOperatorRoutes(admin)
	auth.NewHandler(s.authMgr).RegisterOperatorRoutes(admin)
	joblock.NewHandler(s.locks).RegisterOperatorRoutes(admin)
	admin.GET("/health", s.adminHealthHandler)
	admin.GET("/settlement/stats", s.settlementStatsHandler)
	admin.POST("/settlement/run", s.settlementRunHandler)
	admin.GET("/reconcile/stats", s.reconcileStatsHandler)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)
	code := http.StatusOK
	state := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	c.JSON(code, gin.H{
		"status": state,
		"checks": statuses,
		"worker": gin.H{"running": s.worker.Running()},
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "lodgely-settlement",
		"description": "Booking settlement and escrow engine",
		"env":         s.cfg.Env,
		"policy": gin.H{
			"version":      s.cfg.Policy.Version,
			"commissionBp": s.cfg.Policy.CommissionBP,
		},
	})
}

// adminHealthHandler aggregates operational counters for operators:
// settlement cycle outcomes, webhook reconciliation tallies, and the
// number of bookings waiting on a human.
func (s *Server) adminHealthHandler(c *gin.Context) {
	attention, err := s.bookings.CountAttention(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to count attention bookings",
		})
		return
	}
	transfers, err := s.events.TransferCounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to count transfers",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"settlement":        s.worker.Snapshot(),
		"reconcile":         s.reconciler.Snapshot(),
		"transfers":         transfers,
		"attentionBookings": attention,
	})
}

func (s *Server) settlementStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": s.worker.Snapshot()})
}

// settlementRunHandler triggers one synchronous settlement cycle. Useful for
// operators who do not want to wait for the next tick.
func (s *Server) settlementRunHandler(c *gin.Context) {
	if err := s.worker.RunCycle(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "cycle_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": s.worker.Snapshot()})
}

func (s *Server) reconcileStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": s.reconciler.Snapshot()})
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the HTTP server and the settlement worker, then blocks until a
// shutdown signal or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.traceStop = stop
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.worker.Start(runCtx)
	go metrics.StartRuntimeCollector(runCtx, s.db, 15*time.Second)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown drains in-flight requests, stops the worker, and closes storage.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.worker.Stop()
	s.logger.Info("settlement worker stopped")

	s.rateLimiter.Stop()

	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil {
			s.logger.Error("trace flush error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("shutdown complete")
	return shutdownErr
}
