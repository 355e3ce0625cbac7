// Package server wires storage, services and HTTP routes together.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/XaidenLabs/lemonzee-settlement/internal/auth"
	"github.com/XaidenLabs/lemonzee-settlement/internal/config"
	"github.com/XaidenLabs/lemonzee-settlement/internal/escrow"
	"github.com/XaidenLabs/lemonzee-settlement/internal/health"
	"github.com/XaidenLabs/lemonzee-settlement/internal/logging"
	"github.com/XaidenLabs/lemonzee-settlement/internal/metrics"
	"github.com/XaidenLabs/lemonzee-settlement/internal/notify"
	"github.com/XaidenLabs/lemonzee-settlement/internal/party"
	"github.com/XaidenLabs/lemonzee-settlement/internal/payout"
	"github.com/XaidenLabs/lemonzee-settlement/internal/property"
	"github.com/XaidenLabs/lemonzee-settlement/internal/provider"
	"github.com/XaidenLabs/lemonzee-settlement/internal/ratelimit"
	"github.com/XaidenLabs/lemonzee-settlement/internal/reversal"
	"github.com/XaidenLabs/lemonzee-settlement/internal/security"
	"github.com/XaidenLabs/lemonzee-settlement/internal/transaction"
	"github.com/XaidenLabs/lemonzee-settlement/internal/validation"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *sql.DB // nil if using in-memory storage
	gateway  provider.Gateway
	notifier *notify.Service

	parties  party.Store
	props    property.Store
	txns     transaction.Store
	payouts  payout.Store
	escrows  escrow.Store

	authMgr       *auth.Manager
	txnService    *transaction.Service
	payoutService *payout.Service
	escrowService *escrow.Service
	ingestor      *escrow.Ingestor
	scheduler     *reversal.Scheduler

	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom payment gateway (for testing).
func WithGateway(g provider.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a server instance with all services wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.parties = party.NewPostgresStore(db)
		s.props = property.NewPostgresStore(db)
		s.txns = transaction.NewPostgresStore(db)
		s.payouts = payout.NewPostgresStore(db)
		s.escrows = escrow.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.parties = party.NewMemoryStore()
		s.props = property.NewMemoryStore()
		s.txns = transaction.NewMemoryStore()
		s.payouts = payout.NewMemoryStore()
		s.escrows = escrow.NewMemoryStore()
		s.logger.Warn("using in-memory storage, data will not persist")
	}

	// Payment gateway: real provider client when a secret is configured,
	// deterministic mock otherwise.
	if s.gateway == nil {
		if cfg.ProviderSecret != "" {
			// The base URL is operator-supplied; refuse internal targets in
			// production so a bad PROVIDER_BASE_URL cannot reach the network
			// the server sits on.
			if cfg.IsProduction() {
				if err := security.ValidateEndpointURL(cfg.ProviderBaseURL); err != nil {
					return nil, fmt.Errorf("provider base URL rejected: %w", err)
				}
			}
			s.gateway = provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderSecret, cfg.ProviderTimeout, s.logger)
			s.logger.Info("payment provider enabled", "base_url", cfg.ProviderBaseURL)
		} else {
			s.gateway = provider.NewMock(s.logger)
			s.logger.Warn("no provider secret configured, using mock gateway")
		}
	}

	s.notifier = notify.NewService(&notify.LogSender{Logger: s.logger}, s.parties, cfg.AdminEmail, s.logger)

	var authStore auth.Store = auth.NewMemoryStore()
	if s.db != nil {
		authStore = auth.NewPostgresStore(s.db)
	}
	s.authMgr = auth.NewManager(authStore)
	if cfg.OperatorAPIKey != "" {
		if err := s.authMgr.Bootstrap(context.Background(), cfg.OperatorAPIKey, cfg.AdminEmail); err != nil {
			return nil, fmt.Errorf("failed to bootstrap operator key: %w", err)
		}
	} else {
		s.logger.Warn("no operator API key configured, operator routes are unauthenticated")
	}

	s.payoutService = payout.NewService(s.payouts, s.parties, s.gateway, s.notifier, cfg.CommissionRate, s.logger)
	s.txnService = transaction.NewService(s.txns, s.props, s.parties, s.gateway,
		s.payoutService, s.notifier, cfg.CodeSecret, cfg.CodeTTL,
		cfg.CommissionRate, cfg.DefaultCurrency, s.logger)
	s.escrowService = escrow.NewService(s.escrows, s.parties, s.gateway, cfg.DefaultCurrency, s.logger)
	s.ingestor = escrow.NewIngestor(s.escrows, s.txnService, cfg.WebhookSecret, cfg.WebhookAlgorithm, s.logger)

	s.scheduler = reversal.NewScheduler(s.txns, s.props, s.gateway, s.notifier, reversal.Config{
		SaleDeadline:     cfg.SaleDeadline,
		RentDeadline:     cfg.RentDeadline,
		PenaltyRate:      cfg.PenaltyRate,
		PenaltyThreshold: cfg.PenaltyThreshold,
		Interval:         cfg.ReversalInterval,
	}, s.logger)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitRPS / 5,
		CleanupInterval:   time.Minute,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "an unexpected error occurred",
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

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")
	txnHandler := transaction.NewHandler(s.txnService)
	txnHandler.RegisterRoutes(v1)
	escrow.NewHandler(s.escrowService, s.ingestor).RegisterRoutes(v1)

	payoutHandler := payout.NewHandler(s.payoutService, s.gateway)
	payoutHandler.RegisterRoutes(v1)

	// Operator actions: stuck-deal review, manual disbursement retries and
	// fulfilment. Key-gated when an operator key is configured.
	operator := v1.Group("/operator")
	operator.Use(auth.Middleware(s.authMgr))
	if s.cfg.OperatorAPIKey != "" {
		operator.Use(auth.RequireAuth(s.authMgr))
	}
	txnHandler.RegisterOperatorRoutes(operator)
	payoutHandler.RegisterOperatorRoutes(operator)
	auth.NewHandler(s.authMgr).RegisterRoutes(operator)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   Version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Version is the service version reported by /api and /health.
const Version = "0.1.0"

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "lemonzee-settlement",
		"version":     Version,
		"description": "Escrow-mediated transaction settlement engine",
		"endpoints": gin.H{
			"transactions": "/v1/transactions",
			"payouts":      "/v1/payouts",
			"escrows":      "/v1/escrows",
			"webhook":      "/v1/transactions/webhook/escrow",
			"health":       "/health",
			"metrics":      "/metrics",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, blocking until the
// context is cancelled or a shutdown signal arrives.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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

	// Reversal scheduler sweeps for transactions past their confirmation
	// deadline.
	go s.scheduler.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server and background workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.scheduler.Stop()
	s.logger.Info("reversal scheduler stopped")

	s.rateLimiter.Stop()

	// Let in-flight side effects (emails, disbursements) drain.
	s.txnService.Wait()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router, for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Stores returns the backing stores, for tests that need to seed data.
func (s *Server) Stores() (party.Store, property.Store) {
	return s.parties, s.props
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
