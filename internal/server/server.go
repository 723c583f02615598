// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mkowalski/marketpay/internal/commission"
	"github.com/mkowalski/marketpay/internal/config"
	"github.com/mkowalski/marketpay/internal/escrow"
	"github.com/mkowalski/marketpay/internal/logging"
	"github.com/mkowalski/marketpay/internal/metrics"
	"github.com/mkowalski/marketpay/internal/notify"
	"github.com/mkowalski/marketpay/internal/outbox"
	"github.com/mkowalski/marketpay/internal/payout"
	"github.com/mkowalski/marketpay/internal/provider"
	"github.com/mkowalski/marketpay/internal/ratelimit"
	"github.com/mkowalski/marketpay/internal/refund"
	"github.com/mkowalski/marketpay/internal/security"
	"github.com/mkowalski/marketpay/internal/settlement"
	"github.com/mkowalski/marketpay/internal/traces"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	commissions *commission.Service
	escrows     *escrow.Service
	refunds     *refund.Service
	payouts     *payout.Service
	settlements *settlement.Service
	accounts    payout.AccountRegistry
	processor   provider.Provider

	escrowTimer     *escrow.Timer
	refundTimer     *refund.Timer
	payoutTimer     *payout.Timer
	settlementTimer *settlement.Timer
	dispatcher      *outbox.Dispatcher

	rateLimiter    *ratelimit.Limiter
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProcessor sets a custom payment processor (for testing)
func WithProcessor(p provider.Provider) Option {
	return func(s *Server) {
		s.processor = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set processor/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.tracesShutdown = shutdown

	// Payment processor (config-selected, never branched at runtime)
	if s.processor == nil {
		p, err := provider.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create payment provider: %w", err)
		}
		s.processor = p
	}
	s.logger.Info("payment provider configured", "provider", cfg.Provider)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		commissionStore commission.Store
		escrowStore     escrow.Store
		refundStore     refund.Store
		payoutStore     payout.Store
		settlementStore settlement.Store
		outboxStore     outbox.Store
	)
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
		commissionStore = commission.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		refundStore = refund.NewPostgresStore(db)
		payoutStore = payout.NewPostgresStore(db)
		settlementStore = settlement.NewPostgresStore(db)
		outboxStore = outbox.NewPostgresStore(db)
		s.accounts = payout.NewPostgresDirectory(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		commissionStore = commission.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		refundStore = refund.NewMemoryStore()
		payoutStore = payout.NewMemoryStore()
		settlementStore = settlement.NewMemoryStore()
		outboxStore = outbox.NewMemoryStore()
		s.accounts = payout.NewMemoryDirectory()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Notifications flow through the outbox so the request path never
	// blocks on delivery.
	emitter := notify.NewEmitter(outboxStore, s.logger)
	var sender outbox.Sender
	if cfg.NotifyWebhookURL != "" {
		sender = outbox.NewWebhookSender(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret)
		s.logger.Info("webhook notifications enabled", "url", cfg.NotifyWebhookURL)
	} else {
		sender = outbox.NewLogSender(s.logger)
		s.logger.Info("webhook notifications disabled, logging events")
	}
	s.dispatcher = outbox.NewDispatcher(outboxStore, sender, cfg.OutboxPollInterval, 10, s.logger)

	// Domain services
	s.commissions = commission.NewService(commissionStore)
	s.escrows = escrow.NewService(escrowStore, s.commissions, s.processor, cfg.DisputeWindow)
	s.refunds = refund.NewService(refundStore, s.escrows, s.processor, emitter,
		cfg.PayoutMaxRetries, cfg.PayoutRetryBase, cfg.PayoutRetryCap)
	s.payouts = payout.NewService(payoutStore, s.escrows, s.processor, s.accounts, emitter,
		cfg.PayoutMethod, cfg.PayoutMaxRetries, cfg.PayoutRetryBase, cfg.PayoutRetryCap)
	s.settlements = settlement.NewService(settlementStore, s.escrows, s.payouts, emitter)

	// Background sweeps
	s.escrowTimer = escrow.NewTimer(s.escrows, escrowStore, cfg.EligibilitySweep, s.logger)
	s.refundTimer = refund.NewTimer(s.refunds, time.Minute, s.logger)
	s.payoutTimer = payout.NewTimer(s.payouts, cfg.PayoutRunInterval, s.logger)
	s.settlementTimer = settlement.NewTimer(s.settlements, cfg.SettlementRunHour, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
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
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
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

		// Log level based on status code
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

// adminAuthMiddleware guards the admin surface with a shared secret.
// Without a configured secret, admin routes only work in development.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "ADMIN_SECRET is not configured",
			})
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin credentials",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES
	// Capture, disputes, and all the read endpoints
	escrowHandler := escrow.NewHandler(s.escrows)
	escrowHandler.RegisterRoutes(v1)

	refundHandler := refund.NewHandler(s.refunds)
	refundHandler.RegisterRoutes(v1)

	payoutHandler := payout.NewHandler(s.payouts, s.accounts)
	payoutHandler.RegisterRoutes(v1)

	settlementHandler := settlement.NewHandler(s.settlements)
	settlementHandler.RegisterRoutes(v1)

	// ADMIN ROUTES (X-Admin-Secret header)
	// Commission rule management, payout runs, settlement lifecycle
	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())

	commissionHandler := commission.NewHandler(s.commissions)
	commissionHandler.RegisterAdminRoutes(admin)
	refundHandler.RegisterAdminRoutes(admin)
	payoutHandler.RegisterAdminRoutes(admin)
	settlementHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":            "Marketpay",
		"description":     "Seller payout and settlement engine",
		"version":         "0.1.0",
		"provider":        s.cfg.Provider,
		"defaultCurrency": s.cfg.DefaultCurrency,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"provider", s.cfg.Provider,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start background sweeps
	go s.escrowTimer.Start(runCtx)
	go s.refundTimer.Start(runCtx)
	go s.payoutTimer.Start(runCtx)
	go s.settlementTimer.Start(runCtx)
	go s.dispatcher.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (timers, dispatcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.escrowTimer.Stop()
	s.refundTimer.Stop()
	s.payoutTimer.Stop()
	s.settlementTimer.Stop()
	s.dispatcher.Stop()
	s.logger.Info("background sweeps stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	// Close database connection pool
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

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
