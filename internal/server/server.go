// Package server sets up the HTTP server with all routes
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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/glowdesk/glowdesk/internal/billing"
	"github.com/glowdesk/glowdesk/internal/cache"
	"github.com/glowdesk/glowdesk/internal/circuitbreaker"
	"github.com/glowdesk/glowdesk/internal/config"
	"github.com/glowdesk/glowdesk/internal/content"
	"github.com/glowdesk/glowdesk/internal/credits"
	"github.com/glowdesk/glowdesk/internal/health"
	"github.com/glowdesk/glowdesk/internal/idgen"
	"github.com/glowdesk/glowdesk/internal/llm"
	"github.com/glowdesk/glowdesk/internal/logging"
	"github.com/glowdesk/glowdesk/internal/metrics"
	"github.com/glowdesk/glowdesk/internal/plans"
	"github.com/glowdesk/glowdesk/internal/ratelimit"
	"github.com/glowdesk/glowdesk/internal/realtime"
	"github.com/glowdesk/glowdesk/internal/reconciler"
	"github.com/glowdesk/glowdesk/internal/security"
	"github.com/glowdesk/glowdesk/internal/subscription"
	"github.com/glowdesk/glowdesk/internal/traces"
	"github.com/glowdesk/glowdesk/internal/usage"
	"github.com/glowdesk/glowdesk/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	catalog        *plans.Catalog
	subscriptions  subscription.Store
	usageRecorder  *usage.Recorder
	gate           *credits.Gate
	orchestrator   *billing.Orchestrator // nil when billing disabled
	reconciler     *reconciler.Reconciler
	generator      llm.Generator
	contentSvc     *content.Service
	realtimeHub    *realtime.Hub
	breaker        *circuitbreaker.Breaker
	rateLimiter    *ratelimit.Limiter
	healthRegistry *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGenerator sets a custom LLM generator (for testing)
func WithGenerator(g llm.Generator) Option {
	return func(s *Server) {
		s.generator = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	s.catalog = plans.NewCatalog(plans.PriceIDs{
		Pro:     cfg.StripePriceProID,
		ProPlus: cfg.StripePriceProPlusID,
	})

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var usageStore usage.Store
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		subStore := subscription.NewPostgresStore(db, s.catalog)
		if err := subStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate subscription store", "error", err)
		}
		s.subscriptions = subStore

		pgUsage := usage.NewPostgresStore(db)
		if err := pgUsage.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate usage store", "error", err)
		}
		usageStore = pgUsage
	} else {
		s.subscriptions = subscription.NewMemoryStore(s.catalog)
		usageStore = usage.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.usageRecorder = usage.NewRecorder(usageStore)
	s.gate = credits.NewGate(s.subscriptions, s.catalog)
	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.realtimeHub = realtime.NewHub(s.logger)

	// Billing: degrade, don't crash, without Stripe credentials. The free
	// tier keeps working; billing endpoints answer 503.
	if cfg.BillingEnabled() {
		provider := billing.NewStripeProvider(cfg.StripeSecretKey, s.breaker)
		s.orchestrator = billing.NewOrchestrator(provider, s.subscriptions, s.catalog)
		s.reconciler = reconciler.New(s.subscriptions, s.catalog, cfg.StripeWebhookSecret,
			reconciler.WithNotifier(s.realtimeHub))
		s.logger.Info("billing enabled")
	} else {
		s.logger.Warn("billing disabled: STRIPE_SECRET_KEY not set; paid tiers unavailable")
	}

	// Generation: stub without an API key so local development works.
	if s.generator == nil {
		if cfg.LLMEnabled() {
			s.generator = llm.NewClient(llm.ClientConfig{
				BaseURL: cfg.LLMBaseURL,
				APIKey:  cfg.LLMAPIKey,
				Model:   cfg.LLMModel,
				Timeout: cfg.LLMTimeout,
			}, s.breaker)
			s.logger.Info("llm generation enabled", "model", cfg.LLMModel)
		} else {
			s.generator = llm.NewStub()
			s.logger.Warn("llm disabled: LLM_API_KEY not set; using stubbed generation")
		}
	}

	s.contentSvc = content.NewService(s.gate, s.generator, cache.New(), s.usageRecorder, s.realtimeHub)

	s.healthRegistry = health.NewRegistry()
	if s.db != nil {
		s.healthRegistry.Register("database", health.DatabaseChecker(s.db))
	}
	if cfg.BillingEnabled() {
		s.healthRegistry.Register("stripe", health.BreakerChecker("stripe", s.breaker, "stripe"))
	}
	if cfg.LLMEnabled() {
		s.healthRegistry.Register("llm", health.BreakerChecker("llm", s.breaker, "llm"))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

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

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitPerMinute,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if tenantID := c.Param("id"); tenantID != "" {
			ctx = logging.WithTenantID(ctx, tenantID)
		}
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

func (s *Server) setupRoutes() {
	// Probes & metrics
	health.NewHandler(s.healthRegistry).RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	// Stripe webhook lives at the engine root; the path is registered with
	// Stripe, and its payload is raw (not JSON-bound).
	reconciler.NewHandler(s.reconciler).RegisterRoutes(s.router)

	v1 := s.router.Group("/v1")
	v1.Use(validation.TenantParamMiddleware())

	subscription.NewHandler(s.subscriptions, s.catalog).RegisterRoutes(v1)
	usage.NewHandler(s.usageRecorder).RegisterRoutes(v1)
	billing.NewHandler(s.orchestrator).RegisterRoutes(v1)
	content.NewHandler(s.contentSvc).RegisterRoutes(v1)

	// Live credit balance pushes for the dashboard.
	v1.GET("/tenants/:id/events", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, c.Param("id"))
	})
}

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdownTraces
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * time.Minute, // ebook generation is slow
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.realtimeHub.Shutdown(ctx)

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Warn("traces shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
