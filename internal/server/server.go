// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
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

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mbd888/exportguard/internal/auth"
	"github.com/mbd888/exportguard/internal/config"
	"github.com/mbd888/exportguard/internal/exportrisk"
	"github.com/mbd888/exportguard/internal/health"
	"github.com/mbd888/exportguard/internal/logging"
	"github.com/mbd888/exportguard/internal/metrics"
	"github.com/mbd888/exportguard/internal/notify"
	"github.com/mbd888/exportguard/internal/ratelimit"
	"github.com/mbd888/exportguard/internal/security"
	"github.com/mbd888/exportguard/migrations"
)

// minRedisRetention keeps Redis history long enough for the weekly quota even
// if the policy lookback is later shortened.
const minRedisRetention = 8 * 24 * time.Hour

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	engine       *exportrisk.Engine
	handler      *exportrisk.Handler
	keyring      *auth.Keyring
	seedUsers    []exportrisk.User
	notifier     exportrisk.Notifier
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB               // nil if using in-memory
	redis        redis.UniversalClient // nil unless REDIS_URL is set
	redisHistory *exportrisk.RedisHistoryStore
	pubsubClient *pubsub.Client
	pubsubTopic  *notify.PubSubNotifier
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithNotifier replaces the configured alert channels (for testing)
func WithNotifier(n exportrisk.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// WithUsers seeds the in-memory user directory. Ignored with PostgreSQL.
func WithUsers(users ...exportrisk.User) Option {
	return func(s *Server) {
		s.seedUsers = append(s.seedUsers, users...)
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(2 * time.Second),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	thresholds, err := policy.Thresholds()
	if err != nil {
		return nil, fmt.Errorf("invalid export policy: %w", err)
	}

	var (
		history  exportrisk.HistoryStore
		sec      exportrisk.SecurityHistoryStore
		users    exportrisk.UserDirectory
		audit    exportrisk.AuditLogger
		logs     exportrisk.SecurityLogReader
		sighting exportrisk.SightingRecorder
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		store := exportrisk.NewPostgresStore(db)
		history, sec, audit, logs, sighting = store, store, store, store, store
		users = exportrisk.NewPostgresUserDirectory(db)
		s.health.Register("postgres", health.Ping("postgres", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		secStore := exportrisk.NewMemorySecurityStore()
		auditLog := exportrisk.NewMemoryAuditLog()
		history = exportrisk.NewMemoryHistoryStore()
		sec, sighting = secStore, secStore
		audit, logs = auditLog, auditLog
		users = exportrisk.NewMemoryUserDirectory(s.seedUsers...)
		s.logger.Info("using in-memory storage (data will not persist)", "users", len(s.seedUsers))
	}

	// Redis takes over export history when configured
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(ropts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			s.closeStores()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		rh := exportrisk.NewRedisHistoryStore(client, max(thresholds.Lookback, minRedisRetention))
		s.redisHistory = rh
		history = rh
		s.health.Register("redis", health.Ping("redis", rh.Ping))
		s.logger.Info("export history in redis", "addr", ropts.Addr, "db", ropts.DB)
	}

	if s.notifier == nil {
		n, err := s.buildNotifier(ctx)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.notifier = n
	}

	engineOpts := []exportrisk.Option{
		exportrisk.WithLogger(s.logger),
		exportrisk.WithThresholds(thresholds),
		exportrisk.WithAdminFanout(cfg.AdminFanout),
	}
	if cfg.SerializePerUser {
		engineOpts = append(engineOpts, exportrisk.WithUserSerialization())
	}
	if cfg.AsyncNotifications {
		engineOpts = append(engineOpts, exportrisk.WithAsyncNotifications())
	}
	s.engine, err = exportrisk.New(history, sec, users, s.notifier, audit, engineOpts...)
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to create export engine: %w", err)
	}
	s.handler = exportrisk.NewHandler(s.engine).WithSightings(sighting).WithSecurityLogs(logs)

	if len(cfg.APIKeyHashes) > 0 {
		s.keyring, err = auth.NewKeyring(cfg.APIKeyHashes)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.logger.Info("API authentication enabled", "keys", s.keyring.Len())
	} else {
		s.logger.Warn("API authentication disabled (no API_KEY_HASHES set)")
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// buildNotifier assembles the alert channels. Alerts always reach the log;
// the webhook and Pub/Sub topic are added when configured.
func (s *Server) buildNotifier(ctx context.Context) (exportrisk.Notifier, error) {
	channels := notify.Multi{notify.NewLogNotifier(s.logger)}

	if s.cfg.AlertWebhookURL != "" {
		if s.cfg.IsProduction() {
			if err := security.ValidateWebhookURL(ctx, s.cfg.AlertWebhookURL, nil); err != nil {
				return nil, fmt.Errorf("ALERT_WEBHOOK_URL rejected: %w", err)
			}
		}
		client := &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		channels = append(channels, notify.NewWebhookNotifier(s.cfg.AlertWebhookURL, s.cfg.AlertWebhookSecret,
			notify.WithHTTPClient(client)))
		s.logger.Info("alert webhook enabled", "signed", s.cfg.AlertWebhookSecret != "")
	}

	if s.cfg.PubSubProjectID != "" {
		client, err := pubsub.NewClient(ctx, s.cfg.PubSubProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		s.pubsubClient = client
		s.pubsubTopic = notify.NewPubSubNotifier(client, s.cfg.PubSubTopic)
		channels = append(channels, s.pubsubTopic)
		s.logger.Info("alert pubsub enabled", "project", s.cfg.PubSubProjectID, "topic", s.cfg.PubSubTopic)
	}

	return channels, nil
}

func (s *Server) closeStores() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
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

	s.router.Use(security.HeadersMiddleware())
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	}
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
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
			logger.Debug("request completed",
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

	v1 := s.router.Group("/v1")
	if s.keyring != nil {
		v1.Use(auth.RequireServiceKey(s.keyring))
	}
	s.handler.RegisterRoutes(v1)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           otelhttp.NewHandler(s.router, "exportguard"),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go metrics.StartPoolCollector(runCtx, metrics.PoolSources{DB: s.db, Redis: s.redis}, 15*time.Second)

	if s.cfg.PolicyFile != "" {
		if err := config.WatchPolicy(runCtx, s.cfg.PolicyFile, s.logger, s.applyPolicy); err != nil {
			s.logger.Error("policy hot reload disabled", "error", err)
		}
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Let in-flight alert deliveries finish before closing their channels
	s.engine.Wait()

	if s.pubsubTopic != nil {
		s.pubsubTopic.Stop()
	}
	if s.pubsubClient != nil {
		if err := s.pubsubClient.Close(); err != nil {
			s.logger.Error("pubsub close error", "error", err)
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

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

// applyPolicy installs reloaded thresholds. A lookback longer than the Redis
// retention is refused, since the older history has already been trimmed.
func (s *Server) applyPolicy(t exportrisk.Thresholds) error {
	if s.redisHistory != nil && t.Lookback > s.redisHistory.Retention() {
		return fmt.Errorf("%w: lookback %s exceeds redis history retention %s",
			exportrisk.ErrInvalidThresholds, t.Lookback, s.redisHistory.Retention())
	}
	return s.engine.SetThresholds(t)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the export risk engine.
func (s *Server) Engine() *exportrisk.Engine {
	return s.engine
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
