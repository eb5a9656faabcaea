package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/welldanyogia/authgate/internal/archive"
	"github.com/welldanyogia/authgate/internal/auth"
	"github.com/welldanyogia/authgate/internal/config"
	"github.com/welldanyogia/authgate/internal/credential"
	"github.com/welldanyogia/authgate/internal/events"
	"github.com/welldanyogia/authgate/internal/geo"
	"github.com/welldanyogia/authgate/internal/health"
	"github.com/welldanyogia/authgate/internal/httputil"
	"github.com/welldanyogia/authgate/internal/logger"
	"github.com/welldanyogia/authgate/internal/metrics"
	authmw "github.com/welldanyogia/authgate/internal/middleware"
	"github.com/welldanyogia/authgate/internal/notify"
	"github.com/welldanyogia/authgate/internal/ratelimit"
	"github.com/welldanyogia/authgate/internal/repository"
	"github.com/welldanyogia/authgate/internal/revocation"
	"github.com/welldanyogia/authgate/internal/session"
	"github.com/welldanyogia/authgate/internal/sse"
	"github.com/welldanyogia/authgate/internal/token"
	"github.com/welldanyogia/authgate/internal/twofactor"
	"github.com/welldanyogia/authgate/internal/verification"
)

// Version is set at build time
var Version = "dev"

const (
	eventRetention     = 30 * 24 * time.Hour
	notificationBuffer = 256
)

func main() {
	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	dbPool, err := setupDatabase(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer dbPool.Close()

	sqlDB, err := sqlx.Open("pgx", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open sql database: %w", err)
	}
	defer sqlDB.Close()
	sqlDB.SetMaxOpenConns(10)

	var redisClient redis.UniversalClient
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// rate limiting fails open and the revocation store fails closed,
			// so the server still starts
			log.Warn("redis unreachable at startup", slog.String("error", err.Error()))
		}
	}

	collector := metrics.NewDBStatsCollector(dbPool, sqlDB.DB, log)
	collector.Start(15 * time.Second)
	defer collector.Stop()

	// Token revocation
	var revocationStore revocation.Store
	switch cfg.RevocationBackend() {
	case "redis":
		revocationStore = revocation.NewRedisStore(redisClient)
	case "memory":
		revocationStore = revocation.NewMemoryStore()
	default:
		revocationStore = revocation.NewSQLStore(sqlDB)
	}
	if purger, ok := revocationStore.(revocation.Purger); ok {
		go revocation.RunPurger(ctx, purger, cfg.Revocation.PurgeInterval, log)
	}
	log.Info("token revocation configured", slog.String("backend", cfg.RevocationBackend()))

	bindingMode, err := token.ParseMode(cfg.Security.TokenBindingMode)
	if err != nil {
		return err
	}
	tokens := token.NewService(token.Config{
		AccessSecret:       cfg.JWT.AccessSecret,
		RefreshSecret:      cfg.JWT.RefreshSecret,
		AccessTokenExpiry:  cfg.JWT.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.JWT.RefreshTokenExpiry,
		Issuer:             cfg.JWT.Issuer,
		Mode:               bindingMode,
		StrictFingerprint:  cfg.Security.StrictDeviceFingerprint,
	}, revocationStore, log)

	// Credentials and second factor
	guard := credential.NewGuard(credential.DefaultPolicy(), credential.NewBcryptHasher(credential.BcryptCost))
	twoFactor := twofactor.NewService(cfg.TwoFactor.Issuer, guard)

	// Sessions
	var locator session.Locator
	if cfg.Geo.Enabled() {
		locator = geo.NewHTTPLocator(geo.Config{
			IPLookupURL:       cfg.Geo.IPLookupURL,
			ReverseLookupURL:  cfg.Geo.ReverseLookupURL,
			Timeout:           cfg.Geo.Timeout,
			RequestsPerSecond: cfg.Geo.RequestsPerSecond,
		}, nil)
	}
	sessions := session.NewRegistry(locator, log)

	var verificationStore verification.Store = verification.NewMemoryStore()
	if redisClient != nil {
		verificationStore = verification.NewRedisStore(redisClient)
	}

	// Security events and notifications
	eventStore := events.NewEventStore(0)
	bus := events.NewEventBus(eventStore, log)
	dispatcher := notify.NewDispatcher(notify.NewLogNotifier(log), notificationBuffer, log)
	unsubscribe := notify.Forward(bus, dispatcher)
	defer unsubscribe()
	go cleanupEvents(ctx, eventStore, log)

	healthChecks := map[string]health.Checker{}
	var archiver archive.Archiver
	if cfg.Archive.Enabled() {
		s3Archiver := archive.NewS3Archiver(cfg.Archive)
		archiver = s3Archiver
		healthChecks["archive"] = s3Archiver
	}

	streams := sse.NewHandler(sse.Config{
		HeartbeatInterval:        cfg.Stream.HeartbeatInterval,
		MaxConnectionsPerAccount: cfg.Stream.MaxConnectionsPerAccount,
	}, bus, log)

	authService := auth.NewAuthService(auth.Deps{
		Accounts:     repository.NewAccountRepository(dbPool),
		Tokens:       tokens,
		Guard:        guard,
		TwoFactor:    twoFactor,
		Sessions:     sessions,
		Verification: verification.NewService(verificationStore),
		Events:       bus,
		Notifier:     dispatcher,
		Archiver:     archiver,
		Logger:       log,

		SessionObserver: streams,
	})
	streams.WithSessionCheck(authService)

	// Rate limiting
	policies, err := ratelimit.LoadPolicyFile(cfg.RateLimit.PolicyFile)
	if err != nil {
		return err
	}
	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient)
	} else {
		memLimiter := ratelimit.NewMemoryLimiter(time.Minute)
		defer memLimiter.Close()
		limiter = memLimiter
	}
	rateLimiter := authmw.NewRateLimiter(limiter, policies, log)

	authMiddleware := authmw.NewAuthMiddleware(authService, authmw.Options{}, log)

	var critical []string
	if redisClient != nil && cfg.RevocationBackend() == "redis" {
		healthChecks["revocation"] = health.CheckerFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
		critical = append(critical, "revocation")
	}
	healthHandler := health.NewHandler(health.Config{
		DBPool:      dbPool,
		RedisClient: redisClient,
		Checks:      healthChecks,
		Critical:    critical,
		Version:     Version,
	})

	proxies, err := httputil.ParseTrustedProxies(cfg.Security.TrustedProxies)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(proxies.Middleware)
	r.Use(authmw.StructuredLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(requestTimeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", httputil.DeviceFingerprintHeader},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	authHandler := auth.NewAuthHandler(authService, cfg.Server.IsDevelopment(), log).
		WithEventStream(http.HandlerFunc(streams.HandleStream))

	auth.RegisterRoutes(r, authHandler, auth.RouteMiddleware{
		Authenticate: authMiddleware.Authenticate,
		RequireHTTPS: authmw.RequireHTTPS(cfg.Security.ForceHTTPS),
		RateLimit: func(policy string) auth.Middleware {
			return rateLimiter.For(policy)
		},
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server",
			slog.String("addr", addr),
			slog.String("environment", cfg.Server.Environment),
			slog.String("binding_mode", bindingMode.String()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case <-quit:
	}

	log.Info("shutting down server")
	healthHandler.SetReady(false)
	streams.Connections().CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	stop()
	authService.Close()
	dispatcher.Close()
	log.Info("server exited", slog.Uint64("dropped_notifications", dispatcher.Dropped()))
	return nil
}

// setupDatabase creates and configures the database connection pool
func setupDatabase(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("connected to database",
		slog.String("database", cfg.Database.DBName),
		slog.String("host", cfg.Database.Host),
	)
	return pool, nil
}

// requestTimeout bounds every request except event streams, which end on
// their own connection timeout
func requestTimeout(d time.Duration) func(http.Handler) http.Handler {
	timeout := middleware.Timeout(d)
	return func(next http.Handler) http.Handler {
		bounded := timeout(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Accept") == "text/event-stream" {
				next.ServeHTTP(w, r)
				return
			}
			bounded.ServeHTTP(w, r)
		})
	}
}

// cleanupEvents drops security events past retention once an hour
func cleanupEvents(ctx context.Context, store *events.InMemoryEventStore, log *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Cleanup(eventRetention); err != nil {
				log.Warn("event cleanup failed", slog.String("error", err.Error()))
			}
		}
	}
}
