package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aryan0dhankhar/accessgate/internal/domain"
	"github.com/aryan0dhankhar/accessgate/internal/featureflags"
	"github.com/aryan0dhankhar/accessgate/internal/handler"
	"github.com/aryan0dhankhar/accessgate/internal/identity"
	"github.com/aryan0dhankhar/accessgate/internal/infrastructure/logger"
	"github.com/aryan0dhankhar/accessgate/internal/infrastructure/mongo"
	"github.com/aryan0dhankhar/accessgate/internal/infrastructure/redis"
	"github.com/aryan0dhankhar/accessgate/internal/invariant"
	"github.com/aryan0dhankhar/accessgate/internal/observability/metrics"
	"github.com/aryan0dhankhar/accessgate/internal/observability/tracing"
	"github.com/aryan0dhankhar/accessgate/internal/reliability/circuitbreaker"
	"github.com/aryan0dhankhar/accessgate/internal/repository"
	"github.com/aryan0dhankhar/accessgate/internal/security/audit"
	"github.com/aryan0dhankhar/accessgate/internal/security/auth"
	"github.com/aryan0dhankhar/accessgate/internal/security/middleware"
	"github.com/aryan0dhankhar/accessgate/internal/security/ratelimit"
	"github.com/aryan0dhankhar/accessgate/internal/service"
	"github.com/aryan0dhankhar/accessgate/internal/worker"
	"github.com/aryan0dhankhar/accessgate/pkg/config"
	"github.com/aryan0dhankhar/accessgate/pkg/database"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize structured logger
	log := logger.NewLogger(cfg.LogLevel, cfg.LogFormat)
	log.Info("starting accessgate server",
		slog.String("environment", cfg.Environment),
		slog.String("store", cfg.StoreDriver),
		slog.String("identity", cfg.IdentityDriver),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, log, cfg.OTLPEndpoint, "accessgate", cfg.Environment)
	if err != nil {
		log.Error("failed to initialize tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 3. Backends
	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open backends", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer b.close(context.Background())

	// 4. Security components
	tokenManager := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer)
	rateLimiter := ratelimit.NewLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	auditLogger := audit.NewLogger(log)

	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		log.Error("invalid snowflake node", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Services
	provider := identity.NewProvider(b.credentials, tokenManager, rateLimiter, node, nil, identity.Config{
		PasswordMinLength: cfg.PasswordMinLength,
		SignInMaxAttempts: cfg.SignInMaxAttempts,
		SignInWindow:      cfg.SignInWindow,
		ResetTTL:          cfg.PasswordResetTTL,
	}, log)
	clock := invariant.Clock{Epoch: cfg.SystemEpoch, Skew: cfg.ClockSkewTolerance, Now: time.Now}
	userService := service.NewUserService(b.users, clock, auditLogger, log)
	deviceService := service.NewDeviceSessionService(b.devices, cfg.SessionHeartbeatTTL, log)
	maintenanceService := service.NewMaintenanceService(userService, provider, auditLogger, log)

	// 6. Handlers
	sessions := handler.NewSessions(userService, provider, deviceService, tokenManager, auditLogger, log)
	mux := http.NewServeMux()
	handler.NewAuthHandler(sessions, log).Register(mux)
	handler.NewSessionHandler(sessions, log).Register(mux)
	handler.NewSessionStreamHandler(sessions, log, cfg.CORSAllowedOrigins, 0).Register(mux)
	handler.NewUsersHandler(sessions, userService, log).Register(mux)
	handler.NewMaintenanceHandler(sessions, maintenanceService, cfg.OrphanGracePeriod, log).Register(mux)
	handler.NewHealthHandler(b.checks, log).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Chain middleware: request ID -> CORS -> sanitize -> JWT -> rate limit -> audit -> content type -> metrics
	rootHandler := middleware.RequestIDMiddleware(log)(
		middleware.CORSMiddleware(cfg.CORSAllowedOrigins)(
			middleware.SanitizePath(log)(
				middleware.JWTMiddleware(tokenManager, log)(
					middleware.RateLimitMiddleware(rateLimiter, log)(
						middleware.AuditMiddleware(auditLogger)(
							middleware.ValidateJSONContentType(log)(
								metrics.HTTPMetricsMiddleware(mux),
							),
						),
					),
				),
			),
		),
	)

	// 7. Start reconciliation worker in background
	reconcileWorker := worker.NewReconcileWorker(maintenanceService, log, cfg.ReconcileInterval)
	go reconcileWorker.Start(ctx)

	// 8. Start HTTP server
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:     otelhttp.NewHandler(rootHandler, "accessgate"),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: the session stream is long-lived
		IdleTimeout: 60 * time.Second,
	}

	log.Info("server starting",
		slog.Int("port", cfg.ServerPort),
		slog.String("auth", "jwt"),
		slog.Int("rate_limit", cfg.RateLimitRequests),
		slog.String("rate_limit_window", cfg.RateLimitWindow.String()),
		slog.Duration("heartbeat_ttl", cfg.SessionHeartbeatTTL),
	)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
			sigChan <- syscall.SIGTERM
		}
	}()

	<-sigChan
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
	}

	cancel() // Stop reconcile worker
	rateLimiter.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", slog.String("error", err.Error()))
	}
	log.Info("server stopped")
}

// backends holds the stores selected by configuration.
type backends struct {
	users       domain.UserRepository
	credentials domain.CredentialRepository
	devices     domain.DeviceSessionRepository
	checks      map[string]handler.Checker
	closers     []func(context.Context) error
}

func (b *backends) close(ctx context.Context) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i](ctx)
	}
}

func openBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backends, error) {
	b := &backends{checks: map[string]handler.Checker{}}
	strict := featureflags.Enabled(featureflags.StrictEmailIndex)

	var pool *database.ConnectionPool
	postgres := func() (*database.ConnectionPool, error) {
		if pool != nil {
			return pool, nil
		}
		p, err := database.NewConnectionPool(ctx, &database.Config{
			URL:             cfg.DatabaseURL,
			MaxOpenConns:    cfg.DatabaseMaxConns,
			MaxIdleConns:    cfg.DatabaseMaxConns / 2,
			ConnMaxLifetime: 30 * time.Minute,
		}, log)
		if err != nil {
			return nil, err
		}
		pool = p
		b.checks["postgres"] = p.Health
		b.closers = append(b.closers, func(context.Context) error { return p.Close() })
		return p, nil
	}

	// indexFailed reports a missing store-level unique index; only fatal in
	// strict mode, since reconciliation still covers the race window.
	indexFailed := func(store string, err error) error {
		if strict {
			return fmt.Errorf("%s indexes: %w", store, err)
		}
		log.Warn("unique email index unavailable, relying on reconciliation",
			slog.String("store", store),
			slog.String("error", err.Error()),
		)
		return nil
	}

	switch cfg.StoreDriver {
	case config.DriverMongo:
		mc, err := mongo.NewClient(ctx, cfg.MongoURI, cfg.MongoDatabase, log)
		if err != nil {
			return nil, err
		}
		b.checks["mongo"] = mc.Ping
		b.closers = append(b.closers, mc.Close)
		repo := repository.NewMongoUserRepository(mc.Database(), log)
		if err := repo.EnsureIndexes(ctx); err != nil {
			if err := indexFailed("mongo", err); err != nil {
				return nil, err
			}
		}
		b.users = guard(repo, "mongo", log)
	case config.DriverPostgres:
		p, err := postgres()
		if err != nil {
			return nil, err
		}
		repo := repository.NewPostgresUserRepository(p.DB(), log)
		if err := repo.EnsureTable(ctx); err != nil {
			if err := indexFailed("postgres", err); err != nil {
				return nil, err
			}
		}
		b.users = guard(repo, "postgres", log)
	default:
		b.users = repository.NewMemoryUserRepository()
	}

	switch cfg.IdentityDriver {
	case config.DriverPostgres:
		p, err := postgres()
		if err != nil {
			return nil, err
		}
		repo := repository.NewPostgresCredentialRepository(p.DB(), log)
		if err := repo.EnsureTable(ctx); err != nil {
			return nil, fmt.Errorf("credential table: %w", err)
		}
		b.credentials = repo
	default:
		b.credentials = repository.NewMemoryCredentialRepository()
	}

	if cfg.RedisURL != "" {
		rc, err := redis.NewClient(cfg.RedisURL, log)
		if err != nil {
			return nil, err
		}
		b.checks["redis"] = rc.Ping
		b.closers = append(b.closers, func(context.Context) error { return rc.Close() })
		b.devices = repository.NewRedisDeviceSessionRepository(rc, log)
	} else {
		b.devices = repository.NewMemoryDeviceSessionRepository(time.Now)
	}

	return b, nil
}

func guard(repo domain.UserRepository, name string, log *slog.Logger) domain.UserRepository {
	breaker := circuitbreaker.NewCircuitBreaker(5, 2, 30*time.Second)
	return repository.NewGuardedUserRepository(repo, breaker, name, log)
}
