package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskhub/taskhub/pkg/api"
	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/common/cache"
	"github.com/taskhub/taskhub/pkg/config"
	"github.com/taskhub/taskhub/pkg/contexts"
	"github.com/taskhub/taskhub/pkg/database"
	"github.com/taskhub/taskhub/pkg/events"
	"github.com/taskhub/taskhub/pkg/hints"
	"github.com/taskhub/taskhub/pkg/observability"
	"github.com/taskhub/taskhub/pkg/repository/postgres"
	"github.com/taskhub/taskhub/pkg/repository/scoped"
	"github.com/taskhub/taskhub/pkg/services"

	// Import PostgreSQL driver
	_ "github.com/lib/pq"
)

func main() {
	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logging
	logger := observability.NewStandardLogger("server")

	// Initialize metrics
	metricsClient := newMetricsClient(cfg)
	defer func() {
		if err := metricsClient.Close(); err != nil {
			logger.Warn("Metrics client close error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	// Initialize tracing
	tracingCleanup, err := observability.InitTracing(cfg.Observability.Tracing)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer tracingCleanup()
	tracer := observability.StartSpan

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.BuildDSN(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		AutoMigrate:     cfg.Database.AutoMigrate,
		MigrationsPath:  cfg.Database.MigrationsPath,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Initialize cache
	cacheClient, err := newCacheClient(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheClient.Close()

	// Initialize repositories. The scoped decorators enforce per-user
	// visibility on top of the postgres layer; the token repository stays
	// unscoped because token validation runs before identity exists.
	sqlDB := db.DB()
	taskRepo := postgres.NewTaskRepository(sqlDB, sqlDB, cacheClient, logger, tracer, metricsClient)
	subtaskRepo := postgres.NewSubtaskRepository(sqlDB, sqlDB, cacheClient, logger, tracer, metricsClient)
	projectRepo := postgres.NewProjectRepository(sqlDB, sqlDB, cacheClient, logger, tracer, metricsClient)
	branchRepo := postgres.NewBranchRepository(sqlDB, sqlDB, cacheClient, logger, tracer, metricsClient)
	agentRepo := postgres.NewAgentRepository(sqlDB, sqlDB, cacheClient, logger, tracer, metricsClient)
	contextRepo := postgres.NewContextRepository(sqlDB, sqlDB, cacheClient, logger, tracer, metricsClient)
	cacheRepo := postgres.NewContextCacheRepository(sqlDB, sqlDB, cacheClient, logger, tracer, metricsClient)
	tokenRepo := postgres.NewTokenRepository(sqlDB, sqlDB, cacheClient, logger, tracer, metricsClient)

	tasks := scoped.NewTaskRepository(taskRepo, logger, metricsClient)
	subtasks := scoped.NewSubtaskRepository(subtaskRepo, taskRepo, logger, metricsClient)
	projects := scoped.NewProjectRepository(projectRepo, logger, metricsClient)
	branches := scoped.NewBranchRepository(branchRepo, logger, metricsClient)
	agents := scoped.NewAgentRepository(agentRepo, logger, metricsClient)
	scopedContexts := scoped.NewContextRepository(contextRepo, logger, metricsClient)

	// Initialize the event store and in-process bus
	eventStore := events.NewPostgresStore(sqlDB, logger, tracer, metricsClient)
	bus := events.NewBus(logger)

	// Initialize the context engine
	ctxCfg := contexts.DefaultConfig()
	ctxCfg.Cache.TTL = cfg.ContextCache.TTL()
	ctxCfg.Cache.PressureThreshold = cfg.ContextCache.PressureThreshold
	engine := contexts.NewEngine(scopedContexts, cacheRepo, projects, branches, tasks,
		eventStore, logger, tracer, metricsClient, ctxCfg)

	// Initialize authentication
	authCfg := auth.DefaultServiceConfig()
	authCfg.Required = cfg.Auth.Required
	authCfg.DefaultUserIDAllowed = cfg.Auth.DefaultUserIDAllowed
	authCfg.DefaultUserID = cfg.Auth.DefaultUserID
	authCfg.JWTSecret = cfg.Auth.JWTSecret
	if cfg.Auth.JWTExpiration > 0 {
		authCfg.JWTExpiration = cfg.Auth.JWTExpiration
	}
	if cfg.Auth.TokenCacheTTLSeconds > 0 {
		authCfg.CacheTTL = cfg.Auth.TokenCacheTTL()
	}
	if cfg.Auth.TokenCacheSize > 0 {
		authCfg.CacheSize = cfg.Auth.TokenCacheSize
	}
	authService := auth.NewService(authCfg, tokenRepo, logger, metricsClient)
	limiter := auth.NewRateLimiter(auth.RateLimiterConfig{
		PerMinute: cfg.Auth.RateLimitPerMinute,
		Burst:     cfg.Auth.RateLimitBurst,
		PerHour:   cfg.Auth.RateLimitPerHour,
	}, metricsClient)

	// Initialize the hint engine and restore rule effectiveness from the
	// event history.
	hintEngine := hints.NewEngine(tasks, subtasks, engine, eventStore, logger, tracer, metricsClient)
	if err := hintEngine.Hydrate(ctx); err != nil {
		logger.Warn("Hint effectiveness hydration failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// Initialize services
	svcCfg := services.ServiceConfig{Logger: logger, Metrics: metricsClient, Tracer: tracer}
	taskService := services.NewTaskService(svcCfg, tasks, subtasks, branches, scopedContexts, engine, eventStore, bus)
	subtaskService := services.NewSubtaskService(svcCfg, subtasks, tasks, eventStore, bus)
	projectService := services.NewProjectService(svcCfg, projects, branches, tasks, agents, scopedContexts, engine, taskService, eventStore, bus)
	agentService := services.NewAgentService(svcCfg, agents, branches, projects, eventStore, bus)
	tokenService := services.NewTokenService(svcCfg, tokenRepo, authService, eventStore, bus)

	// Initialize API server
	server := api.NewServer(cfg, api.Dependencies{
		Tasks:    taskService,
		Subtasks: subtaskService,
		Projects: projectService,
		Contexts: engine,
		Agents:   agentService,
		Tokens:   tokenService,
		Hints:    hintEngine,
		Auth:     authService.GinMiddleware(limiter),
		HealthChecks: map[string]api.ComponentChecker{
			"database": db.Ready,
			"cache": func(ctx context.Context) error {
				_, err := cacheClient.Exists(ctx, "readiness-probe")
				return err
			},
		},
	}, logger, metricsClient)

	// Background maintenance: context cache eviction and rate limiter
	// bucket cleanup.
	go runSweepers(ctx, cfg.ContextCache.SweepInterval, engine, limiter, server, logger)

	// Start server in a goroutine
	go func() {
		logger.Info("Starting server", map[string]interface{}{
			"address":     cfg.API.ListenAddress,
			"environment": cfg.Environment,
		})
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal", nil)

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	bus.Close()

	logger.Info("Server stopped gracefully", nil)
}

// newMetricsClient builds the configured metrics backend. Anything other
// than an enabled prometheus config gets a no-op client.
func newMetricsClient(cfg *config.Config) observability.MetricsClient {
	m := cfg.Observability.Metrics
	if !m.Enabled || (m.Type != "" && m.Type != "prometheus") {
		return observability.NewNoOpMetricsClient()
	}
	return observability.NewPrometheusMetricsClient(m.Namespace)
}

// newCacheClient builds the shared cache backend. Redis is used when
// configured; the in-memory cache keeps single-node deployments free of
// external dependencies.
func newCacheClient(cfg *config.Config) (cache.Cache, error) {
	if cfg.CacheType == "redis" {
		return cache.NewRedisCache(cfg.Cache)
	}
	return cache.NewMemoryCache(10000, 5*time.Minute), nil
}

// runSweepers drives the periodic maintenance passes until ctx is done.
func runSweepers(ctx context.Context, interval time.Duration, engine *contexts.Engine, limiter *auth.RateLimiter, server *api.Server, logger observability.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted, err := engine.SweepCache(ctx); err != nil {
				logger.Warn("Context cache sweep failed", map[string]interface{}{
					"error": err.Error(),
				})
			} else if evicted > 0 {
				logger.Debug("Context cache sweep", map[string]interface{}{
					"evicted": evicted,
				})
			}
			limiter.Sweep()
			server.SweepLimiter()
		}
	}
}
