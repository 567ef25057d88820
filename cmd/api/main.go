package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/dr-enrollment/internal/api/router"
	"github.com/wolfman30/dr-enrollment/internal/app/bootstrap"
	"github.com/wolfman30/dr-enrollment/internal/autosave"
	appconfig "github.com/wolfman30/dr-enrollment/internal/config"
	httpmiddleware "github.com/wolfman30/dr-enrollment/internal/http/middleware"
	"github.com/wolfman30/dr-enrollment/internal/instances"
	"github.com/wolfman30/dr-enrollment/internal/observability/metrics"
	"github.com/wolfman30/dr-enrollment/internal/scheduling"
	"github.com/wolfman30/dr-enrollment/internal/wizard"
	"github.com/wolfman30/dr-enrollment/pkg/logging"
)

func main() {
	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting dr-enrollment API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"session_store", cfg.SessionStore,
		"event_sink", cfg.EventSink,
	)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	pool, err := bootstrap.ConnectPostgresPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}

	app, err := buildApp(ctx, cfg, redisClient, pool, logger)
	if err != nil {
		logger.Error("failed to wire application", "error", err)
		os.Exit(1)
	}

	var workers sync.WaitGroup
	app.startWorkers(ctx, &workers)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Stop background workers after the server so the autosave coordinator
	// flushes whatever in-flight requests enqueued.
	cancel()
	workers.Wait()

	if pool != nil {
		pool.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

type application struct {
	handler     http.Handler
	coordinator *autosave.Coordinator
	deliverer   interface{ Start(context.Context) }
	ipLimiter   *httpmiddleware.IPRateLimiter
}

func (a *application) startWorkers(ctx context.Context, wg *sync.WaitGroup) {
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	run(a.coordinator.Start)
	run(a.ipLimiter.RunCleanup)
	if a.deliverer != nil {
		run(a.deliverer.Start)
	}
}

func buildApp(ctx context.Context, cfg *appconfig.Config, redisClient *redis.Client, pool *pgxpool.Pool, logger *logging.Logger) (*application, error) {
	store, err := bootstrap.BuildSessionStore(cfg, redisClient, pool)
	if err != nil {
		return nil, err
	}
	sink, err := bootstrap.BuildEventSink(ctx, cfg, pool, logger)
	if err != nil {
		return nil, err
	}

	metricsHandler, wizardMetrics := setupMetrics()

	providers := scheduling.NewFactory(scheduling.LiveConfig{
		BaseURL: cfg.ProviderBaseURL,
		APIKey:  cfg.ProviderAPIKey,
		Timeout: cfg.ProviderTimeout,
		Logger:  logger,
	}, bootstrap.BuildProviderLimiter(cfg, redisClient), wizardMetrics)
	resolver := scheduling.NewResolver(bootstrap.BuildPolicy(cfg), cfg.ProviderTimeout, logger)
	instanceStore := bootstrap.BuildInstanceStore(redisClient)

	controller, err := wizard.NewController(wizard.Config{
		Store:     store,
		Providers: providers,
		Instances: instances.Directory{Store: instanceStore},
		Resolver:  resolver,
		Submitter: bootstrap.BuildSubmitter(cfg, logger),
		Events:    sink.Publisher,
		Metrics:   wizardMetrics,
		Logger:    logger,
		Options: wizard.Options{
			ResumeTokenTTL: cfg.ResumeTokenTTL,
			SlotsPerDay:    cfg.SlotsPerDay,
		},
	})
	if err != nil {
		return nil, err
	}

	coordinator := autosave.NewCoordinator(store, logger).
		WithInterval(cfg.AutosaveFlushInterval).
		WithMetrics(wizardMetrics)

	ipLimiter := httpmiddleware.NewIPRateLimiter(cfg.PublicRateLimitRPS, publicBurst(cfg.PublicRateLimitRPS))

	app := &application{
		coordinator: coordinator,
		ipLimiter:   ipLimiter,
	}
	if sink.Deliverer != nil {
		app.deliverer = sink.Deliverer
	}
	app.handler = router.New(&router.Config{
		Logger:             logger,
		Wizard:             wizard.NewHandler(controller, logger),
		Autosave:           autosave.NewHandler(coordinator, store, logger),
		Instances:          instances.NewHandler(instanceStore, providers, resolver, logger),
		AdminAuthSecret:    cfg.AdminJWTSecret,
		MetricsHandler:     metricsHandler,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		PublicRateLimiter:  ipLimiter,
		HealthChecks:       healthChecks(redisClient, pool),
	})
	if cfg.AdminJWTSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET not set; admin routes disabled")
	}
	return app, nil
}

func setupMetrics() (http.Handler, *metrics.WizardMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), metrics.NewWizardMetrics(reg)
}

func publicBurst(rps float64) int {
	burst := int(rps * 2)
	if burst < 1 {
		return 1
	}
	return burst
}

func healthChecks(redisClient *redis.Client, pool *pgxpool.Pool) map[string]router.HealthCheck {
	checks := map[string]router.HealthCheck{}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	if pool != nil {
		checks["postgres"] = pool.Ping
	}
	return checks
}
