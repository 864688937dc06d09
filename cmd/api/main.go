package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"mediajobs/internal/bootstrap"
	"mediajobs/internal/http/handlers"
	httpapi "mediajobs/internal/http/httpapi"
	"mediajobs/internal/infra"
	"mediajobs/internal/jobs"
	"mediajobs/internal/middleware"
	"mediajobs/internal/ratelimit"
)

func main() {
	// .env is optional outside development.
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx := context.Background()
	deps, err := bootstrap.New(ctx, cfg, logger, "api")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize dependencies")
	}
	defer deps.Close()

	submitLimiter := ratelimit.New(ratelimit.NewRedisCounter(deps.Redis), ratelimit.Options{
		Limit:    int64(cfg.RateLimitPerWindow),
		Window:   cfg.RateLimitWindow,
		FailOpen: cfg.RateLimitFailOpen,
		Logger:   &logger,
	})
	var statusLimiter middleware.Allower
	if cfg.StatusRateLimitPerWindow > 0 {
		statusLimiter = ratelimit.New(ratelimit.NewRedisCounter(deps.Redis), ratelimit.Options{
			Limit:    int64(cfg.StatusRateLimitPerWindow),
			Window:   cfg.RateLimitWindow,
			FailOpen: true,
			Logger:   &logger,
		})
	}

	svc := jobs.NewService(deps.Registry, submitLimiter, deps.Jobs, deps.Provider, deps.Cache, jobs.Options{
		WebhookURL: cfg.WebhookURL(),
		Logger:     &logger,
	})

	app := &handlers.App{
		Jobs:     svc,
		Verifier: deps.Provider,
		Webhooks: deps.Processor,
		Catalog:  deps.Registry,
		Checks: map[string]handlers.HealthCheck{
			"postgres": deps.JobsDB.Ping,
			"tracking": deps.TrackingDB.Ping,
			"redis":    func(ctx context.Context) error { return deps.Redis.Ping(ctx).Err() },
		},
		Logger: &logger,
	}

	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:        logger,
		CORSOrigins:   cfg.CORSAllowedOrigins,
		StatusLimiter: statusLimiter,
		StaticDir:     deps.StaticDir,
	})

	server := infra.NewAPIServer(cfg, router, logger)
	if _, err := server.Listen(); err != nil {
		logger.Fatal().Err(err).Msg("failed to bind api port")
	}
	logger.Info().Str("storage", cfg.StorageBackend).Str("notify", cfg.NotifyMode).Msg("API starting")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := server.Serve(ctx); err != nil {
		logger.Error().Err(err).Msg("api server stopped with error")
	}
	logger.Info().Msg("server stopped")
}
