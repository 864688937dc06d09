package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"mediajobs/internal/bootstrap"
	"mediajobs/internal/infra"
	"mediajobs/internal/notify"
	"mediajobs/internal/reconcile"
)

// The worker delivers queued completion notifications and periodically
// reconciles jobs whose webhook never arrived.
func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.New(ctx, cfg, logger, "worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to initialize dependencies")
	}
	defer deps.Close()

	reconciler := reconcile.New(deps.Jobs, deps.Provider, deps.Processor, reconcile.Options{
		Orphans: deps.Jobs,
		Cache:   deps.Cache,

		StaleAfter:  cfg.ReconcileStaleAfter,
		Concurrency: cfg.WorkerConcurrency,
		Logger:      &logger,
	})
	scheduler := cron.New()
	if _, err := reconciler.Schedule(ctx, scheduler, cfg.ReconcileCron); err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to schedule reconcile sweep")
	}
	scheduler.Start()
	logger.Info().Str("spec", cfg.ReconcileCron).Dur("stale_after", cfg.ReconcileStaleAfter).Msg("worker: reconcile scheduled")

	redisOpt, err := deps.AsynqRedisOpt()
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: invalid redis url")
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      map[string]int{notify.Queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Warn().Err(err).Str("task", task.Type()).Msg("worker: task failed")
		}),
	})
	mux := asynq.NewServeMux()
	sender := notify.NewHTTPSender(notify.HTTPOptions{Logger: &logger})
	notify.NewTaskHandler(sender, &logger).Register(mux)

	if err := server.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to start task server")
	}
	logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker: started")

	<-ctx.Done()

	server.Shutdown()
	<-scheduler.Stop().Done()
	logger.Info().Msg("worker: stopped")
}
