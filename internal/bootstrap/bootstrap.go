// Package bootstrap wires the shared dependencies of the api and worker
// processes from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mediajobs/internal/adapter/repo"
	"mediajobs/internal/infra"
	"mediajobs/internal/notify"
	"mediajobs/internal/providers/replicate"
	"mediajobs/internal/registry"
	"mediajobs/internal/statuscache"
	"mediajobs/internal/storage"
	"mediajobs/internal/webhook"
)

type Deps struct {
	Config     *infra.Config
	Logger     zerolog.Logger
	JobsDB     *pgxpool.Pool
	TrackingDB *pgxpool.Pool
	Redis      *redis.Client
	Registry   *registry.Registry
	Provider   *replicate.Client
	Jobs       *repo.JobRepositoryPG
	Tracking   *repo.TrackingRepositoryPG
	Cache      *statuscache.Cache
	Store      storage.ArtifactStore
	Notifier   notify.Notifier
	Processor  *webhook.Processor

	// StaticDir is set when artifacts are kept on the local filesystem.
	StaticDir string

	closers []func()
}

// New connects every backing service. On error, anything already opened is
// closed before returning.
func New(ctx context.Context, cfg *infra.Config, logger zerolog.Logger, service string) (_ *Deps, err error) {
	d := &Deps{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.JobsDB, err = infra.NewDBPool(ctx, cfg.DatabaseURL, "mediajobs-"+service)
	if err != nil {
		return nil, fmt.Errorf("jobs database: %w", err)
	}
	d.onClose(d.JobsDB.Close)
	d.TrackingDB = d.JobsDB
	if cfg.TrackingDatabaseURL != cfg.DatabaseURL {
		d.TrackingDB, err = infra.NewDBPool(ctx, cfg.TrackingDatabaseURL, "mediajobs-"+service+"-tracking")
		if err != nil {
			return nil, fmt.Errorf("tracking database: %w", err)
		}
		d.onClose(d.TrackingDB.Close)
	}

	d.Redis, err = infra.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	d.onClose(func() { _ = d.Redis.Close() })

	d.Registry, err = registry.LoadFile(cfg.ModelCatalogPath)
	if err != nil {
		return nil, err
	}

	d.Provider, err = replicate.NewClient(replicate.Options{
		APIToken:       cfg.ProviderAPIToken,
		BaseURL:        cfg.ProviderBaseURL,
		WebhookSecret:  cfg.ProviderWebhookSecret,
		RequestTimeout: cfg.ProviderTimeout,
		Logger:         &d.Logger,
	})
	if err != nil {
		return nil, err
	}

	d.Jobs = repo.NewJobRepository(infra.NewSQLRunner(d.JobsDB, logger))
	d.Tracking = repo.NewTrackingRepository(infra.NewSQLRunner(d.TrackingDB, logger))
	d.Cache = statuscache.New(
		statuscache.NewRedisStore(d.Redis, statuscache.DefaultTTL),
		d.Tracking,
		d.Jobs,
		statuscache.Options{Logger: &d.Logger},
	)

	if err := d.openStore(); err != nil {
		return nil, err
	}
	if err := d.openNotifier(); err != nil {
		return nil, err
	}

	d.Processor = webhook.NewProcessor(
		webhook.NewRedisDeduper(d.Redis),
		d.Jobs,
		d.Provider,
		d.Store,
		d.Cache,
		d.Notifier,
		webhook.Options{NotifyURL: cfg.NotifyURL, Logger: &d.Logger},
	)
	return d, nil
}

func (d *Deps) openStore() error {
	cfg := d.Config
	switch cfg.StorageBackend {
	case infra.StorageBackendSupabase:
		store, err := storage.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseBucket)
		if err != nil {
			return err
		}
		d.Store = store
	default:
		path := cfg.StoragePath
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		store, err := storage.NewFileStore(path, cfg.StorageBaseURL)
		if err != nil {
			return err
		}
		d.Store = store
		d.StaticDir = store.BasePath()
	}
	return nil
}

func (d *Deps) openNotifier() error {
	if d.Config.NotifyMode != infra.NotifyModeQueue {
		d.Notifier = notify.NewHTTPSender(notify.HTTPOptions{Logger: &d.Logger})
		return nil
	}
	opt, err := d.AsynqRedisOpt()
	if err != nil {
		return err
	}
	client := asynq.NewClient(opt)
	d.onClose(func() { _ = client.Close() })
	d.Notifier = notify.NewQueueNotifier(client, &d.Logger)
	return nil
}

// AsynqRedisOpt returns the asynq connection for the configured Redis.
func (d *Deps) AsynqRedisOpt() (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(d.Config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url for asynq: %w", err)
	}
	return opt, nil
}

func (d *Deps) onClose(fn func()) {
	d.closers = append(d.closers, fn)
}

// Close releases connections in reverse order of opening.
func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}
