// Package bootstrap provides dependency initialization for the Frame Catcher API.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/maauso/framecatcher-api/internal/config"
	"github.com/maauso/framecatcher-api/internal/events"
	"github.com/maauso/framecatcher-api/internal/media"
	"github.com/maauso/framecatcher-api/internal/metrics"
	"github.com/maauso/framecatcher-api/internal/progress"
	"github.com/maauso/framecatcher-api/internal/storage"
	"github.com/maauso/framecatcher-api/internal/task"
	"github.com/maauso/framecatcher-api/internal/task/sqlstore"
	"github.com/maauso/framecatcher-api/internal/task/supabase"
)

// defaultSQLitePath is used when sqlite is the default source and no path is set.
const defaultSQLitePath = "data/framecatcher.db"

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Service *task.Service
	Storage storage.Storage
	// AlbumsDir is the absolute albums root served as static files.
	AlbumsDir string
	Metrics   *metrics.Metrics

	closers []func() error
}

// NewDependencies creates and initializes all dependencies for the application.
// Adapters other than the default data source are optional: a failure to
// open one is logged and the source stays unavailable.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}

	// Initialize storage
	local, store, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	deps.Storage = store
	deps.AlbumsDir = local.AlbumsRoot()

	// Initialize persistence adapters
	registry, err := deps.initRegistry(ctx, cfg, logger)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}

	// Initialize media processor
	processor := media.NewFFmpegProcessor(cfg.FFmpegPath,
		media.WithFFprobePath(cfg.FFprobePath),
		media.WithHWAccel(cfg.HWAccel),
	)

	weights, err := progress.NewWeights(cfg.ExtractWeight)
	if err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("progress weights: %w", err)
	}

	publisher := deps.initPublisher(cfg, logger)
	deps.Metrics = metrics.NewWithRuntime()

	deps.Service = task.NewService(
		registry,
		processor,
		store,
		logger,
		task.WithWeights(weights),
		task.WithConvertConcurrency(cfg.ConvertConcurrency),
		task.WithHEICQuality(cfg.HEICQuality),
		task.WithThumbnailWidth(cfg.ThumbnailWidth),
		task.WithPublisher(publisher),
		task.WithRecorder(deps.Metrics),
		task.WithS3Mirror(cfg.S3Enabled()),
	)

	return deps, nil
}

// Close releases database pools and the event connection.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.LocalStorage, storage.Storage, error) {
	localStore, err := storage.NewLocalStorage(cfg.UploadDir, cfg.AlbumsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("upload_dir", localStore.UploadDir()),
		slog.String("albums_dir", localStore.AlbumsRoot()),
	)

	if !cfg.S3Enabled() {
		return localStore, localStore, nil
	}

	s3Cfg := storage.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		KeyPrefix:       cfg.S3KeyPrefix,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
	}
	s3Store, err := storage.NewS3Storage(ctx, localStore, s3Cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create S3 storage: %w", err)
	}
	logger.Info("S3 mirror configured",
		slog.String("bucket", cfg.S3Bucket),
		slog.String("region", cfg.S3Region),
	)
	return localStore, s3Store, nil
}

// initRegistry opens every configured data source. Memory is always present.
func (d *Dependencies) initRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*task.Registry, error) {
	fallback, err := task.ParseDataSource(cfg.DefaultDataSource)
	if err != nil {
		return nil, err
	}
	registry := task.NewRegistry(fallback)
	registry.Register(task.DataSourceMemory, task.NewMemoryRepository())

	type opener struct {
		ds   task.DataSource
		open func() (task.Repository, func() error, error)
	}
	var openers []opener

	if cfg.SupabaseDBURL != "" {
		openers = append(openers, opener{task.DataSourceSupabase, func() (task.Repository, func() error, error) {
			s, err := supabase.Open(ctx, cfg.SupabaseDBURL, logger)
			if err != nil {
				return nil, nil, err
			}
			return s, func() error { s.Close(); return nil }, nil
		}})
	}
	if cfg.PostgresEnabled {
		openers = append(openers, opener{task.DataSourceLocal, func() (task.Repository, func() error, error) {
			s, err := sqlstore.OpenPostgres(ctx, cfg.PostgresDSN())
			if err != nil {
				return nil, nil, err
			}
			return s, s.Close, nil
		}})
	}
	sqlitePath := cfg.SQLitePath
	if sqlitePath == "" && fallback == task.DataSourceSQLite {
		sqlitePath = defaultSQLitePath
	}
	if sqlitePath != "" {
		openers = append(openers, opener{task.DataSourceSQLite, func() (task.Repository, func() error, error) {
			s, err := sqlstore.OpenSQLite(ctx, sqlitePath)
			if err != nil {
				return nil, nil, err
			}
			return s, s.Close, nil
		}})
	}

	for _, o := range openers {
		repo, closeFn, err := o.open()
		if err != nil {
			if o.ds == fallback {
				return nil, fmt.Errorf("open default data source %s: %w", o.ds, err)
			}
			logger.Warn("data source unavailable",
				slog.String("data_source", string(o.ds)),
				slog.String("error", err.Error()),
			)
			continue
		}
		registry.Register(o.ds, repo)
		d.closers = append(d.closers, closeFn)
		attrs := []any{slog.String("data_source", string(o.ds))}
		if o.ds == task.DataSourceSQLite {
			abs, _ := filepath.Abs(sqlitePath)
			attrs = append(attrs, slog.String("path", abs))
		}
		logger.Info("data source configured", attrs...)
	}

	if _, err := registry.Resolve(fallback); err != nil {
		return nil, fmt.Errorf("default data source: %w", err)
	}
	return registry, nil
}

// initPublisher connects to NATS when configured. Events are best effort,
// so a connection failure falls back to a no-op publisher.
func (d *Dependencies) initPublisher(cfg *config.Config, logger *slog.Logger) events.Publisher {
	if !cfg.NATSEnabled() {
		return events.NopPublisher{}
	}
	p, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, logger)
	if err != nil {
		logger.Warn("task events disabled",
			slog.String("nats_url", cfg.NATSURL),
			slog.String("error", err.Error()),
		)
		return events.NopPublisher{}
	}
	d.closers = append(d.closers, p.Close)
	logger.Info("task events configured",
		slog.String("nats_url", cfg.NATSURL),
		slog.String("subject", cfg.NATSSubject),
	)
	return p
}
