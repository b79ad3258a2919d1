// Package app wires the import engine from configuration. The HTTP server
// and the operator CLI share it.
package app

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/timmy/contentport/internal/config"
	"github.com/timmy/contentport/internal/logger"
	"github.com/timmy/contentport/internal/media"
	"github.com/timmy/contentport/internal/metrics"
	"github.com/timmy/contentport/internal/repository"
	"github.com/timmy/contentport/internal/service"
	"github.com/timmy/contentport/internal/storage"
)

// App is a fully wired import engine.
type App struct {
	Config  *config.Config
	DB      *gorm.DB
	Imports *service.ImportService
	Sources *service.SourceFactory
	Metrics *metrics.Collector
}

// NewLogger builds the process logger from the log section and makes it
// the default.
func NewLogger(cfg config.LogConfig, serviceName string) *logger.Logger {
	if cfg.ServiceName != "" {
		serviceName = cfg.ServiceName
	}
	l := logger.New(&logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		ServiceName: serviceName,
		File:        cfg.File,
		FileOnly:    cfg.FileOnly,
		MaxSizeMB:   cfg.MaxSizeMB,
		MaxBackups:  cfg.MaxBackups,
		MaxAgeDays:  cfg.MaxAgeDays,
		Compress:    cfg.Compress,
	})
	logger.SetDefaultLogger(l)
	return l
}

// New opens the database and object storage and builds the import service.
// Parameters:
//   - ctx: bounds the storage bucket check.
//   - cfg: loaded configuration.
//
// Returns:
//   - *App: wired engine; call Close when done.
//   - error: non-nil if a backing service cannot be reached.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	objects, err := storage.NewStorage(ctx, &storage.Config{
		Type:      storage.StorageType(cfg.Storage.Type),
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		PublicURL: cfg.Storage.PublicURL,
		Dir:       cfg.Storage.Dir,
	})
	if err != nil {
		closeDB(db)
		return nil, fmt.Errorf("init storage: %w", err)
	}

	collector := metrics.New()
	sources := service.NewSourceFactory(cfg.Import, cfg.Target)
	deps := service.Dependencies{
		Jobs:        repository.NewJobRepository(db),
		Issues:      repository.NewIssueRepository(db),
		IDMap:       repository.NewIDMapRepository(db),
		Checkpoints: repository.NewCheckpointRepository(db),
		Redirects:   repository.NewRedirectRepository(db),
		Store:       repository.NewEntityStore(db),
		Media: media.NewProcessor(objects, media.Config{
			Timeout:      cfg.Import.MediaTimeout,
			RetryCount:   cfg.Import.RetryCount,
			RetryWait:    cfg.Import.RetryWait,
			RetryMaxWait: cfg.Import.RetryMaxWait,
			MaxImageSize: cfg.Import.MaxImageSize,
		}),
		Sources: sources,
		Metrics: collector,
	}

	imports := service.NewImportService(deps, service.ServiceConfig{
		Site:           cfg.Import.Site,
		Workers:        cfg.Import.Workers,
		MediaPrefix:    cfg.Storage.Prefix,
		RollbackWindow: cfg.Import.RollbackWindow,
		Target:         cfg.Target,
	})

	return &App{
		Config:  cfg,
		DB:      db,
		Imports: imports,
		Sources: sources,
		Metrics: collector,
	}, nil
}

// Close releases the database connection.
func (a *App) Close() error {
	return closeDB(a.DB)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
