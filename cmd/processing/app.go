package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.uber.org/multierr"

	"github.com/seantiz/processing/internal/config"
	"github.com/seantiz/processing/internal/engine"
	"github.com/seantiz/processing/internal/execution"
	"github.com/seantiz/processing/internal/notify"
	"github.com/seantiz/processing/internal/outputfile"
	"github.com/seantiz/processing/internal/process"
	"github.com/seantiz/processing/internal/rights"
	"github.com/seantiz/processing/internal/scheduler"
	"github.com/seantiz/processing/internal/storage"
	"github.com/seantiz/processing/internal/store"
)

// app holds the wired components of the engine.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store      *store.SQLStore
	storage    *storage.Router
	engines    *engine.Registry
	processes  *process.Registry
	settings   *rights.FileSettingsStore
	rights     *rights.CachedSettingsStore
	publisher  *notify.EventPublisher
	executions *execution.Service
	outputs    *outputfile.Manager

	stopTracing func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.close(context.WithoutCancel(ctx)))
			a = nil
		}
	}()

	if cfg.TracingEnabled {
		if a.stopTracing, err = setupTracing(os.Stderr); err != nil {
			return a, fmt.Errorf("setup tracing: %w", err)
		}
	}

	if a.store, err = store.Open(cfg.DBDriver, cfg.DBDSN); err != nil {
		return a, err
	}
	if a.storage, err = newStorage(ctx, cfg.Storage); err != nil {
		return a, err
	}

	a.engines = engine.NewRegistry()
	a.engines.MustRegister(engine.NewJobsEngine(logger.With("component", "engine")))

	a.processes = process.NewRegistry()
	if err = registerProcesses(a.processes, cfg, a.storage, logger.With("component", "process")); err != nil {
		return a, err
	}

	if a.settings, err = rights.NewFileSettingsStore(cfg.RightsFile); err != nil {
		return a, err
	}
	a.rights = rights.NewCachedSettingsStore(a.settings)
	checker := rights.NewChecker(a.processes, a.rights, a.store, logger.With("component", "rights"))

	a.publisher = notify.NewEventPublisher(notify.NewLogWriter(logger.With("component", "notify")), logger,
		notify.WithTopic(cfg.EventTopic))

	a.executions = execution.NewService(execution.Deps{
		Store:     a.store,
		Checker:   checker,
		Processes: a.processes,
		Engines:   a.engines,
		Publisher: a.publisher,
	}, execution.Config{
		WorkdirRoot:         cfg.WorkdirRoot,
		TimeoutSafetyFactor: cfg.TimeoutSafetyFactor,
		MinTimeout:          cfg.MinTimeout,
		TimeoutRetries:      cfg.TimeoutRetries,
		PersistRetries:      cfg.PersistRetries,
		PersistBackoff:      cfg.PersistBackoff,
	}, logger.With("component", "execution"))

	a.outputs = outputfile.NewManager(a.store, a.storage, outputfile.Config{
		DownloadedRetention: cfg.DownloadedRetention,
		UndownloadedGrace:   cfg.UndownloadedGrace,
	}, logger.With("component", "outputfile"))

	return a, nil
}

func newStorage(ctx context.Context, cfg config.Storage) (*storage.Router, error) {
	var router *storage.Router
	switch cfg.Backend {
	case "s3":
		m, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("connect object store: %w", err)
		}
		router = storage.NewRouter(storage.SchemeS3, m)
	default:
		fs, err := storage.NewFSStore(cfg.FSRoot)
		if err != nil {
			return nil, fmt.Errorf("open file storage: %w", err)
		}
		router = storage.NewRouter(storage.SchemeFile, fs)
	}

	dl := storage.NewHTTPDownloader(nil)
	router.HandleDownloads("http", dl)
	router.HandleDownloads("https", dl)
	return router, nil
}

// scheduler builds the periodic maintenance tasks.
func (a *app) scheduler() (*scheduler.Scheduler, error) {
	s := scheduler.New(a.logger.With("component", "scheduler"))
	err := multierr.Combine(
		s.Add("timeout-scan", a.cfg.TimeoutScanInterval, a.executions.ScheduledTimeoutNotify),
		s.Add("output-file-reaper", a.cfg.DeletionInterval, a.outputs.ScheduledDeleteDownloadedFiles),
		s.Add("rights-reload", a.cfg.RightsReloadInterval, func(context.Context) error {
			if err := a.settings.Reload(); err != nil {
				return err
			}
			a.rights.InvalidateAll()
			return nil
		}),
	)
	return s, err
}

// close stops the components in reverse order of construction.
func (a *app) close(ctx context.Context) error {
	var errs error
	if a.executions != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
		errs = multierr.Append(errs, a.executions.Shutdown(shutdownCtx))
		cancel()
	}
	if a.publisher != nil {
		errs = multierr.Append(errs, a.publisher.Close(ctx))
	}
	if a.store != nil {
		errs = multierr.Append(errs, a.store.Close())
	}
	if a.stopTracing != nil {
		errs = multierr.Append(errs, a.stopTracing(ctx))
	}
	return errs
}
