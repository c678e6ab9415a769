// Package app builds the pipeline components from configuration. Every
// binary shares it so they agree on backends and wiring.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/maraichr/gdr/internal/batch"
	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/dispatch"
	"github.com/maraichr/gdr/internal/event"
	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/locker"
	"github.com/maraichr/gdr/internal/manifest"
	"github.com/maraichr/gdr/internal/metrics"
	"github.com/maraichr/gdr/internal/monitor"
	"github.com/maraichr/gdr/internal/notify"
	"github.com/maraichr/gdr/internal/objectstore"
	minioclient "github.com/maraichr/gdr/internal/objectstore/minio"
	s3store "github.com/maraichr/gdr/internal/objectstore/s3"
	"github.com/maraichr/gdr/internal/recorder"
	"github.com/maraichr/gdr/internal/store"
	"github.com/maraichr/gdr/internal/store/pebble"
	"github.com/maraichr/gdr/internal/store/postgres"
	vk "github.com/maraichr/gdr/internal/store/valkey"
	"github.com/maraichr/gdr/internal/submission"
	"github.com/maraichr/gdr/internal/transfer"
)

// App holds the backends and every pipeline component.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Store   *store.Store
	Objects objectstore.Store
	Valkey  valkeygo.Client
	Invoker invoke.Invoker

	States     *submission.Tracker
	Router     *event.Router
	Recorder   *recorder.Recorder
	Locker     *locker.Locker
	Manifests  *manifest.Processor
	Dispatcher *dispatch.Dispatcher
	Monitor    *monitor.Monitor
	Reporter   *monitor.Reporter
	Sweeper    *monitor.Sweeper
	Transferer *transfer.Transferer
	Cleaner    *transfer.Cleaner

	minio *minioclient.Client
}

// Open connects the record store, object store and valkey, then builds the
// components on top of them.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	backend, err := openRecords(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store.New(backend, tablesOf(cfg.Tables), logger, store.WithMetrics(a.Metrics))
	logger.Info("record store ready", slog.String("driver", cfg.Records.Driver))

	if err := a.openObjects(ctx); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("object store ready", slog.String("driver", cfg.Objects.Driver))

	a.Valkey, err = vk.Open(ctx, cfg.Valkey, "gdr-"+filepath.Base(os.Args[0]))
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("connected to valkey")
	a.Invoker = invoke.NewStreams(a.Valkey)

	a.build()
	return a, nil
}

func openRecords(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.Records.Driver {
	case "pebble":
		return pebble.Open(cfg.Records.PebblePath)
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		b := postgres.New(pool)
		if err := b.EnsureTables(ctx, tablesOf(cfg.Tables).All()...); err != nil {
			b.Close()
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown record store driver %q", cfg.Records.Driver)
}

func (a *App) openObjects(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Objects.Driver {
	case "s3":
		s, err := s3store.New(ctx, cfg.S3)
		if err != nil {
			return err
		}
		a.Objects = s
	case "minio":
		mc, err := minioclient.NewClient(cfg.MinIO)
		if err != nil {
			return err
		}
		for _, b := range []string{cfg.Buckets.Staging, cfg.Buckets.Store, cfg.Buckets.Results} {
			if err := mc.EnsureBucket(ctx, b); err != nil {
				return err
			}
		}
		a.minio = mc
		a.Objects = mc
	default:
		return fmt.Errorf("unknown object store driver %q", cfg.Objects.Driver)
	}
	return nil
}

func (a *App) build() {
	cfg, logger, m := a.Config, a.Logger, a.Metrics

	notifiers := []notify.Notifier{}
	if cfg.Notify.SMTPHost != "" && cfg.Notify.ManagerEmail != "" {
		notifiers = append(notifiers, notify.NewEmail(cfg.Notify))
	}
	if cfg.Notify.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlack(cfg.Notify.SlackWebhookURL))
	}
	if len(notifiers) == 0 {
		logger.Warn("no notification channel configured")
	}
	notifier := notify.NewMulti(logger, m, notifiers...)

	submitter := batch.NewThrottled(batch.NewValkey(a.Valkey, cfg.Batch.DedupeWindow), cfg.Batch.SubmitRate, m)

	a.States = submission.NewTracker(a.Store, logger)
	a.Router = event.NewRouter(cfg.Buckets, a.Invoker, m, logger)
	a.Recorder = recorder.New(cfg.Buckets, a.Store, a.Objects, a.Invoker, logger)
	a.Locker = locker.New(cfg.Buckets.Staging, cfg.Lock, a.Objects, logger)
	a.Manifests = manifest.NewProcessor(cfg.Buckets, cfg.Pipeline, a.Store, a.Objects, a.Invoker, notifier, m, logger)
	a.Dispatcher = dispatch.New(cfg.Buckets, cfg.Batch, a.Store, a.Objects, submitter, logger)
	a.Monitor = monitor.New(cfg.Buckets, cfg.Pipeline, a.Store, a.Objects, a.Invoker, notifier, m, logger)
	a.Reporter = monitor.NewReporter(cfg.Buckets, cfg.Pipeline, a.Objects, a.States, notifier, m, logger)
	a.Sweeper = monitor.NewSweeper(a.Store, a.Invoker, notifier, cfg.Scheduler.StaleAfter, logger)
	a.Transferer = transfer.New(cfg.Buckets, cfg.Batch, a.Store, a.Objects, submitter, logger)
	a.Cleaner = transfer.NewCleaner(cfg.Buckets, a.Objects, a.States, a.Invoker, notifier, logger)
}

// Handlers maps every invocable function to its component.
func (a *App) Handlers() map[invoke.Function]invoke.Handler {
	return map[invoke.Function]invoke.Handler{
		invoke.Router:     a.Router.Handle,
		invoke.Recorder:   a.Recorder.Handle,
		invoke.Locker:     a.Locker.Handle,
		invoke.Manifest:   a.Manifests.Handle,
		invoke.Dispatcher: a.Dispatcher.Handle,
		invoke.Monitor:    a.Monitor.Handle,
		invoke.Report:     a.Reporter.Handle,
		invoke.Transfer:   a.Transferer.Handle,
		invoke.Cleanup:    a.Cleaner.Handle,
	}
}

// MinIO returns the minio client when that driver is in use.
func (a *App) MinIO() (*minioclient.Client, bool) {
	return a.minio, a.minio != nil
}

func (a *App) Close() {
	if a.Valkey != nil {
		a.Valkey.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn("close record store", slog.String("error", err.Error()))
		}
	}
}

func tablesOf(t config.TableConfig) store.Tables {
	return store.Tables{
		Staging:        t.Staging,
		StagingArchive: t.StagingArchive,
		Store:          t.Store,
		StoreArchive:   t.StoreArchive,
		Results:        t.Results,
		ResultsArchive: t.ResultsArchive,
		ETag:           t.ETag,
	}
}
