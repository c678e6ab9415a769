// Command listener forwards MinIO bucket notifications to the event router.
// With S3 the same events arrive through POST /api/v1/events/s3 instead.
package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7/pkg/notification"

	"github.com/maraichr/gdr/internal/app"
	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/event"
	"github.com/maraichr/gdr/internal/invoke"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := godotenv.Load(); err == nil {
		logger.Info("loaded .env")
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	mc, ok := a.MinIO()
	if !ok {
		logger.Error("listener requires OBJECT_STORE_DRIVER=minio")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	for _, bucket := range []string{cfg.Buckets.Staging, cfg.Buckets.Store, cfg.Buckets.Results} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("listening for bucket notifications", slog.String("bucket", bucket))
			for info := range mc.Listen(ctx, bucket) {
				if info.Err != nil {
					logger.Error("bucket notification error", slog.String("bucket", bucket), slog.String("error", info.Err.Error()))
					continue
				}
				batch := toBatch(info)
				if len(batch.Records) == 0 {
					continue
				}
				if err := a.Invoker.Invoke(ctx, invoke.Router, batch); err != nil {
					logger.Error("failed to forward event", slog.String("bucket", bucket), slog.String("error", err.Error()))
				}
			}
		}()
	}

	wg.Wait()
	logger.Info("listener stopped")
}

func toBatch(info notification.Info) event.Batch {
	var b event.Batch
	for _, ev := range info.Records {
		// MinIO prefixes event names with "s3:" and sends keys escaped.
		key, err := url.QueryUnescape(ev.S3.Object.Key)
		if err != nil {
			key = ev.S3.Object.Key
		}
		name := strings.TrimPrefix(ev.EventName, "s3:")
		b.Records = append(b.Records, event.NewRecord(name, ev.S3.Bucket.Name, key, ev.S3.Object.ETag, ev.S3.Object.Size))
	}
	return b
}
