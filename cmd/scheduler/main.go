// Command scheduler periodically sweeps validations stuck in RUNNING.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"

	"github.com/maraichr/gdr/internal/app"
	"github.com/maraichr/gdr/internal/config"
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
	if !gronx.IsValid(cfg.Scheduler.Cron) {
		logger.Error("invalid SCHEDULER_CRON", slog.String("cron", cfg.Scheduler.Cron))
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

	logger.Info("starting scheduler",
		slog.String("cron", cfg.Scheduler.Cron),
		slog.Duration("stale_after", cfg.Scheduler.StaleAfter))

	for {
		next, err := gronx.NextTickAfter(cfg.Scheduler.Cron, time.Now().UTC(), false)
		if err != nil {
			logger.Error("failed to compute next tick", slog.String("error", err.Error()))
			next = time.Now().Add(time.Minute)
		}

		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-time.After(time.Until(next)):
		}

		stale, err := a.Sweeper.Sweep(ctx)
		if err != nil {
			logger.Error("sweep failed", slog.String("error", err.Error()))
			continue
		}
		logger.Info("sweep complete", slog.Int("stale_submissions", len(stale)))
	}
}
