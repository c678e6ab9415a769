package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/maraichr/gdr/internal/app"
	"github.com/maraichr/gdr/internal/config"
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

	consumerID := cfg.Worker.ConsumerName
	if consumerID == "" {
		consumerID, _ = os.Hostname()
	}
	if consumerID == "" {
		consumerID = "worker-1"
	}

	g, gctx := errgroup.WithContext(ctx)
	for fn, handler := range a.Handlers() {
		c := invoke.NewConsumer(a.Valkey, fn, consumerID, cfg.Worker.InvokeTimeout, logger,
			invoke.WithRedelivery(cfg.Worker.ClaimIdle, cfg.Worker.MaxDeliveries))
		if err := c.EnsureGroup(ctx); err != nil {
			logger.Error("failed to create consumer group", slog.String("function", string(fn)), slog.String("error", err.Error()))
			os.Exit(1)
		}
		g.Go(func() error {
			if err := c.Consume(gctx, handler); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	metricsSrv := &http.Server{Addr: cfg.Worker.MetricsAddr, Handler: a.Metrics.Handler()}
	g.Go(func() error {
		logger.Info("serving metrics", slog.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	logger.Info("worker started", slog.String("consumer", consumerID), slog.Int("functions", len(invoke.Functions)))
	if err := g.Wait(); err != nil {
		logger.Error("worker failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
