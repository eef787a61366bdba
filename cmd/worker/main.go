// Command worker runs the generation-job poll workers, the stalled-job
// sweeper, and the queue depth reporter.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftwave/mediagen/internal/adapter/eventbus"
	"github.com/driftwave/mediagen/internal/adapter/observability"
	"github.com/driftwave/mediagen/internal/adapter/provider/higgsfield"
	"github.com/driftwave/mediagen/internal/adapter/queue/redisq"
	"github.com/driftwave/mediagen/internal/adapter/repo/postgres"
	"github.com/driftwave/mediagen/internal/app"
	"github.com/driftwave/mediagen/internal/config"
	"github.com/driftwave/mediagen/internal/domain"
	"github.com/driftwave/mediagen/internal/poller"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.WaitReady(ctx, pool, 30*time.Second); err != nil {
		slog.Error("db not ready", slog.Any("error", err))
		os.Exit(1)
	}

	rdb, err := redisq.NewClient(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	jobRepo := postgres.NewJobRepo(pool)
	optRepo := postgres.NewOptionRepo(pool)
	queue := redisq.New(rdb, cfg.SchedVisibility, nil)
	provider := higgsfield.New(cfg)

	// Worker-side events go to the local bus (worker has no SSE clients) and
	// mirror to Kafka when configured so server replicas can fan them out.
	var bus domain.EventBus = eventbus.NewBus()
	if len(cfg.KafkaBrokers) > 0 {
		mirror, err := eventbus.NewMirror(cfg.KafkaBrokers)
		if err != nil {
			slog.Error("event mirror connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer mirror.Close()
		bus = &eventbus.TeeBus{Local: eventbus.NewBus(), Mirror: mirror}
	}

	p := poller.New(jobRepo, optRepo, provider, queue, bus, nil, poller.Backoff{
		MinMS:  cfg.PollMinIntervalMS,
		MaxMS:  cfg.PollMaxIntervalMS,
		Jitter: cfg.PollJitter,
	}, cfg.ProviderCallTimeout)

	consumer := redisq.NewConsumer(queue, p.Process, cfg.WorkerConcurrency, cfg.SchedPollInterval)
	sweeper := app.NewStalledJobSweeper(jobRepo, queue, cfg.SweepGrace, cfg.SweepInterval)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); consumer.Run(ctx) }()
	go func() { defer wg.Done(); sweeper.Run(ctx) }()
	go func() { defer wg.Done(); app.ReportQueueDepth(ctx, jobRepo, cfg.QueueDepthInterval) }()

	// Metrics-only listener; the worker serves no API.
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("worker metrics listening", slog.Int("port", cfg.Port))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	wg.Wait()
	slog.Info("worker stopped")
}
