// Command server starts the generation-orchestrator HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftwave/mediagen/internal/adapter/eventbus"
	httpserver "github.com/driftwave/mediagen/internal/adapter/httpserver"
	"github.com/driftwave/mediagen/internal/adapter/observability"
	"github.com/driftwave/mediagen/internal/adapter/queue/redisq"
	"github.com/driftwave/mediagen/internal/adapter/repo/postgres"
	"github.com/driftwave/mediagen/internal/app"
	"github.com/driftwave/mediagen/internal/config"
	"github.com/driftwave/mediagen/internal/usecase"
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

	ctx := context.Background()
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

	timeouts, err := cfg.ToolTimeouts()
	if err != nil {
		slog.Error("tool timeouts invalid", slog.Any("error", err))
		os.Exit(1)
	}
	orch := usecase.NewOrchestratorService(jobRepo, optRepo, queue, nil, timeouts)

	// Job events originate in the worker process. With Kafka configured, a
	// relay feeds them into this replica's local bus for SSE fan-out;
	// without it, clients rely on polling the job read view.
	bus := eventbus.NewBus()
	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()
	if len(cfg.KafkaBrokers) > 0 {
		relay, err := eventbus.NewRelay(cfg.KafkaBrokers, bus)
		if err != nil {
			slog.Error("event relay connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer relay.Close()
		go relay.Run(relayCtx)
	}

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, rdb)
	srv := httpserver.NewServer(cfg, orch, bus, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
