package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/rag-qa-service/internal/bootstrap"
	"github.com/kirillkom/rag-qa-service/internal/config"
	"github.com/kirillkom/rag-qa-service/internal/observability/logging"
	"github.com/kirillkom/rag-qa-service/internal/observability/metrics"
)

const jobTimeout = 60 * time.Minute

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger("worker", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	m := metrics.NewWorkerMetrics("worker")
	metricsServer := &http.Server{
		Addr:    ":" + cfg.WorkerMetricsPort,
		Handler: m.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	slog.Info("worker_subscribed", "subject", cfg.NATSSubject)
	err = app.Queue.SubscribeJobs(ctx, func(handlerCtx context.Context, jobID string) error {
		jobCtx, cancel := context.WithTimeout(handlerCtx, jobTimeout)
		defer cancel()

		m.StartJob()
		start := time.Now()
		runErr := app.PipelineUC.RunJob(jobCtx, jobID)
		m.FinishJob("worker", time.Since(start), runErr)
		if job, err := app.IngestUC.GetJob(jobCtx, jobID); err == nil {
			m.ObserveIndexed("worker", job.Progress.ChunksIndexed, job.Progress.DedupeSkipped)
		}
		return runErr
	})
	if err != nil {
		slog.Error("worker_subscribe_failed", "error", err)
		os.Exit(1)
	}
}
