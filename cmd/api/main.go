package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/kirillkom/rag-qa-service/internal/adapters/http"
	"github.com/kirillkom/rag-qa-service/internal/bootstrap"
	"github.com/kirillkom/rag-qa-service/internal/config"
	"github.com/kirillkom/rag-qa-service/internal/observability/logging"
	"github.com/kirillkom/rag-qa-service/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger("api", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	m := metrics.NewHTTPServerMetrics("api")
	probes := map[string]httpadapter.HealthProber{
		"embeddings":   app.Ollama,
		"llm_primary":  app.Ollama,
		"llm_fallback": app.Ollama,
	}
	router := httpadapter.NewRouter(app.RetrievalUC, app.IngestUC, m, probes).Handler()

	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api_server_failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}
