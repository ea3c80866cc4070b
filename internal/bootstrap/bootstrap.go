package bootstrap

import (
	"context"
	"fmt"

	"github.com/kirillkom/rag-qa-service/internal/config"
	"github.com/kirillkom/rag-qa-service/internal/core/ports"
	"github.com/kirillkom/rag-qa-service/internal/core/usecase"
	"github.com/kirillkom/rag-qa-service/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/rag-qa-service/internal/infrastructure/loader"
	natsq "github.com/kirillkom/rag-qa-service/internal/infrastructure/queue/nats"
	"github.com/kirillkom/rag-qa-service/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/rag-qa-service/internal/infrastructure/resilience"
	"github.com/kirillkom/rag-qa-service/internal/infrastructure/sanitize"
	"github.com/kirillkom/rag-qa-service/internal/infrastructure/storage/localfs"
	vectorpg "github.com/kirillkom/rag-qa-service/internal/infrastructure/vector/postgres"
)

// App owns every dependency built at startup. Request handling and job
// execution receive these as explicit values; nothing is resolved lazily.
type App struct {
	Config config.Config
	AppCfg *config.AppConfig

	Queue *natsq.Queue

	IngestUC    ports.IngestOrchestrator
	PipelineUC  ports.JobRunner
	RetrievalUC ports.AnswerService

	Ollama *ollama.Client

	closeFn func()
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	appCfg, err := config.LoadApp(cfg.AppConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load app config: %w", err)
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	uploadRepo := postgres.NewUploadRepository(db)
	jobRepo := postgres.NewJobRepository(db)

	storage, err := localfs.New(appCfg.Ingest.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("init staging storage: %w", err)
	}

	executor := resilience.NewExecutor(resilience.DefaultConfig())

	queue, err := natsq.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, natsq.Options{
		ResilienceExecutor: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("init job queue: %w", err)
	}

	ollamaClient := ollama.New(cfg.OllamaURL, executor)
	embedder := ollama.NewEmbedder(
		ollamaClient,
		cfg.OllamaEmbedModel,
		cfg.EmbedDimension,
		appCfg.Embeddings.Batching.BatchSize,
		appCfg.Embeddings.Batching.RateLimitPerMin,
	)
	primary := ollama.NewGenerator(ollamaClient, cfg.OllamaGenModel)
	fallback := ollama.NewGenerator(ollamaClient, cfg.OllamaFallbackModel)

	vectorStore := vectorpg.NewStore(db, appCfg.Retrieval.Distance)

	sanitizer, err := sanitize.New(sanitize.Options{
		Mode:            appCfg.Sanitize.Mode,
		Profile:         appCfg.Sanitize.Profile,
		ConfigDir:       appCfg.Sanitize.ConfigDir,
		PlaceholderMode: appCfg.Sanitize.PlaceholderMode,
		HashSalt:        appCfg.Sanitize.HashSalt,
		AuditEnabled:    appCfg.Sanitize.AuditEnabled,
		AuditPath:       appCfg.Sanitize.AuditPath,
	})
	if err != nil {
		return nil, fmt.Errorf("init sanitizer: %w", err)
	}

	docLoader := loader.NewRouter(loader.AssetOptions{
		Root:               appCfg.Assets.Root,
		ExtractImages:      appCfg.Assets.DocxExtractImages,
		InlinePlaceholders: appCfg.Assets.DocxInlinePlaceholders,
	})

	ingestUC := usecase.NewIngestUseCase(uploadRepo, jobRepo, storage, queue, vectorStore, appCfg)
	pipelineUC := usecase.NewPipelineUseCase(jobRepo, storage, docLoader, sanitizer, embedder, vectorStore, appCfg)
	retrievalUC := usecase.NewRetrievalUseCase(embedder, vectorStore, primary, fallback, appCfg)

	return &App{
		Config: cfg,
		AppCfg: appCfg,

		Queue: queue,

		IngestUC:    ingestUC,
		PipelineUC:  pipelineUC,
		RetrievalUC: retrievalUC,

		Ollama: ollamaClient,

		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
