package ports

import (
	"context"
	"io"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

// ObjectStorage stores staged upload blobs and job manifests.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
	AbsPath(key string) string
}

// UploadRepository persists upload metadata.
type UploadRepository interface {
	Create(ctx context.Context, rec *domain.UploadRecord) error
	GetByID(ctx context.Context, uploadID string) (*domain.UploadRecord, error)
	GetByIDs(ctx context.Context, uploadIDs []string) ([]domain.UploadRecord, error)
}

// JobRepository persists job snapshots; it is the source of truth for state.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
	Update(ctx context.Context, job *domain.Job) error
	ListActive(ctx context.Context) ([]domain.Job, error)
}

// JobQueue hands queued job IDs from the API to the worker.
type JobQueue interface {
	PublishJob(ctx context.Context, jobID string) error
	SubscribeJobs(ctx context.Context, handler func(context.Context, string) error) error
}

// Embedder builds vectors for chunk and query text. EmbedDocuments returns a
// slice aligned with its input; whitespace-only inputs yield a nil vector.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Generator produces a chat completion bounded by maxTokens.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// VectorStore owns physical index tables, alias views, and similarity search.
type VectorStore interface {
	EnsureIndexTable(ctx context.Context, name string, dim int, distance string) error
	Upsert(ctx context.Context, table string, rows []domain.VectorRow, dedupeByHash bool) (inserted, skipped int, err error)
	EnsureAlias(ctx context.Context, aliasName, physicalTable string) error
	NextVersion(ctx context.Context, aliasName string) (string, error)
	SimilaritySearch(ctx context.Context, viewName string, queryVector []float32, k int) ([]domain.RetrievedChunk, error)
	Count(ctx context.Context, table string) (int, error)
	Drop(ctx context.Context, table string) error
}

// Sanitizer redacts or counts PII spans per the configured mode.
type Sanitizer interface {
	Sanitize(text, docID string) (string, map[string]int, error)
}

// DocumentLoader turns a file into ordered items with metadata. The docID
// names per-document asset directories for extracted figures.
type DocumentLoader interface {
	Load(ctx context.Context, path, docID string) ([]domain.DocumentItem, error)
}

// Chunker partitions cleaned items into ordered chunks.
type Chunker interface {
	Chunk(items []domain.DocumentItem, docID string) ([]domain.Chunk, error)
}
