package ports

import (
	"context"
	"io"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

// UploadRequest carries one multipart upload into the ingest service.
type UploadRequest struct {
	Filename string
	Body     io.Reader
	Source   string
	TagsRaw  string
	LangHint string
}

// IngestOrchestrator is the inbound contract for upload staging and job
// creation. CreateJob returns immediately with a queued snapshot.
type IngestOrchestrator interface {
	CreateUpload(ctx context.Context, req UploadRequest) (*domain.UploadRecord, error)
	GetUpload(ctx context.Context, uploadID string) (*domain.UploadRecord, error)
	CreateJob(ctx context.Context, uploadIDs []string, profile string, options domain.JobOptions) (*domain.Job, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
}

// JobRunner executes a queued job to completion or failure.
type JobRunner interface {
	RunJob(ctx context.Context, jobID string) error
}

// AnswerService is the inbound contract for retrieval-augmented answers.
type AnswerService interface {
	Answer(ctx context.Context, question, domainKey string) (*domain.Response, error)
}
