package usecase

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/kirillkom/rag-qa-service/internal/config"
	"github.com/kirillkom/rag-qa-service/internal/core/domain"
	"github.com/kirillkom/rag-qa-service/internal/core/ports"
	"github.com/kirillkom/rag-qa-service/internal/infrastructure/storage/localfs"
)

type uploadRepoFake struct {
	records map[string]domain.UploadRecord
}

func newUploadRepoFake() *uploadRepoFake {
	return &uploadRepoFake{records: map[string]domain.UploadRecord{}}
}

func (f *uploadRepoFake) Create(_ context.Context, rec *domain.UploadRecord) error {
	f.records[rec.UploadID] = *rec
	return nil
}

func (f *uploadRepoFake) GetByID(_ context.Context, id string) (*domain.UploadRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get upload", os.ErrNotExist)
	}
	return &rec, nil
}

func (f *uploadRepoFake) GetByIDs(_ context.Context, ids []string) ([]domain.UploadRecord, error) {
	var out []domain.UploadRecord
	for _, id := range ids {
		if rec, ok := f.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

type jobRepoFake struct {
	jobs map[string]domain.Job
}

func newJobRepoFake() *jobRepoFake {
	return &jobRepoFake{jobs: map[string]domain.Job{}}
}

func (f *jobRepoFake) Create(_ context.Context, job *domain.Job) error {
	f.jobs[job.JobID] = *job.Clone()
	return nil
}

func (f *jobRepoFake) Update(_ context.Context, job *domain.Job) error {
	f.jobs[job.JobID] = *job.Clone()
	return nil
}

func (f *jobRepoFake) GetByID(_ context.Context, id string) (*domain.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get job", os.ErrNotExist)
	}
	return job.Clone(), nil
}

func (f *jobRepoFake) ListActive(_ context.Context) ([]domain.Job, error) {
	var out []domain.Job
	for _, job := range f.jobs {
		if job.Status.Active() {
			out = append(out, *job.Clone())
		}
	}
	return out, nil
}

type queueFake struct {
	published []string
}

func (f *queueFake) PublishJob(_ context.Context, jobID string) error {
	f.published = append(f.published, jobID)
	return nil
}

func (f *queueFake) SubscribeJobs(context.Context, func(context.Context, string) error) error {
	return nil
}

func ingestConfig() *config.AppConfig {
	cfg := retrievalConfig()
	cfg.Ingest = config.IngestLimits{
		MaxUploadMB: 1,
		AllowMime: []string{
			"application/pdf",
			"text/plain",
		},
	}
	cfg.Embeddings.ActiveProfile = "legacy_profile"
	cfg.Embeddings.Profiles = map[string]config.Profile{
		"legacy_profile": {
			Chunker:   config.ChunkerConfig{Type: "char", Size: 2000, Overlap: 100},
			IndexName: "MY_DEMO_v1",
		},
	}
	return cfg
}

func newIngestFixture(t *testing.T) (*IngestUseCase, *uploadRepoFake, *jobRepoFake, *queueFake) {
	t.Helper()
	storage, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	uploads := newUploadRepoFake()
	jobs := newJobRepoFake()
	queue := &queueFake{}
	uc := NewIngestUseCase(uploads, jobs, storage, queue, &vectorFake{}, ingestConfig())
	return uc, uploads, jobs, queue
}

func textUpload(size int) ports.UploadRequest {
	return ports.UploadRequest{
		Filename: "manual.txt",
		Body:     bytes.NewReader(bytes.Repeat([]byte("a"), size)),
		Source:   "unit-test",
	}
}

func TestCreateUploadSizeBoundary(t *testing.T) {
	uc, _, _, _ := newIngestFixture(t)

	rec, err := uc.CreateUpload(context.Background(), textUpload(1048576))
	if err != nil {
		t.Fatalf("upload at the limit must succeed: %v", err)
	}
	if rec.SizeBytes != 1048576 {
		t.Fatalf("expected size 1048576, got %d", rec.SizeBytes)
	}

	_, err = uc.CreateUpload(context.Background(), textUpload(1048577))
	if !domain.IsKind(err, domain.ErrTooLarge) {
		t.Fatalf("expected too_large, got %v", err)
	}
	if !strings.Contains(err.Error(), "Upload exceeds maximum size of 1048576 bytes") {
		t.Fatalf("expected size detail in error, got %v", err)
	}
}

func TestCreateUploadEmpty(t *testing.T) {
	uc, _, _, _ := newIngestFixture(t)

	_, err := uc.CreateUpload(context.Background(), textUpload(0))
	if !domain.IsKind(err, domain.ErrEmptyPayload) {
		t.Fatalf("expected empty_payload, got %v", err)
	}
}

func TestCreateUploadUnsupportedMime(t *testing.T) {
	uc, _, _, _ := newIngestFixture(t)

	// PNG magic bytes: binary, not in the allow list.
	req := ports.UploadRequest{
		Filename: "logo.png",
		Body:     bytes.NewReader([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x01}),
	}
	_, err := uc.CreateUpload(context.Background(), req)
	if !domain.IsKind(err, domain.ErrUnsupportedMime) {
		t.Fatalf("expected unsupported_mime, got %v", err)
	}
}

func TestCreateUploadSniffsPDF(t *testing.T) {
	uc, _, _, _ := newIngestFixture(t)

	req := ports.UploadRequest{
		Filename: "doc.bin",
		Body:     strings.NewReader("%PDF-1.7 fake body"),
		TagsRaw:  "manuals, fiber",
		LangHint: "ES",
	}
	rec, err := uc.CreateUpload(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateUpload() error = %v", err)
	}
	if rec.ContentType != "application/pdf" {
		t.Fatalf("expected pdf mime, got %s", rec.ContentType)
	}
	if len(rec.Tags) != 2 || rec.Tags[0] != "manuals" {
		t.Fatalf("expected parsed tags, got %v", rec.Tags)
	}
	if rec.LangHint != "es" {
		t.Fatalf("expected lang hint es, got %s", rec.LangHint)
	}
	if rec.Checksum == "" || rec.StoragePath == "" {
		t.Fatalf("expected checksum and storage path, got %+v", rec)
	}
}

func TestCreateJobValidation(t *testing.T) {
	uc, uploads, _, _ := newIngestFixture(t)
	ctx := context.Background()

	if _, err := uc.CreateJob(ctx, nil, "", domain.JobOptions{}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("empty ids: expected invalid input, got %v", err)
	}
	if _, err := uc.CreateJob(ctx, []string{"a", "a"}, "", domain.JobOptions{}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("duplicate ids: expected invalid input, got %v", err)
	}
	if _, err := uc.CreateJob(ctx, []string{"missing"}, "", domain.JobOptions{}); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("missing upload: expected not found, got %v", err)
	}

	uploads.records["u1"] = domain.UploadRecord{UploadID: "u1", Filename: "a.txt", StoragePath: "x/a.txt"}
	if _, err := uc.CreateJob(ctx, []string{"u1"}, "bogus_profile", domain.JobOptions{}); !domain.IsKind(err, domain.ErrUnknownProfile) {
		t.Fatalf("unknown profile: expected unknown_profile, got %v", err)
	}
	if _, err := uc.CreateJob(ctx, []string{"u1"}, "", domain.JobOptions{DomainKey: "nope"}); !domain.IsKind(err, domain.ErrUnknownDomain) {
		t.Fatalf("unknown domain: expected unknown_domain, got %v", err)
	}
}

func TestCreateJobConflictOnOverlappingUploads(t *testing.T) {
	uc, uploads, jobs, _ := newIngestFixture(t)
	ctx := context.Background()

	uploads.records["u1"] = domain.UploadRecord{UploadID: "u1", Filename: "a.txt", StoragePath: "x/a.txt"}
	jobs.jobs["emb-1"] = domain.Job{
		JobID:     "emb-1",
		Status:    domain.JobStatusRunning,
		UploadIDs: []string{"u1"},
	}

	_, err := uc.CreateJob(ctx, []string{"u1"}, "", domain.JobOptions{})
	if !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCreateJobQueuesAndWritesManifest(t *testing.T) {
	uc, uploads, jobs, queue := newIngestFixture(t)
	ctx := context.Background()

	uploads.records["u1"] = domain.UploadRecord{
		UploadID:    "u1",
		Filename:    "fiber_modem_reset.txt",
		StoragePath: "2026/08/05/u1/fiber_modem_reset.txt",
		Tags:        []string{"manuals"},
		LangHint:    "es",
	}

	job, err := uc.CreateJob(ctx, []string{"u1"}, "", domain.JobOptions{
		UpdateAlias: true,
		Tags:        []string{"fiber"},
	})
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}
	if job.TargetIndex != "MY_DEMO_v1" {
		t.Fatalf("expected versioned target index, got %s", job.TargetIndex)
	}
	if job.TargetAlias != "MY_DEMO" {
		t.Fatalf("expected default alias target, got %s", job.TargetAlias)
	}
	if len(queue.published) != 1 || queue.published[0] != job.JobID {
		t.Fatalf("expected job enqueued, got %v", queue.published)
	}
	if _, ok := jobs.jobs[job.JobID]; !ok {
		t.Fatalf("expected job persisted")
	}

	manifestPath := uc.storage.AbsPath(manifestKey(job.JobID))
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		t.Fatalf("manifest not written: %v", err)
	}
	line := string(bytes.TrimSpace(raw))
	for _, needle := range []string{`"doc_id":"fiber_modem_reset"`, `"fiber"`, `"manuals"`, `"lang":"es"`} {
		if !strings.Contains(line, needle) {
			t.Fatalf("manifest line missing %s: %s", needle, line)
		}
	}
}

func TestParseTagsFormats(t *testing.T) {
	if got := parseTags(`["a","b"]`); len(got) != 2 {
		t.Fatalf("json tags: got %v", got)
	}
	if got := parseTags("a, b ,c"); len(got) != 3 {
		t.Fatalf("csv tags: got %v", got)
	}
	if got := parseTags(""); len(got) != 0 {
		t.Fatalf("empty tags: got %v", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := sanitizeFilename("../weird name!.pdf"); got != "weird_name_.pdf" {
		t.Fatalf("got %q", got)
	}
	if got := sanitizeFilename(""); got != "document.bin" {
		t.Fatalf("got %q", got)
	}
}

var _ ports.JobQueue = (*queueFake)(nil)
var _ ports.UploadRepository = (*uploadRepoFake)(nil)
var _ ports.JobRepository = (*jobRepoFake)(nil)
