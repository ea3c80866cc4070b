package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kirillkom/rag-qa-service/internal/config"
	"github.com/kirillkom/rag-qa-service/internal/core/domain"
	"github.com/kirillkom/rag-qa-service/internal/core/ports"
	"github.com/kirillkom/rag-qa-service/internal/infrastructure/manifest"
	"github.com/kirillkom/rag-qa-service/internal/infrastructure/storage/localfs"
)

type loaderFake struct {
	err error
}

func (f *loaderFake) Load(_ context.Context, path, _ string) ([]domain.DocumentItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []domain.DocumentItem{{
		Text:     string(raw),
		Metadata: domain.ItemMetadata{Source: path, ContentType: "txt"},
	}}, nil
}

type pipelineVectorFake struct {
	tables      map[string]map[string]bool // table -> hash set
	ensuredDim  int
	aliases     map[string]string
	upsertCalls int
	ensureErr   error
	upsertErr   error
	aliasErr    error
}

func newPipelineVectorFake() *pipelineVectorFake {
	return &pipelineVectorFake{
		tables:  map[string]map[string]bool{},
		aliases: map[string]string{},
	}
}

func (f *pipelineVectorFake) EnsureIndexTable(_ context.Context, name string, dim int, _ string) error {
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.ensuredDim = dim
	if _, ok := f.tables[name]; !ok {
		f.tables[name] = map[string]bool{}
	}
	return nil
}

func (f *pipelineVectorFake) Upsert(_ context.Context, table string, rows []domain.VectorRow, dedupe bool) (int, int, error) {
	if f.upsertErr != nil {
		return 0, 0, f.upsertErr
	}
	f.upsertCalls++
	hashes := f.tables[table]
	inserted, skipped := 0, 0
	for _, row := range rows {
		if dedupe && row.Chunk.HashNorm != "" && hashes[row.Chunk.HashNorm] {
			skipped++
			continue
		}
		hashes[row.Chunk.HashNorm] = true
		inserted++
	}
	return inserted, skipped, nil
}

func (f *pipelineVectorFake) EnsureAlias(_ context.Context, alias, table string) error {
	if f.aliasErr != nil {
		return f.aliasErr
	}
	f.aliases[alias] = table
	return nil
}

func (f *pipelineVectorFake) NextVersion(_ context.Context, alias string) (string, error) {
	return alias + "_v2", nil
}

func (f *pipelineVectorFake) SimilaritySearch(_ context.Context, _ string, _ []float32, _ int) ([]domain.RetrievedChunk, error) {
	return []domain.RetrievedChunk{{
		Chunk:    domain.Chunk{ChunkID: "golden_chunk_0001", DocID: "golden_doc", Text: "reset button"},
		RawScore: 0.7,
	}}, nil
}

func (f *pipelineVectorFake) Count(context.Context, string) (int, error) { return 0, nil }
func (f *pipelineVectorFake) Drop(context.Context, string) error         { return nil }

var _ ports.VectorStore = (*pipelineVectorFake)(nil)
var _ ports.DocumentLoader = (*loaderFake)(nil)

type pipelineFixture struct {
	uc      *PipelineUseCase
	jobs    *jobRepoFake
	vector  *pipelineVectorFake
	storage *localfs.Storage
	cfg     *config.AppConfig
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	storage, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	cfg := ingestConfig()
	jobs := newJobRepoFake()
	vector := newPipelineVectorFake()
	uc := NewPipelineUseCase(jobs, storage, &loaderFake{}, nil,
		&embedderFake{vector: []float32{0.1, 0.2, 0.3}}, vector, cfg)
	return &pipelineFixture{uc: uc, jobs: jobs, vector: vector, storage: storage, cfg: cfg}
}

// seedJob creates a queued job whose manifest points at one real text file.
func (fx *pipelineFixture) seedJob(t *testing.T, jobID string, options domain.JobOptions) {
	t.Helper()
	docDir := t.TempDir()
	docPath := filepath.Join(docDir, "fiber_modem_reset.txt")
	content := "Hold the reset button for 10 seconds until the modem restarts completely."
	if err := os.WriteFile(docPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}

	manifestPath := fx.storage.AbsPath(manifestKey(jobID))
	err := manifest.Write(manifestPath, []domain.ManifestEntry{{Path: docPath, DocID: "fiber_modem_reset"}})
	if err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	fx.jobs.jobs[jobID] = domain.Job{
		JobID:       jobID,
		Status:      domain.JobStatusQueued,
		Profile:     "legacy_profile",
		TargetIndex: "MY_DEMO_v2",
		TargetAlias: "MY_DEMO",
		UploadIDs:   []string{"u1"},
		Options:     options,
		CreatedAt:   time.Now().UTC(),
		Progress:    domain.JobProgress{FilesTotal: 1},
		LogsTail:    []string{},
	}
}

func TestRunJobHappyPathRotatesAlias(t *testing.T) {
	fx := newPipelineFixture(t)
	fx.seedJob(t, "emb-1", domain.JobOptions{UpdateAlias: true})

	if err := fx.uc.RunJob(context.Background(), "emb-1"); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	job, _ := fx.jobs.GetByID(context.Background(), "emb-1")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%+v)", job.Status, job.Error)
	}
	if job.Summary == nil || job.Summary.Inserted == 0 {
		t.Fatalf("expected inserted chunks, got %+v", job.Summary)
	}
	if !job.Summary.UpdatedAlias {
		t.Fatalf("expected alias rotation recorded")
	}
	if fx.vector.aliases["MY_DEMO"] != "MY_DEMO_v2" {
		t.Fatalf("alias not pointed at physical table: %v", fx.vector.aliases)
	}
	if fx.vector.ensuredDim != 3 {
		t.Fatalf("expected table ensured with embedder dimension, got %d", fx.vector.ensuredDim)
	}
	if job.FinishedAt == nil || job.Metrics == nil {
		t.Fatalf("expected finished timestamp and metrics")
	}
}

func TestRunJobDedupeRerunSkipsEverything(t *testing.T) {
	fx := newPipelineFixture(t)
	fx.cfg.Embeddings.Dedupe.ByHash = true
	fx.seedJob(t, "emb-1", domain.JobOptions{})
	fx.seedJob(t, "emb-2", domain.JobOptions{})
	// Same target table for both runs.
	ctx := context.Background()

	if err := fx.uc.RunJob(ctx, "emb-1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, _ := fx.jobs.GetByID(ctx, "emb-1")

	if err := fx.uc.RunJob(ctx, "emb-2"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, _ := fx.jobs.GetByID(ctx, "emb-2")

	if first.Summary.Inserted == 0 {
		t.Fatalf("first run must insert")
	}
	if second.Summary.Inserted != 0 {
		t.Fatalf("rerun must insert nothing, got %d", second.Summary.Inserted)
	}
	if second.Summary.Skipped != first.Summary.Inserted {
		t.Fatalf("rerun must skip all %d chunks, skipped %d", first.Summary.Inserted, second.Summary.Skipped)
	}
}

func TestRunJobMissingManifestPathFailsJob(t *testing.T) {
	fx := newPipelineFixture(t)
	fx.seedJob(t, "emb-1", domain.JobOptions{UpdateAlias: true})

	manifestPath := fx.storage.AbsPath(manifestKey("emb-1"))
	err := manifest.Write(manifestPath, []domain.ManifestEntry{{Path: "/nonexistent/*.pdf"}})
	if err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	if err := fx.uc.RunJob(context.Background(), "emb-1"); err == nil {
		t.Fatalf("expected failure")
	}

	job, _ := fx.jobs.GetByID(context.Background(), "emb-1")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected FAILED, got %s", job.Status)
	}
	if job.Error == nil || job.Error.Code != "upload_missing" {
		t.Fatalf("expected typed error code, got %+v", job.Error)
	}
	if len(fx.vector.aliases) != 0 {
		t.Fatalf("alias must never move on failure: %v", fx.vector.aliases)
	}
}

func TestRunJobEmbedFailureMarksJobFailed(t *testing.T) {
	fx := newPipelineFixture(t)
	fx.seedJob(t, "emb-1", domain.JobOptions{UpdateAlias: true})
	fx.uc.embedder = &embedderFake{err: errors.New("upstream 503")}

	if err := fx.uc.RunJob(context.Background(), "emb-1"); err == nil {
		t.Fatalf("expected failure")
	}

	job, _ := fx.jobs.GetByID(context.Background(), "emb-1")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected FAILED, got %s", job.Status)
	}
	if job.Error.Code != "embed_failed" {
		t.Fatalf("expected embed_failed, got %s", job.Error.Code)
	}
	if len(fx.vector.aliases) != 0 {
		t.Fatalf("alias must never move on failure")
	}
	// Partial progress is retained for diagnostics.
	if job.Progress.FilesProcessed != 1 {
		t.Fatalf("expected processed file count retained, got %d", job.Progress.FilesProcessed)
	}
}

func TestRunJobEvaluationGateBlocksPromotion(t *testing.T) {
	fx := newPipelineFixture(t)
	goldenPath := filepath.Join(t.TempDir(), "golden.yaml")
	golden := "queries:\n  - query: \"reset the modem\"\n    expect_doc_ids: [other_doc]\n"
	if err := os.WriteFile(goldenPath, []byte(golden), 0o644); err != nil {
		t.Fatalf("write golden: %v", err)
	}
	fx.cfg.Evaluation = config.EvaluationConfig{
		GoldenQueriesPath: goldenPath,
		Gates:             config.EvaluationGates{MinHitRate: 0.5},
	}
	fx.seedJob(t, "emb-1", domain.JobOptions{UpdateAlias: true, Evaluate: true})

	if err := fx.uc.RunJob(context.Background(), "emb-1"); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	job, _ := fx.jobs.GetByID(context.Background(), "emb-1")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("gate failure must not fail the job, got %s", job.Status)
	}
	if job.Summary == nil || !job.Summary.PromotionBlocked {
		t.Fatalf("expected promotion_blocked, got %+v", job.Summary)
	}
	if len(fx.vector.aliases) != 0 {
		t.Fatalf("alias must stay put when gates fail: %v", fx.vector.aliases)
	}
	if job.Evaluation == nil || job.Evaluation.HitRate != 0 {
		t.Fatalf("expected evaluation metrics attached, got %+v", job.Evaluation)
	}
}

func TestRunJobEvaluationPassingGatesRotates(t *testing.T) {
	fx := newPipelineFixture(t)
	goldenPath := filepath.Join(t.TempDir(), "golden.yaml")
	golden := "queries:\n  - query: \"reset the modem\"\n    expect_doc_ids: [golden_doc]\n    expect_phrases: [\"reset button\"]\n"
	if err := os.WriteFile(goldenPath, []byte(golden), 0o644); err != nil {
		t.Fatalf("write golden: %v", err)
	}
	fx.cfg.Evaluation = config.EvaluationConfig{
		GoldenQueriesPath: goldenPath,
		Gates:             config.EvaluationGates{MinHitRate: 0.5, MinMRR: 0.5},
	}
	fx.seedJob(t, "emb-1", domain.JobOptions{UpdateAlias: true, Evaluate: true})

	if err := fx.uc.RunJob(context.Background(), "emb-1"); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	job, _ := fx.jobs.GetByID(context.Background(), "emb-1")
	if job.Evaluation == nil || job.Evaluation.HitRate != 1 || job.Evaluation.MRR != 1 {
		t.Fatalf("expected perfect evaluation, got %+v", job.Evaluation)
	}
	if job.Evaluation.PhraseHitRate != 1 {
		t.Fatalf("expected phrase hit, got %+v", job.Evaluation)
	}
	if fx.vector.aliases["MY_DEMO"] != "MY_DEMO_v2" {
		t.Fatalf("expected rotation after passing gates: %v", fx.vector.aliases)
	}
}

func TestRunJobSkipsAliasWithoutInsertedRows(t *testing.T) {
	fx := newPipelineFixture(t)
	fx.cfg.Embeddings.Dedupe.ByHash = true
	fx.seedJob(t, "emb-1", domain.JobOptions{UpdateAlias: true})
	fx.seedJob(t, "emb-2", domain.JobOptions{UpdateAlias: true})
	ctx := context.Background()

	if err := fx.uc.RunJob(ctx, "emb-1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	fx.vector.aliases = map[string]string{}

	if err := fx.uc.RunJob(ctx, "emb-2"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(fx.vector.aliases) != 0 {
		t.Fatalf("zero-insert job must not rotate the alias: %v", fx.vector.aliases)
	}
}
