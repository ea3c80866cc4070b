package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/rag-qa-service/internal/config"
	"github.com/kirillkom/rag-qa-service/internal/core/domain"
	"github.com/kirillkom/rag-qa-service/internal/core/ports"
	"github.com/kirillkom/rag-qa-service/internal/infrastructure/chunking"
	"github.com/kirillkom/rag-qa-service/internal/infrastructure/cleaning"
	"github.com/kirillkom/rag-qa-service/internal/infrastructure/manifest"
)

const maxLogLines = 40

// PipelineUseCase executes one ingestion job to completion: manifest ->
// load -> clean -> sanitize -> chunk -> embed -> upsert -> evaluate ->
// alias rotation. One goroutine owns a job; jobs run in parallel with each
// other.
type PipelineUseCase struct {
	jobs      ports.JobRepository
	storage   ports.ObjectStorage
	loader    ports.DocumentLoader
	sanitizer ports.Sanitizer
	embedder  ports.Embedder
	store     ports.VectorStore
	appCfg    *config.AppConfig
}

func NewPipelineUseCase(
	jobs ports.JobRepository,
	storage ports.ObjectStorage,
	loader ports.DocumentLoader,
	sanitizer ports.Sanitizer,
	embedder ports.Embedder,
	store ports.VectorStore,
	appCfg *config.AppConfig,
) *PipelineUseCase {
	return &PipelineUseCase{
		jobs:      jobs,
		storage:   storage,
		loader:    loader,
		sanitizer: sanitizer,
		embedder:  embedder,
		store:     store,
		appCfg:    appCfg,
	}
}

func (uc *PipelineUseCase) RunJob(ctx context.Context, jobID string) error {
	job, err := uc.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusQueued {
		slog.Warn("job_not_queued", "job_id", jobID, "status", job.Status)
		return nil
	}

	now := time.Now().UTC()
	job.Status = domain.JobStatusRunning
	job.StartedAt = &now
	if err := uc.jobs.Update(ctx, job); err != nil {
		return err
	}

	start := time.Now()
	summary, evaluation, runErr := uc.run(ctx, job)
	duration := time.Since(start)

	finished := time.Now().UTC()
	job.FinishedAt = &finished
	job.Metrics = deriveMetrics(duration, summary, job.Options.Evaluate)
	job.Evaluation = evaluation

	if runErr != nil {
		job.Status = domain.JobStatusFailed
		job.Error = &domain.JobError{
			Code:      domain.ErrorCode(runErr),
			Message:   runErr.Error(),
			Retryable: domain.IsKind(runErr, domain.ErrTemporary),
		}
		if summary != nil {
			job.Summary = summary
		}
		if err := uc.jobs.Update(ctx, job); err != nil {
			slog.Error("job_update_failed", "job_id", jobID, "error", err)
		}
		return runErr
	}

	job.Status = domain.JobStatusSucceeded
	job.Summary = summary
	job.Progress.FilesProcessed = job.Progress.FilesTotal
	return uc.jobs.Update(ctx, job)
}

func (uc *PipelineUseCase) run(ctx context.Context, job *domain.Job) (*domain.JobSummary, *domain.EvaluationResult, error) {
	_, profile, err := uc.appCfg.ProfileFor(job.Profile)
	if err != nil {
		return nil, nil, domain.WrapError(domain.ErrUnknownProfile, "run job", err)
	}

	manifestPath := uc.storage.AbsPath(manifestKey(job.JobID))
	entries, err := manifest.Read(manifestPath)
	if err != nil {
		return nil, nil, domain.WrapError(domain.ErrUploadMissing, "read manifest", err)
	}
	resolved, err := manifest.Expand(manifestPath, entries)
	if err != nil {
		return nil, nil, domain.WrapError(domain.ErrUploadMissing, "expand manifest", err)
	}
	uc.appendLog(ctx, job, fmt.Sprintf("manifest: %d file(s) resolved", len(resolved)))

	chunker, err := uc.buildChunker(profile)
	if err != nil {
		return nil, nil, domain.WrapError(domain.ErrUnknownProfile, "build chunker", err)
	}

	distanceMetric := profile.DistanceMetric
	if distanceMetric == "" {
		distanceMetric = "dot_product"
	}
	dedupe := uc.appCfg.Embeddings.Dedupe.ByHash

	summary := &domain.JobSummary{TargetTable: job.TargetIndex}

	if uc.appCfg.Embeddings.Batching.Workers > 1 {
		slog.Info("embed_workers_hint_ignored", "workers", uc.appCfg.Embeddings.Batching.Workers)
	}

	var buffer []domain.VectorRow
	for _, doc := range resolved {
		summary.Docs++
		chunks, err := uc.processDocument(ctx, doc, profile, chunker)
		if err != nil {
			summary.Errors++
			uc.appendLog(ctx, job, fmt.Sprintf("failed %s: %v", doc.Path, err))
			continue
		}
		for i := range chunks {
			chunks[i].Profile = job.Profile
			chunks[i].DistanceMetric = distanceMetric
			if dedupe {
				chunks[i].HashNorm = hashNormalize(chunks[i].Text)
			}
			buffer = append(buffer, domain.VectorRow{Chunk: chunks[i]})
		}
		summary.Chunks += len(chunks)
		job.Progress.FilesProcessed++
		job.Progress.ChunksTotal = summary.Chunks
		if err := uc.jobs.Update(ctx, job); err != nil {
			slog.Warn("progress_update_failed", "job_id", job.JobID, "error", err)
		}
	}
	uc.appendLog(ctx, job, fmt.Sprintf("prepared %d chunks from %d docs", len(buffer), summary.Docs))

	if len(buffer) > 0 {
		texts := make([]string, len(buffer))
		for i, row := range buffer {
			texts[i] = row.Chunk.Text
		}
		vectors, err := uc.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return summary, nil, domain.WrapError(domain.ErrEmbedFailed, "embed chunks", err)
		}

		dim := 0
		for i := range buffer {
			buffer[i].Embedding = vectors[i]
			if dim == 0 && len(vectors[i]) > 0 {
				dim = len(vectors[i])
			}
		}
		if dim == 0 {
			return summary, nil, domain.WrapError(domain.ErrEmbedFailed, "embed chunks", fmt.Errorf("no vectors produced"))
		}

		if err := uc.store.EnsureIndexTable(ctx, job.TargetIndex, dim, distanceMetric); err != nil {
			return summary, nil, err
		}

		batchSize := uc.appCfg.Embeddings.Batching.BatchSize
		for offset := 0; offset < len(buffer); offset += batchSize {
			end := offset + batchSize
			if end > len(buffer) {
				end = len(buffer)
			}
			batch := make([]domain.VectorRow, 0, end-offset)
			for _, row := range buffer[offset:end] {
				if len(row.Embedding) == 0 {
					continue
				}
				batch = append(batch, row)
			}
			if len(batch) == 0 {
				continue
			}
			inserted, skipped, err := uc.store.Upsert(ctx, job.TargetIndex, batch, dedupe)
			summary.Inserted += inserted
			summary.Skipped += skipped
			if err != nil {
				return summary, nil, domain.WrapError(domain.ErrStoreFailed, "upsert chunks", err)
			}
			job.Progress.ChunksIndexed = summary.Inserted
			job.Progress.DedupeSkipped = summary.Skipped
			if err := uc.jobs.Update(ctx, job); err != nil {
				slog.Warn("progress_update_failed", "job_id", job.JobID, "error", err)
			}
		}
	}

	uc.appendLog(ctx, job, fmt.Sprintf(
		"docs=%d chunks=%d inserted=%d skipped=%d errors=%d",
		summary.Docs, summary.Chunks, summary.Inserted, summary.Skipped, summary.Errors,
	))

	var evaluation *domain.EvaluationResult
	gatesPassed := true
	if job.Options.Evaluate {
		evaluation, err = uc.evaluate(ctx, job.TargetIndex)
		if err != nil {
			return summary, nil, domain.WrapError(domain.ErrEvalFailed, "evaluate golden queries", err)
		}
		gatesPassed = uc.evaluationGatesPass(evaluation)
		uc.appendLog(ctx, job, fmt.Sprintf(
			"eval target=%s hit_rate=%.3f mrr=%.3f phrase_hit_rate=%.3f gates_passed=%t",
			evaluation.Target, evaluation.HitRate, evaluation.MRR, evaluation.PhraseHitRate, gatesPassed,
		))
	}

	if job.Options.UpdateAlias {
		switch {
		case summary.Inserted == 0:
			uc.appendLog(ctx, job, "alias update skipped: no rows inserted")
		case !gatesPassed:
			summary.PromotionBlocked = true
			uc.appendLog(ctx, job, fmt.Sprintf("alias update blocked: evaluation gates failed for %s", job.TargetAlias))
		default:
			if err := uc.store.EnsureAlias(ctx, job.TargetAlias, job.TargetIndex); err != nil {
				return summary, evaluation, domain.WrapError(domain.ErrAliasFailed, "rotate alias", err)
			}
			summary.UpdatedAlias = true
			uc.appendLog(ctx, job, fmt.Sprintf("alias %s -> %s", job.TargetAlias, job.TargetIndex))
		}
	}

	return summary, evaluation, nil
}

// processDocument runs load -> clean -> sanitize -> chunk for one file.
func (uc *PipelineUseCase) processDocument(
	ctx context.Context,
	doc manifest.ResolvedDocument,
	profile config.Profile,
	chunker ports.Chunker,
) ([]domain.Chunk, error) {
	items, err := uc.loader.Load(ctx, doc.Path, doc.DocID)
	if err != nil {
		return nil, err
	}

	kept := items[:0]
	for _, item := range items {
		preserveTables := item.Metadata.ContentType == "xlsx"
		cleaner := cleaning.Cleaner{PreserveTables: preserveTables}
		text := cleaner.Clean(item.Text)
		if text == "" {
			continue
		}
		if uc.sanitizer != nil {
			sanitized, counters, err := uc.sanitizer.Sanitize(text, doc.DocID)
			if err != nil {
				// Sanitiser trouble degrades silently; the document continues
				// unchanged with an audit trail.
				slog.Warn("sanitize_failed", "doc_id", doc.DocID, "error", err)
			} else {
				text = sanitized
				if len(counters) > 0 {
					slog.Info("sanitized_document", "doc_id", doc.DocID, "redactions", counters)
				}
			}
		}
		item.Text = text
		if item.Metadata.Lang == "" {
			item.Metadata.Lang = doc.Entry.Lang
		}
		kept = append(kept, item)
	}

	chunks, err := chunker.Chunk(kept, doc.DocID)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].Tags = doc.Entry.Tags
		chunks[i].Priority = doc.Entry.Priority
		if chunks[i].Lang == "" {
			chunks[i].Lang = doc.Entry.Lang
		}
		if src := doc.Entry.Metadata["source"]; src != "" && chunks[i].Source == "" {
			chunks[i].Source = src
		}
		applyMetadataKeep(&chunks[i], profile.MetadataKeep)
	}
	return chunks, nil
}

// applyMetadataKeep drops optional metadata not named in the profile's
// keep-list. Identity and figure linkage fields always survive.
func applyMetadataKeep(c *domain.Chunk, keep []string) {
	if len(keep) == 0 {
		return
	}
	kept := make(map[string]bool, len(keep))
	for _, k := range keep {
		kept[k] = true
	}
	if !kept["tags"] {
		c.Tags = nil
	}
	if !kept["lang"] {
		c.Lang = ""
	}
	if !kept["priority"] {
		c.Priority = 0
	}
	if !kept["section_path"] {
		c.SectionPath = ""
	}
	if !kept["page"] {
		c.Page = 0
	}
	if !kept["slide_number"] {
		c.SlideNumber = 0
	}
	if !kept["sheet_name"] {
		c.SheetName = ""
	}
	if !kept["block_type"] {
		c.BlockType = ""
	}
}

func (uc *PipelineUseCase) buildChunker(profile config.Profile) (ports.Chunker, error) {
	return chunking.New(chunking.Params{
		Kind:               profile.Chunker.Type,
		Size:               profile.Chunker.Size,
		Overlap:            profile.Chunker.Overlap,
		Separator:          profile.Chunker.Separator,
		MaxTokens:          profile.Chunker.MaxTokens,
		OverlapRatio:       profile.Chunker.OverlapRatio,
		AdminHeadingRegex:  profile.Chunker.AdminSections.HeadingRegex,
		StopExcludingRegex: profile.Chunker.AdminSections.StopExcludingAfterHeadingRegex,
		FigureChunks:       uc.appCfg.Assets.DocxFigureChunks,
	})
}

// appendLog keeps the job's rolling log tail and persists it best-effort.
func (uc *PipelineUseCase) appendLog(ctx context.Context, job *domain.Job, line string) {
	job.LogsTail = append(job.LogsTail, line)
	if len(job.LogsTail) > maxLogLines {
		job.LogsTail = job.LogsTail[len(job.LogsTail)-maxLogLines:]
	}
	if err := uc.jobs.Update(ctx, job); err != nil {
		slog.Warn("log_update_failed", "job_id", job.JobID, "error", err)
	}
}

func (uc *PipelineUseCase) evaluationGatesPass(result *domain.EvaluationResult) bool {
	gates := uc.appCfg.Evaluation.Gates
	if result == nil {
		return true
	}
	if gates.MinHitRate > 0 && result.HitRate < gates.MinHitRate {
		return false
	}
	if gates.MinMRR > 0 && result.MRR < gates.MinMRR {
		return false
	}
	return true
}

func deriveMetrics(duration time.Duration, summary *domain.JobSummary, evaluate bool) *domain.JobMetrics {
	m := &domain.JobMetrics{
		DurationSec: float64(duration.Milliseconds()) / 1000.0,
		Evaluate:    evaluate,
	}
	if summary != nil && duration > 0 {
		m.ThroughputChunksPerS = float64(summary.Chunks) / duration.Seconds()
	}
	return m
}

// hashNormalize is the dedupe key: sha256 of lowercase, trimmed text.
func hashNormalize(text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	return hex.EncodeToString(sum[:])
}
