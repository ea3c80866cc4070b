package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	cols, err := jobColumns(job)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO ingest_jobs (
	job_id, status, profile, target_index, target_alias, upload_ids, options, created_at, started_at, finished_at,
	progress, summary, metrics, evaluation, error, logs_tail
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
`,
		job.JobID, string(job.Status), job.Profile, job.TargetIndex, job.TargetAlias, cols.uploadIDs, cols.options,
		job.CreatedAt, job.StartedAt, job.FinishedAt,
		cols.progress, cols.summary, cols.metrics, cols.evaluation, cols.jobError, cols.logsTail,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Update rewrites the mutable job fields from the snapshot.
func (r *JobRepository) Update(ctx context.Context, job *domain.Job) error {
	cols, err := jobColumns(job)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
UPDATE ingest_jobs
SET status = $2, started_at = $3, finished_at = $4, progress = $5,
	summary = $6, metrics = $7, evaluation = $8, error = $9, logs_tail = $10
WHERE job_id = $1
`,
		job.JobID, string(job.Status), job.StartedAt, job.FinishedAt,
		cols.progress, cols.summary, cols.metrics, cols.evaluation, cols.jobError, cols.logsTail,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT job_id, status, profile, target_index, target_alias, upload_ids, options, created_at, started_at, finished_at,
	progress, summary, metrics, evaluation, error, logs_tail
FROM ingest_jobs
WHERE job_id = $1
`, jobID)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get job", fmt.Errorf("job %s", jobID))
		}
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) ListActive(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT job_id, status, profile, target_index, target_alias, upload_ids, options, created_at, started_at, finished_at,
	progress, summary, metrics, evaluation, error, logs_tail
FROM ingest_jobs
WHERE status IN ('queued', 'running')
`)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

type jobJSONColumns struct {
	uploadIDs  []byte
	options    []byte
	progress   []byte
	summary    any
	metrics    any
	evaluation any
	jobError   any
	logsTail   []byte
}

func jobColumns(job *domain.Job) (jobJSONColumns, error) {
	var cols jobJSONColumns
	var err error
	if cols.uploadIDs, err = json.Marshal(job.UploadIDs); err != nil {
		return cols, fmt.Errorf("marshal upload ids: %w", err)
	}
	if cols.options, err = json.Marshal(job.Options); err != nil {
		return cols, fmt.Errorf("marshal options: %w", err)
	}
	if cols.progress, err = json.Marshal(job.Progress); err != nil {
		return cols, fmt.Errorf("marshal progress: %w", err)
	}
	logs := job.LogsTail
	if logs == nil {
		logs = []string{}
	}
	if cols.logsTail, err = json.Marshal(logs); err != nil {
		return cols, fmt.Errorf("marshal logs tail: %w", err)
	}
	cols.summary = marshalOrNil(job.Summary)
	cols.metrics = marshalOrNil(job.Metrics)
	cols.evaluation = marshalOrNil(job.Evaluation)
	cols.jobError = marshalOrNil(job.Error)
	return cols, nil
}

func marshalOrNil(v any) any {
	switch t := v.(type) {
	case *domain.JobSummary:
		if t == nil {
			return nil
		}
	case *domain.JobMetrics:
		if t == nil {
			return nil
		}
	case *domain.EvaluationResult:
		if t == nil {
			return nil
		}
	case *domain.JobError:
		if t == nil {
			return nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job        domain.Job
		status     string
		uploadsRaw []byte
		optionsRaw []byte
		progress   []byte
		summary    []byte
		metrics    []byte
		evaluation []byte
		jobError   []byte
		logsTail   []byte
	)
	if err := row.Scan(
		&job.JobID, &status, &job.Profile, &job.TargetIndex, &job.TargetAlias, &uploadsRaw, &optionsRaw,
		&job.CreatedAt, &job.StartedAt, &job.FinishedAt,
		&progress, &summary, &metrics, &evaluation, &jobError, &logsTail,
	); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if err := json.Unmarshal(uploadsRaw, &job.UploadIDs); err != nil {
		return nil, fmt.Errorf("unmarshal upload ids: %w", err)
	}
	if err := json.Unmarshal(optionsRaw, &job.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	if err := json.Unmarshal(progress, &job.Progress); err != nil {
		return nil, fmt.Errorf("unmarshal progress: %w", err)
	}
	if err := json.Unmarshal(logsTail, &job.LogsTail); err != nil {
		return nil, fmt.Errorf("unmarshal logs tail: %w", err)
	}
	if len(summary) > 0 {
		job.Summary = &domain.JobSummary{}
		if err := json.Unmarshal(summary, job.Summary); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
	}
	if len(metrics) > 0 {
		job.Metrics = &domain.JobMetrics{}
		if err := json.Unmarshal(metrics, job.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	if len(evaluation) > 0 {
		job.Evaluation = &domain.EvaluationResult{}
		if err := json.Unmarshal(evaluation, job.Evaluation); err != nil {
			return nil, fmt.Errorf("unmarshal evaluation: %w", err)
		}
	}
	if len(jobError) > 0 {
		job.Error = &domain.JobError{}
		if err := json.Unmarshal(jobError, job.Error); err != nil {
			return nil, fmt.Errorf("unmarshal job error: %w", err)
		}
	}
	return &job, nil
}
