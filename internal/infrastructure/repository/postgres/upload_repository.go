package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

type UploadRepository struct {
	db *sql.DB
}

func NewUploadRepository(db *sql.DB) *UploadRepository {
	return &UploadRepository{db: db}
}

func (r *UploadRepository) Create(ctx context.Context, rec *domain.UploadRecord) error {
	tagsJSON, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO uploads (
	upload_id, filename, size_bytes, content_type, source, tags, lang_hint, storage_path, checksum_sha256, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`,
		rec.UploadID, rec.Filename, rec.SizeBytes, rec.ContentType, rec.Source,
		tagsJSON, rec.LangHint, rec.StoragePath, rec.Checksum, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

func (r *UploadRepository) GetByID(ctx context.Context, uploadID string) (*domain.UploadRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT upload_id, filename, size_bytes, content_type, source, tags, lang_hint, storage_path, checksum_sha256, created_at
FROM uploads
WHERE upload_id = $1
`, uploadID)

	rec, err := scanUpload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get upload", fmt.Errorf("upload %s", uploadID))
		}
		return nil, err
	}
	return rec, nil
}

func (r *UploadRepository) GetByIDs(ctx context.Context, uploadIDs []string) ([]domain.UploadRecord, error) {
	if len(uploadIDs) == 0 {
		return nil, nil
	}
	idsJSON, err := json.Marshal(uploadIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal upload ids: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT upload_id, filename, size_bytes, content_type, source, tags, lang_hint, storage_path, checksum_sha256, created_at
FROM uploads
WHERE upload_id IN (SELECT jsonb_array_elements_text($1::jsonb))
`, idsJSON)
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	defer rows.Close()

	var out []domain.UploadRecord
	for rows.Next() {
		rec, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*domain.UploadRecord, error) {
	var rec domain.UploadRecord
	var tagsRaw []byte
	if err := row.Scan(
		&rec.UploadID, &rec.Filename, &rec.SizeBytes, &rec.ContentType, &rec.Source,
		&tagsRaw, &rec.LangHint, &rec.StoragePath, &rec.Checksum, &rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tagsRaw, &rec.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return &rec, nil
}
