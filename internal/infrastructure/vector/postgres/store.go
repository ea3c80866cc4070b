// Package postgres implements the vector store on Postgres with pgvector:
// versioned physical tables, alias views, and top-k similarity search.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

// Store reads only through alias views at query time; ingestion writes into
// physical tables and repoints the alias last.
type Store struct {
	db       *sql.DB
	distance string

	aliasMu sync.Mutex
	aliases map[string]*sync.Mutex
}

func NewStore(db *sql.DB, distance string) *Store {
	if distance == "" {
		distance = "dot_product"
	}
	return &Store{
		db:       db,
		distance: distance,
		aliases:  map[string]*sync.Mutex{},
	}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(name string) error {
	if !identRe.MatchString(name) {
		return domain.WrapError(domain.ErrInvalidInput, "vector store", fmt.Errorf("invalid identifier %q", name))
	}
	return nil
}

// EnsureIndexTable creates the physical table if missing and verifies the
// embedding dimension when it already exists.
func (s *Store) EnsureIndexTable(ctx context.Context, name string, dim int, distance string) error {
	if err := validIdent(name); err != nil {
		return err
	}
	if dim <= 0 {
		return domain.WrapError(domain.ErrInvalidInput, "ensure index table", fmt.Errorf("dimension must be positive"))
	}

	var existingDim sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT a.atttypmod
FROM pg_attribute a
JOIN pg_class c ON a.attrelid = c.oid
WHERE c.relname = $1 AND a.attname = 'embedding'
`, strings.ToLower(name)).Scan(&existingDim)
	switch {
	case err == nil:
		if existingDim.Valid && int(existingDim.Int64) != dim {
			return domain.WrapError(domain.ErrSchemaDrift, "ensure index table",
				fmt.Errorf("table %s has dimension %d, embedder produces %d", name, existingDim.Int64, dim))
		}
		return nil
	case errors.Is(err, sql.ErrNoRows):
		// Table missing, create below.
	default:
		return domain.WrapError(domain.ErrStoreFailed, "inspect index table", err)
	}

	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS %s (
	chunk_id TEXT PRIMARY KEY,
	doc_id TEXT NOT NULL,
	text_content TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	embedding vector(%d) NOT NULL,
	hash_norm TEXT,
	distance_metric TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_%s_hash_norm ON %s(hash_norm);
`, name, dim, strings.ToLower(name), name)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return domain.WrapError(domain.ErrStoreFailed, "create index table", err)
	}
	return nil
}

// Upsert inserts rows. With dedupeByHash, rows whose hash_norm already
// exists in the table are silently skipped.
func (s *Store) Upsert(ctx context.Context, table string, rows []domain.VectorRow, dedupeByHash bool) (int, int, error) {
	if err := validIdent(table); err != nil {
		return 0, 0, err
	}
	inserted, skipped := 0, 0

	existsQuery := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE hash_norm = $1)`, table)
	insertQuery := fmt.Sprintf(`
INSERT INTO %s (chunk_id, doc_id, text_content, metadata, embedding, hash_norm, distance_metric)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (chunk_id) DO NOTHING
`, table)

	for _, row := range rows {
		if dedupeByHash && row.Chunk.HashNorm != "" {
			var exists bool
			if err := s.db.QueryRowContext(ctx, existsQuery, row.Chunk.HashNorm).Scan(&exists); err != nil {
				return inserted, skipped, domain.WrapError(domain.ErrStoreFailed, "dedupe probe", err)
			}
			if exists {
				skipped++
				continue
			}
		}

		meta, err := json.Marshal(row.Chunk)
		if err != nil {
			return inserted, skipped, domain.WrapError(domain.ErrStoreFailed, "marshal chunk metadata", err)
		}
		res, err := s.db.ExecContext(ctx, insertQuery,
			row.Chunk.ChunkID,
			row.Chunk.DocID,
			row.Chunk.Text,
			meta,
			pgvector.NewVector(row.Embedding),
			nullable(row.Chunk.HashNorm),
			nullable(row.Chunk.DistanceMetric),
		)
		if err != nil {
			return inserted, skipped, domain.WrapError(domain.ErrStoreFailed, "insert chunk", err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			inserted++
		} else {
			skipped++
		}
	}
	return inserted, skipped, nil
}

// EnsureAlias atomically repoints the alias view at the physical table.
// Postgres DDL is transactional, so readers see exactly one target; the
// per-alias mutex keeps rotations serialised within this process.
func (s *Store) EnsureAlias(ctx context.Context, aliasName, physicalTable string) error {
	if err := validIdent(aliasName); err != nil {
		return err
	}
	if err := validIdent(physicalTable); err != nil {
		return err
	}

	mu := s.aliasLock(aliasName)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapError(domain.ErrAliasFailed, "begin alias tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// DROP first: CREATE OR REPLACE VIEW rejects column type changes across
	// physical versions; drop-and-create inside the transaction stays atomic.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP VIEW IF EXISTS %s`, aliasName)); err != nil {
		return domain.WrapError(domain.ErrAliasFailed, "drop alias view", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE VIEW %s AS SELECT * FROM %s`, aliasName, physicalTable)); err != nil {
		return domain.WrapError(domain.ErrAliasFailed, "create alias view", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WrapError(domain.ErrAliasFailed, "commit alias tx", err)
	}
	return nil
}

func (s *Store) aliasLock(alias string) *sync.Mutex {
	s.aliasMu.Lock()
	defer s.aliasMu.Unlock()
	mu, ok := s.aliases[strings.ToLower(alias)]
	if !ok {
		mu = &sync.Mutex{}
		s.aliases[strings.ToLower(alias)] = mu
	}
	return mu
}

// NextVersion picks the next <alias>_vN physical table name.
func (s *Store) NextVersion(ctx context.Context, aliasName string) (string, error) {
	if err := validIdent(aliasName); err != nil {
		return "", err
	}
	pattern := strings.ToLower(aliasName) + `_v%`
	rows, err := s.db.QueryContext(ctx, `
SELECT c.relname FROM pg_class c WHERE c.relkind = 'r' AND c.relname LIKE $1
`, pattern)
	if err != nil {
		return "", domain.WrapError(domain.ErrStoreFailed, "list index versions", err)
	}
	defer rows.Close()

	maxVersion := 0
	prefix := strings.ToLower(aliasName) + "_v"
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", domain.WrapError(domain.ErrStoreFailed, "scan index version", err)
		}
		var v int
		if _, err := fmt.Sscanf(strings.TrimPrefix(name, prefix), "%d", &v); err == nil && v > maxVersion {
			maxVersion = v
		}
	}
	if err := rows.Err(); err != nil {
		return "", domain.WrapError(domain.ErrStoreFailed, "list index versions", err)
	}
	return fmt.Sprintf("%s_v%d", aliasName, maxVersion+1), nil
}

// SimilaritySearch reads exactly from viewName. Raw scores keep the
// distance's native semantics: inner product for dot_product (higher is
// closer), cosine distance for cosine (lower is closer).
func (s *Store) SimilaritySearch(ctx context.Context, viewName string, queryVector []float32, k int) ([]domain.RetrievedChunk, error) {
	if err := validIdent(viewName); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 8
	}

	var query string
	switch s.distance {
	case "cosine":
		query = fmt.Sprintf(`
SELECT chunk_id, doc_id, text_content, metadata, (embedding <=> $1) AS raw_score
FROM %s
ORDER BY embedding <=> $1 ASC
LIMIT $2
`, viewName)
	default:
		query = fmt.Sprintf(`
SELECT chunk_id, doc_id, text_content, metadata, -(embedding <#> $1) AS raw_score
FROM %s
ORDER BY embedding <#> $1 ASC
LIMIT $2
`, viewName)
	}

	rows, err := s.db.QueryContext(ctx, query, pgvector.NewVector(queryVector), k)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreFailed, "similarity search", err)
	}
	defer rows.Close()

	var out []domain.RetrievedChunk
	for rows.Next() {
		var (
			chunkID, docID, text string
			metaRaw              []byte
			rawScore             float64
		)
		if err := rows.Scan(&chunkID, &docID, &text, &metaRaw, &rawScore); err != nil {
			return nil, domain.WrapError(domain.ErrStoreFailed, "scan search row", err)
		}
		var chunk domain.Chunk
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &chunk); err != nil {
				return nil, domain.WrapError(domain.ErrStoreFailed, "unmarshal chunk metadata", err)
			}
		}
		chunk.ChunkID = chunkID
		chunk.DocID = docID
		chunk.Text = text
		out = append(out, domain.RetrievedChunk{Chunk: chunk, RawScore: rawScore})
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrStoreFailed, "similarity search rows", err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, table string) (int, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, domain.WrapError(domain.ErrStoreFailed, "count table", err)
	}
	return n, nil
}

func (s *Store) Drop(ctx context.Context, table string) error {
	if err := validIdent(table); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return domain.WrapError(domain.ErrStoreFailed, "drop table", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
