package usecase

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
)

// evaluate runs the golden-query set against the just-written physical
// table (never the alias) and aggregates hit@k, MRR, and phrase-hit rate.
func (uc *PipelineUseCase) evaluate(ctx context.Context, physicalTable string) (*domain.EvaluationResult, error) {
	path := uc.appCfg.Evaluation.GoldenQueriesPath
	if path == "" {
		return nil, fmt.Errorf("evaluation.golden_queries_path is not configured")
	}
	queries, err := loadGoldenQueries(path)
	if err != nil {
		return nil, err
	}

	defaultTopK := uc.appCfg.Retrieval.TopK
	if defaultTopK <= 0 {
		defaultTopK = 10
	}

	result := &domain.EvaluationResult{
		Target:       physicalTable,
		QueriesTotal: len(queries),
	}
	mrrSum := 0.0
	phraseEligible := 0
	phraseHits := 0

	for _, q := range queries {
		topK := q.TopK
		if topK <= 0 {
			topK = defaultTopK
		}

		vector, err := uc.embedder.EmbedQuery(ctx, q.Query)
		if err != nil {
			return nil, fmt.Errorf("embed golden query %q: %w", q.Query, err)
		}
		rows, err := uc.store.SimilaritySearch(ctx, physicalTable, vector, topK)
		if err != nil {
			return nil, fmt.Errorf("search golden query %q: %w", q.Query, err)
		}

		if len(q.ExpectDocIDs) > 0 {
			result.Eligible++
			expected := map[string]bool{}
			for _, id := range q.ExpectDocIDs {
				expected[id] = true
			}
			for rank, row := range rows {
				docID := row.Chunk.DocID
				if docID == "" {
					docID = row.Chunk.ChunkID
				}
				if expected[docID] {
					result.DocHits++
					mrrSum += 1.0 / float64(rank+1)
					break
				}
			}
		}

		if len(q.ExpectPhrases) > 0 {
			phraseEligible++
			for _, row := range rows {
				text := strings.ToLower(row.Chunk.Text)
				matched := false
				for _, phrase := range q.ExpectPhrases {
					if phrase != "" && strings.Contains(text, strings.ToLower(phrase)) {
						matched = true
						break
					}
				}
				if matched {
					phraseHits++
					break
				}
			}
		}
	}

	if result.Eligible > 0 {
		result.HitRate = float64(result.DocHits) / float64(result.Eligible)
		result.MRR = mrrSum / float64(result.Eligible)
	}
	if phraseEligible > 0 {
		result.PhraseHitRate = float64(phraseHits) / float64(phraseEligible)
	}
	return result, nil
}

type goldenQueryFile struct {
	Queries []domain.GoldenQuery `yaml:"queries"`
}

// loadGoldenQueries accepts either a bare list or a {queries: [...]} map.
func loadGoldenQueries(path string) ([]domain.GoldenQuery, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("golden queries file: %w", err)
	}

	var file goldenQueryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		var list []domain.GoldenQuery
		if listErr := yaml.Unmarshal(raw, &list); listErr != nil {
			return nil, fmt.Errorf("parse golden queries: %w", err)
		}
		file.Queries = list
	}
	if len(file.Queries) == 0 {
		var list []domain.GoldenQuery
		if err := yaml.Unmarshal(raw, &list); err == nil {
			file.Queries = list
		}
	}
	if len(file.Queries) == 0 {
		return nil, fmt.Errorf("golden queries file is empty")
	}
	for i, q := range file.Queries {
		if strings.TrimSpace(q.Query) == "" {
			return nil, fmt.Errorf("golden query entry #%d missing query", i+1)
		}
	}
	return file.Queries, nil
}
