package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/kirillkom/rag-qa-service/internal/config"
	"github.com/kirillkom/rag-qa-service/internal/core/domain"
	"github.com/kirillkom/rag-qa-service/internal/core/ports"
)

const snippetLimit = 300

// RetrievalUseCase answers questions by similarity search over the alias
// view, mode decisioning, and prompt dispatch with fallback.
type RetrievalUseCase struct {
	embedder ports.Embedder
	vectorDB ports.VectorStore
	primary  ports.Generator
	fallback ports.Generator

	cfg     config.RetrievalConfig
	prompts config.PromptsConfig
	scores  scoreInterpreter

	defaultAlias string
	domains      map[string]config.DomainTarget
	exclude      map[string]bool
}

func NewRetrievalUseCase(
	embedder ports.Embedder,
	vectorDB ports.VectorStore,
	primary ports.Generator,
	fallback ports.Generator,
	appCfg *config.AppConfig,
) *RetrievalUseCase {
	if fallback == nil {
		fallback = primary
	}
	exclude := make(map[string]bool, len(appCfg.Retrieval.Hybrid.ExcludeChunkTypesFromLLM))
	for _, t := range appCfg.Retrieval.Hybrid.ExcludeChunkTypesFromLLM {
		exclude[t] = true
	}
	return &RetrievalUseCase{
		embedder:     embedder,
		vectorDB:     vectorDB,
		primary:      primary,
		fallback:     fallback,
		cfg:          appCfg.Retrieval,
		prompts:      appCfg.Prompts,
		scores:       newScoreInterpreter(appCfg.Retrieval),
		defaultAlias: appCfg.Embeddings.Alias.Name,
		domains:      appCfg.Embeddings.Domains,
		exclude:      exclude,
	}
}

func (uc *RetrievalUseCase) Answer(ctx context.Context, question, domainKey string) (*domain.Response, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "answer", fmt.Errorf("question is required"))
	}

	view, err := uc.resolveView(domainKey)
	if err != nil {
		return nil, err
	}

	queryVector, err := uc.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := uc.vectorDB.SimilaritySearch(ctx, view, queryVector, uc.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("search vector store: %w", err)
	}
	for i := range rows {
		rows[i].Similarity = uc.scores.toSimilarity(rows[i].RawScore)
	}

	shortQuery := isShortQuery(question, uc.cfg.ShortQuery.MaxTokens)
	low, high := uc.scores.thresholds(shortQuery)

	st := &answerState{
		question:   question,
		view:       view,
		rows:       rows,
		shortQuery: shortQuery,
		low:        low,
		high:       high,
	}

	if len(rows) == 0 {
		return uc.answerFallback(ctx, st, domain.ReasonBelowThresholdLow)
	}

	maxRaw, maxSim := rows[0].RawScore, rows[0].Similarity
	for _, r := range rows[1:] {
		if r.RawScore > maxRaw {
			maxRaw = r.RawScore
		}
		if r.Similarity > maxSim {
			maxSim = r.Similarity
		}
	}
	st.decisionScore = uc.scores.decisionScore(maxRaw, maxSim)

	mode := domain.ModeFallback
	switch {
	case st.decisionScore >= high:
		mode = domain.ModeRAG
	case st.decisionScore >= low:
		mode = domain.ModeHybrid
	}
	slog.Debug("retrieval_decision",
		"mode", mode,
		"score_mode", uc.cfg.ScoreMode,
		"distance", uc.cfg.Distance,
		"max_score", st.decisionScore,
		"low", low,
		"high", high,
		"short_query", shortQuery,
	)

	if mode == domain.ModeFallback {
		return uc.answerFallback(ctx, st, domain.ReasonBelowThresholdLow)
	}

	st.context = uc.assembleContext(rows)

	if mode == domain.ModeHybrid {
		if reason := uc.checkHybridGates(st); reason != "" {
			st.context = nil
			return uc.answerFallback(ctx, st, reason)
		}
	}
	if len(st.context) == 0 {
		return uc.answerFallback(ctx, st, domain.ReasonGateMinContext)
	}

	systemPrompt := uc.prompts.RAG.System
	if mode == domain.ModeHybrid {
		systemPrompt = uc.prompts.Hybrid.System
	}
	prompt := composePrompt(systemPrompt, contextText(st.context), question)

	answer, err := uc.primary.Generate(ctx, prompt, uc.prompts.MaxOutputTokens)
	if err != nil {
		return nil, domain.WrapError(domain.ErrLLMFailed, "primary generate", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		st.context = nil
		return uc.answerFallback(ctx, st, domain.ReasonLLMEmpty)
	}
	if answer == uc.prompts.NoContextToken {
		st.context = nil
		return uc.answerFallback(ctx, st, domain.ReasonLLMNoContextToken)
	}

	return uc.buildResponse(st, mode, answer, "primary", ""), nil
}

// answerState carries the per-request decision inputs through the pipeline.
type answerState struct {
	question      string
	view          string
	rows          []domain.RetrievedChunk
	context       []domain.RetrievedChunk
	decisionScore float64
	shortQuery    bool
	low, high     float64
}

func (uc *RetrievalUseCase) resolveView(domainKey string) (string, error) {
	if domainKey == "" {
		return uc.defaultAlias, nil
	}
	target, ok := uc.domains[domainKey]
	if !ok {
		return "", domain.WrapError(domain.ErrUnknownDomain, "resolve view", fmt.Errorf("domain %q", domainKey))
	}
	return target.AliasName, nil
}

func (uc *RetrievalUseCase) answerFallback(ctx context.Context, st *answerState, reason string) (*domain.Response, error) {
	prompt := st.question
	if uc.prompts.Fallback.System != "" {
		prompt = uc.prompts.Fallback.System + "\n\n" + st.question
	}
	answer, err := uc.fallback.Generate(ctx, prompt, uc.prompts.MaxOutputTokens)
	if err != nil {
		return nil, domain.WrapError(domain.ErrLLMFailed, "fallback generate", err)
	}
	st.context = nil
	return uc.buildResponse(st, domain.ModeFallback, strings.TrimSpace(answer), "fallback", reason), nil
}

// assembleContext applies figure exclusion, similarity ordering, dedupe with
// per-doc cap (optionally MMR-diversified), the minimum chunk length, and
// the greedy chunk/char budget.
func (uc *RetrievalUseCase) assembleContext(rows []domain.RetrievedChunk) []domain.RetrievedChunk {
	candidates := make([]domain.RetrievedChunk, 0, len(rows))
	for _, r := range rows {
		if uc.exclude[string(chunkType(r.Chunk))] {
			continue
		}
		if len(strings.TrimSpace(r.Chunk.Text)) < uc.cfg.Hybrid.MinTokensPerChunk {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})

	if uc.cfg.MMR {
		candidates = mmrSelect(candidates, uc.cfg.MaxPerDoc, uc.cfg.Hybrid.MaxChunks, uc.dedupeKey)
	} else {
		candidates = uc.dedupe(candidates)
	}

	var kept []domain.RetrievedChunk
	totalChars := 0
	for _, c := range candidates {
		text := strings.TrimSpace(c.Chunk.Text)
		extra := 0
		if len(kept) > 0 {
			extra = 2
		}
		if len(kept) > 0 && totalChars+extra+len(text) > uc.cfg.Hybrid.MaxContextChars {
			break
		}
		kept = append(kept, c)
		totalChars += len(text) + extra
		if len(kept) >= uc.cfg.Hybrid.MaxChunks {
			break
		}
	}
	return kept
}

func (uc *RetrievalUseCase) dedupeKey(c domain.Chunk) string {
	var key string
	switch uc.cfg.DedupeBy {
	case "source":
		key = c.Source
	case "chunk_id":
		key = c.ChunkID
	default:
		key = c.DocID
	}
	if key == "" {
		key = c.Source
	}
	if key == "" {
		key = c.ChunkID
	}
	return key
}

func (uc *RetrievalUseCase) dedupe(candidates []domain.RetrievedChunk) []domain.RetrievedChunk {
	seen := map[string]bool{}
	out := candidates[:0]
	for _, c := range candidates {
		key := uc.dedupeKey(c.Chunk)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func (uc *RetrievalUseCase) checkHybridGates(st *answerState) string {
	h := uc.cfg.Hybrid
	if st.decisionScore < h.MinSimilarityForHybrid {
		return domain.ReasonGateMinSimilarity
	}
	if len(st.context) < h.MinChunksForHybrid {
		return domain.ReasonGateMinChunks
	}
	total := 0
	for _, c := range st.context {
		total += len(strings.TrimSpace(c.Chunk.Text))
	}
	if total < h.MinTotalContextChars {
		return domain.ReasonGateMinContext
	}
	return ""
}

func (uc *RetrievalUseCase) buildResponse(st *answerState, mode domain.AnswerMode, answer, usedLLM, reason string) *domain.Response {
	metas := make([]domain.ChunkMetadata, 0, len(st.rows))
	for i, r := range st.rows {
		metas = append(metas, domain.ChunkMetadata{
			ChunkID:     r.Chunk.ChunkID,
			DocID:       r.Chunk.DocID,
			Source:      r.Chunk.Source,
			ChunkType:   chunkType(r.Chunk),
			RawScore:    r.RawScore,
			Similarity:  r.Similarity,
			Rank:        i + 1,
			TextPreview: snippet(r.Chunk.Text),
		})
	}

	used := make([]domain.UsedChunk, 0, len(st.context))
	for _, c := range st.context {
		used = append(used, domain.UsedChunk{
			ChunkID: c.Chunk.ChunkID,
			Source:  c.Chunk.Source,
			Score:   c.Similarity,
			Snippet: snippet(c.Chunk.Text),
		})
	}

	sources := domain.SourcesNone
	if mode != domain.ModeFallback && len(used) > 0 {
		if len(used) == len(st.rows) {
			sources = domain.SourcesAll
		} else {
			sources = domain.SourcesPartial
		}
	}

	return &domain.Response{
		Question:                st.question,
		Answer:                  answer,
		RetrievedChunksMetadata: metas,
		UsedChunks:              used,
		Mode:                    mode,
		SourcesUsed:             sources,
		DecisionExplain: domain.DecisionExplain{
			ScoreMode:        uc.cfg.ScoreMode,
			Distance:         uc.cfg.Distance,
			MaxSimilarity:    st.decisionScore,
			ThresholdLow:     st.low,
			ThresholdHigh:    st.high,
			TopK:             uc.cfg.TopK,
			ShortQueryActive: st.shortQuery,
			Mode:             mode,
			EffectiveQuery:   st.question,
			UsedLLM:          usedLLM,
			RetrievalTarget:  st.view,
			Reason:           reason,
		},
	}
}

func chunkType(c domain.Chunk) domain.ChunkType {
	if c.Type == "" {
		return domain.ChunkTypeText
	}
	return c.Type
}

// isShortQuery counts alphabetic tokens after lowercasing and stripping
// punctuation.
func isShortQuery(question string, maxTokens int) bool {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, question)

	count := 0
	for _, tok := range strings.Fields(cleaned) {
		alphabetic := true
		for _, r := range tok {
			if !unicode.IsLetter(r) {
				alphabetic = false
				break
			}
		}
		if alphabetic {
			count++
		}
	}
	return count <= maxTokens
}

// mmrSelect runs maximal-marginal-relevance selection with a per-document
// cap, trading relevance against token-set overlap with already-picked
// chunks (lambda favours diversity).
func mmrSelect(pool []domain.RetrievedChunk, perDocCap, maxKeep int, keyFn func(domain.Chunk) string) []domain.RetrievedChunk {
	const lambda = 0.30
	if perDocCap <= 0 {
		perDocCap = 2
	}
	if maxKeep <= 0 {
		maxKeep = len(pool)
	}

	tokenSets := make([]map[string]bool, len(pool))
	for i, c := range pool {
		tokenSets[i] = tokenSet(c.Chunk.Text)
	}

	var selected []domain.RetrievedChunk
	var selectedTokens []map[string]bool
	counts := map[string]int{}
	taken := make([]bool, len(pool))

	for len(selected) < maxKeep {
		bestIdx := -1
		bestScore := 0.0
		for i, cand := range pool {
			if taken[i] {
				continue
			}
			if counts[keyFn(cand.Chunk)] >= perDocCap {
				continue
			}
			score := cand.Similarity
			if len(selected) > 0 {
				maxDiv := 0.0
				for _, st := range selectedTokens {
					if d := jaccard(tokenSets[i], st); d > maxDiv {
						maxDiv = d
					}
				}
				score = lambda*cand.Similarity - (1.0-lambda)*maxDiv
			}
			if bestIdx == -1 || score > bestScore {
				bestIdx = i
				bestScore = score
			}
		}
		if bestIdx == -1 {
			break
		}
		taken[bestIdx] = true
		selected = append(selected, pool[bestIdx])
		selectedTokens = append(selectedTokens, tokenSets[bestIdx])
		counts[keyFn(pool[bestIdx].Chunk)]++
	}
	return selected
}

func tokenSet(text string) map[string]bool {
	out := map[string]bool{}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	for _, tok := range strings.Fields(cleaned) {
		out[tok] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	if inter == 0 {
		return 0
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func contextText(chunks []domain.RetrievedChunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, strings.TrimSpace(c.Chunk.Text))
	}
	return strings.Join(parts, "\n\n")
}

func composePrompt(systemPrompt, context, question string) string {
	body := fmt.Sprintf("[Context]\n%s\n\n[Question]\n%s", context, question)
	if systemPrompt == "" {
		return body
	}
	return systemPrompt + "\n\n" + body
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= snippetLimit {
		return text
	}
	return string(runes[:snippetLimit])
}
