package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig is the typed application configuration. It is loaded and
// validated once at startup; downstream code never re-parses maps.
type AppConfig struct {
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Prompts    PromptsConfig    `yaml:"prompts"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Sanitize   SanitizeConfig   `yaml:"sanitize"`
	Ingest     IngestLimits     `yaml:"ingest"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Assets     AssetsConfig     `yaml:"assets"`
}

type Thresholds struct {
	Low           float64  `yaml:"low"`
	High          float64  `yaml:"high"`
	RawDotLow     *float64 `yaml:"raw_dot_low"`
	RawDotHigh    *float64 `yaml:"raw_dot_high"`
	RawCosineLow  *float64 `yaml:"raw_cosine_low"`
	RawCosineHigh *float64 `yaml:"raw_cosine_high"`
}

type ShortQueryConfig struct {
	MaxTokens     int     `yaml:"max_tokens"`
	ThresholdLow  float64 `yaml:"threshold_low"`
	ThresholdHigh float64 `yaml:"threshold_high"`
}

type HybridConfig struct {
	MaxContextChars          int      `yaml:"max_context_chars"`
	MaxChunks                int      `yaml:"max_chunks"`
	MinTokensPerChunk        int      `yaml:"min_tokens_per_chunk"`
	MinSimilarityForHybrid   float64  `yaml:"min_similarity_for_hybrid"`
	MinChunksForHybrid       int      `yaml:"min_chunks_for_hybrid"`
	MinTotalContextChars     int      `yaml:"min_total_context_chars"`
	ExcludeChunkTypesFromLLM []string `yaml:"exclude_chunk_types_from_llm"`
}

type RetrievalConfig struct {
	TopK       int              `yaml:"top_k"`
	Distance   string           `yaml:"distance"`
	ScoreMode  string           `yaml:"score_mode"`
	DedupeBy   string           `yaml:"dedupe_by"`
	MaxPerDoc  int              `yaml:"max_per_doc"`
	MMR        bool             `yaml:"mmr"`
	Thresholds Thresholds       `yaml:"thresholds"`
	ShortQuery ShortQueryConfig `yaml:"short_query"`
	Hybrid     HybridConfig     `yaml:"hybrid"`
}

type PromptConfig struct {
	System string `yaml:"system"`
}

type PromptsConfig struct {
	RAG             PromptConfig `yaml:"rag"`
	Hybrid          PromptConfig `yaml:"hybrid"`
	Fallback        PromptConfig `yaml:"fallback"`
	NoContextToken  string       `yaml:"no_context_token"`
	MaxOutputTokens int          `yaml:"max_output_tokens"`
}

type ChunkerConfig struct {
	Type          string        `yaml:"type"`
	Size          int           `yaml:"size"`
	Overlap       int           `yaml:"overlap"`
	Separator     string        `yaml:"separator"`
	MaxTokens     int           `yaml:"max_tokens"`
	OverlapRatio  float64       `yaml:"overlap_ratio"`
	AdminSections AdminSections `yaml:"admin_sections"`
}

type AdminSections struct {
	HeadingRegex                   []string `yaml:"heading_regex"`
	StopExcludingAfterHeadingRegex string   `yaml:"stop_excluding_after_heading_regex"`
}

type Profile struct {
	Chunker        ChunkerConfig `yaml:"chunker"`
	DistanceMetric string        `yaml:"distance_metric"`
	IndexName      string        `yaml:"index_name"`
	MetadataKeep   []string      `yaml:"metadata_keep"`
	OCR            bool          `yaml:"ocr"`
}

type AliasConfig struct {
	Name        string `yaml:"name"`
	ActiveIndex string `yaml:"active_index"`
}

type DomainTarget struct {
	IndexName string `yaml:"index_name"`
	AliasName string `yaml:"alias_name"`
}

type BatchingConfig struct {
	BatchSize       int `yaml:"batch_size"`
	Workers         int `yaml:"workers"`
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
}

type DedupeConfig struct {
	ByHash bool `yaml:"by_hash"`
}

type EmbeddingsConfig struct {
	ActiveProfile string                  `yaml:"active_profile"`
	Alias         AliasConfig             `yaml:"alias"`
	Domains       map[string]DomainTarget `yaml:"domains"`
	Profiles      map[string]Profile      `yaml:"profiles"`
	Batching      BatchingConfig          `yaml:"batching"`
	Dedupe        DedupeConfig            `yaml:"dedupe"`
}

type SanitizeConfig struct {
	Mode            string `yaml:"mode"`
	Profile         string `yaml:"profile"`
	ConfigDir       string `yaml:"config_dir"`
	PlaceholderMode string `yaml:"placeholder_mode"`
	HashSalt        string `yaml:"hash_salt"`
	AuditEnabled    bool   `yaml:"audit_enabled"`
	AuditPath       string `yaml:"audit_path"`
}

type IngestLimits struct {
	MaxUploadMB int      `yaml:"max_upload_mb"`
	AllowMime   []string `yaml:"allow_mime"`
	StagingDir  string   `yaml:"staging_dir"`
}

func (l IngestLimits) MaxUploadBytes() int64 {
	mb := l.MaxUploadMB
	if mb <= 0 {
		mb = 100
	}
	return int64(mb) * 1024 * 1024
}

type EvaluationGates struct {
	MinHitRate float64 `yaml:"min_hit_rate"`
	MinMRR     float64 `yaml:"min_mrr"`
}

type EvaluationConfig struct {
	GoldenQueriesPath string          `yaml:"golden_queries_path"`
	Gates             EvaluationGates `yaml:"gates"`
}

type AssetsConfig struct {
	Root                   string `yaml:"root"`
	DocxExtractImages      bool   `yaml:"docx_extract_images"`
	DocxInlinePlaceholders bool   `yaml:"docx_inline_placeholders"`
	DocxFigureChunks       bool   `yaml:"docx_figure_chunks"`
}

var defaultAllowMime = []string{
	"application/pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"text/plain",
	"text/html",
}

// LoadApp reads, defaults, and validates the YAML application config.
func LoadApp(path string) (*AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read app config: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse app config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	r := &c.Retrieval
	if r.TopK <= 0 {
		r.TopK = 8
	}
	if r.Distance == "" {
		r.Distance = "dot_product"
	}
	if r.ScoreMode == "" {
		r.ScoreMode = "normalized"
	}
	if r.DedupeBy == "" {
		r.DedupeBy = "doc_id"
	}
	if r.MaxPerDoc <= 0 {
		r.MaxPerDoc = 2
	}
	if r.ShortQuery.MaxTokens <= 0 {
		r.ShortQuery.MaxTokens = 2
	}
	if r.ShortQuery.ThresholdLow == 0 {
		r.ShortQuery.ThresholdLow = r.Thresholds.Low
	}
	if r.ShortQuery.ThresholdHigh == 0 {
		r.ShortQuery.ThresholdHigh = r.Thresholds.High
	}
	h := &r.Hybrid
	if h.MaxContextChars <= 0 {
		h.MaxContextChars = 8000
	}
	if h.MaxChunks <= 0 {
		h.MaxChunks = 6
	}
	if h.MinTokensPerChunk <= 0 {
		h.MinTokensPerChunk = 200
	}
	if h.ExcludeChunkTypesFromLLM == nil {
		h.ExcludeChunkTypesFromLLM = []string{"figure"}
	}
	if c.Prompts.NoContextToken == "" {
		c.Prompts.NoContextToken = "__NO_CONTEXT__"
	}
	if c.Prompts.MaxOutputTokens <= 0 {
		c.Prompts.MaxOutputTokens = 512
	}
	e := &c.Embeddings
	if e.Batching.BatchSize <= 0 {
		e.Batching.BatchSize = 32
	}
	if e.Batching.Workers <= 0 {
		e.Batching.Workers = 1
	}
	if c.Sanitize.Mode == "" {
		c.Sanitize.Mode = "off"
	}
	if c.Sanitize.Profile == "" {
		c.Sanitize.Profile = "default"
	}
	if c.Sanitize.PlaceholderMode == "" {
		c.Sanitize.PlaceholderMode = "redact"
	}
	if c.Ingest.MaxUploadMB <= 0 {
		c.Ingest.MaxUploadMB = 100
	}
	if len(c.Ingest.AllowMime) == 0 {
		c.Ingest.AllowMime = append([]string(nil), defaultAllowMime...)
	}
	for i, m := range c.Ingest.AllowMime {
		c.Ingest.AllowMime[i] = strings.ToLower(m)
	}
	if c.Ingest.StagingDir == "" {
		c.Ingest.StagingDir = "./data/staging"
	}
	if c.Assets.Root == "" {
		c.Assets.Root = "./data/assets"
	}
}

// Validate enforces the invariants downstream code relies on.
func (c *AppConfig) Validate() error {
	r := c.Retrieval
	if r.Thresholds.Low == 0 && r.Thresholds.High == 0 {
		return fmt.Errorf("retrieval.thresholds.low/high are required")
	}
	if r.Thresholds.High < r.Thresholds.Low {
		return fmt.Errorf("retrieval.thresholds.high must be >= low")
	}
	switch r.Distance {
	case "dot_product", "cosine":
	default:
		return fmt.Errorf("retrieval.distance %q unsupported", r.Distance)
	}
	switch r.ScoreMode {
	case "normalized":
	case "raw":
		switch r.Distance {
		case "dot_product":
			if r.Thresholds.RawDotLow == nil || r.Thresholds.RawDotHigh == nil {
				return fmt.Errorf("retrieval.thresholds.raw_dot_low/high required for score_mode=raw with distance=dot_product")
			}
		case "cosine":
			if r.Thresholds.RawCosineLow == nil || r.Thresholds.RawCosineHigh == nil {
				return fmt.Errorf("retrieval.thresholds.raw_cosine_low/high required for score_mode=raw with distance=cosine")
			}
		}
	default:
		return fmt.Errorf("retrieval.score_mode %q unsupported", r.ScoreMode)
	}

	e := c.Embeddings
	if e.Alias.Name == "" {
		return fmt.Errorf("embeddings.alias.name is required")
	}
	if len(e.Profiles) == 0 {
		return fmt.Errorf("embeddings.profiles must not be empty")
	}
	if e.ActiveProfile != "" {
		if _, ok := e.Profiles[e.ActiveProfile]; !ok {
			return fmt.Errorf("embeddings.active_profile %q not defined", e.ActiveProfile)
		}
	}
	for name, p := range e.Profiles {
		switch p.Chunker.Type {
		case "", "char", "tokens", "structured_docx":
		default:
			return fmt.Errorf("profile %q: chunker type %q unsupported", name, p.Chunker.Type)
		}
		if p.IndexName == "" {
			return fmt.Errorf("profile %q: index_name is required", name)
		}
		switch p.DistanceMetric {
		case "", "dot_product", "cosine":
		default:
			return fmt.Errorf("profile %q: distance_metric %q unsupported", name, p.DistanceMetric)
		}
	}
	for key, d := range e.Domains {
		if d.IndexName == "" || d.AliasName == "" {
			return fmt.Errorf("embeddings.domains.%s missing index_name or alias_name", key)
		}
	}

	switch c.Sanitize.Mode {
	case "off", "shadow", "on":
	default:
		return fmt.Errorf("sanitize.mode %q unsupported", c.Sanitize.Mode)
	}
	switch c.Sanitize.PlaceholderMode {
	case "redact", "pseudonym":
	default:
		return fmt.Errorf("sanitize.placeholder_mode %q unsupported", c.Sanitize.PlaceholderMode)
	}
	return nil
}

// ProfileFor resolves a requested profile name, falling back to the active
// profile when empty.
func (c *AppConfig) ProfileFor(name string) (string, Profile, error) {
	if name == "" {
		name = c.Embeddings.ActiveProfile
	}
	if name == "" {
		return "", Profile{}, fmt.Errorf("no active embedding profile configured")
	}
	p, ok := c.Embeddings.Profiles[name]
	if !ok {
		return "", Profile{}, fmt.Errorf("profile %q not defined", name)
	}
	return name, p, nil
}
