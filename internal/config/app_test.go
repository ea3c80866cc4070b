package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalYAML = `
retrieval:
  top_k: 12
  distance: dot_product
  score_mode: normalized
  thresholds:
    low: 0.2
    high: 0.45
embeddings:
  alias:
    name: MY_DEMO
  active_profile: legacy_profile
  profiles:
    legacy_profile:
      chunker:
        type: char
        size: 2000
        overlap: 100
      index_name: MY_DEMO_v1
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppMinimal(t *testing.T) {
	cfg, err := LoadApp(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("LoadApp() error = %v", err)
	}
	if cfg.Retrieval.TopK != 12 {
		t.Fatalf("expected top_k 12, got %d", cfg.Retrieval.TopK)
	}
	// Defaults fill the gaps.
	if cfg.Retrieval.Hybrid.MaxChunks != 6 {
		t.Fatalf("expected hybrid defaults, got %+v", cfg.Retrieval.Hybrid)
	}
	if cfg.Prompts.NoContextToken != "__NO_CONTEXT__" {
		t.Fatalf("expected default no-context token, got %q", cfg.Prompts.NoContextToken)
	}
	if got := cfg.Retrieval.Hybrid.ExcludeChunkTypesFromLLM; len(got) != 1 || got[0] != "figure" {
		t.Fatalf("expected figure excluded by default, got %v", got)
	}
	if cfg.Retrieval.ShortQuery.ThresholdHigh != 0.45 {
		t.Fatalf("short-query high must default to the base high, got %f", cfg.Retrieval.ShortQuery.ThresholdHigh)
	}
	if cfg.Ingest.MaxUploadBytes() != 100*1024*1024 {
		t.Fatalf("expected default 100MB limit, got %d", cfg.Ingest.MaxUploadBytes())
	}
}

func TestLoadAppRejectsUnknownChunker(t *testing.T) {
	bad := strings.Replace(minimalYAML, "type: char", "type: semantic", 1)
	if _, err := LoadApp(writeConfig(t, bad)); err == nil {
		t.Fatalf("unknown chunker kind must fail at load time")
	}
}

func TestLoadAppRawModeRequiresMetricThresholds(t *testing.T) {
	bad := strings.Replace(minimalYAML, "score_mode: normalized", "score_mode: raw", 1)
	if _, err := LoadApp(writeConfig(t, bad)); err == nil {
		t.Fatalf("raw mode without raw thresholds must fail")
	}

	good := strings.Replace(bad, "    low: 0.2\n    high: 0.45",
		"    low: 0.2\n    high: 0.45\n    raw_dot_low: 0.3\n    raw_dot_high: 0.6", 1)
	cfg, err := LoadApp(writeConfig(t, good))
	if err != nil {
		t.Fatalf("raw mode with thresholds must load: %v", err)
	}
	if cfg.Retrieval.Thresholds.RawDotLow == nil || *cfg.Retrieval.Thresholds.RawDotLow != 0.3 {
		t.Fatalf("raw thresholds not parsed: %+v", cfg.Retrieval.Thresholds)
	}
}

func TestLoadAppRejectsIncompleteDomain(t *testing.T) {
	bad := minimalYAML + `
  domains:
    billing:
      index_name: BILLING_v1
`
	if _, err := LoadApp(writeConfig(t, bad)); err == nil {
		t.Fatalf("domain without alias_name must fail validation")
	}
}

func TestLoadAppTokenProfileAccepted(t *testing.T) {
	yaml := minimalYAML + `
    standard_profile:
      chunker:
        type: tokens
        max_tokens: 448
        overlap_ratio: 0.15
      index_name: MY_DEMO_v1
`
	cfg, err := LoadApp(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("token-chunker profile must be accepted: %v", err)
	}
	name, profile, err := cfg.ProfileFor("standard_profile")
	if err != nil {
		t.Fatalf("ProfileFor() error = %v", err)
	}
	if name != "standard_profile" || profile.Chunker.Type != "tokens" {
		t.Fatalf("unexpected profile: %s %+v", name, profile)
	}
}

func TestProfileForFallsBackToActive(t *testing.T) {
	cfg, err := LoadApp(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("LoadApp() error = %v", err)
	}
	name, _, err := cfg.ProfileFor("")
	if err != nil {
		t.Fatalf("ProfileFor() error = %v", err)
	}
	if name != "legacy_profile" {
		t.Fatalf("expected active profile, got %s", name)
	}
	if _, _, err := cfg.ProfileFor("missing"); err == nil {
		t.Fatalf("unknown profile must error")
	}
}
