package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"polysybil/internal/funding"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://localhost/polysybil
clustering:
  window: 2m
  seed: 7
scoring:
  weights:
    volume: 0
`)
	t.Setenv("POLYSYBIL_SCORING_MIN_TRADES", "30")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scoring.MinTrades != 30 {
		t.Fatalf("env override ignored, min trades = %d", cfg.Scoring.MinTrades)
	}
	if cfg.Clustering.Window != 2*time.Minute || cfg.Clustering.Seed != 7 {
		t.Fatalf("file values ignored: %+v", cfg.Clustering)
	}
	if cfg.Scoring.LeadTimeCeiling != 24*time.Hour || cfg.Clustering.MinEdgeWeight != 10 {
		t.Fatalf("defaults missing: %+v %+v", cfg.Scoring, cfg.Clustering)
	}

	opts := cfg.ScoringOptions()
	if opts.Weights.Volume != 0 || opts.Weights.PValue != 0.55 {
		t.Fatalf("weights not mapped: %+v", opts.Weights)
	}
	if cfg.GraphOptions().Window != 2*time.Minute || cfg.ClusterOptions().Seed != 7 {
		t.Fatal("clustering options not mapped")
	}
	if fo := cfg.FundingOptions(); fo.BlockSpan != funding.DefaultBlockSpan || fo.Lookback != funding.DefaultLookback || fo.Timeout != 30*time.Second {
		t.Fatalf("funding defaults not mapped: %+v", fo)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := writeConfig(t, `
alerting:
  discord:
    enabled: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("discord without webhook should be rejected")
	}

	path = writeConfig(t, `
scoring:
  lead_time_floor: 2h
  lead_time_ceiling: 1h
`)
	if _, err := Load(path); err == nil {
		t.Fatal("inverted lead time range should be rejected")
	}
}

func TestMaskSecret(t *testing.T) {
	if got := MaskSecret(""); got != "(not set)" {
		t.Fatalf("empty secret rendered as %q", got)
	}
	if got := MaskSecret("https://discord.com/api/webhooks/abcd"); got != "http****abcd" {
		t.Fatalf("unexpected mask %q", got)
	}
}
