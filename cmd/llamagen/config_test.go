package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/urfave/cli/v3"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
models_dir: /srv/models
backend: toy
seed: 7
top_k: 20
temperature: 0.5
mode: greedy
model_ttl: 5m
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.ModelsDir != "/srv/models" || cfg.Backend != "toy" || cfg.Mode != "greedy" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Seed == nil || *cfg.Seed != 7 {
		t.Fatalf("seed = %v", cfg.Seed)
	}
	if cfg.TopK == nil || *cfg.TopK != 20 {
		t.Fatalf("top_k = %v", cfg.TopK)
	}
	if cfg.ModelTTL == nil || *cfg.ModelTTL != 5*time.Minute {
		t.Fatalf("model_ttl = %v", cfg.ModelTTL)
	}
	if cfg.TopP != nil {
		t.Fatalf("top_p should be unset, got %v", *cfg.TopP)
	}
}

func TestLoadConfigMissingAndInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, err := LoadConfig(filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatalf("missing config should not fail: %v", err)
	}
	if diff := cmp.Diff(Config{}, cfg); diff != "" {
		t.Fatalf("missing config (-want +got):\n%s", diff)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("top_k: [1, 2"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(bad); err == nil {
		t.Fatalf("expected parse error")
	}
}

// Flag variables are package state, so this test does not run in parallel.
func TestApplyConfigRespectsExplicitFlags(t *testing.T) {
	seven := int64(7)
	twenty := int64(20)
	cfg := Config{Backend: "toy", Seed: &seven, TopK: &twenty, Mode: "greedy"}

	cmd := &cli.Command{
		Name:  "run",
		Flags: loadFlags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyConfig(c, cfg)
			return nil
		},
	}
	cmd.Flags = append(cmd.Flags, requestFlags()...)

	if err := cmd.Run(context.Background(), []string{"run", "--seed", "3"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if seed != 3 {
		t.Fatalf("explicit --seed overridden: %d", seed)
	}
	if topK != 20 {
		t.Fatalf("top-k = %d, want 20 from config", topK)
	}
	if backend != "toy" || mode != "greedy" {
		t.Fatalf("backend = %q, mode = %q", backend, mode)
	}
}
