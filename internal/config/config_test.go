package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"maskflow/internal/errtypes"
)

func TestLoadMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	body := `
train_roots:
  - /data/coco-a
  - /data/coco-b
batch_size: 4
mask_size: 32
optimizer: sgd
checkpoint_store: sqlite
checkpoint_path: /tmp/ckpt.db
log_level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.ValidateTraining(); err != nil {
		t.Fatalf("ValidateTraining: %v", err)
	}
	if diff := cmp.Diff([]string{"/data/coco-a", "/data/coco-b"}, cfg.TrainRoots); diff != "" {
		t.Fatalf("roots mismatch (-want +got):\n%s", diff)
	}
	if cfg.BatchSize != 4 || cfg.MaskSize != 32 || cfg.Optimizer != "sgd" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.ImageSize != 256 || cfg.SegConvBlocks != 13 || cfg.GradClip != 5 {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
	lvl, err := cfg.Level()
	if err != nil || lvl != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v (%v)", lvl, err)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse(strings.NewReader("train_root_a: /data\n")); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestParseEmptyInput(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("empty input should yield defaults (-want +got):\n%s", diff)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(Overrides{
		TrainRoots: []string{"/override"},
		Steps:      7,
		Seed:       9,
		Resume:     "latest",
	})
	if cfg.Steps != 7 || cfg.Seed != 9 || cfg.Resume != "latest" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.TrainRoots) != 1 || cfg.TrainRoots[0] != "/override" {
		t.Fatalf("roots not overridden: %v", cfg.TrainRoots)
	}
	if cfg.BatchSize != Default().BatchSize {
		t.Fatalf("zero override should keep batch size, got %d", cfg.BatchSize)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		field  string
	}{
		"mask size":     {func(c *Config) { c.MaskSize = 30 }, "mask_size"},
		"image size":    {func(c *Config) { c.ImageSize = 100 }, "image_size"},
		"optimizer":     {func(c *Config) { c.Optimizer = "rmsprop" }, "optimizer"},
		"scheduler":     {func(c *Config) { c.Scheduler = "cosine" }, "scheduler"},
		"store":         {func(c *Config) { c.CheckpointStore = "s3" }, "checkpoint_store"},
		"store path":    {func(c *Config) { c.CheckpointStore = "file" }, "checkpoint_path"},
		"precision":     {func(c *Config) { c.CheckpointPrecision = "bf16" }, "checkpoint_precision"},
		"log level":     {func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		"grad clip":     {func(c *Config) { c.GradClip = 0 }, "grad_clip"},
		"batch size":    {func(c *Config) { c.BatchSize = 0 }, "batch_size"},
		"epochs":        {func(c *Config) { c.Epochs = 0 }, "epochs"},
		"learning rate": {func(c *Config) { c.PriorLR = -1 }, "prior_lr"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			var invalid *errtypes.InvalidConfigurationError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidConfigurationError, got %v", err)
			}
			if invalid.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, invalid.Field)
			}
		})
	}

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if err := cfg.ValidateTraining(); err == nil {
		t.Fatal("expected error without training roots")
	}
}

func TestEpochSteps(t *testing.T) {
	cfg := Default()
	cfg.Steps, cfg.Epochs = 100, 4
	if got := cfg.EpochSteps(); got != 25 {
		t.Fatalf("expected 25 steps per epoch, got %d", got)
	}
	cfg.StepsPerEpoch = 10
	if got := cfg.EpochSteps(); got != 10 {
		t.Fatalf("expected explicit 10, got %d", got)
	}
	cfg.StepsPerEpoch, cfg.Steps, cfg.Epochs = 0, 3, 10
	if got := cfg.EpochSteps(); got != 1 {
		t.Fatalf("expected at least 1, got %d", got)
	}
}
