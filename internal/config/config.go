package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"maskflow/internal/errtypes"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	TrainRoots    []string `yaml:"train_roots"`
	NumWorkers    int      `yaml:"num_workers"`
	BatchSize     int      `yaml:"batch_size"`
	Steps         int      `yaml:"steps"`
	StepsPerEpoch int      `yaml:"steps_per_epoch"`
	Epochs        int      `yaml:"epochs"`
	Seed          int64    `yaml:"seed"`
	LogEvery      int      `yaml:"log_every"`
	LogLevel      string   `yaml:"log_level"`

	ImageSize  int `yaml:"image_size"`
	MaskSize   int `yaml:"mask_size"`
	NumClasses int `yaml:"num_classes"`

	InitScale      float64 `yaml:"init_scale"`
	Clamp          float64 `yaml:"clamp"`
	SegConvBlocks  int     `yaml:"seg_conv_blocks"`
	SegDenseBlocks int     `yaml:"seg_dense_blocks"`
	PriorBlocks    int     `yaml:"prior_blocks"`
	ConvHidden     int     `yaml:"conv_hidden"`
	DenseHidden    int     `yaml:"dense_hidden"`

	Optimizer       string  `yaml:"optimizer"`
	SegLR           float64 `yaml:"seg_lr"`
	PriorLR         float64 `yaml:"prior_lr"`
	Beta1           float64 `yaml:"beta1"`
	Beta2           float64 `yaml:"beta2"`
	Momentum        float64 `yaml:"momentum"`
	WeightDecay     float64 `yaml:"weight_decay"`
	Scheduler       string  `yaml:"scheduler"`
	ExpDecay        float64 `yaml:"exp_decay"`
	GradClip        float64 `yaml:"grad_clip"`
	MaskJitter      float64 `yaml:"mask_jitter"`
	DecodeNoise     float64 `yaml:"decode_noise"`
	SegLossWeight   float64 `yaml:"seg_loss_weight"`
	PriorLossWeight float64 `yaml:"prior_loss_weight"`
	ClassLossWeight float64 `yaml:"class_loss_weight"`

	CheckpointStore     string `yaml:"checkpoint_store"`
	CheckpointPath      string `yaml:"checkpoint_path"`
	CheckpointEvery     int    `yaml:"checkpoint_every"`
	CheckpointPrecision string `yaml:"checkpoint_precision"`
	Resume              string `yaml:"resume"`
	StrictResume        bool   `yaml:"strict_resume"`
}

// Default returns the configuration of the reference model: 256px images,
// 64px masks and 80 object classes.
func Default() *Config {
	return &Config{
		NumWorkers: 2,
		BatchSize:  2,
		Steps:      100,
		Epochs:     1,
		Seed:       42,
		LogEvery:   10,
		LogLevel:   "info",

		ImageSize:  256,
		MaskSize:   64,
		NumClasses: 80,

		InitScale:      0.03,
		Clamp:          2.0,
		SegConvBlocks:  13,
		SegDenseBlocks: 12,
		PriorBlocks:    4,
		ConvHidden:     32,
		DenseHidden:    32,

		Optimizer:       "adam",
		SegLR:           1e-3,
		PriorLR:         1e-3,
		Beta1:           0.9,
		Beta2:           0.999,
		Momentum:        0.9,
		Scheduler:       "exponential",
		ExpDecay:        1.0,
		GradClip:        5.0,
		MaskJitter:      0.001,
		DecodeNoise:     0.1,
		SegLossWeight:   1,
		PriorLossWeight: 1,

		CheckpointStore:     "memory",
		CheckpointPrecision: "float32",
		StrictResume:        true,
	}
}

// Overrides captures CLI supplied values.
type Overrides struct {
	TrainRoots     []string
	Steps          int
	BatchSize      int
	NumWorkers     int
	Seed           int64
	LogEvery       int
	LogLevel       string
	CheckpointPath string
	Resume         string
}

// Load reads a Config from YAML on top of Default. Unknown keys are
// rejected. Validation is left to the caller so that overrides can be
// applied first.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML from r on top of Default.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if len(o.TrainRoots) > 0 {
		c.TrainRoots = append([]string(nil), o.TrainRoots...)
	}
	if o.Steps > 0 {
		c.Steps = o.Steps
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.CheckpointPath != "" {
		c.CheckpointPath = o.CheckpointPath
	}
	if o.Resume != "" {
		c.Resume = o.Resume
	}
}

func invalid(field string, value any) error {
	return &errtypes.InvalidConfigurationError{Field: field, Value: value}
}

// Validate verifies the model, optimization and checkpoint settings.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch {
	case c.BatchSize <= 0:
		return invalid("batch_size", c.BatchSize)
	case c.NumWorkers <= 0:
		return invalid("num_workers", c.NumWorkers)
	case c.Epochs <= 0:
		return invalid("epochs", c.Epochs)
	case c.StepsPerEpoch < 0:
		return invalid("steps_per_epoch", c.StepsPerEpoch)
	case c.MaskSize <= 0 || c.MaskSize%4 != 0:
		return invalid("mask_size", c.MaskSize)
	case c.ImageSize <= 0 || c.ImageSize%8 != 0:
		return invalid("image_size", c.ImageSize)
	case c.NumClasses <= 0:
		return invalid("num_classes", c.NumClasses)
	case c.InitScale < 0:
		return invalid("init_scale", c.InitScale)
	case c.Clamp <= 0:
		return invalid("clamp", c.Clamp)
	case c.SegConvBlocks < 0:
		return invalid("seg_conv_blocks", c.SegConvBlocks)
	case c.SegDenseBlocks < 0:
		return invalid("seg_dense_blocks", c.SegDenseBlocks)
	case c.PriorBlocks < 0:
		return invalid("prior_blocks", c.PriorBlocks)
	case c.ConvHidden <= 0:
		return invalid("conv_hidden", c.ConvHidden)
	case c.DenseHidden <= 0:
		return invalid("dense_hidden", c.DenseHidden)
	case c.Optimizer != "adam" && c.Optimizer != "sgd":
		return invalid("optimizer", c.Optimizer)
	case c.SegLR <= 0:
		return invalid("seg_lr", c.SegLR)
	case c.PriorLR <= 0:
		return invalid("prior_lr", c.PriorLR)
	case c.Scheduler != "exponential" && c.Scheduler != "step" && c.Scheduler != "linear":
		return invalid("scheduler", c.Scheduler)
	case c.GradClip <= 0:
		return invalid("grad_clip", c.GradClip)
	case c.MaskJitter < 0:
		return invalid("mask_jitter", c.MaskJitter)
	case c.DecodeNoise < 0:
		return invalid("decode_noise", c.DecodeNoise)
	case c.CheckpointEvery < 0:
		return invalid("checkpoint_every", c.CheckpointEvery)
	}
	switch c.CheckpointStore {
	case "memory":
	case "file", "sqlite":
		if c.CheckpointPath == "" {
			return invalid("checkpoint_path", c.CheckpointPath)
		}
	default:
		return invalid("checkpoint_store", c.CheckpointStore)
	}
	switch c.CheckpointPrecision {
	case "float64", "float32", "float16":
	default:
		return invalid("checkpoint_precision", c.CheckpointPrecision)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	return nil
}

// ValidateTraining additionally requires data roots and a step budget.
func (c *Config) ValidateTraining() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.TrainRoots) == 0 {
		return errors.New("at least one training root must be set")
	}
	if c.Steps <= 0 {
		return invalid("steps", c.Steps)
	}
	return nil
}

// EpochSteps is the number of training steps that make up one epoch. When
// steps_per_epoch is unset the step budget is spread evenly over epochs.
func (c *Config) EpochSteps() int {
	if c.StepsPerEpoch > 0 {
		return c.StepsPerEpoch
	}
	return max(c.Steps/max(c.Epochs, 1), 1)
}

// Level parses log_level.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, invalid("log_level", c.LogLevel)
	}
	return lvl, nil
}
