package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maskflow/internal/checkpoint"
	"maskflow/internal/dataset"
	"maskflow/internal/errtypes"
	"maskflow/internal/metrics"
	"maskflow/internal/model"
)

// maxSkippedSteps bounds consecutive steps dropped for numerical
// instability before the run is aborted.
const maxSkippedSteps = 3

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Roots      map[string][]string
	Steps      int
	EpochSteps int
	BatchSize  int
	NumWorkers int
	LogEvery   int
	Seed       int64

	Trainer Options

	// Store receives periodic and final checkpoints; nil disables them.
	Store           checkpoint.Store
	CheckpointEvery int
	// Resume names a checkpoint id, or "latest", to continue from.
	Resume       string
	StrictResume bool

	Logger *slog.Logger
}

// Result summarises a finished run.
type Result struct {
	Steps      int
	Skipped    int
	Epoch      int
	Checkpoint string
	Last       Losses
}

// Run executes the training workload.
func Run(ctx context.Context, cfg RunConfig) (Result, error) {
	if cfg.Steps <= 0 {
		return Result{}, errors.New("trainer: steps must be > 0")
	}
	if cfg.BatchSize <= 0 {
		return Result{}, errors.New("trainer: batch size must be > 0")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if cfg.EpochSteps <= 0 {
		cfg.EpochSteps = cfg.Steps
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Resume != "" && cfg.Store == nil {
		return Result{}, errors.New("trainer: resume requires a checkpoint store")
	}

	opts := cfg.Trainer
	opts.BatchSize = cfg.BatchSize
	opts.Logger = logger
	df, err := NewDualFlow(opts)
	if err != nil {
		return Result{}, err
	}
	batcher, err := dataset.NewBatcher(dataset.BatcherOptions{
		ImageSize:  opts.Model.ImageSize,
		MaskSize:   opts.Model.MaskSize,
		NumClasses: opts.Model.NumClasses,
		Workers:    cfg.NumWorkers,
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{}
	if cfg.Resume != "" {
		res.Epoch, err = df.Resume(ctx, cfg.Store, cfg.Resume, cfg.StrictResume)
		if err != nil {
			return Result{}, err
		}
	}
	df.SchedulerStep(res.Epoch)

	samplerCh, samplerErr, err := dataset.StartSampler(ctx, dataset.SamplerOptions{
		Roots:      cfg.Roots,
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
		Logger:     logger,
	})
	if err != nil {
		return Result{}, err
	}

	var (
		window metrics.Window
		guard  instabilityGuard
	)
	for step := 1; step <= cfg.Steps; step++ {
		startData := time.Now()
		batch, err := nextBatch(ctx, samplerCh, samplerErr, batcher, cfg.BatchSize)
		if err != nil {
			return res, err
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		_, losses, err := df.TrainStep(batch.Masks, batch.Images, batch.Classes)
		computeTime := time.Since(startCompute)
		skip, err := guard.observe(err)
		res.Skipped = guard.total
		if err != nil {
			return res, fmt.Errorf("step %d: %w", step, err)
		}
		if skip {
			logger.Warn("skipping batch", "step", step, "keys", batch.Keys, "in_row", guard.inRow)
			continue
		}
		res.Steps = step
		res.Last = losses

		window.Record(cfg.BatchSize, dataTime, computeTime, losses.TrainLoss, losses.Fields())

		if step%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			logger.Info("train", append([]any{"step", step, "epoch", res.Epoch}, snap.Attrs()...)...)
		}
		if step%cfg.EpochSteps == 0 {
			res.Epoch++
			df.SchedulerStep(res.Epoch)
		}
		if cfg.Store != nil && cfg.CheckpointEvery > 0 && step%cfg.CheckpointEvery == 0 {
			if res.Checkpoint, err = df.Save(ctx, cfg.Store, res.Epoch); err != nil {
				return res, err
			}
		}
	}

	if cfg.Store != nil {
		if res.Checkpoint, err = df.Save(ctx, cfg.Store, res.Epoch); err != nil {
			return res, err
		}
	}
	return res, nil
}

// instabilityGuard decides whether a failed step may be skipped. Only
// numerical instability is skippable, and only maxSkippedSteps-1 times in a
// row.
type instabilityGuard struct {
	inRow int
	total int
}

func (g *instabilityGuard) observe(err error) (skip bool, _ error) {
	if err == nil {
		g.inRow = 0
		return false, nil
	}
	if !errors.Is(err, errtypes.ErrNumericalInstability) {
		return false, err
	}
	if g.inRow+1 >= maxSkippedSteps {
		return false, fmt.Errorf("%d consecutive unstable steps: %w", g.inRow+1, err)
	}
	g.inRow++
	g.total++
	return true, nil
}

func nextBatch(ctx context.Context, samples <-chan dataset.Sample, errs <-chan error, batcher *dataset.Batcher, batchSize int) (model.Batch, error) {
	pending := make([]dataset.Sample, 0, batchSize)
	for len(pending) < batchSize {
		select {
		case <-ctx.Done():
			return model.Batch{}, ctx.Err()
		case err, ok := <-errs:
			if ok && err != nil {
				return model.Batch{}, err
			}
		case sample, ok := <-samples:
			if !ok {
				return model.Batch{}, errors.New("sampler closed")
			}
			pending = append(pending, sample)
		}
	}
	return batcher.Assemble(ctx, pending)
}
