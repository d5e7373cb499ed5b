package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"maskflow/internal/config"
	"maskflow/internal/dataset"
	"maskflow/internal/trainer"
)

func newTrainCmd() *cobra.Command {
	var o config.Overrides
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train both flows on WebDataset shards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrain(cmd, o)
		},
	}
	cmd.Flags().StringSliceVar(&o.TrainRoots, "train-root", nil, "Override training roots (repeatable)")
	cmd.Flags().IntVar(&o.Steps, "steps", 0, "Number of training steps")
	cmd.Flags().IntVar(&o.BatchSize, "batch-size", 0, "Batch size")
	cmd.Flags().IntVar(&o.NumWorkers, "num-workers", 0, "Number of data loader workers")
	cmd.Flags().Int64Var(&o.Seed, "seed", 0, "PRNG seed")
	cmd.Flags().IntVar(&o.LogEvery, "log-every", 0, "Log every N steps")
	cmd.Flags().StringVar(&o.CheckpointPath, "checkpoint-path", "", "Checkpoint directory or database file")
	cmd.Flags().StringVar(&o.Resume, "resume", "", `Checkpoint id to resume from, or "latest"`)
	return cmd
}

func runTrain(cmd *cobra.Command, o config.Overrides) error {
	cfg, logger, err := loadConfig(cmd, o)
	if err != nil {
		return err
	}
	if err := cfg.ValidateTraining(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	roots, err := dataset.DiscoverByRoot(cfg.TrainRoots)
	if err != nil {
		return err
	}
	for root, shards := range roots {
		if len(shards) == 0 {
			return fmt.Errorf("no shards discovered under %s", root)
		}
		logger.Info("dataset root", "root", root, "shards", len(shards))
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := trainer.Run(ctx, trainer.RunConfig{
		Roots:           roots,
		Steps:           cfg.Steps,
		EpochSteps:      cfg.EpochSteps(),
		BatchSize:       cfg.BatchSize,
		NumWorkers:      cfg.NumWorkers,
		LogEvery:        cfg.LogEvery,
		Seed:            cfg.Seed,
		Trainer:         trainer.FromConfig(cfg),
		Store:           store,
		CheckpointEvery: cfg.CheckpointEvery,
		Resume:          cfg.Resume,
		StrictResume:    cfg.StrictResume,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("training failed: %w", err)
	}
	logger.Info("training finished",
		"steps", res.Steps,
		"skipped", res.Skipped,
		"epoch", res.Epoch,
		"checkpoint", res.Checkpoint,
	)
	return nil
}
