package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"maskflow/internal/checkpoint"
	"maskflow/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "maskflow",
		Short:        "Train and sample conditional normalizing flows for segmentation masks",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "configs/demo.yaml", "Path to YAML config")
	root.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	root.AddCommand(newTrainCmd(), newGraphCmd(), newSampleCmd())
	return root
}

// loadConfig reads --config and installs the process logger at the
// configured level.
func loadConfig(cmd *cobra.Command, o config.Overrides) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		o.LogLevel = "debug"
	}
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	lvl, err := cfg.Level()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, error) {
	precision, err := checkpoint.ParsePrecision(cfg.CheckpointPrecision)
	if err != nil {
		return nil, err
	}
	store, err := checkpoint.NewStore(cfg.CheckpointStore, cfg.CheckpointPath, precision)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("open %s checkpoint store: %w", cfg.CheckpointStore, err)
	}
	return store, nil
}
