package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"maskflow/internal/config"
	"maskflow/internal/dataset"
	"maskflow/internal/trainer"
)

func newSampleCmd() *cobra.Command {
	var (
		ckpt    string
		imgPath string
		classes string
		n       int
		out     string
	)
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Decode mask samples for an image from a checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd, config.Overrides{})
			if err != nil {
				return err
			}
			if imgPath == "" {
				return errors.New("--image is required")
			}
			ids, err := dataset.ParseClasses([]byte(classes))
			if err != nil {
				return fmt.Errorf("parse --classes: %w", err)
			}

			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			opts := trainer.FromConfig(cfg)
			opts.Logger = logger
			df, err := trainer.NewDualFlow(opts)
			if err != nil {
				return err
			}
			if _, err := df.Resume(ctx, store, ckpt, cfg.StrictResume); err != nil {
				return err
			}
			df.Eval()

			f, err := os.Open(imgPath)
			if err != nil {
				return err
			}
			image, err := dataset.ReadImage(f, cfg.ImageSize)
			f.Close()
			if err != nil {
				return fmt.Errorf("read %s: %w", imgPath, err)
			}
			classVec, err := dataset.ClassVector(ids, cfg.NumClasses)
			if err != nil {
				return err
			}

			masks, err := df.Reconstruct(image, classVec, n, 0)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(out, 0o755); err != nil {
				return err
			}
			for i := 0; i < masks.Batch(); i++ {
				buf := &bytes.Buffer{}
				if err := dataset.WriteMaskPNG(buf, masks.Sample(i), cfg.MaskSize, 0.5); err != nil {
					return err
				}
				path := filepath.Join(out, fmt.Sprintf("sample-%02d.mask.png", i))
				if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", path, humanize.Bytes(uint64(buf.Len())))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ckpt, "checkpoint", "latest", `Checkpoint id, or "latest"`)
	cmd.Flags().StringVar(&imgPath, "image", "", "Image to condition on")
	cmd.Flags().StringVar(&classes, "classes", "0", "Comma separated class ids present in the image")
	cmd.Flags().IntVar(&n, "n", 4, "Number of masks to decode (at most 16)")
	cmd.Flags().StringVar(&out, "out", "samples", "Output directory")
	return cmd
}
