package trainer

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"maskflow/internal/checkpoint"
	"maskflow/internal/dataset"
	"maskflow/internal/errtypes"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

// writeShard stores n random image/mask/class triples in a shard.
func writeShard(t *testing.T, path string, n int, rng *rand.Rand) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	add := func(name string, data []byte) {
		hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("write data: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("%06d", i)
		img := image.NewRGBA(image.Rect(0, 0, 24, 24))
		mask := image.NewGray(image.Rect(0, 0, 12, 12))
		for y := 0; y < 24; y++ {
			for x := 0; x < 24; x++ {
				img.SetRGBA(x, y, color.RGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255})
				if rng.Intn(3) == 0 {
					mask.SetGray(x/2, y/2, color.Gray{Y: 255})
				}
			}
		}
		add(key+".png", encodePNG(t, img))
		add(key+".mask.png", encodePNG(t, mask))
		add(key+".cls", []byte(fmt.Sprintf("0,%d", 1+rng.Intn(3))))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}

func TestRun(t *testing.T) {
	root := t.TempDir()
	rng := rand.New(rand.NewSource(21))
	writeShard(t, filepath.Join(root, "shard-000000.tar"), 3, rng)
	writeShard(t, filepath.Join(root, "shard-000001.tar"), 3, rng)
	roots, err := dataset.DiscoverByRoot([]string{root})
	if err != nil {
		t.Fatalf("DiscoverByRoot: %v", err)
	}

	ctx := context.Background()
	store := checkpoint.NewMemoryStore(checkpoint.Float32)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	cfg := RunConfig{
		Roots:           roots,
		Steps:           3,
		EpochSteps:      2,
		BatchSize:       2,
		NumWorkers:      2,
		LogEvery:        1,
		Seed:            5,
		Trainer:         smallOptions(),
		Store:           store,
		CheckpointEvery: 2,
		Logger:          quietLogger(),
	}
	res, err := Run(ctx, cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Steps != 3 || res.Skipped != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Epoch != 1 {
		t.Fatalf("expected epoch 1 after 3 steps of 2, got %d", res.Epoch)
	}
	checkLosses(t, res.Last)

	latest, ok, err := store.Latest(ctx)
	if err != nil || !ok {
		t.Fatalf("Latest: ok=%v err=%v", ok, err)
	}
	if latest.ID != res.Checkpoint {
		t.Fatalf("latest checkpoint %s, run reported %s", latest.ID, res.Checkpoint)
	}

	cfg.Resume = "latest"
	cfg.Steps = 1
	resumed, err := Run(ctx, cfg)
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if resumed.Epoch != 1 {
		t.Fatalf("resumed run should start at epoch 1, got %d", resumed.Epoch)
	}
}

func TestRunValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := Run(ctx, RunConfig{BatchSize: 2}); err == nil {
		t.Fatal("expected error for zero steps")
	}
	if _, err := Run(ctx, RunConfig{Steps: 1}); err == nil {
		t.Fatal("expected error for zero batch size")
	}
	if _, err := Run(ctx, RunConfig{Steps: 1, BatchSize: 2, Resume: "latest", Trainer: smallOptions()}); err == nil {
		t.Fatal("expected error for resume without a store")
	}
}

func TestInstabilityGuard(t *testing.T) {
	unstable := fmt.Errorf("step: %w", &errtypes.NumericalInstabilityError{Stage: "loss", NaN: 1})

	var g instabilityGuard
	for i := 0; i < maxSkippedSteps-1; i++ {
		skip, err := g.observe(unstable)
		if err != nil || !skip {
			t.Fatalf("unstable step %d: skip=%v err=%v", i, skip, err)
		}
	}
	if skip, err := g.observe(nil); err != nil || skip {
		t.Fatalf("clean step: skip=%v err=%v", skip, err)
	}
	if g.inRow != 0 {
		t.Fatalf("clean step should reset the run of skips, got %d", g.inRow)
	}

	for i := 0; i < maxSkippedSteps-1; i++ {
		if skip, _ := g.observe(unstable); !skip {
			t.Fatalf("unstable step %d after reset was not skipped", i)
		}
	}
	skip, err := g.observe(unstable)
	if skip || !errors.Is(err, errtypes.ErrNumericalInstability) {
		t.Fatalf("expected abort after %d unstable steps, got skip=%v err=%v", maxSkippedSteps, skip, err)
	}
	if want := 2 * (maxSkippedSteps - 1); g.total != want {
		t.Fatalf("skipped %d steps, want %d", g.total, want)
	}

	other := errors.New("sampler closed")
	if skip, err := g.observe(other); skip || !errors.Is(err, other) {
		t.Fatalf("other errors must not be skipped: skip=%v err=%v", skip, err)
	}
}
