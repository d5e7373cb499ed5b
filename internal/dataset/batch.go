package dataset

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"maskflow/internal/errtypes"
	"maskflow/internal/model"
	"maskflow/internal/tensor"
)

// BatcherOptions fixes the geometry every decoded sample is resized to.
type BatcherOptions struct {
	ImageSize  int
	MaskSize   int
	NumClasses int
	// Workers bounds concurrent decodes; zero means one per sample.
	Workers int
}

// Batcher turns raw shard samples into model batches.
type Batcher struct {
	opts BatcherOptions
}

func NewBatcher(opts BatcherOptions) (*Batcher, error) {
	switch {
	case opts.ImageSize <= 0:
		return nil, &errtypes.InvalidConfigurationError{Field: "image_size", Value: opts.ImageSize}
	case opts.MaskSize <= 0:
		return nil, &errtypes.InvalidConfigurationError{Field: "mask_size", Value: opts.MaskSize}
	case opts.NumClasses <= 0:
		return nil, &errtypes.InvalidConfigurationError{Field: "num_classes", Value: opts.NumClasses}
	}
	return &Batcher{opts: opts}, nil
}

// Assemble decodes samples in parallel into a batch with masks (B,1,M,M),
// images (B,3,I,I) and multi-hot classes (B,N+1). Class id 0 is the
// background slot.
func (b *Batcher) Assemble(ctx context.Context, samples []Sample) (model.Batch, error) {
	n := len(samples)
	if n == 0 {
		return model.Batch{}, fmt.Errorf("assemble: empty batch")
	}
	m, size, classDim := b.opts.MaskSize, b.opts.ImageSize, b.opts.NumClasses+1
	batch := model.Batch{
		Keys:    make([]string, n),
		Masks:   tensor.New(n, 1, m, m),
		Images:  tensor.New(n, 3, size, size),
		Classes: tensor.New(n, classDim),
	}

	g, ctx := errgroup.WithContext(ctx)
	if b.opts.Workers > 0 {
		g.SetLimit(b.opts.Workers)
	}
	for i, s := range samples {
		i, s := i, s
		batch.Keys[i] = s.Key
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := decode(s.Image)
			if err != nil {
				return fmt.Errorf("sample %s: image: %w", s.Key, err)
			}
			fillImage(batch.Images.Sample(i), img, size)

			mask, err := decode(s.Mask)
			if err != nil {
				return fmt.Errorf("sample %s: mask: %w", s.Key, err)
			}
			fillMask(batch.Masks.Sample(i), mask, m)

			return fillClasses(batch.Classes.Sample(i), s.Classes)
		})
	}
	if err := g.Wait(); err != nil {
		return model.Batch{}, err
	}
	return batch, nil
}

func decode(raw []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("empty image")
	}
	return img, nil
}

// fillImage resizes img bilinearly to size×size and writes it channel-major
// with values in [0,1].
func fillImage(dst []float64, img image.Image, size int) {
	rgba := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(rgba, rgba.Bounds(), img, img.Bounds(), draw.Src, nil)
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := rgba.PixOffset(x, y)
			p := y*size + x
			dst[p] = float64(rgba.Pix[off]) / 255
			dst[plane+p] = float64(rgba.Pix[off+1]) / 255
			dst[2*plane+p] = float64(rgba.Pix[off+2]) / 255
		}
	}
}

// fillMask resizes with nearest neighbour so no intermediate values appear,
// then maps every non-zero pixel to 1.
func fillMask(dst []float64, img image.Image, size int) {
	gray := image.NewGray(image.Rect(0, 0, size, size))
	draw.NearestNeighbor.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)
	for i, v := range gray.Pix {
		if v > 0 {
			dst[i] = 1
		}
	}
}

func fillClasses(dst []float64, classes []int) error {
	for _, id := range classes {
		if id < 0 || id >= len(dst) {
			return &errtypes.InvalidConfigurationError{Field: "class_id", Value: id}
		}
		dst[id] = 1
	}
	return nil
}

// WriteMaskPNG encodes one (1,M,M) or (M,M) mask as a black and white PNG,
// treating values at or above threshold as foreground.
func WriteMaskPNG(w io.Writer, mask []float64, size int, threshold float64) error {
	if len(mask) != size*size {
		return errtypes.Shape("mask png", "mask length", []int{size * size}, []int{len(mask)})
	}
	gray := image.NewGray(image.Rect(0, 0, size, size))
	for i, v := range mask {
		if v >= threshold {
			gray.Pix[i] = 255
		}
	}
	return png.Encode(w, gray)
}

// ReadImage decodes a single image file into a (1,3,size,size) tensor, as
// used when sampling masks for an image outside any shard.
func ReadImage(r io.Reader, size int) (*tensor.Tensor, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	img, err := decode(raw)
	if err != nil {
		return nil, err
	}
	out := tensor.New(1, 3, size, size)
	fillImage(out.Data, img, size)
	return out, nil
}

// ClassVector builds a (1,N+1) multi-hot vector from class ids.
func ClassVector(classes []int, numClasses int) (*tensor.Tensor, error) {
	out := tensor.New(1, numClasses+1)
	if err := fillClasses(out.Data, classes); err != nil {
		return nil, err
	}
	return out, nil
}
