// Package model defines the two conditional flows of the segmentation
// model and the class-conditioning heads that sit next to them.
package model

import (
	"maskflow/internal/errtypes"
	"maskflow/internal/flow"
	"maskflow/internal/tensor"
)

// Batch is one minibatch as consumed by the trainer.
type Batch struct {
	Keys []string
	// Masks is (B,1,M,M) with values in {0,1}.
	Masks *tensor.Tensor
	// Images is (B,3,I,I).
	Images *tensor.Tensor
	// Classes is (B,N+1) multi-hot.
	Classes *tensor.Tensor
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int {
	if b.Masks == nil {
		return 0
	}
	return b.Masks.Batch()
}

// Config fixes the geometry and depth of both flows.
type Config struct {
	ImageSize   int
	MaskSize    int
	NumClasses  int
	ConvBlocks  int
	DenseBlocks int
	PriorBlocks int
	ConvHidden  int
	DenseHidden int
	Options     flow.Options
}

func DefaultConfig() Config {
	return Config{
		ImageSize:   256,
		MaskSize:    64,
		NumClasses:  80,
		ConvBlocks:  13,
		DenseBlocks: 12,
		PriorBlocks: 4,
		ConvHidden:  32,
		DenseHidden: 32,
		Options:     flow.DefaultOptions(),
	}
}

// ClassDim is the length of the class vector, one slot per class plus
// background.
func (c Config) ClassDim() int { return c.NumClasses + 1 }

// LatentDim is the flattened size of a mask and of both latents.
func (c Config) LatentDim() int { return c.MaskSize * c.MaskSize }

// Validate checks the geometry constraints the graphs rely on.
func (c Config) Validate() error {
	switch {
	case c.MaskSize <= 0 || c.MaskSize%4 != 0:
		return &errtypes.InvalidConfigurationError{Field: "mask_size", Value: c.MaskSize}
	case c.ImageSize <= 0 || c.ImageSize%8 != 0:
		return &errtypes.InvalidConfigurationError{Field: "image_size", Value: c.ImageSize}
	case c.NumClasses <= 0:
		return &errtypes.InvalidConfigurationError{Field: "num_classes", Value: c.NumClasses}
	case c.ConvBlocks < 0:
		return &errtypes.InvalidConfigurationError{Field: "seg_conv_blocks", Value: c.ConvBlocks}
	case c.DenseBlocks < 0:
		return &errtypes.InvalidConfigurationError{Field: "seg_dense_blocks", Value: c.DenseBlocks}
	case c.PriorBlocks < 0:
		return &errtypes.InvalidConfigurationError{Field: "prior_blocks", Value: c.PriorBlocks}
	case c.ConvHidden <= 0:
		return &errtypes.InvalidConfigurationError{Field: "conv_hidden", Value: c.ConvHidden}
	case c.DenseHidden <= 0:
		return &errtypes.InvalidConfigurationError{Field: "dense_hidden", Value: c.DenseHidden}
	}
	return nil
}

// BuildConditions derives the three segmentation conditions from an image
// batch and a class batch: the image squeezed by 4, that result squeezed by
// 2 again, and the class vector.
func BuildConditions(images, classes *tensor.Tensor) ([]*tensor.Tensor, error) {
	if images.Batch() != classes.Batch() {
		return nil, errtypes.Shape("conditions", "image and class batch differ", []int{images.Batch()}, []int{classes.Batch()})
	}
	c0, err := tensor.Squeeze2d(images, 4)
	if err != nil {
		return nil, err
	}
	c1, err := tensor.Squeeze2d(c0, 2)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{c0, c1, classes}, nil
}

// PickConditions repeats example pick of every condition n times.
func PickConditions(conds []*tensor.Tensor, pick, n int) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(conds))
	for i, c := range conds {
		r, err := c.RepeatSample(pick, n)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}
