package model

import (
	"fmt"

	"maskflow/internal/errtypes"
	"maskflow/internal/flow"
	"maskflow/internal/nn"
	"maskflow/internal/tensor"
)

// Condition node names of the segmentation flow, in execution order.
const (
	CondImage4  = "cond-0"
	CondImage8  = "cond-1"
	CondClasses = "cond-2"
)

// SegmentationSpec describes the segmentation flow for cfg. The mask is
// squeezed by 2 before it reaches the graph, so the input is (4, M/2, M/2).
// The spatial couplings read whichever image map has that resolution.
func SegmentationSpec(cfg Config) (flow.GraphSpec, error) {
	if err := cfg.Validate(); err != nil {
		return flow.GraphSpec{}, err
	}
	half := cfg.MaskSize / 2
	n := cfg.LatentDim()
	clamp := cfg.Options.Clamp

	b := flow.NewBuilder("segflow")
	x := b.Input("inp_points", 4, half, half)
	c0 := b.Condition(CondImage4, 48, cfg.ImageSize/4, cfg.ImageSize/4)
	c1 := b.Condition(CondImage8, 192, cfg.ImageSize/8, cfg.ImageSize/8)
	c2 := b.Condition(CondClasses, cfg.ClassDim())

	var spatial string
	switch half {
	case cfg.ImageSize / 4:
		spatial = c0
	case cfg.ImageSize / 8:
		spatial = c1
	default:
		return flow.GraphSpec{}, errtypes.Shape("segflow", "no image condition matches the squeezed mask resolution",
			[]int{half, half}, []int{cfg.ImageSize / 4, cfg.ImageSize / 8})
	}

	for k := 0; k < cfg.ConvBlocks; k++ {
		x = b.Coupling(fmt.Sprintf("conv%d::c1", k), x, nn.SubnetConv, cfg.ConvHidden, clamp, spatial)
		x = b.Permute(fmt.Sprintf("permute_%d", k), x, int64(k))
	}
	x = b.Downsample("haar", x)
	x = b.Flatten("flatten", x)
	parts := b.Split("split", x, n/4, 3*n/4)
	x = parts[0]
	for k := 0; k < cfg.DenseBlocks; k++ {
		x = b.Coupling(fmt.Sprintf("fully_connected_%d", k), x, nn.SubnetFC, cfg.DenseHidden, clamp, c2)
		x = b.Permute(fmt.Sprintf("permute_fc_%d", k), x, int64(k))
	}
	x = b.Concat("concat", x, parts[1])
	b.Output("output", x)
	return b.Spec(), nil
}

// SegmentationFlow maps a binary mask, conditioned on the image and the
// class vector, to a flat latent z′ of size M·M.
type SegmentationFlow struct {
	*flow.Graph
	cfg Config
}

func NewSegmentationFlow(cfg Config) (*SegmentationFlow, error) {
	spec, err := SegmentationSpec(cfg)
	if err != nil {
		return nil, err
	}
	g, err := flow.Build(spec, cfg.Options)
	if err != nil {
		return nil, err
	}
	return &SegmentationFlow{Graph: g, cfg: cfg}, nil
}

// Forward maps masks (B,1,M,M) to z′ (B,M·M).
func (s *SegmentationFlow) Forward(mask *tensor.Tensor, conds []*tensor.Tensor) (*tensor.Tensor, []float64, error) {
	z, logdet, _, err := s.ForwardTrain(mask, conds)
	return z, logdet, err
}

// ForwardTrain is Forward that retains the intermediates for Backward.
func (s *SegmentationFlow) ForwardTrain(mask *tensor.Tensor, conds []*tensor.Tensor) (*tensor.Tensor, []float64, *flow.Trace, error) {
	m := s.cfg.MaskSize
	if len(mask.Shape) != 4 || !tensor.EqualDims(mask.Dims(), []int{1, m, m}) {
		return nil, nil, nil, errtypes.Shape("segflow", "mask must be (B,1,M,M)", []int{-1, 1, m, m}, mask.Shape)
	}
	x, err := tensor.Squeeze2d(mask, 2)
	if err != nil {
		return nil, nil, nil, err
	}
	return s.Graph.ForwardTrain(x, conds)
}

// Backward accumulates parameter gradients for a retained forward pass.
// The mask is data, so its gradient is discarded.
func (s *SegmentationFlow) Backward(trace *flow.Trace, gradZ *tensor.Tensor, gradLogDet []float64) error {
	_, err := s.Graph.Backward(trace, gradZ, gradLogDet)
	return err
}

// Inverse maps z′ (B,M·M) back to mask space (B,1,M,M).
func (s *SegmentationFlow) Inverse(z *tensor.Tensor, conds []*tensor.Tensor) (*tensor.Tensor, []float64, error) {
	x, logdet, err := s.Graph.Inverse(z, conds)
	if err != nil {
		return nil, nil, err
	}
	mask, err := tensor.Unsqueeze2d(x, 2)
	if err != nil {
		return nil, nil, err
	}
	return mask, logdet, nil
}
