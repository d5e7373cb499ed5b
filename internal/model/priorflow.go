package model

import (
	"fmt"

	"maskflow/internal/flow"
	"maskflow/internal/nn"
	"maskflow/internal/tensor"
)

// PriorSpec describes the prior flow: a dense flow on z′ conditioned only
// on the class vector, leaving three quarters of the dimensions untouched.
func PriorSpec(cfg Config) (flow.GraphSpec, error) {
	if err := cfg.Validate(); err != nil {
		return flow.GraphSpec{}, err
	}
	n := cfg.LatentDim()
	b := flow.NewBuilder("priorflow")
	x := b.Input("inp_points", n)
	c := b.Condition("cond-0", cfg.ClassDim())
	parts := b.Split("split", x, n/4, 3*n/4)
	x = parts[0]
	for k := 0; k < cfg.PriorBlocks; k++ {
		x = b.Coupling(fmt.Sprintf("fully_connected_%d", k), x, nn.SubnetFC, cfg.DenseHidden, cfg.Options.Clamp, c)
		x = b.Permute(fmt.Sprintf("permute_%d", k), x, int64(k))
	}
	x = b.Concat("concat", x, parts[1])
	b.Output("output", x)
	return b.Spec(), nil
}

// PriorFlow maps z′ to the final latent z.
type PriorFlow struct {
	*flow.Graph
}

func NewPriorFlow(cfg Config) (*PriorFlow, error) {
	spec, err := PriorSpec(cfg)
	if err != nil {
		return nil, err
	}
	// offset the seed so the two flows do not share initial weights
	opts := cfg.Options
	opts.Seed++
	g, err := flow.Build(spec, opts)
	if err != nil {
		return nil, err
	}
	return &PriorFlow{Graph: g}, nil
}

// Forward maps z′ to z given the class vector.
func (p *PriorFlow) Forward(z *tensor.Tensor, classes *tensor.Tensor) (*tensor.Tensor, []float64, error) {
	return p.Graph.Forward(z, []*tensor.Tensor{classes})
}

// ForwardTrain is Forward that retains the intermediates for Backward.
func (p *PriorFlow) ForwardTrain(z *tensor.Tensor, classes *tensor.Tensor) (*tensor.Tensor, []float64, *flow.Trace, error) {
	return p.Graph.ForwardTrain(z, []*tensor.Tensor{classes})
}

// Backward accumulates parameter gradients. z′ enters the prior flow as a
// detached value, so its gradient is dropped here.
func (p *PriorFlow) Backward(trace *flow.Trace, gradZ *tensor.Tensor, gradLogDet []float64) error {
	_, err := p.Graph.Backward(trace, gradZ, gradLogDet)
	return err
}

// Inverse maps z back to z′.
func (p *PriorFlow) Inverse(z *tensor.Tensor, classes *tensor.Tensor) (*tensor.Tensor, []float64, error) {
	return p.Graph.Inverse(z, []*tensor.Tensor{classes})
}
