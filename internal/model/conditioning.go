package model

import (
	"math"

	"maskflow/internal/errtypes"
	"maskflow/internal/nn"
	"maskflow/internal/tensor"
)

// latentChannels is the channel count of z′ once it is viewed as a mask
// and squeezed by 2.
const latentChannels = 4

// ClassConditioning holds the heads that relate the latent to the class
// vector: learn_top and project_ycond parameterise a learned Gaussian prior
// from a persistent all-zero hidden state, project_class predicts the class
// vector from the spatially averaged latent.
type ClassConditioning struct {
	LearnTop     *nn.Conv2dZeros
	ProjectYCond *nn.LinearZeros
	ProjectClass *nn.LinearZeros
	// PriorH and TestPriorH are persistent state, not trained. They must
	// stay all zero.
	PriorH     *nn.Param
	TestPriorH *nn.Param

	maskSize int
}

// ClassLogitsCache retains the forward pass of ClassLogits.
type ClassLogitsCache struct {
	head *nn.LinearZerosCache
}

// NewClassConditioning sizes the hidden states for a training batch of
// batch examples; the evaluation state holds batch/2.
func NewClassConditioning(cfg Config, batch int) *ClassConditioning {
	half := cfg.MaskSize / 2
	c2 := 2 * latentChannels
	return &ClassConditioning{
		LearnTop:     nn.NewConv2dZeros("learn_top", c2, c2),
		ProjectYCond: nn.NewLinearZeros("project_ycond", cfg.ClassDim(), c2),
		ProjectClass: nn.NewLinearZeros("project_class", latentChannels, cfg.ClassDim()),
		PriorH:       nn.NewParam("prior_h", batch, c2, half, half),
		TestPriorH:   nn.NewParam("test_prior_h", batch/2, c2, half, half),
		maskSize:     cfg.MaskSize,
	}
}

// Params returns every tensor the conditioning owns, including the hidden
// states, for checkpointing.
func (c *ClassConditioning) Params() []*nn.Param {
	ps := append(c.LearnTop.Params(), c.ProjectYCond.Params()...)
	ps = append(ps, c.ProjectClass.Params()...)
	return append(ps, c.PriorH, c.TestPriorH)
}

// PriorParams returns the learned prior heads.
func (c *ClassConditioning) PriorParams() []*nn.Param {
	return append(c.LearnTop.Params(), c.ProjectYCond.Params()...)
}

// ClassParams returns the classification head, which trains with the
// prior flow.
func (c *ClassConditioning) ClassParams() []*nn.Param { return c.ProjectClass.Params() }

// ClassLogits views z′ (B,M·M) as (B,1,M,M), squeezes by 2, averages over
// space and projects to class logits (B,N+1).
func (c *ClassConditioning) ClassLogits(z *tensor.Tensor) (*tensor.Tensor, *ClassLogitsCache, error) {
	m := c.maskSize
	if len(z.Shape) != 2 || z.Shape[1] != m*m {
		return nil, nil, errtypes.Shape("project_class", "latent must be (B,M*M)", []int{-1, m * m}, z.Shape)
	}
	shaped, err := z.Clone().Reshape(z.Batch(), 1, m, m)
	if err != nil {
		return nil, nil, err
	}
	sq, err := tensor.Squeeze2d(shaped, 2)
	if err != nil {
		return nil, nil, err
	}
	pooled, err := tensor.MeanSpatial(sq)
	if err != nil {
		return nil, nil, err
	}
	logits, cache, err := c.ProjectClass.Forward(pooled)
	if err != nil {
		return nil, nil, err
	}
	return logits, &ClassLogitsCache{head: cache}, nil
}

// BackwardClassLogits accumulates project_class gradients. The latent is
// treated as data.
func (c *ClassConditioning) BackwardClassLogits(cache *ClassLogitsCache, grad *tensor.Tensor) {
	c.ProjectClass.Backward(cache.head, grad, 0)
}

// HiddenState returns the state selected by the mode.
func (c *ClassConditioning) HiddenState(training bool) *nn.Param {
	if training {
		return c.PriorH
	}
	return c.TestPriorH
}

// Prior returns the mean and log-scale of the learned Gaussian prior, each
// (B,4,M/2,M/2). B is the batch of the selected hidden state and classes
// must match it. A hidden state with any non-zero entry fails with
// ErrPriorStateCorrupted.
func (c *ClassConditioning) Prior(classes *tensor.Tensor, training bool) (mean, logs *tensor.Tensor, err error) {
	state := c.HiddenState(training)
	hid := state.Value.Clone()
	if !hid.AllZero() {
		return nil, nil, errtypes.ErrPriorStateCorrupted
	}
	b, ch := hid.Shape[0], hid.Shape[1]
	if classes.Batch() != b {
		return nil, nil, errtypes.Shape(state.Name, "class batch must match the hidden state", []int{b}, []int{classes.Batch()})
	}
	hid, err = c.LearnTop.Forward(hid)
	if err != nil {
		return nil, nil, err
	}
	yc, _, err := c.ProjectYCond.Forward(classes)
	if err != nil {
		return nil, nil, err
	}
	hw := hid.Shape[2] * hid.Shape[3]
	for n := 0; n < b; n++ {
		s := hid.Sample(n)
		bias := yc.Sample(n)
		for k := 0; k < ch; k++ {
			for i := k * hw; i < (k+1)*hw; i++ {
				s[i] += bias[k]
			}
		}
	}
	parts, err := tensor.Split(hid, []int{ch / 2, ch - ch/2})
	if err != nil {
		return nil, nil, err
	}
	return parts[0], parts[1], nil
}

var log2Pi = math.Log(2 * math.Pi)

// GaussianLogProb returns the per-sample log density of z under a diagonal
// Gaussian with the given mean and log standard deviation.
func GaussianLogProb(mean, logs, z *tensor.Tensor) ([]float64, error) {
	if !tensor.SameShape(mean, z) || !tensor.SameShape(logs, z) {
		return nil, errtypes.Shape("gaussian", "mean, logs and z must agree", z.Shape, mean.Shape)
	}
	out := make([]float64, z.Batch())
	per := z.SampleSize()
	for i, v := range z.Data {
		d := v - mean.Data[i]
		out[i/per] += -0.5 * (log2Pi + 2*logs.Data[i] + d*d/math.Exp(2*logs.Data[i]))
	}
	return out, nil
}

// LaplaceLogProb is the Laplace counterpart of GaussianLogProb with logs as
// the log scale.
func LaplaceLogProb(mean, logs, z *tensor.Tensor) ([]float64, error) {
	if !tensor.SameShape(mean, z) || !tensor.SameShape(logs, z) {
		return nil, errtypes.Shape("laplace", "mean, logs and z must agree", z.Shape, mean.Shape)
	}
	out := make([]float64, z.Batch())
	per := z.SampleSize()
	for i, v := range z.Data {
		out[i/per] += -math.Ln2 - logs.Data[i] - math.Abs(v-mean.Data[i])/math.Exp(logs.Data[i])
	}
	return out, nil
}
