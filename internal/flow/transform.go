package flow

import (
	"math/rand"

	"maskflow/internal/errtypes"
	"maskflow/internal/nn"
	"maskflow/internal/tensor"
)

// Transform is one invertible node. Apply and Invert are exact inverses of
// each other for matching conditions; Backward differentiates a retained
// Apply call.
type Transform interface {
	Apply(in, cond []*tensor.Tensor) (*Step, error)
	Invert(out, cond []*tensor.Tensor) ([]*tensor.Tensor, []float64, error)
	// Backward receives the gradient of the loss with respect to each output
	// (nil meaning zero) and with respect to the per-sample log-determinant,
	// accumulates parameter gradients and returns the input gradients.
	Backward(step *Step, gradOut []*tensor.Tensor, gradLogDet []float64) ([]*tensor.Tensor, error)
	Params() []*nn.Param
}

// Step is the result of Apply. LogDet is nil for volume-preserving
// transforms.
type Step struct {
	Out      []*tensor.Tensor
	LogDet   []float64
	retained any
}

func newTransform(prefix string, r resolved, condDims [][]int, opts Options) (Transform, error) {
	d := r.desc
	switch d.Kind {
	case KindCoupling:
		clamp := d.Clamp
		if clamp <= 0 {
			clamp = opts.Clamp
		}
		return newCoupling(prefix, d, r.inDims[0], condDims, clamp)
	case KindPermutation:
		return newPermutation(r.inDims[0], d.Seed), nil
	case KindDownsample:
		return haar{}, nil
	case KindFlatten:
		return flatten{dims: r.inDims[0]}, nil
	case KindSplit:
		return split{sections: d.Sections}, nil
	case KindConcat:
		sections := make([]int, len(r.inDims))
		for i, dims := range r.inDims {
			sections[i] = dims[0]
		}
		return concat{sections: sections}, nil
	}
	return nil, &errtypes.InvalidConfigurationError{Field: d.Name + " kind", Value: d.Kind}
}

// permutation shuffles dimension 1 with a permutation fixed at construction.
type permutation struct {
	perm []int
}

func newPermutation(dims []int, seed int64) *permutation {
	return &permutation{perm: rand.New(rand.NewSource(seed)).Perm(dims[0])}
}

func (p *permutation) Params() []*nn.Param { return nil }

func (p *permutation) gather(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(x.Shape...)
	inner := tensor.Volume(x.Shape[2:])
	for n := 0; n < x.Batch(); n++ {
		src, dst := x.Sample(n), out.Sample(n)
		for i, j := range p.perm {
			copy(dst[i*inner:(i+1)*inner], src[j*inner:(j+1)*inner])
		}
	}
	return out
}

func (p *permutation) scatter(y *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(y.Shape...)
	inner := tensor.Volume(y.Shape[2:])
	for n := 0; n < y.Batch(); n++ {
		src, dst := y.Sample(n), out.Sample(n)
		for i, j := range p.perm {
			copy(dst[j*inner:(j+1)*inner], src[i*inner:(i+1)*inner])
		}
	}
	return out
}

func (p *permutation) Apply(in, _ []*tensor.Tensor) (*Step, error) {
	return &Step{Out: []*tensor.Tensor{p.gather(in[0])}}, nil
}

func (p *permutation) Invert(out, _ []*tensor.Tensor) ([]*tensor.Tensor, []float64, error) {
	return []*tensor.Tensor{p.scatter(out[0])}, nil, nil
}

func (p *permutation) Backward(_ *Step, gradOut []*tensor.Tensor, _ []float64) ([]*tensor.Tensor, error) {
	if gradOut[0] == nil {
		return []*tensor.Tensor{nil}, nil
	}
	return []*tensor.Tensor{p.scatter(gradOut[0])}, nil
}

// haar is the orthonormal 2x2 Haar wavelet downsampling. Output channel
// 4c+k holds wavelet k (average, horizontal, vertical, diagonal) of input
// channel c. The transform is its own transpose, so the log-determinant is
// zero and the gradient is the inverse applied to the output gradient.
type haar struct{}

func (haar) Params() []*nn.Param { return nil }

func (haar) down(x *tensor.Tensor) *tensor.Tensor {
	b, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h/2, w/2
	out := tensor.New(b, 4*c, oh, ow)
	for n := 0; n < b; n++ {
		src, dst := x.Sample(n), out.Sample(n)
		for ch := 0; ch < c; ch++ {
			for i := 0; i < oh; i++ {
				for j := 0; j < ow; j++ {
					base := (ch*h+2*i)*w + 2*j
					a, bb := src[base], src[base+1]
					cc, d := src[base+w], src[base+w+1]
					o := i*ow + j
					dst[(4*ch+0)*oh*ow+o] = 0.5 * (a + bb + cc + d)
					dst[(4*ch+1)*oh*ow+o] = 0.5 * (a - bb + cc - d)
					dst[(4*ch+2)*oh*ow+o] = 0.5 * (a + bb - cc - d)
					dst[(4*ch+3)*oh*ow+o] = 0.5 * (a - bb - cc + d)
				}
			}
		}
	}
	return out
}

func (haar) up(y *tensor.Tensor) *tensor.Tensor {
	b, c4, oh, ow := y.Shape[0], y.Shape[1], y.Shape[2], y.Shape[3]
	c, h, w := c4/4, oh*2, ow*2
	out := tensor.New(b, c, h, w)
	for n := 0; n < b; n++ {
		src, dst := y.Sample(n), out.Sample(n)
		for ch := 0; ch < c; ch++ {
			for i := 0; i < oh; i++ {
				for j := 0; j < ow; j++ {
					o := i*ow + j
					o0 := src[(4*ch+0)*oh*ow+o]
					o1 := src[(4*ch+1)*oh*ow+o]
					o2 := src[(4*ch+2)*oh*ow+o]
					o3 := src[(4*ch+3)*oh*ow+o]
					base := (ch*h+2*i)*w + 2*j
					dst[base] = 0.5 * (o0 + o1 + o2 + o3)
					dst[base+1] = 0.5 * (o0 - o1 + o2 - o3)
					dst[base+w] = 0.5 * (o0 + o1 - o2 - o3)
					dst[base+w+1] = 0.5 * (o0 - o1 - o2 + o3)
				}
			}
		}
	}
	return out
}

func (t haar) Apply(in, _ []*tensor.Tensor) (*Step, error) {
	return &Step{Out: []*tensor.Tensor{t.down(in[0])}}, nil
}

func (t haar) Invert(out, _ []*tensor.Tensor) ([]*tensor.Tensor, []float64, error) {
	return []*tensor.Tensor{t.up(out[0])}, nil, nil
}

func (t haar) Backward(_ *Step, gradOut []*tensor.Tensor, _ []float64) ([]*tensor.Tensor, error) {
	if gradOut[0] == nil {
		return []*tensor.Tensor{nil}, nil
	}
	return []*tensor.Tensor{t.up(gradOut[0])}, nil
}

type flatten struct {
	dims []int
}

func (flatten) Params() []*nn.Param { return nil }

func (f flatten) reshape(x *tensor.Tensor, dims []int) (*tensor.Tensor, error) {
	return x.Clone().Reshape(append([]int{x.Batch()}, dims...)...)
}

func (f flatten) Apply(in, _ []*tensor.Tensor) (*Step, error) {
	out, err := f.reshape(in[0], []int{tensor.Volume(f.dims)})
	if err != nil {
		return nil, err
	}
	return &Step{Out: []*tensor.Tensor{out}}, nil
}

func (f flatten) Invert(out, _ []*tensor.Tensor) ([]*tensor.Tensor, []float64, error) {
	x, err := f.reshape(out[0], f.dims)
	if err != nil {
		return nil, nil, err
	}
	return []*tensor.Tensor{x}, nil, nil
}

func (f flatten) Backward(_ *Step, gradOut []*tensor.Tensor, _ []float64) ([]*tensor.Tensor, error) {
	if gradOut[0] == nil {
		return []*tensor.Tensor{nil}, nil
	}
	g, err := f.reshape(gradOut[0], f.dims)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{g}, nil
}

type split struct {
	sections []int
}

func (split) Params() []*nn.Param { return nil }

func (s split) Apply(in, _ []*tensor.Tensor) (*Step, error) {
	outs, err := tensor.Split(in[0], s.sections)
	if err != nil {
		return nil, err
	}
	return &Step{Out: outs}, nil
}

func (s split) Invert(out, _ []*tensor.Tensor) ([]*tensor.Tensor, []float64, error) {
	x, err := tensor.Concat(out)
	if err != nil {
		return nil, nil, err
	}
	return []*tensor.Tensor{x}, nil, nil
}

func (s split) Backward(step *Step, gradOut []*tensor.Tensor, _ []float64) ([]*tensor.Tensor, error) {
	grads := make([]*tensor.Tensor, len(gradOut))
	nonZero := false
	for i, g := range gradOut {
		if g == nil {
			g = tensor.New(step.Out[i].Shape...)
		} else {
			nonZero = true
		}
		grads[i] = g
	}
	if !nonZero {
		return []*tensor.Tensor{nil}, nil
	}
	g, err := tensor.Concat(grads)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{g}, nil
}

type concat struct {
	sections []int
}

func (concat) Params() []*nn.Param { return nil }

func (c concat) Apply(in, _ []*tensor.Tensor) (*Step, error) {
	out, err := tensor.Concat(in)
	if err != nil {
		return nil, err
	}
	return &Step{Out: []*tensor.Tensor{out}}, nil
}

func (c concat) Invert(out, _ []*tensor.Tensor) ([]*tensor.Tensor, []float64, error) {
	xs, err := tensor.Split(out[0], c.sections)
	if err != nil {
		return nil, nil, err
	}
	return xs, nil, nil
}

func (c concat) Backward(_ *Step, gradOut []*tensor.Tensor, _ []float64) ([]*tensor.Tensor, error) {
	if gradOut[0] == nil {
		return make([]*tensor.Tensor, len(c.sections)), nil
	}
	return tensor.Split(gradOut[0], c.sections)
}
