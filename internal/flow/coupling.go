package flow

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"maskflow/internal/errtypes"
	"maskflow/internal/nn"
	"maskflow/internal/tensor"
)

// atanScale keeps the soft clamp close to the identity near zero.
const atanScale = 0.636

// coupling is a GLOW-style affine coupling block. The input is split into
// halves along dimension 1; each half is scaled and shifted by coefficients
// computed from the other half and the conditions.
type coupling struct {
	name       string
	clamp      float64
	len1, len2 int
	sub1, sub2 *nn.Subnet
}

type couplingState struct {
	x1, x2 *tensor.Tensor
	a1, a2 *tensor.Tensor // raw scale outputs
	cache1 *nn.SubnetCache
	cache2 *nn.SubnetCache
	scale1 []float64 // exp(e(a1))
	scale2 []float64 // exp(e(a2))
}

func newCoupling(prefix string, d NodeDesc, in []int, condDims [][]int, clamp float64) (*coupling, error) {
	condC := 0
	for _, c := range condDims {
		condC += c[0]
	}
	c := &coupling{name: d.Name, clamp: clamp, len1: in[0] / 2}
	c.len2 = in[0] - c.len1
	var err error
	if c.sub1, err = nn.NewSubnet(prefix+".subnet1", d.Subnet, c.len1+condC, d.Hidden, 2*c.len2); err != nil {
		return nil, err
	}
	if c.sub2, err = nn.NewSubnet(prefix+".subnet2", d.Subnet, c.len2+condC, d.Hidden, 2*c.len1); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *coupling) Params() []*nn.Param {
	return append(c.sub1.Params(), c.sub2.Params()...)
}

func (c *coupling) e(s float64) float64 {
	return c.clamp * atanScale * math.Atan(s/c.clamp)
}

func (c *coupling) de(s float64) float64 {
	r := s / c.clamp
	return atanScale / (1 + r*r)
}

// coefficients runs sub on cat(x, cond) and splits the result into the raw
// scale and the shift, each with half channels.
func (c *coupling) coefficients(sub *nn.Subnet, x *tensor.Tensor, cond []*tensor.Tensor, half int) (a, t *tensor.Tensor, cache *nn.SubnetCache, err error) {
	in, err := tensor.Concat(append([]*tensor.Tensor{x}, cond...))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("coupling %s: %w", c.name, err)
	}
	r, cache, err := sub.Forward(in)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("coupling %s: %w", c.name, err)
	}
	parts, err := tensor.Split(r, []int{half, r.Shape[1] - half})
	if err != nil {
		return nil, nil, nil, err
	}
	return parts[0], parts[1], cache, nil
}

// affine returns x*exp(e(a)) + t, the scale factors and the per-sample sum
// of e(a) added into logdet.
func (c *coupling) affine(x, a, t *tensor.Tensor, logdet []float64) (*tensor.Tensor, []float64) {
	y := tensor.New(x.Shape...)
	scale := make([]float64, len(x.Data))
	per := x.SampleSize()
	for i, v := range x.Data {
		ea := c.e(a.Data[i])
		scale[i] = math.Exp(ea)
		y.Data[i] = v*scale[i] + t.Data[i]
		logdet[i/per] += ea
	}
	return y, scale
}

func (c *coupling) Apply(in, cond []*tensor.Tensor) (*Step, error) {
	halves, err := tensor.Split(in[0], []int{c.len1, c.len2})
	if err != nil {
		return nil, errtypes.Shape(c.name, "coupling input", []int{c.len1 + c.len2}, in[0].Dims())
	}
	x1, x2 := halves[0], halves[1]
	logdet := make([]float64, in[0].Batch())

	a2, t2, cache2, err := c.coefficients(c.sub2, x2, cond, c.len1)
	if err != nil {
		return nil, err
	}
	y1, scale2 := c.affine(x1, a2, t2, logdet)

	a1, t1, cache1, err := c.coefficients(c.sub1, y1, cond, c.len2)
	if err != nil {
		return nil, err
	}
	y2, scale1 := c.affine(x2, a1, t1, logdet)

	out, err := tensor.Concat([]*tensor.Tensor{y1, y2})
	if err != nil {
		return nil, err
	}
	return &Step{
		Out:    []*tensor.Tensor{out},
		LogDet: logdet,
		retained: &couplingState{
			x1: x1, x2: x2, a1: a1, a2: a2,
			cache1: cache1, cache2: cache2,
			scale1: scale1, scale2: scale2,
		},
	}, nil
}

func (c *coupling) Invert(out, cond []*tensor.Tensor) ([]*tensor.Tensor, []float64, error) {
	halves, err := tensor.Split(out[0], []int{c.len1, c.len2})
	if err != nil {
		return nil, nil, errtypes.Shape(c.name, "coupling output", []int{c.len1 + c.len2}, out[0].Dims())
	}
	y1, y2 := halves[0], halves[1]
	logdet := make([]float64, out[0].Batch())

	a1, t1, _, err := c.coefficients(c.sub1, y1, cond, c.len2)
	if err != nil {
		return nil, nil, err
	}
	x2 := c.unaffine(y2, a1, t1, logdet)

	a2, t2, _, err := c.coefficients(c.sub2, x2, cond, c.len1)
	if err != nil {
		return nil, nil, err
	}
	x1 := c.unaffine(y1, a2, t2, logdet)

	x, err := tensor.Concat([]*tensor.Tensor{x1, x2})
	if err != nil {
		return nil, nil, err
	}
	return []*tensor.Tensor{x}, logdet, nil
}

func (c *coupling) unaffine(y, a, t *tensor.Tensor, logdet []float64) *tensor.Tensor {
	x := tensor.New(y.Shape...)
	per := y.SampleSize()
	for i, v := range y.Data {
		ea := c.e(a.Data[i])
		x.Data[i] = (v - t.Data[i]) * math.Exp(-ea)
		logdet[i/per] -= ea
	}
	return x
}

func (c *coupling) Backward(step *Step, gradOut []*tensor.Tensor, gradLogDet []float64) ([]*tensor.Tensor, error) {
	st, ok := step.retained.(*couplingState)
	if !ok {
		return nil, fmt.Errorf("coupling %s: step was not produced by this block", c.name)
	}
	batch := st.x1.Batch()
	gy := gradOut[0]
	if gy == nil {
		gy = tensor.New(append([]int{batch, c.len1 + c.len2}, st.x1.Shape[2:]...)...)
	}
	gl := gradLogDet
	if gl == nil {
		gl = make([]float64, batch)
	}
	halves, err := tensor.Split(gy, []int{c.len1, c.len2})
	if err != nil {
		return nil, err
	}
	gy1, gy2 := halves[0], halves[1]

	// y2 = x2*s1 + t1 with (a1, t1) = sub1(y1, cond)
	gx2, ga1 := c.affineGrad(st.x2, st.a1, st.scale1, gy2, gl)
	gsub1, err := tensor.Concat([]*tensor.Tensor{ga1, gy2})
	if err != nil {
		return nil, err
	}
	gy1 = gy1.Clone()
	floats.Add(gy1.Data, c.sub1.Backward(st.cache1, gsub1, c.len1).Data)

	// y1 = x1*s2 + t2 with (a2, t2) = sub2(x2, cond)
	gx1, ga2 := c.affineGrad(st.x1, st.a2, st.scale2, gy1, gl)
	gsub2, err := tensor.Concat([]*tensor.Tensor{ga2, gy1})
	if err != nil {
		return nil, err
	}
	floats.Add(gx2.Data, c.sub2.Backward(st.cache2, gsub2, c.len2).Data)

	gx, err := tensor.Concat([]*tensor.Tensor{gx1, gx2})
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gx}, nil
}

// affineGrad differentiates y = x*exp(e(a)) + t, with e(a) also counted in
// the log-determinant, returning the gradients for x and a.
func (c *coupling) affineGrad(x, a *tensor.Tensor, scale []float64, gy *tensor.Tensor, gl []float64) (gx, ga *tensor.Tensor) {
	gx = tensor.New(x.Shape...)
	ga = tensor.New(x.Shape...)
	per := x.SampleSize()
	for i, g := range gy.Data {
		gx.Data[i] = g * scale[i]
		ga.Data[i] = (g*x.Data[i]*scale[i] + gl[i/per]) * c.de(a.Data[i])
	}
	return gx, ga
}
