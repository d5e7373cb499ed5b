package nn

import (
	"math"

	"maskflow/internal/tensor"
)

const logScaleFactor = 3.0

// LinearZeros is a zero-initialised linear layer whose output is scaled by a
// learned per-feature exp(3*logs).
type LinearZeros struct {
	*Linear
	Logs *Param
}

// LinearZerosCache retains the forward intermediates of LinearZeros.
type LinearZerosCache struct {
	in  *tensor.Tensor
	pre *tensor.Tensor
}

func NewLinearZeros(name string, in, out int) *LinearZeros {
	return &LinearZeros{Linear: NewLinear(name, in, out), Logs: NewParam(name+".logs", out)}
}

func (l *LinearZeros) Params() []*Param { return append(l.Linear.Params(), l.Logs) }

func (l *LinearZeros) Forward(x *tensor.Tensor) (*tensor.Tensor, *LinearZerosCache, error) {
	pre, err := l.Linear.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	y := pre.Clone()
	for n := 0; n < y.Batch(); n++ {
		row := y.Sample(n)
		for o := range row {
			row[o] *= math.Exp(l.Logs.Value.Data[o] * logScaleFactor)
		}
	}
	return y, &LinearZerosCache{in: x, pre: pre}, nil
}

func (l *LinearZeros) Backward(c *LinearZerosCache, gy *tensor.Tensor, need int) *tensor.Tensor {
	gpre := gy.Clone()
	for n := 0; n < gy.Batch(); n++ {
		g := gy.Sample(n)
		pre := c.pre.Sample(n)
		dst := gpre.Sample(n)
		for o := range g {
			scale := math.Exp(l.Logs.Value.Data[o] * logScaleFactor)
			l.Logs.Grad.Data[o] += g[o] * pre[o] * scale * logScaleFactor
			dst[o] = g[o] * scale
		}
	}
	return l.Linear.Backward(c.in, gpre, need)
}

// Conv2dZeros is the 3x3 convolutional counterpart of LinearZeros.
type Conv2dZeros struct {
	*Conv2d
	Logs *Param
}

func NewConv2dZeros(name string, in, out int) *Conv2dZeros {
	return &Conv2dZeros{Conv2d: NewConv2d(name, in, out, 3), Logs: NewParam(name+".logs", out, 1, 1)}
}

func (c *Conv2dZeros) Params() []*Param { return append(c.Conv2d.Params(), c.Logs) }

func (c *Conv2dZeros) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := c.Conv2d.Forward(x)
	if err != nil {
		return nil, err
	}
	hw := y.Shape[2] * y.Shape[3]
	for n := 0; n < y.Batch(); n++ {
		s := y.Sample(n)
		for o := 0; o < c.Out; o++ {
			scale := math.Exp(c.Logs.Value.Data[o] * logScaleFactor)
			for i := o * hw; i < (o+1)*hw; i++ {
				s[i] *= scale
			}
		}
	}
	return y, nil
}
