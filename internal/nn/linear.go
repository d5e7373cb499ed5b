package nn

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"maskflow/internal/errtypes"
	"maskflow/internal/tensor"
)

// Layer is a differentiable map used inside a Subnet.
type Layer interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	// Backward accumulates parameter gradients for the forward call on x and
	// returns the gradient with respect to the first need entries of
	// dimension 1 of x. need == 0 skips the input gradient.
	Backward(x, gy *tensor.Tensor, need int) *tensor.Tensor
	Params() []*Param
}

// Linear computes y = x W^T + b on (B, In) inputs.
type Linear struct {
	In, Out int
	Weight  *Param // (Out, In)
	Bias    *Param // (Out)
}

func NewLinear(name string, in, out int) *Linear {
	return &Linear{
		In:     in,
		Out:    out,
		Weight: NewParam(name+".weight", out, in),
		Bias:   NewParam(name+".bias", out),
	}
}

func (l *Linear) Params() []*Param { return []*Param{l.Weight, l.Bias} }

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != l.In {
		return nil, errtypes.Shape(l.Weight.Name, "linear input", []int{-1, l.In}, x.Shape)
	}
	b := x.Shape[0]
	y := tensor.New(b, l.Out)
	for n := 0; n < b; n++ {
		copy(y.Data[n*l.Out:(n+1)*l.Out], l.Bias.Value.Data)
	}
	blas64.Gemm(blas.NoTrans, blas.Trans, 1,
		general(x.Data, b, l.In, l.In),
		general(l.Weight.Value.Data, l.Out, l.In, l.In),
		1, general(y.Data, b, l.Out, l.Out))
	return y, nil
}

func (l *Linear) Backward(x, gy *tensor.Tensor, need int) *tensor.Tensor {
	b := x.Shape[0]
	blas64.Gemm(blas.Trans, blas.NoTrans, 1,
		general(gy.Data, b, l.Out, l.Out),
		general(x.Data, b, l.In, l.In),
		1, general(l.Weight.Grad.Data, l.Out, l.In, l.In))
	for n := 0; n < b; n++ {
		row := gy.Data[n*l.Out : (n+1)*l.Out]
		for o, g := range row {
			l.Bias.Grad.Data[o] += g
		}
	}
	if need == 0 {
		return nil
	}
	gx := tensor.New(b, need)
	// only the first need input columns of W contribute
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
		general(gy.Data, b, l.Out, l.Out),
		general(l.Weight.Value.Data, l.Out, need, l.In),
		0, general(gx.Data, b, need, need))
	return gx
}

func general(data []float64, rows, cols, stride int) blas64.General {
	return blas64.General{Rows: rows, Cols: cols, Stride: stride, Data: data}
}
