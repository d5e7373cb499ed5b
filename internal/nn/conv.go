package nn

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"maskflow/internal/errtypes"
	"maskflow/internal/tensor"
)

// Conv2d is a stride-1 convolution with same padding on (B,C,H,W) inputs.
// The weight is stored as (Out, In*K*K) so each sample is one Gemm over the
// im2col matrix.
type Conv2d struct {
	In, Out, K int
	Weight     *Param
	Bias       *Param
}

func NewConv2d(name string, in, out, k int) *Conv2d {
	return &Conv2d{
		In:     in,
		Out:    out,
		K:      k,
		Weight: NewParam(name+".weight", out, in*k*k),
		Bias:   NewParam(name+".bias", out),
	}
}

func (c *Conv2d) Params() []*Param { return []*Param{c.Weight, c.Bias} }

func (c *Conv2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != c.In {
		return nil, errtypes.Shape(c.Weight.Name, "conv input", []int{-1, c.In, -1, -1}, x.Shape)
	}
	b, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	hw := h * w
	rows := c.In * c.K * c.K
	y := tensor.New(b, c.Out, h, w)
	cols := make([]float64, rows*hw)
	for n := 0; n < b; n++ {
		im2col(x.Sample(n), c.In, h, w, c.K, cols)
		out := y.Sample(n)
		for o := 0; o < c.Out; o++ {
			bias := c.Bias.Value.Data[o]
			row := out[o*hw : (o+1)*hw]
			for i := range row {
				row[i] = bias
			}
		}
		blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
			general(c.Weight.Value.Data, c.Out, rows, rows),
			general(cols, rows, hw, hw),
			1, general(out, c.Out, hw, hw))
	}
	return y, nil
}

func (c *Conv2d) Backward(x, gy *tensor.Tensor, need int) *tensor.Tensor {
	b, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	hw := h * w
	rows := c.In * c.K * c.K
	cols := make([]float64, rows*hw)
	var gx *tensor.Tensor
	var gcols []float64
	needRows := need * c.K * c.K
	if need > 0 {
		gx = tensor.New(b, need, h, w)
		gcols = make([]float64, needRows*hw)
	}
	for n := 0; n < b; n++ {
		g := gy.Sample(n)
		im2col(x.Sample(n), c.In, h, w, c.K, cols)
		blas64.Gemm(blas.NoTrans, blas.Trans, 1,
			general(g, c.Out, hw, hw),
			general(cols, rows, hw, hw),
			1, general(c.Weight.Grad.Data, c.Out, rows, rows))
		for o := 0; o < c.Out; o++ {
			sum := 0.0
			for _, v := range g[o*hw : (o+1)*hw] {
				sum += v
			}
			c.Bias.Grad.Data[o] += sum
		}
		if need == 0 {
			continue
		}
		// im2col rows are channel-major, so the first need channels are
		// the first needRows columns of W.
		blas64.Gemm(blas.Trans, blas.NoTrans, 1,
			general(c.Weight.Value.Data, c.Out, needRows, rows),
			general(g, c.Out, hw, hw),
			0, general(gcols, needRows, hw, hw))
		col2im(gcols, need, h, w, c.K, gx.Sample(n))
	}
	return gx
}

func im2col(src []float64, ch, h, w, k int, cols []float64) {
	pad := k / 2
	hw := h * w
	for c := 0; c < ch; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := cols[((c*k+ky)*k+kx)*hw:]
				for y := 0; y < h; y++ {
					iy := y + ky - pad
					for x := 0; x < w; x++ {
						ix := x + kx - pad
						if iy < 0 || iy >= h || ix < 0 || ix >= w {
							row[y*w+x] = 0
							continue
						}
						row[y*w+x] = src[(c*h+iy)*w+ix]
					}
				}
			}
		}
	}
}

func col2im(cols []float64, ch, h, w, k int, dst []float64) {
	pad := k / 2
	hw := h * w
	for c := 0; c < ch; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := cols[((c*k+ky)*k+kx)*hw:]
				for y := 0; y < h; y++ {
					iy := y + ky - pad
					if iy < 0 || iy >= h {
						continue
					}
					for x := 0; x < w; x++ {
						ix := x + kx - pad
						if ix < 0 || ix >= w {
							continue
						}
						dst[(c*h+iy)*w+ix] += row[y*w+x]
					}
				}
			}
		}
	}
}
