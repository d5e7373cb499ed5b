package tensor

import (
	"fmt"

	"maskflow/internal/errtypes"
)

// Squeeze2d trades spatial resolution for channels: (B,C,H,W) becomes
// (B,C*f*f,H/f,W/f) with output channel c*f*f + fy*f + fx holding the
// pixels at offset (fy, fx) of every f×f cell.
func Squeeze2d(x *Tensor, f int) (*Tensor, error) {
	if f == 1 {
		return x.Clone(), nil
	}
	if len(x.Shape) != 4 {
		return nil, errtypes.Shape("squeeze2d", "expected (B,C,H,W)", nil, x.Shape)
	}
	b, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if f <= 0 || h%f != 0 || w%f != 0 {
		return nil, errtypes.Shape("squeeze2d", fmt.Sprintf("spatial dims not divisible by %d", f), nil, x.Shape)
	}
	oh, ow := h/f, w/f
	out := New(b, c*f*f, oh, ow)
	for n := 0; n < b; n++ {
		src := x.Sample(n)
		dst := out.Sample(n)
		for ch := 0; ch < c; ch++ {
			for fy := 0; fy < f; fy++ {
				for fx := 0; fx < f; fx++ {
					oc := ch*f*f + fy*f + fx
					for i := 0; i < oh; i++ {
						for j := 0; j < ow; j++ {
							dst[(oc*oh+i)*ow+j] = src[(ch*h+i*f+fy)*w+j*f+fx]
						}
					}
				}
			}
		}
	}
	return out, nil
}

// Unsqueeze2d inverts Squeeze2d.
func Unsqueeze2d(x *Tensor, f int) (*Tensor, error) {
	if f == 1 {
		return x.Clone(), nil
	}
	if len(x.Shape) != 4 {
		return nil, errtypes.Shape("unsqueeze2d", "expected (B,C,H,W)", nil, x.Shape)
	}
	b, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if f <= 0 || c%(f*f) != 0 {
		return nil, errtypes.Shape("unsqueeze2d", fmt.Sprintf("channels not divisible by %d", f*f), nil, x.Shape)
	}
	oc, oh, ow := c/(f*f), h*f, w*f
	out := New(b, oc, oh, ow)
	for n := 0; n < b; n++ {
		src := x.Sample(n)
		dst := out.Sample(n)
		for ch := 0; ch < oc; ch++ {
			for fy := 0; fy < f; fy++ {
				for fx := 0; fx < f; fx++ {
					ic := ch*f*f + fy*f + fx
					for i := 0; i < h; i++ {
						for j := 0; j < w; j++ {
							dst[(ch*oh+i*f+fy)*ow+j*f+fx] = src[(ic*h+i)*w+j]
						}
					}
				}
			}
		}
	}
	return out, nil
}

// Split cuts x along dimension 1 into consecutive sections.
func Split(x *Tensor, sections []int) ([]*Tensor, error) {
	if len(x.Shape) < 2 {
		return nil, errtypes.Shape("split", "expected at least 2 dims", nil, x.Shape)
	}
	total := 0
	for _, s := range sections {
		total += s
	}
	if total != x.Shape[1] {
		return nil, errtypes.Shape("split", "sections do not partition dim 1", []int{total}, []int{x.Shape[1]})
	}
	inner := Volume(x.Shape[2:])
	outs := make([]*Tensor, len(sections))
	for i, s := range sections {
		shape := append([]int{x.Shape[0], s}, x.Shape[2:]...)
		outs[i] = New(shape...)
	}
	for n := 0; n < x.Batch(); n++ {
		src := x.Sample(n)
		off := 0
		for i, s := range sections {
			k := s * inner
			copy(outs[i].Sample(n), src[off:off+k])
			off += k
		}
	}
	return outs, nil
}

// Concat joins tensors along dimension 1. All other dimensions must agree.
func Concat(xs []*Tensor) (*Tensor, error) {
	if len(xs) == 0 {
		return nil, errtypes.Shape("concat", "no inputs", nil, nil)
	}
	if len(xs) == 1 {
		return xs[0].Clone(), nil
	}
	first := xs[0]
	total := 0
	for _, x := range xs {
		if len(x.Shape) != len(first.Shape) || len(x.Shape) < 2 || x.Shape[0] != first.Shape[0] ||
			!EqualDims(x.Shape[2:], first.Shape[2:]) {
			return nil, errtypes.Shape("concat", "non-concatenated dims differ", first.Shape, x.Shape)
		}
		total += x.Shape[1]
	}
	shape := append([]int{first.Shape[0], total}, first.Shape[2:]...)
	out := New(shape...)
	for n := 0; n < first.Batch(); n++ {
		dst := out.Sample(n)
		off := 0
		for _, x := range xs {
			off += copy(dst[off:], x.Sample(n))
		}
	}
	return out, nil
}

// MeanSpatial averages (B,C,H,W) over H and W into (B,C).
func MeanSpatial(x *Tensor) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, errtypes.Shape("mean_spatial", "expected (B,C,H,W)", nil, x.Shape)
	}
	b, c, hw := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	out := New(b, c)
	for n := 0; n < b; n++ {
		src := x.Sample(n)
		for ch := 0; ch < c; ch++ {
			sum := 0.0
			for _, v := range src[ch*hw : (ch+1)*hw] {
				sum += v
			}
			out.Data[n*c+ch] = sum / float64(hw)
		}
	}
	return out, nil
}
