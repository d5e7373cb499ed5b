package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"maskflow/internal/errtypes"
	"maskflow/internal/tensor"
)

func randTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// checkGradients compares Backward against central differences of
// L = <f(x), r> for every parameter entry and the first need input columns.
func checkGradients(t *testing.T, name string, f func(*tensor.Tensor) *tensor.Tensor,
	backward func(x, r *tensor.Tensor) *tensor.Tensor, params []*Param, x *tensor.Tensor, need int) {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	y := f(x)
	r := randTensor(rng, y.Shape...)
	ZeroGrads(params)
	gx := backward(x, r)

	const eps = 1e-6
	loss := func() float64 { return dot(f(x).Data, r.Data) }
	for _, p := range params {
		for i := range p.Value.Data {
			orig := p.Value.Data[i]
			p.Value.Data[i] = orig + eps
			up := loss()
			p.Value.Data[i] = orig - eps
			down := loss()
			p.Value.Data[i] = orig
			num := (up - down) / (2 * eps)
			if math.Abs(num-p.Grad.Data[i]) > 1e-5*math.Max(1, math.Abs(num)) {
				t.Fatalf("%s: %s[%d] analytic %.8f numeric %.8f", name, p.Name, i, p.Grad.Data[i], num)
			}
		}
	}
	if need == 0 {
		return
	}
	inner := tensor.Volume(x.Shape[2:])
	for n := 0; n < x.Batch(); n++ {
		s := x.Sample(n)
		gs := gx.Sample(n)
		for i := 0; i < need*inner; i++ {
			orig := s[i]
			s[i] = orig + eps
			up := loss()
			s[i] = orig - eps
			down := loss()
			s[i] = orig
			num := (up - down) / (2 * eps)
			if math.Abs(num-gs[i]) > 1e-5*math.Max(1, math.Abs(num)) {
				t.Fatalf("%s: input[%d][%d] analytic %.8f numeric %.8f", name, n, i, gs[i], num)
			}
		}
	}
}

func TestLinearGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	l := NewLinear("fc", 5, 3)
	InitScaledNormal(l.Params(), 0.5, rng)
	x := randTensor(rng, 2, 5)
	f := func(x *tensor.Tensor) *tensor.Tensor {
		y, err := l.Forward(x)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		return y
	}
	checkGradients(t, "linear", f, func(x, r *tensor.Tensor) *tensor.Tensor {
		return l.Backward(x, r, 3)
	}, l.Params(), x, 3)
}

func TestConvGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for _, k := range []int{1, 3} {
		c := NewConv2d("conv", 3, 2, k)
		InitScaledNormal(c.Params(), 0.5, rng)
		x := randTensor(rng, 2, 3, 4, 5)
		f := func(x *tensor.Tensor) *tensor.Tensor {
			y, err := c.Forward(x)
			if err != nil {
				t.Fatalf("forward: %v", err)
			}
			return y
		}
		checkGradients(t, "conv", f, func(x, r *tensor.Tensor) *tensor.Tensor {
			return c.Backward(x, r, 2)
		}, c.Params(), x, 2)
	}
}

func TestSubnetGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	cases := []struct {
		kind  SubnetKind
		shape []int
	}{
		{SubnetFC, []int{3, 6}},
		{SubnetConv, []int{2, 3, 4, 4}},
		{SubnetConv1x1, []int{2, 3, 3, 3}},
	}
	for _, tc := range cases {
		s, err := NewSubnet("sub", tc.kind, tc.shape[1], 8, 4)
		if err != nil {
			t.Fatalf("new subnet: %v", err)
		}
		InitScaledNormal(s.Params(), 0.5, rng)
		for _, p := range s.Params() {
			for i := range p.Value.Data {
				p.Value.Data[i] += 0.3 * rng.NormFloat64()
			}
		}
		x := randTensor(rng, tc.shape...)
		var cache *SubnetCache
		f := func(x *tensor.Tensor) *tensor.Tensor {
			y, c, err := s.Forward(x)
			if err != nil {
				t.Fatalf("forward: %v", err)
			}
			cache = c
			return y
		}
		checkGradients(t, string(tc.kind), f, func(x, r *tensor.Tensor) *tensor.Tensor {
			f(x)
			return s.Backward(cache, r, 1)
		}, s.Params(), x, 1)
	}
}

func TestSubnetFinalLayerStartsAtZero(t *testing.T) {
	s, err := NewSubnet("coupling.subnet1", SubnetFC, 4, 8, 6)
	if err != nil {
		t.Fatalf("new subnet: %v", err)
	}
	InitScaledNormal(s.Params(), 0.03, rand.New(rand.NewSource(4)))
	for _, p := range s.Params() {
		if p.ZeroInit != p.Value.AllZero() {
			t.Fatalf("%s: ZeroInit=%v but AllZero=%v", p.Name, p.ZeroInit, p.Value.AllZero())
		}
	}
	y, _, err := s.Forward(randTensor(rand.New(rand.NewSource(5)), 2, 4))
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if !y.AllZero() {
		t.Fatalf("freshly initialised subnet must output zero")
	}
	if _, err := NewSubnet("x", SubnetKind("lstm"), 1, 1, 1); !errors.Is(err, errtypes.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}
}

func TestLinearZerosGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	l := NewLinearZeros("project_class", 4, 3)
	InitScaledNormal(l.Params(), 0.3, rng)
	x := randTensor(rng, 2, 4)
	var cache *LinearZerosCache
	f := func(x *tensor.Tensor) *tensor.Tensor {
		y, c, err := l.Forward(x)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		cache = c
		return y
	}
	checkGradients(t, "linear_zeros", f, func(x, r *tensor.Tensor) *tensor.Tensor {
		f(x)
		return l.Backward(cache, r, 4)
	}, l.Params(), x, 4)
}

func TestBCEWithLogits(t *testing.T) {
	logits, _ := tensor.FromData([]float64{0, 0}, 1, 2)
	targets, _ := tensor.FromData([]float64{1, 0}, 1, 2)
	loss, grad, err := BCEWithLogits(logits, targets)
	if err != nil {
		t.Fatalf("bce: %v", err)
	}
	if math.Abs(loss-math.Ln2) > 1e-12 {
		t.Fatalf("loss %v, want ln 2", loss)
	}
	if math.Abs(grad.Data[0]+0.25) > 1e-12 || math.Abs(grad.Data[1]-0.25) > 1e-12 {
		t.Fatalf("unexpected gradient %v", grad.Data)
	}
	big, _ := tensor.FromData([]float64{800, -800}, 1, 2)
	loss, _, err = BCEWithLogits(big, targets)
	if err != nil || math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("expected stable loss for large logits, got %v (%v)", loss, err)
	}
}

func TestClipGradNorm(t *testing.T) {
	p := NewParam("w", 2)
	p.Grad.Data[0], p.Grad.Data[1] = 30, 40
	norm, err := ClipGradNorm([]*Param{p}, 5)
	if err != nil {
		t.Fatalf("clip: %v", err)
	}
	if norm != 50 {
		t.Fatalf("norm %v, want 50", norm)
	}
	if got := GradNorm([]*Param{p}); math.Abs(got-5) > 1e-5 {
		t.Fatalf("clipped norm %v, want 5", got)
	}
	p.Grad.Data[0] = math.NaN()
	if _, err := ClipGradNorm([]*Param{p}, 5); !errors.Is(err, errtypes.ErrNumericalInstability) {
		t.Fatalf("expected numerical instability, got %v", err)
	}
}
