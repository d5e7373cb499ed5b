// Package nn provides the small learnable layers used inside coupling
// subnetworks and the class-conditioning heads. Layers are stateless between
// calls: Forward returns whatever Backward needs, and Backward accumulates
// into each Param's Grad.
package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"maskflow/internal/errtypes"
	"maskflow/internal/tensor"
)

// Param is a named learnable tensor with its gradient accumulator.
type Param struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
	// ZeroInit marks the final layer of a subnet, which starts at zero so
	// that a freshly built coupling block is the identity.
	ZeroInit bool
}

// NewParam allocates a zero parameter.
func NewParam(name string, shape ...int) *Param {
	return &Param{Name: name, Value: tensor.New(shape...), Grad: tensor.New(shape...)}
}

// ZeroGrad clears the gradient accumulator.
func (p *Param) ZeroGrad() {
	for i := range p.Grad.Data {
		p.Grad.Data[i] = 0
	}
}

// ZeroGrads clears every gradient in params.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// Count returns the number of scalar weights in params.
func Count(params []*Param) int {
	n := 0
	for _, p := range params {
		n += p.Value.Len()
	}
	return n
}

// InitScaledNormal draws every parameter from N(0, scale^2) and zeroes the
// ones flagged ZeroInit.
func InitScaledNormal(params []*Param, scale float64, rng *rand.Rand) {
	for _, p := range params {
		if p.ZeroInit {
			for i := range p.Value.Data {
				p.Value.Data[i] = 0
			}
			continue
		}
		for i := range p.Value.Data {
			p.Value.Data[i] = scale * rng.NormFloat64()
		}
	}
}

// GradNorm returns the global L2 norm of the gradients in params.
func GradNorm(params []*Param) float64 {
	sum := 0.0
	for _, p := range params {
		n := floats.Norm(p.Grad.Data, 2)
		sum += n * n
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales gradients so that their global norm is at most
// maxNorm and returns the norm measured before clipping.
func ClipGradNorm(params []*Param, maxNorm float64) (float64, error) {
	total := GradNorm(params)
	if math.IsNaN(total) || math.IsInf(total, 0) {
		e := &errtypes.NumericalInstabilityError{Stage: "gradient norm"}
		if math.IsNaN(total) {
			e.NaN = 1
		} else {
			e.Inf = 1
		}
		return total, e
	}
	coef := maxNorm / (total + 1e-6)
	if coef < 1 {
		for _, p := range params {
			floats.Scale(coef, p.Grad.Data)
		}
	}
	return total, nil
}
