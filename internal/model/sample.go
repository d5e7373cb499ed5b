package model

import (
	"math"
	"math/rand"

	"maskflow/internal/tensor"
)

// SampleGaussian draws a standard normal tensor. A positive truncateStd
// redraws every value whose magnitude exceeds it.
func SampleGaussian(rng *rand.Rand, truncateStd float64, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		v := rng.NormFloat64()
		for truncateStd > 0 && math.Abs(v) > truncateStd {
			v = rng.NormFloat64()
		}
		t.Data[i] = v
	}
	return t
}

// SampleLaplace draws a standard Laplace tensor (location 0, scale 1).
func SampleLaplace(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		u := rng.Float64() - 0.5
		for u == -0.5 {
			u = rng.Float64() - 0.5
		}
		// inverse CDF: -sign(u) * ln(1 - 2|u|), and the log is never positive
		t.Data[i] = math.Copysign(math.Log1p(-2*math.Abs(u)), u)
	}
	return t
}
