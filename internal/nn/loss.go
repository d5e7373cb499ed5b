package nn

import (
	"math"

	"maskflow/internal/errtypes"
	"maskflow/internal/tensor"
)

// BCEWithLogits returns the mean binary cross-entropy of sigmoid(logits)
// against targets and its gradient with respect to the logits.
func BCEWithLogits(logits, targets *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if !tensor.SameShape(logits, targets) {
		return 0, nil, errtypes.Shape("bce", "logits and targets", targets.Shape, logits.Shape)
	}
	n := float64(logits.Len())
	grad := tensor.New(logits.Shape...)
	loss := 0.0
	for i, x := range logits.Data {
		y := targets.Data[i]
		loss += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
		grad.Data[i] = (sigmoid(x) - y) / n
	}
	return loss / n, grad, nil
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
