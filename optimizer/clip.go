package optimizer

import (
	"math"

	"github.com/tsawler/go-latex-ocr/tensor"
	"gonum.org/v1/gonum/floats"
)

// ClipGradNorm rescales the gradients of params in place so that their
// combined L2 norm does not exceed maxNorm. It returns the norm measured
// before clipping.
func ClipGradNorm(params []*tensor.Parameter, maxNorm float64) float64 {
	var sumSq float64
	for _, p := range params {
		n := floats.Norm(p.Grad.Data, 2)
		sumSq += n * n
	}
	total := math.Sqrt(sumSq)

	if maxNorm <= 0 {
		return total
	}
	coef := maxNorm / (total + 1e-6)
	if coef < 1 {
		for _, p := range params {
			floats.Scale(coef, p.Grad.Data)
		}
	}
	return total
}
