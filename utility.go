package arsa

import "math"

// Utility evaluates the weighted alpha-fair utility Σ_j U_j(x_j) where flow j
// is weighted by rho[rhoIdx[j]].  Flows with alpha 1 contribute rho·log x,
// the rest rho·x^(1-alpha)/(1-alpha).  A nil rhoIdx maps flow j to rho[j].
func Utility(alpha, rho, x []float64, rhoIdx []int) float64 {
	total := 0.0
	for j := range alpha {
		w := rho[coefIdx(rhoIdx, j)]
		total += w * utilityTerm(x[j], alpha[j])
	}
	return total
}

// UtilityGrad returns ∂Utility/∂x, that is rho[rhoIdx[j]]·x[j]^(-alpha[j])
func UtilityGrad(alpha, rho, x []float64, rhoIdx []int) []float64 {
	grad := make([]float64, len(alpha))
	for j := range alpha {
		grad[j] = rho[coefIdx(rhoIdx, j)] * math.Pow(x[j], -alpha[j])
	}
	return grad
}

// UtilityHessDiag returns the diagonal of the (diagonal) Hessian of Utility,
// -rho·alpha·x^(-alpha-1)
func UtilityHessDiag(alpha, rho, x []float64, rhoIdx []int) []float64 {
	h := make([]float64, len(alpha))
	for j := range alpha {
		h[j] = -rho[coefIdx(rhoIdx, j)] * alpha[j] * math.Pow(x[j], -alpha[j]-1)
	}
	return h
}

// flowWeights expands rho through rhoIdx into one weight per flow
func flowWeights(rho []float64, rhoIdx []int, flows int) []float64 {
	w := make([]float64, flows)
	for j := range w {
		w[j] = rho[coefIdx(rhoIdx, j)]
	}
	return w
}

func coefIdx(rhoIdx []int, j int) int {
	if rhoIdx == nil {
		return j
	}
	return rhoIdx[j]
}

func utilityTerm(x, alpha float64) float64 {
	if alpha == 1 {
		return math.Log(x)
	}
	return math.Pow(x, 1-alpha) / (1 - alpha)
}

// smoothTerm evaluates one unweighted utility term and its first two derivatives.
// Below floor the term is replaced by its second order Taylor polynomial at floor,
// which keeps it concave and finite everywhere; gradient based optimizers
// that do not respect the x > 0 domain use this form.
func smoothTerm(x, alpha, floor float64) (f, df, d2f float64) {
	if x >= floor {
		return utilityTerm(x, alpha), math.Pow(x, -alpha), -alpha * math.Pow(x, -alpha-1)
	}
	f0 := utilityTerm(floor, alpha)
	d1 := math.Pow(floor, -alpha)
	d2 := -alpha * math.Pow(floor, -alpha-1)
	dx := x - floor
	return f0 + d1*dx + 0.5*d2*dx*dx, d1 + d2*dx, d2
}
