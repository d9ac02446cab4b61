package arsa

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUtility(t *testing.T) {
	alpha := []float64{1, 2}
	rho := []float64{2, 3}
	x := []float64{math.E, 0.5}

	// 2 log e + 3 (0.5^-1 / -1)
	assert.InDelta(t, 2.0-6.0, Utility(alpha, rho, x, nil), 1e-12)

	grad := UtilityGrad(alpha, rho, x, nil)
	assert.InDelta(t, 2/math.E, grad[0], 1e-12)
	assert.InDelta(t, 12.0, grad[1], 1e-12)

	hess := UtilityHessDiag(alpha, rho, x, nil)
	assert.InDelta(t, -2/(math.E*math.E), hess[0], 1e-12)
	assert.InDelta(t, -48.0, hess[1], 1e-12)
}

func TestUtilitySharedCoefficients(t *testing.T) {
	alpha := []float64{1, 1, 1}
	rho := []float64{1, 5}
	x := []float64{1, 2, 4}
	got := UtilityGrad(alpha, rho, x, []int{1, 1, 0})
	assert.InDeltaSlice(t, []float64{5, 2.5, 0.25}, got, 1e-12)
}

func TestSmoothTermMatchesAtFloor(t *testing.T) {
	const floor = 1e-4
	for _, alpha := range []float64{0.5, 1, 2} {
		f, df, d2f := smoothTerm(floor, alpha, floor)
		fl, dfl, d2fl := smoothTerm(floor-1e-12, alpha, floor)
		assert.InDelta(t, f, fl, 1e-6*math.Abs(f)+1e-9)
		assert.InDelta(t, df, dfl, 1e-6*math.Abs(df))
		assert.InDelta(t, d2f, d2fl, 1e-9*math.Abs(d2f))

		// below the floor the term stays finite and concave
		f, df, d2f = smoothTerm(-1, alpha, floor)
		assert.False(t, math.IsInf(f, 0) || math.IsNaN(f))
		assert.Greater(t, df, 0.0)
		assert.Less(t, d2f, 0.0)
	}
}
