package arsa

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func preciseSolver() SolverOptions {
	opts := DefaultSolverOptions()
	opts.GapTol = 1e-12
	return opts
}

func TestRateSensitivityFiniteDifference(t *testing.T) {
	const h = 1e-3
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		prob *Problem
		rho  []float64
	}{
		{"four flows", fourFlowProblem(t), []float64{1, 2, 3, 4}},
		{"mixed alpha", mixedProblem(t), []float64{1, 2}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			eq, err := SolveEquilibrium(ctx, tc.prob, tc.rho, preciseSolver())
			require.NoError(t, err)
			sens, err := RateSensitivity(tc.prob, tc.rho, eq.X, DefaultSensitivityOptions())
			require.NoError(t, err)
			assert.False(t, sens.Singular)

			links, flows := tc.prob.Dims()
			rows, cols := sens.DX.Dims()
			require.Equal(t, flows, rows)
			require.Equal(t, len(tc.rho), cols)
			rows, _ = sens.DLambda.Dims()
			require.Equal(t, links, rows)

			for i := range tc.rho {
				plus := append([]float64(nil), tc.rho...)
				minus := append([]float64(nil), tc.rho...)
				plus[i] += h
				minus[i] -= h
				xp, err := SolveEquilibrium(ctx, tc.prob, plus, preciseSolver())
				require.NoError(t, err)
				xm, err := SolveEquilibrium(ctx, tc.prob, minus, preciseSolver())
				require.NoError(t, err)
				for j := 0; j < flows; j++ {
					fd := (xp.X[j] - xm.X[j]) / (2 * h)
					assert.InDelta(t, fd, sens.DX.At(j, i), 1e-3+1e-2*math.Abs(fd), "∂x%d/∂rho%d", j, i)
				}
			}
		})
	}
}

func TestRateSensitivitySlackLink(t *testing.T) {
	// at rho = (1, 2, 3, 4) links 1 and 2 are full and link 0 carries 0.6, so
	// x0 = rho0/(rho0+rho3), x3 = rho3/(rho0+rho3), x1 = rho1/(rho1+rho2), x2 = rho2/(rho1+rho2)
	prob := fourFlowProblem(t)
	rho := []float64{1, 2, 3, 4}
	eq, err := SolveEquilibrium(context.Background(), prob, rho, DefaultSolverOptions())
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{0.2, 0.4, 0.6, 0.8}, eq.X, 1e-9)
	assert.InDelta(t, 0.4, eq.Slack[0], 1e-9)

	sens, err := RateSensitivity(prob, rho, eq.X, DefaultSensitivityOptions())
	require.NoError(t, err)
	assert.False(t, sens.Singular)

	want := [][]float64{
		{0.16, 0, 0, -0.04},
		{0, 0.12, -0.08, 0},
		{0, -0.12, 0.08, 0},
		{-0.16, 0, 0, 0.04},
	}
	for j, row := range want {
		for i, v := range row {
			assert.InDelta(t, v, sens.DX.At(j, i), 1e-6, "∂x%d/∂rho%d", j, i)
		}
	}
	for i := range rho {
		assert.Equal(t, 0.0, sens.DLambda.At(0, i), "price of the slack link")
	}
	// λ1 = rho0/x0 = rho0 + rho3
	assert.InDelta(t, 1.0, sens.DLambda.At(1, 0), 1e-6)
	assert.InDelta(t, 1.0, sens.DLambda.At(1, 3), 1e-6)
}

func TestRateSensitivitySingular(t *testing.T) {
	// two identical links make the KKT matrix singular
	prob, err := NewProblemFromRows([][]float64{{1, 1}, {1, 1}}, []float64{1, 1}, []float64{1, 1}, nil)
	require.NoError(t, err)

	sens, err := RateSensitivity(prob, []float64{1, 1}, []float64{0.5, 0.5}, DefaultSensitivityOptions())
	require.NoError(t, err)
	assert.True(t, sens.Singular)
	rows, cols := sens.DX.Dims()
	for j := 0; j < rows; j++ {
		for i := 0; i < cols; i++ {
			v := sens.DX.At(j, i)
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		}
	}
	// moving weight from one flow to the other keeps the link full
	assert.InDelta(t, 0.0, sens.DX.At(0, 0)+sens.DX.At(1, 0), 1e-9)
}

func TestRateSensitivityLegacyRHS(t *testing.T) {
	prob := fourFlowProblem(t)
	rho := []float64{1, 2, 3, 4}
	eq, err := SolveEquilibrium(context.Background(), prob, rho, preciseSolver())
	require.NoError(t, err)

	exact, err := RateSensitivity(prob, rho, eq.X, DefaultSensitivityOptions())
	require.NoError(t, err)
	legacy, err := RateSensitivity(prob, rho, eq.X, SensitivityOptions{LegacyCapacityRHS: true})
	require.NoError(t, err)

	// with the exact right-hand side the load on a saturated link cannot change;
	// link 0 has slack at this rho
	_, flows := prob.Dims()
	for _, k := range []int{1, 2} {
		for i := range rho {
			load := 0.0
			for j := 0; j < flows; j++ {
				load += prob.A.At(k, j) * exact.DX.At(j, i)
			}
			assert.InDelta(t, 0.0, load, 1e-9, "link %d rho %d", k, i)
		}
	}
	assert.NotEqual(t, exact.DX.RawMatrix().Data, legacy.DX.RawMatrix().Data)
}

func TestRateSensitivityBadInput(t *testing.T) {
	prob := fourFlowProblem(t)
	_, err := RateSensitivity(nil, []float64{1}, []float64{1}, DefaultSensitivityOptions())
	assert.ErrorIs(t, err, ErrInvalidTopology)

	_, err = RateSensitivity(prob, []float64{1, 1, 1, 1}, []float64{0.5}, DefaultSensitivityOptions())
	assert.ErrorIs(t, err, ErrDimension)

	_, err = RateSensitivity(prob, []float64{1, 1}, []float64{0.5, 0.5, 0.5, 0.5}, DefaultSensitivityOptions())
	assert.ErrorIs(t, err, ErrDimension)
}

func TestThetaSensitivityDims(t *testing.T) {
	prob := fourFlowProblem(t)
	theta := DefaultTheta(4)
	rho := Spherical2Cartesian(theta)
	eq, err := SolveEquilibrium(context.Background(), prob, rho, DefaultSolverOptions())
	require.NoError(t, err)
	sens, err := RateSensitivity(prob, rho, eq.X, DefaultSensitivityOptions())
	require.NoError(t, err)

	dxdv := ThetaSensitivity(sens, Spherical{}, theta)
	rows, cols := dxdv.Dims()
	assert.Equal(t, 4, rows)
	assert.Equal(t, 3, cols)
}
