package arsa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// threeFlowRouting has one flow crossing both links and two single link flows
func threeFlowRouting() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		1, 1, 0,
		1, 0, 1,
	})
}

func TestADMMResidualDecreases(t *testing.T) {
	for _, mode := range []ADMMMode{ModeBatched, ModeCoordinate} {
		t.Run(mode.String(), func(t *testing.T) {
			adm, err := NewADMM(threeFlowRouting(), []float64{1, 1, 1}, LogUtility, mode)
			require.NoError(t, err)

			res := make([]float64, 10)
			for i := range res {
				res[i], err = adm.Iterate(context.Background())
				require.NoError(t, err)
			}
			decreasing := 0
			for i := 1; i < len(res); i++ {
				if res[i] <= res[i-1] {
					decreasing++
				}
			}
			assert.GreaterOrEqual(t, decreasing, 5, "residuals %v", res)
			assert.Less(t, res[9], 1e-2)
		})
	}
}

func TestADMMSolveProportionalFair(t *testing.T) {
	for _, mode := range []ADMMMode{ModeBatched, ModeCoordinate} {
		t.Run(mode.String(), func(t *testing.T) {
			adm, err := NewADMM(threeFlowRouting(), []float64{1, 1, 1}, nil, mode)
			require.NoError(t, err)

			res, err := adm.Solve(context.Background(), 200)
			require.NoError(t, err)
			assert.True(t, res.Converged)
			assert.Len(t, res.Residuals, res.Iterations)
			assert.InDeltaSlice(t, []float64{1.0 / 3, 2.0 / 3, 2.0 / 3}, res.X, 0.02)
			for _, z := range res.Z {
				assert.GreaterOrEqual(t, z, adm.Eps)
			}
		})
	}
}

func TestADMMCancelled(t *testing.T) {
	adm, err := NewADMM(threeFlowRouting(), []float64{1, 1, 1}, nil, ModeCoordinate)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := adm.Solve(ctx, 50)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, 0, res.Iterations)
}

func TestNewADMMRejectsBadTopology(t *testing.T) {
	_, err := NewADMM(nil, nil, nil, ModeBatched)
	assert.ErrorIs(t, err, ErrInvalidTopology)

	zeroCol := mat.NewDense(2, 2, []float64{1, 0, 1, 0})
	_, err = NewADMM(zeroCol, []float64{1, 1}, nil, ModeBatched)
	assert.ErrorIs(t, err, ErrInvalidTopology)

	_, err = NewADMM(threeFlowRouting(), []float64{1, 1}, nil, ModeBatched)
	assert.ErrorIs(t, err, ErrDimension)

	adm, err := NewADMM(threeFlowRouting(), []float64{1, 1, 1}, nil, ModeBatched)
	require.NoError(t, err)
	adm.Rho = 0
	_, err = adm.Iterate(context.Background())
	assert.ErrorIs(t, err, ErrDimension)
}

func TestWeightedUtility(t *testing.T) {
	util := WeightedUtility([]float64{1, 2}, []float64{3, 0.5})
	f, df, d2f := util(0, 1)
	assert.InDelta(t, 0.0, f, 1e-12)
	assert.InDelta(t, 3.0, df, 1e-12)
	assert.InDelta(t, -3.0, d2f, 1e-12)

	// 0.5 * x^-1 / -1 at x = 2
	f, df, _ = util(1, 2)
	assert.InDelta(t, -0.25, f, 1e-12)
	assert.InDelta(t, 0.125, df, 1e-12)
}

func TestADMMModeFromStr(t *testing.T) {
	tests := []struct {
		name string
		want ADMMMode
		ok   bool
	}{
		{"", ModeBatched, true},
		{"batched", ModeBatched, true},
		{"coordinate", ModeCoordinate, true},
		{"gauss-seidel", ModeCoordinate, true},
		{"jacobi", ModeBatched, false},
	}
	for _, tc := range tests {
		got, ok := ADMMModeFromStr(tc.name)
		assert.Equal(t, tc.ok, ok, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}
