package arsa

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fourFlowRates = []float64{0.5488, 0.4520, 0.5480, 0.4296}

func fourFlowObservation(t *testing.T) Observation {
	t.Helper()
	obs, err := NewObservation("four", fourFlowProblem(t), fourFlowRates)
	require.NoError(t, err)
	return obs
}

// syntheticObservation solves prob under rho and observes the exact equilibrium
func syntheticObservation(t *testing.T, name string, prob *Problem, rho []float64) Observation {
	t.Helper()
	eq, err := SolveEquilibrium(context.Background(), prob, rho, preciseSolver())
	require.NoError(t, err)
	obs, err := NewObservation(name, prob, eq.X)
	require.NoError(t, err)
	return obs
}

func TestEstimateMeasuredRates(t *testing.T) {
	e := NewEstimator()
	res, err := e.Estimate(context.Background(), fourFlowObservation(t), nil)
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.LessOrEqual(t, res.Error, 0.01)
	assert.LessOrEqual(t, res.Iterations, 100)
	require.Len(t, res.Rho, 4)
	require.Len(t, res.Theta, 3)
	require.Len(t, res.Rates, 1)
	require.NotEmpty(t, res.History)
	assert.Equal(t, res.Error, res.History[len(res.History)-1])

	norm := 0.0
	for _, r := range res.Rho {
		assert.GreaterOrEqual(t, r, 0.0)
		norm += r * r
	}
	assert.InDelta(t, 1.0, norm, 1e-9)
}

func TestEstimateRecoversRates(t *testing.T) {
	prob := fourFlowProblem(t)
	rhoTrue := Spherical2Cartesian([]float64{1.1, 0.5, 0.9})
	obs := syntheticObservation(t, "synthetic", prob, rhoTrue)

	e := NewEstimator()
	e.Tol = 1e-6
	res, err := e.Estimate(context.Background(), obs, nil)
	require.NoError(t, err)
	assert.True(t, res.Converged)

	eq, err := e.Predict(context.Background(), prob, res.Rho)
	require.NoError(t, err)
	for j, x := range eq.X {
		assert.InDelta(t, obs.Rates[j], x, 0.01*obs.Rates[j], "flow %d", j)
	}
}

func TestErrorFuncNgAdditive(t *testing.T) {
	e := NewEstimator()
	obs := fourFlowObservation(t)
	ctx := context.Background()

	for _, theta := range [][]float64{
		DefaultTheta(4),
		{0.3, 1.2, 0.7},
		{ThetaLow, ThetaHigh, 0.5},
	} {
		single, err := e.ErrorFunc(ctx, theta, obs)
		require.NoError(t, err)
		batched, err := e.ErrorFuncNg(ctx, theta, []Observation{obs, obs})
		require.NoError(t, err)
		assert.Equal(t, 2*single, batched, "theta %v", theta)

		grad, err := e.GradFunc(ctx, theta, obs)
		require.NoError(t, err)
		gradNg, err := e.GradFuncNg(ctx, theta, []Observation{obs, obs})
		require.NoError(t, err)
		for i := range grad {
			assert.Equal(t, 2*grad[i], gradNg[i])
		}
	}
}

func TestErrorFuncNgWorkersMatchSequential(t *testing.T) {
	ctx := context.Background()
	batch := []Observation{
		fourFlowObservation(t),
		syntheticObservation(t, "a", fourFlowProblem(t), []float64{1, 2, 3, 4}),
		syntheticObservation(t, "b", fourFlowProblem(t), []float64{4, 1, 1, 2}),
	}
	theta := []float64{0.4, 0.8, 1.0}

	seq := NewEstimator()
	par := NewEstimator()
	par.Workers = 3

	want, err := seq.ErrorFuncNg(ctx, theta, batch)
	require.NoError(t, err)
	got, err := par.ErrorFuncNg(ctx, theta, batch)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	wantGrad, err := seq.GradFuncNg(ctx, theta, batch)
	require.NoError(t, err)
	gotGrad, err := par.GradFuncNg(ctx, theta, batch)
	require.NoError(t, err)
	assert.Equal(t, wantGrad, gotGrad)
}

func TestGradFuncFiniteDifference(t *testing.T) {
	const h = 1e-4
	e := NewEstimator()
	e.Solver = preciseSolver()
	obs := fourFlowObservation(t)
	ctx := context.Background()

	theta := []float64{0.6, 0.9, 0.8}
	grad, err := e.GradFunc(ctx, theta, obs)
	require.NoError(t, err)

	for i := range theta {
		plus := append([]float64(nil), theta...)
		minus := append([]float64(nil), theta...)
		plus[i] += h
		minus[i] -= h
		fp, err := e.ErrorFunc(ctx, plus, obs)
		require.NoError(t, err)
		fm, err := e.ErrorFunc(ctx, minus, obs)
		require.NoError(t, err)
		fd := (fp - fm) / (2 * h)
		assert.InDelta(t, fd, grad[i], 1e-4+1e-2*math.Abs(fd), "component %d", i)
	}
}

func TestEstimateNgSharedCoefficients(t *testing.T) {
	rhoTrue := Spherical2Cartesian([]float64{1.1, 0.5, 0.9})
	batch := []Observation{
		syntheticObservation(t, "four", fourFlowProblem(t), rhoTrue),
	}
	// the same coefficients on a second topology
	prob, err := NewProblemFromRows([][]float64{{1, 1, 1, 1}}, []float64{1}, []float64{1, 1, 1, 1}, nil)
	require.NoError(t, err)
	batch = append(batch, syntheticObservation(t, "one link", prob, rhoTrue))

	e := NewEstimator()
	res, err := e.EstimateNg(context.Background(), batch, nil)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.LessOrEqual(t, res.Error, e.Tol)
	require.Len(t, res.Rates, 2)
}

func TestEstimateFixedStep(t *testing.T) {
	e := NewEstimator()
	e.Strategy = FixedStep
	e.MaxIter = 20
	e.Step = 0.05

	res, err := e.Estimate(context.Background(), fourFlowObservation(t), nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.History)
	assert.LessOrEqual(t, res.Iterations, e.MaxIter)
	assert.LessOrEqual(t, res.Error, res.History[0])
	for _, h := range res.History {
		assert.GreaterOrEqual(t, h, res.Error)
	}
}

func TestEstimateSingleCoefficientEvaluatesOnly(t *testing.T) {
	prob, err := NewProblemFromRows([][]float64{{1, 1}}, []float64{1}, []float64{1, 1}, []int{0, 0})
	require.NoError(t, err)
	obs, err := NewObservation("single", prob, []float64{0.5, 0.5})
	require.NoError(t, err)

	res, err := NewEstimator().Estimate(context.Background(), obs, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, []float64{1.0}, res.Rho)
	assert.True(t, res.Converged)
	assert.InDelta(t, 0.0, res.Error, 1e-12)
}

func TestEstimateErrors(t *testing.T) {
	e := NewEstimator()
	ctx := context.Background()

	_, err := e.EstimateNg(ctx, nil, nil)
	assert.ErrorIs(t, err, ErrNoSamples)

	_, err = e.Estimate(ctx, fourFlowObservation(t), []float64{0.5})
	assert.ErrorIs(t, err, ErrDimension)

	_, err = NewObservation("short", fourFlowProblem(t), []float64{0.5})
	assert.ErrorIs(t, err, ErrDimension)

	_, err = NewObservation("nil", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTopology)
}

func TestEstimateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEstimator().Estimate(ctx, fourFlowObservation(t), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEstimateTrace(t *testing.T) {
	e := NewEstimator()
	e.Trace = CreateTraceManager("estimate", true)
	e.TraceID = 7

	res, err := e.Estimate(context.Background(), fourFlowObservation(t), nil)
	require.NoError(t, err)
	assert.Equal(t, len(res.History), e.Trace.Len(7))
}

func TestStrategyAndResidualFromStr(t *testing.T) {
	s, ok := StrategyFromStr("fixed")
	assert.True(t, ok)
	assert.Equal(t, FixedStep, s)
	s, ok = StrategyFromStr("")
	assert.True(t, ok)
	assert.Equal(t, LeastSquares, s)
	_, ok = StrategyFromStr("newton")
	assert.False(t, ok)

	r, ok := ResidualFromStr("absolute")
	assert.True(t, ok)
	assert.Equal(t, AbsoluteResidual, r)
	_, ok = ResidualFromStr("squared")
	assert.False(t, ok)
}
