package arsa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTrainer() *Trainer {
	return NewTrainer(nil, NewTopology(4, TCPHopClass, nil))
}

// trueRho are the coefficients the synthetic samples are generated under
var trueRho = Spherical2Cartesian([]float64{0.9, 0.7, 1.1, 0.6, 0.8})

var (
	flowsA = []Flow{
		{TCP: "vegas", From: [3]int{0, 0, 1}, To: [3]int{1, 0, 0}},
		{TCP: "reno", From: [3]int{0, 0, 0}, To: [3]int{1, 0, 0}},
		{TCP: "vegas", From: [3]int{0, 0, 1}, To: [3]int{0, 1, 0}},
		{TCP: "reno", From: [3]int{2, 1, 0}, To: [3]int{2, 0, 1}},
	}
	flowsB = []Flow{
		{TCP: "vegas", From: [3]int{3, 0, 1}, To: [3]int{3, 0, 0}},
		{TCP: "reno", From: [3]int{3, 0, 0}, To: [3]int{1, 1, 1}},
		{TCP: "vegas", From: [3]int{3, 0, 1}, To: [3]int{2, 0, 0}},
	}
	flowsQuery = []Flow{
		{TCP: "vegas", From: [3]int{0, 0, 1}, To: [3]int{1, 0, 0}},
		{TCP: "reno", From: [3]int{0, 0, 0}, To: [3]int{1, 0, 0}},
		{TCP: "reno", From: [3]int{1, 1, 0}, To: [3]int{1, 1, 1}},
	}
)

// syntheticSample measures flows at their equilibrium under trueRho
func syntheticSample(t *testing.T, tr *Trainer, name string, flows []Flow) Sample {
	t.Helper()
	rates, err := tr.PredictFlows(context.Background(), flows, trueRho)
	require.NoError(t, err)
	return Sample{Name: name, Flows: flows, Rates: rates}
}

func syntheticSets(t *testing.T, tr *Trainer) (train, test []Sample) {
	t.Helper()
	train = []Sample{
		syntheticSample(t, tr, "train0", flowsA),
		syntheticSample(t, tr, "train1", flowsB),
	}
	query := syntheticSample(t, tr, "test0", flowsQuery)
	query.Query = 2
	return train, []Sample{query}
}

func TestPredictFlows(t *testing.T) {
	tr := testTrainer()
	rates, err := tr.PredictFlows(context.Background(), flowsA, trueRho)
	require.NoError(t, err)
	require.Len(t, rates, len(flowsA))

	prob, err := tr.Topology.BuildProblem(flowsA)
	require.NoError(t, err)
	requireFeasible(t, prob, rates)

	_, err = tr.PredictFlows(context.Background(), []Flow{{TCP: "bbr", From: [3]int{0, 0, 0}, To: [3]int{1, 0, 0}}}, trueRho)
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestTrainSequential(t *testing.T) {
	tr := testTrainer()
	train, _ := syntheticSets(t, tr)

	results, err := tr.Train(context.Background(), train)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Len(t, res.Rho, 6)
		assert.Len(t, res.Theta, 5)
	}

	_, err = tr.Train(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestTrainNgGrowsHistory(t *testing.T) {
	tr := testTrainer()
	train, _ := syntheticSets(t, tr)
	ctx := context.Background()

	st := tr.InitState()
	assert.Len(t, st.Theta, 5)
	for i, smpl := range train {
		next, res, err := tr.TrainNg(ctx, st, smpl)
		require.NoError(t, err)
		assert.Len(t, next.History, i+1)
		assert.Len(t, res.Rates, i+1)
		st = next
	}

	bad := Sample{Name: "bad", Flows: flowsA, Rates: []float64{0.5}}
	kept, _, err := tr.TrainNg(ctx, st, bad)
	assert.ErrorIs(t, err, ErrDimension)
	assert.Len(t, kept.History, len(train))
}

func TestSession(t *testing.T) {
	tr := testTrainer()
	train, test := syntheticSets(t, tr)

	rpt, st, err := tr.Session(context.Background(), train, test)
	require.NoError(t, err)
	assert.Len(t, st.History, 2)

	// one rho vector of six coefficients per training step
	assert.Len(t, rpt.Rho, 12)
	// two query flows predicted after each of the two steps
	require.Len(t, rpt.Predictions, 4)
	assert.Equal(t, 0, rpt.Predictions[0].Cycle)
	assert.Equal(t, 1, rpt.Predictions[3].Cycle)
	assert.Len(t, rpt.Timing, 4)

	_, _, err = tr.Session(context.Background(), nil, test)
	assert.ErrorIs(t, err, ErrNoSamples)
}
