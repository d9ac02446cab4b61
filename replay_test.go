package arsa

import (
	"context"
	"testing"

	"github.com/iti/rngstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constantReplay() ReplayConfig {
	cfg := DefaultReplayConfig()
	cfg.Arrival = "constant"
	return cfg
}

func TestReplayRun(t *testing.T) {
	tr := testTrainer()
	train, test := syntheticSets(t, tr)
	trace := CreateTraceManager("replay", true)

	rp, err := NewReplay(tr, train, test, constantReplay(), rngstream.New("replay-run"), trace)
	require.NoError(t, err)
	rpt, st, err := rp.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, st.History, 2)
	assert.Len(t, rpt.Rho, 12)
	assert.NotNil(t, rp.Store().Rho())

	// samples arrive at 1s and 2s and train in 0.1s and 0.2s; queries arrive every
	// half second and are answered from 1.5s on, the last one at 2.5s
	require.Len(t, rpt.Predictions, 6)
	cycles := []int{}
	for _, rec := range rpt.Predictions {
		cycles = append(cycles, rec.Cycle)
	}
	assert.Equal(t, []int{0, 0, 0, 0, 1, 1}, cycles)

	// two training tasks, each traced on arrival and on completion
	assert.Equal(t, 2, trace.Len(1))
	assert.Equal(t, 2, trace.Len(2))
}

func TestReplayWithoutQueries(t *testing.T) {
	tr := testTrainer()
	train, _ := syntheticSets(t, tr)

	rp, err := NewReplay(tr, train, nil, DefaultReplayConfig(), nil, nil)
	require.NoError(t, err)
	rpt, st, err := rp.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, st.History, 2)
	assert.Empty(t, rpt.Predictions)
}

func TestReplayHorizonTooShort(t *testing.T) {
	tr := testTrainer()
	train, test := syntheticSets(t, tr)
	cfg := constantReplay()
	cfg.Horizon = 0.5

	rp, err := NewReplay(tr, train, test, cfg, nil, nil)
	require.NoError(t, err)
	_, st, err := rp.Run(context.Background())
	assert.Error(t, err)
	assert.Less(t, len(st.History), len(train))
}

func TestReplayTrainingError(t *testing.T) {
	tr := testTrainer()
	train, test := syntheticSets(t, tr)
	train[1].Rates = train[1].Rates[:1]

	rp, err := NewReplay(tr, train, test, constantReplay(), nil, nil)
	require.NoError(t, err)
	_, st, err := rp.Run(context.Background())
	assert.ErrorIs(t, err, ErrDimension)
	assert.Len(t, st.History, 1)
}

func TestNewReplayErrors(t *testing.T) {
	tr := testTrainer()
	_, err := NewReplay(tr, nil, nil, DefaultReplayConfig(), nil, nil)
	assert.ErrorIs(t, err, ErrNoSamples)

	train, test := syntheticSets(t, tr)
	cfg := DefaultReplayConfig()
	cfg.Arrival = "weibull"
	_, err = NewReplay(tr, train, test, cfg, nil, nil)
	assert.ErrorIs(t, err, ErrBadFormat)

	cfg = DefaultReplayConfig()
	cfg.QueryRate = 0
	_, err = NewReplay(tr, train, test, cfg, nil, nil)
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestArrivalProcess(t *testing.T) {
	rng := rngstream.New("arrivals")
	ap, err := NewArrivalProcess("constant", 4, rng)
	require.NoError(t, err)
	assert.Equal(t, 0.25, ap.Next())

	ap, err = NewArrivalProcess("", 2, rng)
	require.NoError(t, err)
	sum := 0.0
	const n = 2000
	for i := 0; i < n; i++ {
		gap := ap.Next()
		assert.GreaterOrEqual(t, gap, 0.0)
		sum += gap
	}
	assert.InDelta(t, 0.5, sum/n, 0.05)
}
