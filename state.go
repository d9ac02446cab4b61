package arsa

// state.go holds the estimator state carried between incremental training calls
// and the store that shares it between one trainer and many readers

import (
	"context"
	"sync"
)

// State is what incremental training carries forward: the current parameter vector
// and every observation trained on so far.  A zero State starts from the
// parameterization's default point.
type State struct {
	Theta   []float64
	History []Observation
}

// Clone returns a copy of st that shares no slices with it.  Observations are
// immutable and are shared.
func (st State) Clone() State {
	return State{
		Theta:   append([]float64(nil), st.Theta...),
		History: append([]Observation(nil), st.History...),
	}
}

// TrainStep appends obs to the history of st and refits the shared parameters over
// the whole history, starting from the carried parameters.  st is not modified.
// On error the returned State is st itself.
func (e *Estimator) TrainStep(ctx context.Context, st State, obs Observation) (State, *Result, error) {
	next := st.Clone()
	next.History = append(next.History, obs)

	var v0 []float64
	if len(st.Theta) > 0 {
		v0 = st.Theta
	}
	res, err := e.EstimateNg(ctx, next.History, v0)
	if err != nil {
		return st, res, err
	}
	next.Theta = append([]float64(nil), res.Theta...)
	return next, res, nil
}

// CoefficientStore shares a State between a single training writer and any number
// of readers.  Readers always see a complete State; an update is computed outside the
// read lock and swapped in at once.
type CoefficientStore struct {
	param Parameterization

	writer    sync.Mutex // serializes updates
	mu        sync.RWMutex
	st        State
	published bool
}

// NewCoefficientStore is a constructor
func NewCoefficientStore(param Parameterization, st State) *CoefficientStore {
	if param == nil {
		param = Spherical{}
	}
	return &CoefficientStore{param: param, st: st.Clone()}
}

// Snapshot returns a private copy of the current State
func (cs *CoefficientStore) Snapshot() State {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.st.Clone()
}

// Rho returns the coefficients of the current State, nil before the first successful
// update.  With a single coefficient class Theta is empty and Rho is [1].
func (cs *CoefficientStore) Rho() []float64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if !cs.published {
		return nil
	}
	return cs.param.Forward(cs.st.Theta)
}

// Update applies fn to a snapshot and publishes the State it returns.  Updates run one
// at a time; when fn fails the stored State is left as it was.
func (cs *CoefficientStore) Update(ctx context.Context, fn func(context.Context, State) (State, error)) error {
	cs.writer.Lock()
	defer cs.writer.Unlock()

	next, err := fn(ctx, cs.Snapshot())
	if err != nil {
		return err
	}

	cs.mu.Lock()
	cs.st = next.Clone()
	cs.published = true
	cs.mu.Unlock()
	return nil
}
