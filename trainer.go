package arsa

// trainer.go drives the estimator over samples measured on a Clos network: sequential
// training, incremental training over a growing history, and prediction for new flow sets

import (
	"context"
	"fmt"
)

// A Trainer fits one coefficient vector for a Clos topology
type Trainer struct {
	Estimator *Estimator
	Topology  Topology
}

// NewTrainer is a constructor
func NewTrainer(est *Estimator, topo Topology) *Trainer {
	if est == nil {
		est = NewEstimator()
	}
	return &Trainer{Estimator: est, Topology: topo}
}

// InitState returns the starting State: the parameterization's default point
// for every coefficient class of the topology, and no history
func (tr *Trainer) InitState() State {
	return State{Theta: tr.Estimator.Param.Init(tr.Topology.NumCoefficients())}
}

// Train fits the samples one after another, each estimation starting from the parameters
// the previous one ended with.  The result of every step is returned.
func (tr *Trainer) Train(ctx context.Context, samples []Sample) ([]*Result, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	theta := tr.InitState().Theta
	results := make([]*Result, 0, len(samples))
	for _, smpl := range samples {
		obs, err := tr.Topology.BuildObservation(smpl)
		if err != nil {
			return results, err
		}
		res, err := tr.Estimator.Estimate(ctx, obs, theta)
		if err != nil {
			return results, fmt.Errorf("training on %s: %w", smpl.Name, err)
		}
		theta = res.Theta
		results = append(results, res)
		log.WithField("sample", smpl.Name).WithField("error", res.Error).Info("trained on sample")
	}
	return results, nil
}

// TrainNg adds smpl to the history of st and refits the shared parameters over the
// whole history, starting from those carried in st
func (tr *Trainer) TrainNg(ctx context.Context, st State, smpl Sample) (State, *Result, error) {
	obs, err := tr.Topology.BuildObservation(smpl)
	if err != nil {
		return st, nil, err
	}
	if len(st.Theta) == 0 {
		st.Theta = tr.InitState().Theta
	}
	next, res, err := tr.Estimator.TrainStep(ctx, st, obs)
	if err != nil {
		return st, res, fmt.Errorf("training on %s: %w", smpl.Name, err)
	}
	log.WithField("sample", smpl.Name).WithField("history", len(next.History)).
		WithField("error", res.Error).Info("incremental training step")
	return next, res, nil
}

// PredictFlows computes the rates flows reach under known coefficients.  The inner solve
// starts from every flow at 1/F.
func (tr *Trainer) PredictFlows(ctx context.Context, flows []Flow, rho []float64) ([]float64, error) {
	prob, err := tr.Topology.BuildProblem(flows)
	if err != nil {
		return nil, err
	}
	_, nflows := prob.Dims()
	x0 := make([]float64, nflows)
	for j := range x0 {
		x0[j] = 1.0 / float64(nflows)
	}

	opts := tr.Estimator.Solver
	opts.X0 = x0
	eq, err := SolveEquilibrium(ctx, prob, rho, opts)
	if err != nil {
		return nil, err
	}
	return eq.X, nil
}
