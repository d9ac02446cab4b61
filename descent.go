package arsa

// descent.go holds the fixed-step implicit-gradient search.  It takes no line search and
// does not decay its step, so progress is not monotone in general; the least squares
// search is the reference.

import (
	"context"

	"gonum.org/v1/gonum/floats"
)

func (e *Estimator) fixedStep(ctx context.Context, v []float64, batch []Observation) (*Result, error) {
	lo, hi := e.Param.Bounds(len(v))
	direct, isDirect := e.Param.(Direct)

	var best *Result
	var warm [][]float64
	history := []float64{}

	for iter := 0; ; iter++ {
		evs, err := e.evaluateAll(ctx, v, batch, warm, true)
		if err != nil {
			if best != nil {
				best.History = history
				best.Iterations = len(history)
			}
			return best, err
		}
		warm = rates(evs)

		cur := e.result(v, evs, iter)
		history = append(history, cur.Error)
		e.trace(iter, cur.Error, 0, true, v)
		log.WithField("iteration", iter).WithField("error", cur.Error).Debug("fixed-step estimator")

		if best == nil || cur.Error < best.Error {
			best = cur
		}
		if cur.Error <= e.Tol {
			cur.Converged = true
			cur.History = history
			return cur, nil
		}
		if iter >= e.MaxIter {
			break
		}

		grad := make([]float64, len(v))
		for _, ev := range evs {
			floats.Add(grad, ev.gradient())
		}
		floats.AddScaled(v, -e.Step, grad)
		project(v, lo, hi)
		if isDirect {
			direct.renormalize(v)
		}
	}

	best.History = history
	best.Iterations = len(history) - 1
	return best, nil
}
