package arsa

// lsq.go holds the bounded least squares search: a Levenberg-Marquardt iteration on the
// stacked residuals of every observation, with each trial point projected into the
// parameter box

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	lmDamping0   = 1e-3
	lmDampingMin = 1e-12
	lmDampingMax = 1e12
	lmShrink     = 3.0
	lmGrow       = 4.0

	// relative decrease of the error below which an accepted step counts as a stall
	lmStallTol = 1e-12
)

// normalEquations accumulates JᵀJ and Jᵀr over the evaluations
func normalEquations(evs []*evaluation, n int) (*mat.SymDense, []float64) {
	jtj := mat.NewSymDense(n, nil)
	jtr := make([]float64, n)
	for _, ev := range evs {
		rows, _ := ev.jac.Dims()
		for j := 0; j < rows; j++ {
			r := ev.resid[j]
			for a := 0; a < n; a++ {
				ja := ev.jac.At(j, a)
				if ja == 0 {
					continue
				}
				jtr[a] += ja * r
				for b := a; b < n; b++ {
					jtj.SetSym(a, b, jtj.At(a, b)+ja*ev.jac.At(j, b))
				}
			}
		}
	}
	return jtj, jtr
}

// lmStep solves (JᵀJ + μ diag(JᵀJ)) δ = -Jᵀr.  ok is false when the damped system
// is not positive definite.
func lmStep(jtj *mat.SymDense, jtr []float64, mu float64) ([]float64, bool) {
	n := len(jtr)
	damped := mat.NewSymDense(n, nil)
	damped.CopySym(jtj)
	for a := 0; a < n; a++ {
		d := math.Max(jtj.At(a, a), 1e-12)
		damped.SetSym(a, a, jtj.At(a, a)+mu*d)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(damped); !ok {
		return nil, false
	}
	rhs := make([]float64, n)
	for a := range rhs {
		rhs[a] = -jtr[a]
	}
	delta := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(delta, mat.NewVecDense(n, rhs)); err != nil {
		log.WithError(err).Debug("ill-conditioned damped normal equations")
	}
	return delta.RawVector().Data, true
}

func (e *Estimator) leastSquares(ctx context.Context, v []float64, batch []Observation) (*Result, error) {
	n := len(v)
	lo, hi := e.Param.Bounds(n)

	evs, err := e.evaluateAll(ctx, v, batch, nil, true)
	if err != nil {
		return nil, err
	}
	best := e.result(v, evs, 0)
	history := []float64{best.Error}
	e.trace(0, best.Error, lmDamping0, true, v)

	mu := lmDamping0
	trial := make([]float64, n)
	iter := 0
	for best.Error > e.Tol && iter < e.MaxIter {
		iter++

		jtj, jtr := normalEquations(evs, n)
		delta, ok := lmStep(jtj, jtr, mu)
		if !ok {
			mu *= lmGrow
			if mu > lmDampingMax {
				break
			}
			continue
		}

		copy(trial, v)
		floats.Add(trial, delta)
		project(trial, lo, hi)
		if floats.Distance(trial, v, math.Inf(1)) < 1e-15 {
			// the projected step vanished, the search is pinned against the bounds
			log.WithField("iteration", iter).Debug("least squares step vanished at the bounds")
			break
		}

		trialEvs, err := e.evaluateAll(ctx, trial, batch, rates(evs), true)
		if err != nil {
			best.History = history
			best.Iterations = iter
			return best, err
		}
		cand := e.result(trial, trialEvs, iter)
		accepted := cand.Error < best.Error
		e.trace(iter, cand.Error, mu, accepted, trial)
		log.WithField("iteration", iter).WithField("error", cand.Error).WithField("damping", mu).
			WithField("accepted", accepted).Debug("least squares estimator")

		if !accepted {
			history = append(history, best.Error)
			mu *= lmGrow
			if mu > lmDampingMax {
				break
			}
			continue
		}

		stalled := best.Error-cand.Error <= lmStallTol*best.Error
		copy(v, trial)
		evs = trialEvs
		best = cand
		history = append(history, best.Error)
		mu = math.Max(mu/lmShrink, lmDampingMin)
		if stalled {
			break
		}
	}

	best.Iterations = iter
	best.History = history
	best.Converged = best.Error <= e.Tol
	return best, nil
}
