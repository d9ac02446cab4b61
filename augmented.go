package arsa

// augmented.go holds the equality-augmented formulation of the equilibrium problem
// and the augmented Lagrangian method that solves it

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// utilityFloor is where the smoothed utility switches to its quadratic extension
const utilityFloor = 1e-6

// AugmentedForm exposes the equality-augmented formulation over z = [x, lambda, s]
// (J + K + K entries).  The Lagrangian is
//
//	L(z) = U(x) - Σ_k lambda_k (A_k x + s_k² - c_k)
//
// with equality constraints h(z) = c - A x - s² = 0 and the trivial inequality z >= 0.
type AugmentedForm struct {
	Lagrangian      func(z []float64) float64
	Gradient        func(grad, z []float64)
	EqConstraints   func(z []float64) []float64
	EqJacobian      func(z []float64) *mat.Dense
	IneqConstraints func(z []float64) []float64
}

// NewAugmentedForm builds the augmented formulation for prob weighted by rho
func NewAugmentedForm(prob *Problem, rho []float64) AugmentedForm {
	links, flows := prob.Dims()
	alpha := prob.Alpha
	w := flowWeights(rho, prob.RhoIdx, flows)

	split := func(z []float64) (x, lambda, s []float64) {
		return z[:flows], z[flows : flows+links], z[flows+links:]
	}
	eq := func(z []float64) []float64 {
		x, _, s := split(z)
		h := prob.slack(x)
		for k := range h {
			h[k] -= s[k] * s[k]
		}
		return h
	}

	return AugmentedForm{
		Lagrangian: func(z []float64) float64 {
			x, lambda, _ := split(z)
			// -λᵀ(Ax + s² - c) = λᵀh
			return Utility(alpha, w, x, nil) + floats.Dot(lambda, eq(z))
		},
		Gradient: func(grad, z []float64) {
			x, lambda, s := split(z)
			h := eq(z)
			for j := 0; j < flows; j++ {
				v := w[j] * math.Pow(x[j], -alpha[j])
				for k := 0; k < links; k++ {
					v -= lambda[k] * prob.A.At(k, j)
				}
				grad[j] = v
			}
			for k := 0; k < links; k++ {
				grad[flows+k] = h[k]
				grad[flows+links+k] = -2 * lambda[k] * s[k]
			}
		},
		EqConstraints: eq,
		EqJacobian: func(z []float64) *mat.Dense {
			_, _, s := split(z)
			jac := mat.NewDense(links, flows+2*links, nil)
			for k := 0; k < links; k++ {
				for j := 0; j < flows; j++ {
					jac.Set(k, j, -prob.A.At(k, j))
				}
				jac.Set(k, flows+links+k, -2*s[k])
			}
			return jac
		},
		IneqConstraints: func(z []float64) []float64 {
			return append([]float64(nil), z...)
		},
	}
}

const (
	alPenalty0      = 10.0
	alPenaltyGrowth = 10.0
	alPenaltyMax    = 1e8

	// the penalty grows unless the residual shrank by at least this factor
	alShrink = 0.25

	augmentedTolFloor = 1e-7
)

// alState holds the iterate of the augmented Lagrangian method over y = [x, s]
type alState struct {
	prob   *Problem
	w      []float64
	y      []float64
	lambda []float64
	mu     float64
}

// residual returns h = c - A x - s² at y
func (al *alState) residual(y []float64) []float64 {
	_, flows := al.prob.Dims()
	x, s := y[:flows], y[flows:]
	h := al.prob.slack(x)
	for k := range h {
		h[k] -= s[k] * s[k]
	}
	return h
}

// subproblem is the unconstrained function minimized between multiplier updates,
//
//	φ(y) = -Ũ(x) - λᵀh(y) + μ/2 ‖h(y)‖²
//
// where Ũ is the utility smoothed below utilityFloor
func (al *alState) subproblem(ctx context.Context) optimize.Problem {
	links, flows := al.prob.Dims()
	alpha := al.prob.Alpha

	return optimize.Problem{
		Func: func(y []float64) float64 {
			h := al.residual(y)
			f := 0.0
			for j := 0; j < flows; j++ {
				u, _, _ := smoothTerm(y[j], alpha[j], utilityFloor)
				f -= al.w[j] * u
			}
			for k := 0; k < links; k++ {
				f += -al.lambda[k]*h[k] + 0.5*al.mu*h[k]*h[k]
			}
			return f
		},
		Grad: func(grad, y []float64) {
			h := al.residual(y)
			// q = λ - μh, so ∂φ/∂x = -w Ũ' + Aᵀq and ∂φ/∂s = 2 s q
			q := make([]float64, links)
			for k := range q {
				q[k] = al.lambda[k] - al.mu*h[k]
			}
			for j := 0; j < flows; j++ {
				_, du, _ := smoothTerm(y[j], alpha[j], utilityFloor)
				v := -al.w[j] * du
				for k := 0; k < links; k++ {
					v += al.prob.A.At(k, j) * q[k]
				}
				grad[j] = v
			}
			for k := 0; k < links; k++ {
				grad[flows+k] = 2 * y[flows+k] * q[k]
			}
		},
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}
}

// minimize runs one L-BFGS sub-problem from the current y.  A run that stops
// on a line search failure still leaves a usable best point.
func (al *alState) minimize(ctx context.Context, maxIter int) (int, error) {
	settings := &optimize.Settings{
		GradientThreshold: 1e-10,
		MajorIterations:   maxIter,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-14,
			Relative:   1e-14,
			Iterations: 20,
		},
	}
	result, err := optimize.Minimize(al.subproblem(ctx), al.y, settings, &optimize.LBFGS{})
	if cerr := ctx.Err(); cerr != nil {
		return 0, cerr
	}
	if result == nil {
		return 0, err
	}
	if err != nil {
		log.WithError(err).WithField("status", result.Status).Debug("augmented sub-problem stopped early")
	}
	if !math.IsInf(result.F, 0) && !math.IsNaN(result.F) {
		copy(al.y, result.X)
	}
	return result.MajorIterations, nil
}

func solveAugmented(ctx context.Context, prob *Problem, rho []float64, opts SolverOptions) (*Equilibrium, error) {
	links, flows := prob.Dims()

	x0 := opts.X0
	if !prob.strictlyFeasible(x0) {
		x0 = prob.feasibleStart()
	}

	al := &alState{
		prob:   prob,
		w:      flowWeights(rho, prob.RhoIdx, flows),
		y:      make([]float64, flows+links),
		lambda: make([]float64, links),
		mu:     alPenalty0,
	}
	copy(al.y, x0)
	for k, v := range prob.slack(x0) {
		al.y[flows+k] = math.Sqrt(math.Max(v, 0))
	}

	// the equality residual is compared in the units of the capacities; quasi-Newton
	// sub-problems do not resolve residuals much below augmentedTolFloor
	tol := math.Max(opts.GapTol, augmentedTolFloor) * math.Max(floats.Max(prob.C), 1.0)

	iterations := 0
	converged := false
	prevNorm := math.Inf(1)
	maxOuter, maxIter := opts.MaxOuter, opts.MaxNewton
	var err error

	for attempt := 0; attempt <= opts.Retries && !converged && err == nil; attempt++ {
		for outer := 0; outer < maxOuter; outer++ {
			var n int
			n, err = al.minimize(ctx, maxIter)
			iterations += n
			if err != nil {
				break
			}

			h := al.residual(al.y)
			for k := range al.lambda {
				al.lambda[k] -= al.mu * h[k]
			}
			norm := floats.Norm(h, math.Inf(1))
			if norm < tol {
				converged = true
				break
			}
			if norm > alShrink*prevNorm {
				al.mu = math.Min(al.mu*alPenaltyGrowth, alPenaltyMax)
			}
			prevNorm = norm
		}
		if !converged && err == nil {
			log.WithField("attempt", attempt+1).WithField("residual", prevNorm).
				Debug("augmented solve hit its caps, resuming with larger caps")
			maxOuter *= 2
			maxIter *= 2
		}
	}

	h := al.residual(al.y)
	eq := &Equilibrium{
		X:          make([]float64, flows),
		Lambda:     make([]float64, links),
		Slack:      prob.slack(al.y[:flows]),
		Iterations: iterations,
		Gap:        floats.Norm(h, math.Inf(1)),
		Converged:  converged,
	}
	for j := range eq.X {
		eq.X[j] = math.Max(al.y[j], 0)
	}
	// prices are non-negative; round-off can leave tiny negative multipliers on slack links
	for k, v := range al.lambda {
		eq.Lambda[k] = math.Max(v, 0)
	}
	if !converged && err == nil {
		log.WithField("residual", eq.Gap).WithField("iterations", iterations).
			Warn("augmented Lagrangian solver stopped before reaching its tolerance")
	}
	return eq, err
}
