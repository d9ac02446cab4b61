package arsa

// equilibrium.go computes the equilibrium rates of a NUM problem,
//
//	maximize   Σ_j rho[idx[j]] U_j(x_j)
//	subject to A x <= c, x >= 0
//
// for fixed scaling coefficients.  The inequality form is solved here with a log-barrier
// interior point method whose centering steps run gonum's Newton method, followed by
// a Newton solve on the links the barrier point saturates.  The equality-augmented
// form lives in augmented.go

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// Form selects the formulation the equilibrium solver works with
type Form int

const (
	// FormInequality works over x alone with constraints [x; c - A x] >= 0
	FormInequality Form = iota

	// FormAugmented works over [x, lambda, s] with equality c - A x - s² = 0
	FormAugmented

	// FormADMM splits A x + z = c by ADMM with a batched x-update
	FormADMM

	// FormADMMCoordinate is FormADMM with a coordinate-wise x-update
	FormADMMCoordinate
)

var formToStr = map[Form]string{FormInequality: "inequality", FormAugmented: "augmented",
	FormADMM: "admm", FormADMMCoordinate: "admm-coordinate"}

func (f Form) String() string {
	return formToStr[f]
}

// FormFromStr maps a configuration string to a Form
func FormFromStr(name string) (Form, bool) {
	for f, str := range formToStr {
		if str == name {
			return f, true
		}
	}
	switch name {
	case "", "a", "ineq":
		return FormInequality, true
	case "b", "eq", "lagrangian":
		return FormAugmented, true
	}
	return FormInequality, false
}

// SolverOptions holds the tolerances and safety caps of the inner solver
type SolverOptions struct {
	Form Form

	// GapTol is the duality gap the barrier method stops at, relative to the sum of the flow weights.
	// For the augmented form it bounds the equality residual, for ADMM the squared relative change of x.
	GapTol float64

	// MaxNewton caps the Newton (or quasi-Newton) iterations of each centering or sub-problem
	MaxNewton int

	// MaxOuter caps the barrier parameter updates (or multiplier updates in the augmented form)
	MaxOuter int

	// Retries is the number of times a solve that hit its caps is resumed with doubled caps
	Retries int

	// Timeout bounds the wall-clock time of one solve when positive
	Timeout time.Duration

	// X0 is used as the starting point when it is strictly feasible.  The inequality
	// form also accepts a point on saturated links, such as a previous equilibrium.
	X0 []float64
}

// DefaultSolverOptions returns the options used when none are given
func DefaultSolverOptions() SolverOptions {
	return SolverOptions{
		Form:      FormInequality,
		GapTol:    1e-9,
		MaxNewton: 100,
		MaxOuter:  40,
		Retries:   1,
	}
}

func (opts *SolverOptions) fillDefaults() {
	dflt := DefaultSolverOptions()
	if !(opts.GapTol > 0) {
		opts.GapTol = dflt.GapTol
	}
	if opts.MaxNewton <= 0 {
		opts.MaxNewton = dflt.MaxNewton
	}
	if opts.MaxOuter <= 0 {
		opts.MaxOuter = dflt.MaxOuter
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
}

// An Equilibrium is the outcome of one inner solve
type Equilibrium struct {
	// X holds the equilibrium rates, one per flow
	X []float64

	// Lambda holds the link prices (dual variables of A x <= c)
	Lambda []float64

	// Slack is c - A x at X
	Slack []float64

	Iterations int

	// Gap is the duality gap bound (inequality form), equality residual (augmented form)
	// or last change of x (ADMM) at exit
	Gap float64

	// Converged is false when the solver stopped on a cap; X is then a best-effort point
	Converged bool
}

// InequalityForm exposes the inequality formulation as plain functions of x.  Objective is
// the negated utility so the problem reads minimize Objective(x) s.t. Constraints(x) >= 0.
// The functions only read data fixed at construction.
type InequalityForm struct {
	Objective          func(x []float64) float64
	Gradient           func(grad, x []float64)
	Hessian            func(hess *mat.SymDense, x []float64)
	Constraints        func(x []float64) []float64
	ConstraintJacobian func(x []float64) *mat.Dense
}

// NewInequalityForm builds the inequality formulation for prob weighted by rho.
// The constraint vector is [x; c - A x] and its Jacobian [I; -A].
func NewInequalityForm(prob *Problem, rho []float64) InequalityForm {
	links, flows := prob.Dims()
	alpha := prob.Alpha
	w := flowWeights(rho, prob.RhoIdx, flows)

	// the constraint Jacobian does not depend on x, so build it once
	jac := mat.NewDense(flows+links, flows, nil)
	for j := 0; j < flows; j++ {
		jac.Set(j, j, 1.0)
	}
	for k := 0; k < links; k++ {
		for j := 0; j < flows; j++ {
			jac.Set(flows+k, j, -prob.A.At(k, j))
		}
	}

	return InequalityForm{
		Objective: func(x []float64) float64 {
			return -Utility(alpha, w, x, nil)
		},
		Gradient: func(grad, x []float64) {
			for j := range x {
				grad[j] = -w[j] * math.Pow(x[j], -alpha[j])
			}
		},
		Hessian: func(hess *mat.SymDense, x []float64) {
			for i := 0; i < flows; i++ {
				for j := i; j < flows; j++ {
					hess.SetSym(i, j, 0)
				}
				hess.SetSym(i, i, w[i]*alpha[i]*math.Pow(x[i], -alpha[i]-1))
			}
		},
		Constraints: func(x []float64) []float64 {
			g := make([]float64, flows+links)
			copy(g, x)
			copy(g[flows:], prob.slack(x))
			return g
		},
		ConstraintJacobian: func(x []float64) *mat.Dense {
			return jac
		},
	}
}

// SolveEquilibrium computes the equilibrium rates of prob under coefficients rho.
// Invalid problems are reported with ErrInvalidTopology or ErrDimension and never solved.
// A solve that stops on an iteration cap or timeout returns its best point with
// Converged false and a nil error; a cancelled ctx returns the best point and ctx.Err().
func SolveEquilibrium(ctx context.Context, prob *Problem, rho []float64, opts SolverOptions) (*Equilibrium, error) {
	if err := checkEquilibriumInput(prob, rho); err != nil {
		return nil, err
	}
	opts.fillDefaults()

	solveCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		solveCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var eq *Equilibrium
	var err error
	switch opts.Form {
	case FormAugmented:
		eq, err = solveAugmented(solveCtx, prob, rho, opts)
	case FormADMM:
		eq, err = solveADMM(solveCtx, prob, rho, opts, ModeBatched)
	case FormADMMCoordinate:
		eq, err = solveADMM(solveCtx, prob, rho, opts, ModeCoordinate)
	default:
		eq, err = solveInequality(solveCtx, prob, rho, opts)
	}

	// our own timeout is a cap like the iteration limits, not a failure
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		log.WithField("timeout", opts.Timeout).Warn("equilibrium solve timed out, using best point")
		err = nil
	}
	return eq, err
}

func solveInequality(ctx context.Context, prob *Problem, rho []float64, opts SolverOptions) (*Equilibrium, error) {
	links, flows := prob.Dims()

	x0 := opts.X0
	if !prob.strictlyFeasible(x0) {
		x0 = interiorStart(prob, x0)
	}

	// the duality gap bound is m/t, scaled against the size of the objective
	weight := floats.Sum(flowWeights(rho, prob.RhoIdx, flows))
	gapTol := opts.GapTol * math.Max(weight, 1e-12)

	bs := &barrierState{
		form: NewInequalityForm(prob, rho),
		x:    append([]float64(nil), x0...),
		t:    1.0,
		m:    float64(flows + links),
	}

	maxNewton, maxOuter := opts.MaxNewton, opts.MaxOuter
	var err error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		err = bs.run(ctx, gapTol, maxNewton, maxOuter)
		if bs.done || err != nil {
			break
		}
		log.WithField("attempt", attempt+1).WithField("gap", bs.m/bs.t).
			Debug("barrier solve hit its caps, resuming with larger caps")
		maxNewton *= 2
		maxOuter *= 2
	}

	eq := bs.equilibrium(flows)
	if !eq.Converged && err == nil {
		log.WithField("gap", eq.Gap).WithField("iterations", eq.Iterations).
			Warn("equilibrium solver stopped before reaching its gap tolerance")
	}
	if eq.Converged && err == nil && !polishEquilibrium(prob, rho, eq) {
		log.WithField("gap", eq.Gap).Debug("active set solve rejected, keeping the barrier point")
	}
	return eq, err
}

// interiorStart pulls a feasible boundary point such as a previous equilibrium
// slightly inside the domain, and falls back to the default start otherwise
func interiorStart(prob *Problem, x0 []float64) []float64 {
	if len(x0) > 0 {
		pulled := make([]float64, len(x0))
		for j, v := range x0 {
			pulled[j] = (1 - 1e-3) * v
		}
		if prob.strictlyFeasible(pulled) {
			return pulled
		}
	}
	return prob.feasibleStart()
}

// barrierState carries the iterate of the barrier method between outer steps and retries
type barrierState struct {
	form       InequalityForm
	x          []float64
	t          float64
	m          float64
	iterations int
	done       bool
}

const (
	barrierMu     = 10.0
	newtonTol     = 1e-10
	armijoAlpha   = 0.01
	backtrackBeta = 0.5
)

// run alternates centering and barrier parameter increases until the gap bound
// m/t falls under gapTol or the caps are exhausted
func (bs *barrierState) run(ctx context.Context, gapTol float64, maxNewton, maxOuter int) error {
	for outer := 0; outer < maxOuter; outer++ {
		if err := bs.center(ctx, maxNewton); err != nil {
			return err
		}
		if bs.m/bs.t < gapTol {
			bs.done = true
			return nil
		}
		bs.t *= barrierMu
	}
	return nil
}

// phi is the barrier function t f(x) - Σ log g_i(x), +Inf outside the domain
func (bs *barrierState) phi(x []float64) float64 {
	g := bs.form.Constraints(x)
	sum := 0.0
	for _, v := range g {
		if !(v > 0) {
			return math.Inf(1)
		}
		sum += math.Log(v)
	}
	return bs.t*bs.form.Objective(x) - sum
}

// centerProblem is the barrier function of the current t as an unconstrained problem
func (bs *barrierState) centerProblem(ctx context.Context) optimize.Problem {
	return optimize.Problem{
		Func: bs.phi,
		Grad: func(grad, x []float64) {
			g := bs.form.Constraints(x)
			gj := bs.form.ConstraintJacobian(x)
			m, n := gj.Dims()

			// t ∇f - Gᵀ (1/g)
			bs.form.Gradient(grad, x)
			floats.Scale(bs.t, grad)
			for i := 0; i < m; i++ {
				for j := 0; j < n; j++ {
					if a := gj.At(i, j); a != 0 {
						grad[j] -= a / g[i]
					}
				}
			}
		},
		Hess: func(hess *mat.SymDense, x []float64) {
			g := bs.form.Constraints(x)
			gj := bs.form.ConstraintJacobian(x)
			m, n := gj.Dims()

			// t ∇²f + Gᵀ diag(1/g²) G
			bs.form.Hessian(hess, x)
			hess.ScaleSym(bs.t, hess)
			for i := 0; i < m; i++ {
				inv2 := 1.0 / (g[i] * g[i])
				for p := 0; p < n; p++ {
					ap := gj.At(i, p)
					if ap == 0 {
						continue
					}
					for q := p; q < n; q++ {
						if aq := gj.At(i, q); aq != 0 {
							hess.SetSym(p, q, hess.At(p, q)+ap*aq*inv2)
						}
					}
				}
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

// center minimizes the barrier function for the current t with damped Newton steps.
// Backtracking rejects trial points outside the domain since phi is +Inf there.
func (bs *barrierState) center(ctx context.Context, maxNewton int) error {
	settings := &optimize.Settings{
		MajorIterations: maxNewton,
		Converger: &optimize.FunctionConverge{
			Absolute:   newtonTol,
			Iterations: 1,
		},
	}
	method := &optimize.Newton{
		Linesearcher: &optimize.Backtracking{
			DecreaseFactor:    armijoAlpha,
			ContractionFactor: backtrackBeta,
		},
	}
	result, err := optimize.Minimize(bs.centerProblem(ctx), bs.x, settings, method)
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if result == nil {
		return err
	}
	if err != nil {
		// no further progress is representable at this t
		log.WithError(err).WithField("status", result.Status).Debug("barrier centering stopped early")
	}
	bs.iterations += result.MajorIterations
	if !math.IsInf(result.F, 0) && !math.IsNaN(result.F) {
		copy(bs.x, result.X)
	}
	return nil
}

func (bs *barrierState) equilibrium(flows int) *Equilibrium {
	g := bs.form.Constraints(bs.x)
	links := len(g) - flows

	eq := &Equilibrium{
		X:          append([]float64(nil), bs.x...),
		Lambda:     make([]float64, links),
		Slack:      append([]float64(nil), g[flows:]...),
		Iterations: bs.iterations,
		Gap:        bs.m / bs.t,
		Converged:  bs.done,
	}
	// on the central path the multiplier of constraint i is 1/(t g_i)
	for k := 0; k < links; k++ {
		eq.Lambda[k] = 1.0 / (bs.t * g[flows+k])
	}
	return eq
}

// checkEquilibriumInput reports the precondition violations of a solve
func checkEquilibriumInput(prob *Problem, rho []float64) error {
	if prob == nil {
		return fmt.Errorf("%w: nil problem", ErrInvalidTopology)
	}
	if err := prob.Validate(); err != nil {
		return err
	}
	return prob.checkRho(rho)
}
