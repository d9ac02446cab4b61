package arsa

// estimator.go holds the outer estimator: the discrepancy between solved and observed
// rates, its gradient through the sensitivity module, and the batched forms of both

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// RateFloor keeps relative residual denominators away from zero
const RateFloor = 1e-9

// ResidualKind selects how solved rates are compared with observed ones
type ResidualKind int

const (
	// RelativeResidual uses (x* - x_obs)/x_obs
	RelativeResidual ResidualKind = iota

	// AbsoluteResidual uses x* - x_obs
	AbsoluteResidual
)

var residualToStr = map[ResidualKind]string{RelativeResidual: "relative", AbsoluteResidual: "absolute"}

func (rk ResidualKind) String() string {
	return residualToStr[rk]
}

// ResidualFromStr maps a configuration string to a ResidualKind
func ResidualFromStr(name string) (ResidualKind, bool) {
	if name == "" {
		return RelativeResidual, true
	}
	for rk, str := range residualToStr {
		if str == name {
			return rk, true
		}
	}
	return RelativeResidual, false
}

// Strategy selects the outer search
type Strategy int

const (
	// LeastSquares is the bounded Levenberg-Marquardt search on the stacked residuals
	LeastSquares Strategy = iota

	// FixedStep moves against the gradient by a constant step with no line search
	FixedStep
)

var strategyToStr = map[Strategy]string{LeastSquares: "lsq", FixedStep: "fixed"}

func (s Strategy) String() string {
	return strategyToStr[s]
}

// StrategyFromStr maps a configuration string to a Strategy
func StrategyFromStr(name string) (Strategy, bool) {
	switch name {
	case "", "lsq", "leastsquares", "least-squares":
		return LeastSquares, true
	case "fixed", "fixedstep", "fixed-step", "gd":
		return FixedStep, true
	}
	return LeastSquares, false
}

// An Observation pairs one problem with the rates observed on it
type Observation struct {
	Name    string
	Problem *Problem
	Rates   []float64
}

// NewObservation is a constructor.  It checks that there is one observed rate per flow.
func NewObservation(name string, prob *Problem, rates []float64) (Observation, error) {
	if prob == nil {
		return Observation{}, fmt.Errorf("%w: nil problem for %s", ErrInvalidTopology, name)
	}
	_, flows := prob.Dims()
	if len(rates) != flows {
		return Observation{}, fmt.Errorf("%w: %s has %d observed rates for %d flows", ErrDimension, name, len(rates), flows)
	}
	return Observation{Name: name, Problem: prob, Rates: rates}, nil
}

// Estimator adjusts the scaling coefficients until the equilibrium of every
// observation reproduces its observed rates
type Estimator struct {
	Param    Parameterization
	Strategy Strategy
	Residual ResidualKind

	// Tol is the error at or below which the search stops
	Tol float64

	// MaxIter caps the outer iterations, each costing one inner solve per observation
	MaxIter int

	// Step is the fixed step length of the FixedStep strategy
	Step float64

	Solver      SolverOptions
	Sensitivity SensitivityOptions

	// Workers bounds the observations evaluated concurrently in the batched functions
	Workers int

	// Trace, when active, receives one record per outer iteration under TraceID
	Trace   *TraceManager
	TraceID int
}

// NewEstimator is a constructor, returning an estimator with the default settings:
// spherical parameterization, least squares search, relative residuals, tolerance 0.01
// and at most 100 iterations
func NewEstimator() *Estimator {
	return &Estimator{
		Param:       Spherical{},
		Strategy:    LeastSquares,
		Residual:    RelativeResidual,
		Tol:         0.01,
		MaxIter:     100,
		Step:        0.1,
		Solver:      DefaultSolverOptions(),
		Sensitivity: DefaultSensitivityOptions(),
		Workers:     1,
	}
}

// A Result summarizes one estimation
type Result struct {
	Theta []float64
	Rho   []float64

	// Rates holds the equilibrium rates of each observation at Rho
	Rates [][]float64

	Error      float64
	Iterations int
	Converged  bool

	// History holds the error after each iteration, starting with the initial point
	History []float64
}

// Predict computes the equilibrium rates of prob under known coefficients, with no update
func (e *Estimator) Predict(ctx context.Context, prob *Problem, rho []float64) (*Equilibrium, error) {
	return SolveEquilibrium(ctx, prob, rho, e.Solver)
}

// evaluation is the state of one observation at one parameter vector
type evaluation struct {
	resid []float64
	jac   *mat.Dense // ∂resid/∂v, nil unless requested
	x     []float64
}

func (ev *evaluation) cost() float64 {
	return floats.Dot(ev.resid, ev.resid)
}

// evaluate solves obs at v and forms its residuals, and their Jacobian when withJac is set.
// x0 seeds the inner solve when it is strictly feasible.
func (e *Estimator) evaluate(ctx context.Context, v []float64, obs Observation, x0 []float64, withJac bool) (*evaluation, error) {
	rho := e.Param.Forward(v)
	opts := e.Solver
	opts.X0 = x0
	eq, err := SolveEquilibrium(ctx, obs.Problem, rho, opts)
	if err != nil {
		return nil, fmt.Errorf("solving %s: %w", obs.Name, err)
	}

	den := e.denominators(obs.Rates)
	ev := &evaluation{resid: make([]float64, len(eq.X)), x: eq.X}
	for j, x := range eq.X {
		ev.resid[j] = (x - obs.Rates[j]) / den[j]
	}
	if !withJac {
		return ev, nil
	}

	sens, err := RateSensitivity(obs.Problem, rho, eq.X, e.Sensitivity)
	if err != nil {
		return nil, fmt.Errorf("sensitivity of %s: %w", obs.Name, err)
	}
	ev.jac = ThetaSensitivity(sens, e.Param, v)
	rows, cols := ev.jac.Dims()
	for j := 0; j < rows; j++ {
		for i := 0; i < cols; i++ {
			ev.jac.Set(j, i, ev.jac.At(j, i)/den[j])
		}
	}
	return ev, nil
}

func (e *Estimator) denominators(rates []float64) []float64 {
	den := make([]float64, len(rates))
	for j, r := range rates {
		if e.Residual == AbsoluteResidual {
			den[j] = 1.0
			continue
		}
		den[j] = math.Max(math.Abs(r), RateFloor)
	}
	return den
}

// gradient returns 2 Jᵀ r for one evaluation
func (ev *evaluation) gradient() []float64 {
	_, cols := ev.jac.Dims()
	grad := make([]float64, cols)
	g := mat.NewVecDense(cols, grad)
	g.MulVec(ev.jac.T(), mat.NewVecDense(len(ev.resid), ev.resid))
	floats.Scale(2, grad)
	return grad
}

// ErrorFunc returns the squared norm of the residuals of obs at parameters v
func (e *Estimator) ErrorFunc(ctx context.Context, v []float64, obs Observation) (float64, error) {
	if err := e.checkParams(v, []Observation{obs}); err != nil {
		return 0, err
	}
	ev, err := e.evaluate(ctx, v, obs, nil, false)
	if err != nil {
		return 0, err
	}
	return ev.cost(), nil
}

// GradFunc returns the gradient of ErrorFunc with respect to v
func (e *Estimator) GradFunc(ctx context.Context, v []float64, obs Observation) ([]float64, error) {
	if err := e.checkParams(v, []Observation{obs}); err != nil {
		return nil, err
	}
	ev, err := e.evaluate(ctx, v, obs, nil, true)
	if err != nil {
		return nil, err
	}
	return ev.gradient(), nil
}

// ErrorFuncNg sums ErrorFunc over a batch of observations sharing v
func (e *Estimator) ErrorFuncNg(ctx context.Context, v []float64, batch []Observation) (float64, error) {
	if err := e.checkParams(v, batch); err != nil {
		return 0, err
	}
	evs, err := e.evaluateAll(ctx, v, batch, nil, false)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, ev := range evs {
		total += ev.cost()
	}
	return total, nil
}

// GradFuncNg sums GradFunc over a batch of observations sharing v
func (e *Estimator) GradFuncNg(ctx context.Context, v []float64, batch []Observation) ([]float64, error) {
	if err := e.checkParams(v, batch); err != nil {
		return nil, err
	}
	evs, err := e.evaluateAll(ctx, v, batch, nil, true)
	if err != nil {
		return nil, err
	}
	grad := make([]float64, len(v))
	for _, ev := range evs {
		floats.Add(grad, ev.gradient())
	}
	return grad, nil
}

// evaluateAll evaluates every observation of batch at v, up to Workers at a time.
// Results are returned in batch order so sums over them do not depend on scheduling.
func (e *Estimator) evaluateAll(ctx context.Context, v []float64, batch []Observation, warm [][]float64, withJac bool) ([]*evaluation, error) {
	evs := make([]*evaluation, len(batch))
	workers := e.Workers
	if workers < 1 {
		workers = 1
	}

	if workers == 1 || len(batch) == 1 {
		for i, obs := range batch {
			ev, err := e.evaluate(ctx, v, obs, warmStart(warm, i), withJac)
			if err != nil {
				return nil, err
			}
			evs[i] = ev
		}
		return evs, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range batch {
		i := i
		g.Go(func() error {
			ev, err := e.evaluate(gctx, v, batch[i], warmStart(warm, i), withJac)
			if err != nil {
				return err
			}
			evs[i] = ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return evs, nil
}

func warmStart(warm [][]float64, i int) []float64 {
	if i < len(warm) {
		return warm[i]
	}
	return nil
}

// numCoefficients is the number of coefficients the batch needs
func numCoefficients(batch []Observation) int {
	p := 0
	for _, obs := range batch {
		if obs.Problem != nil && obs.Problem.NumCoefficients() > p {
			p = obs.Problem.NumCoefficients()
		}
	}
	return p
}

// checkParams verifies that v describes enough coefficients for every observation in batch
func (e *Estimator) checkParams(v []float64, batch []Observation) error {
	if len(batch) == 0 {
		return ErrNoSamples
	}
	for _, obs := range batch {
		if obs.Problem == nil {
			return fmt.Errorf("%w: nil problem for %s", ErrInvalidTopology, obs.Name)
		}
		if _, flows := obs.Problem.Dims(); len(obs.Rates) != flows {
			return fmt.Errorf("%w: %s has %d observed rates for %d flows", ErrDimension, obs.Name, len(obs.Rates), flows)
		}
	}
	p := numCoefficients(batch)
	if len(v) < e.Param.Dim(p) {
		return fmt.Errorf("%w: %d parameters describe fewer than the %d coefficients needed", ErrDimension, len(v), p)
	}
	return nil
}

// Estimate fits the coefficients to a single observation starting from v0.
// A nil v0 starts from the parameterization's default point.
func (e *Estimator) Estimate(ctx context.Context, obs Observation, v0 []float64) (*Result, error) {
	return e.EstimateNg(ctx, []Observation{obs}, v0)
}

// EstimateNg fits one shared coefficient vector to every observation of batch.
// When the search stops on its iteration cap the best point found is returned with
// Converged false.  A cancelled ctx returns the best point so far together with ctx.Err().
func (e *Estimator) EstimateNg(ctx context.Context, batch []Observation, v0 []float64) (*Result, error) {
	if e.Param == nil {
		e.Param = Spherical{}
	}
	p := numCoefficients(batch)
	if v0 == nil {
		v0 = e.Param.Init(p)
	}
	if err := e.checkParams(v0, batch); err != nil {
		return nil, err
	}

	v := append([]float64(nil), v0...)
	lo, hi := e.Param.Bounds(len(v))
	project(v, lo, hi)

	var res *Result
	var err error
	switch {
	case len(v) == 0:
		// a single coefficient only scales the objective, so there is nothing to fit
		res, err = e.evaluateOnly(ctx, v, batch)
	case e.Strategy == FixedStep:
		res, err = e.fixedStep(ctx, v, batch)
	default:
		res, err = e.leastSquares(ctx, v, batch)
	}
	if res != nil && !res.Converged && err == nil {
		log.WithField("strategy", e.Strategy).WithField("error", res.Error).
			WithField("iterations", res.Iterations).Warn("estimator stopped before reaching its tolerance")
	}
	return res, err
}

// evaluateOnly builds the result of evaluating batch at v with no search
func (e *Estimator) evaluateOnly(ctx context.Context, v []float64, batch []Observation) (*Result, error) {
	evs, err := e.evaluateAll(ctx, v, batch, nil, false)
	if err != nil {
		return nil, err
	}
	res := e.result(v, evs, 0)
	res.Converged = res.Error <= e.Tol
	return res, nil
}

// result packages the evaluations of batch at v
func (e *Estimator) result(v []float64, evs []*evaluation, iterations int) *Result {
	res := &Result{
		Theta:      append([]float64(nil), v...),
		Rho:        e.Param.Forward(v),
		Rates:      make([][]float64, len(evs)),
		Iterations: iterations,
	}
	for i, ev := range evs {
		res.Rates[i] = ev.x
		res.Error += ev.cost()
	}
	res.History = []float64{res.Error}
	return res
}

// rates collects the equilibrium rates of the evaluations for warm starting
func rates(evs []*evaluation) [][]float64 {
	warm := make([][]float64, len(evs))
	for i, ev := range evs {
		warm[i] = ev.x
	}
	return warm
}

func (e *Estimator) trace(iter int, errv, damping float64, accepted bool, v []float64) {
	if !e.Trace.Active() {
		return
	}
	AddIterTrace(e.Trace, e.TraceID, &IterTrace{
		Iteration: iter,
		Strategy:  e.Strategy.String(),
		Error:     errv,
		Damping:   damping,
		Accepted:  accepted,
		Theta:     append([]float64(nil), v...),
		Rho:       e.Param.Forward(v),
	})
}
