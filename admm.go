package arsa

// admm.go solves the rate allocation problem by the alternating direction method of multipliers,
//
//	maximize Σ_j f_j(x_j)  subject to  A x + z = c,  z >= Eps
//
// splitting it into an x-update, a z-update that keeps the link slack positive, and a
// scaled dual update.  The x-update is either one joint Newton minimization (batched) or
// a Gauss-Seidel sweep of scalar minimizations (coordinate).

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// ADMMMode selects how the x-update is carried out
type ADMMMode int

const (
	// ModeBatched re-solves the whole x vector with one Newton minimization
	ModeBatched ADMMMode = iota

	// ModeCoordinate updates one coordinate of x at a time, refreshing the residual after each
	ModeCoordinate
)

var admmModeToStr = map[ADMMMode]string{ModeBatched: "batched", ModeCoordinate: "coordinate"}

func (m ADMMMode) String() string {
	return admmModeToStr[m]
}

// ADMMModeFromStr maps a configuration string to an ADMMMode
func ADMMModeFromStr(name string) (ADMMMode, bool) {
	for m, str := range admmModeToStr {
		if str == name {
			return m, true
		}
	}
	switch name {
	case "":
		return ModeBatched, true
	case "full", "gauss-seidel":
		return ModeCoordinate, true
	}
	return ModeBatched, false
}

const (
	// admmFloor is where the utilities used by ADMM switch to their quadratic extension
	admmFloor = 1e-4

	// ADMMTol is the squared relative change of x that Solve stops under
	ADMMTol = 1e-4

	admmScalarIter = 100
)

// ScalarUtility returns the utility of flow j at rate x with its first two derivatives.
// The utility is concave and finite for every real x.
type ScalarUtility func(j int, x float64) (f, df, d2f float64)

// LogUtility is log x for every flow, extended below admmFloor by its Taylor polynomial
func LogUtility(j int, x float64) (float64, float64, float64) {
	return smoothTerm(x, 1.0, admmFloor)
}

// WeightedUtility gives flow j the alpha-fair utility with exponent alpha[j] scaled by w[j]
func WeightedUtility(alpha, w []float64) ScalarUtility {
	return func(j int, x float64) (float64, float64, float64) {
		f, df, d2f := smoothTerm(x, alpha[j], admmFloor)
		return w[j] * f, w[j] * df, w[j] * d2f
	}
}

// An ADMM carries the problem data and the current x, z and u iterates
type ADMM struct {
	A       *mat.Dense
	C       []float64
	Rho     float64 // penalty weight, the step of the dual update
	Eps     float64 // lower bound on the link slack z
	Utility ScalarUtility
	Mode    ADMMMode

	X []float64
	Z []float64
	U []float64

	links, flows int
	iterations   int
}

// An ADMMResult reports the iterates Solve stopped at and the residual of every iteration
type ADMMResult struct {
	X, Z, U    []float64
	Iterations int
	Residuals  []float64
	Converged  bool
}

// NewADMM is a constructor.  The routing matrix and capacities are validated like those of
// a Problem; a nil util selects LogUtility.  The iterates start at zero.
func NewADMM(a *mat.Dense, c []float64, util ScalarUtility, mode ADMMMode) (*ADMM, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil routing matrix", ErrInvalidTopology)
	}
	links, flows := a.Dims()
	ones := make([]float64, flows)
	floats.AddConst(1.0, ones)
	if _, err := NewProblem(a, c, ones, nil); err != nil {
		return nil, err
	}
	if util == nil {
		util = LogUtility
	}
	return &ADMM{
		A:       a,
		C:       append([]float64(nil), c...),
		Rho:     1.0,
		Eps:     admmFloor,
		Utility: util,
		Mode:    mode,
		X:       make([]float64, flows),
		Z:       make([]float64, links),
		U:       make([]float64, links),
		links:   links,
		flows:   flows,
	}, nil
}

// Iterate performs one x, z, u round and returns the largest squared relative change
// of a coordinate of x
func (adm *ADMM) Iterate(ctx context.Context) (float64, error) {
	if !(adm.Rho > 0) {
		return 0, fmt.Errorf("%w: ADMM penalty %v", ErrDimension, adm.Rho)
	}
	var xk []float64
	var err error
	switch adm.Mode {
	case ModeCoordinate:
		xk = adm.coordinateX()
	default:
		xk, err = adm.batchedX(ctx)
		if err != nil {
			return 0, err
		}
	}

	// z minimizes uᵀ(z - w) + ρ/2 ‖z - w‖² over z >= Eps, with w = c - A x
	ax := adm.mulA(xk)
	for k := 0; k < adm.links; k++ {
		adm.Z[k] = math.Max(adm.Eps, adm.C[k]-ax[k]-adm.U[k]/adm.Rho)
	}
	for k := 0; k < adm.links; k++ {
		adm.U[k] -= adm.Rho * (adm.C[k] - adm.Z[k] - ax[k])
	}

	e := 0.0
	for j, v := range xk {
		d := (adm.X[j] - v) / math.Max(math.Abs(v), RateFloor)
		e = math.Max(e, d*d)
	}
	adm.X = xk
	adm.iterations += 1
	return e, nil
}

// Solve iterates until the change in x falls under ADMMTol or niter rounds have run
func (adm *ADMM) Solve(ctx context.Context, niter int) (*ADMMResult, error) {
	return adm.solve(ctx, niter, ADMMTol)
}

func (adm *ADMM) solve(ctx context.Context, niter int, tol float64) (*ADMMResult, error) {
	res := &ADMMResult{Residuals: make([]float64, 0, niter)}
	var err error
	for i := 0; i < niter; i++ {
		if err = ctx.Err(); err != nil {
			break
		}
		var e float64
		e, err = adm.Iterate(ctx)
		if err != nil {
			break
		}
		res.Residuals = append(res.Residuals, e)
		log.WithField("iteration", adm.iterations).WithField("residual", e).Debug("ADMM iteration")
		if e < tol {
			res.Converged = true
			break
		}
	}
	res.X = append([]float64(nil), adm.X...)
	res.Z = append([]float64(nil), adm.Z...)
	res.U = append([]float64(nil), adm.U...)
	res.Iterations = len(res.Residuals)
	return res, err
}

func (adm *ADMM) mulA(x []float64) []float64 {
	ax := mat.NewVecDense(adm.links, nil)
	ax.MulVec(adm.A, mat.NewVecDense(adm.flows, x))
	return ax.RawVector().Data
}

// batchedX minimizes
//
//	-Σ f(x) + uᵀ(A x - v) + ρ/2 ‖A x - v‖²,  v = c - z
//
// over x with Newton's method, from the current x when it is positive and from ones otherwise
func (adm *ADMM) batchedX(ctx context.Context) ([]float64, error) {
	links, flows := adm.links, adm.flows
	v := make([]float64, links)
	floats.SubTo(v, adm.C, adm.Z)

	residual := func(x []float64) []float64 {
		r := adm.mulA(x)
		floats.Sub(r, v)
		return r
	}

	// AᵀA is constant across the minimization
	ata := mat.NewSymDense(flows, nil)
	ata.SymOuterK(1.0, adm.A.T())

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			r := residual(x)
			f := floats.Dot(adm.U, r) + 0.5*adm.Rho*floats.Dot(r, r)
			for j, xj := range x {
				u, _, _ := adm.Utility(j, xj)
				f -= u
			}
			return f
		},
		Grad: func(grad, x []float64) {
			r := residual(x)
			q := make([]float64, links)
			floats.AddScaledTo(q, adm.U, adm.Rho, r)
			g := mat.NewVecDense(flows, grad)
			g.MulVec(adm.A.T(), mat.NewVecDense(links, q))
			for j, xj := range x {
				_, du, _ := adm.Utility(j, xj)
				grad[j] -= du
			}
		},
		Hess: func(hess *mat.SymDense, x []float64) {
			hess.ScaleSym(adm.Rho, ata)
			for j, xj := range x {
				_, _, d2u := adm.Utility(j, xj)
				hess.SetSym(j, j, hess.At(j, j)-d2u)
			}
		},
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}

	x0 := append([]float64(nil), adm.X...)
	if floats.Min(x0) <= 0 {
		for j := range x0 {
			x0[j] = 1.0
		}
	}

	settings := &optimize.Settings{
		GradientThreshold: 1e-10,
		MajorIterations:   100,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-14,
			Relative:   1e-14,
			Iterations: 20,
		},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.Newton{})
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if result == nil {
		return nil, err
	}
	if err != nil {
		log.WithError(err).WithField("status", result.Status).Debug("ADMM x-update stopped early")
	}
	if math.IsInf(result.F, 0) || math.IsNaN(result.F) {
		return x0, nil
	}
	return append([]float64(nil), result.X...), nil
}

// coordinateX sweeps the coordinates of x in order.  Coordinate j minimizes
//
//	-f_j(t) + uᵀ(A_j t - r) + ρ/2 ‖A_j t - r‖²,  r = c - z - Σ_{i≠j} A_i x_i
//
// whose derivative is a·t + b - f_j'(t) with a = ρ‖A_j‖², b = A_jᵀ(u - ρr).
// The residual r is refreshed with each updated coordinate.
func (adm *ADMM) coordinateX() []float64 {
	links, flows := adm.links, adm.flows
	x := append([]float64(nil), adm.X...)
	ax := adm.mulA(x)

	col := make([]float64, links)
	r := make([]float64, links)
	for j := 0; j < flows; j++ {
		mat.Col(col, j, adm.A)
		for k := 0; k < links; k++ {
			r[k] = adm.C[k] - adm.Z[k] - (ax[k] - col[k]*x[j])
		}
		a := adm.Rho * floats.Dot(col, col)
		b := 0.0
		for k := 0; k < links; k++ {
			b += col[k] * (adm.U[k] - adm.Rho*r[k])
		}

		// seed with the root for a logarithmic utility, where f'(t) = w/t with w = f'(1)
		_, w, _ := adm.Utility(j, 1.0)
		seed := (-b + math.Sqrt(b*b+4*a*math.Max(w, 0))) / (2 * a)

		t := adm.scalarRoot(j, a, b, seed)
		floats.AddScaled(ax, t-x[j], col)
		x[j] = t
	}
	return x
}

// scalarRoot solves a·t + b - f_j'(t) = 0.  The left side increases in t, so the root is
// bracketed by stepping out from the seed, and Newton steps that leave the bracket
// are replaced by bisection.
func (adm *ADMM) scalarRoot(j int, a, b, seed float64) float64 {
	g := func(t float64) (float64, float64) {
		_, df, d2f := adm.Utility(j, t)
		return a*t + b - df, a - d2f
	}

	lo, hi := seed, seed
	for step, n := math.Max(math.Abs(seed), 1.0), 0; n < 200; step, n = step*2, n+1 {
		if v, _ := g(lo); v <= 0 {
			break
		}
		lo = seed - step
	}
	for step, n := math.Max(math.Abs(seed), 1.0), 0; n < 200; step, n = step*2, n+1 {
		if v, _ := g(hi); v >= 0 {
			break
		}
		hi = seed + step
	}

	t := seed
	for n := 0; n < admmScalarIter; n++ {
		v, dv := g(t)
		if v == 0 {
			break
		}
		if v < 0 {
			lo = t
		} else {
			hi = t
		}
		next := t - v/dv
		if !(next > lo && next < hi) {
			next = 0.5 * (lo + hi)
		}
		if math.Abs(next-t) <= 1e-12*math.Max(1.0, math.Abs(t)) {
			return next
		}
		t = next
	}
	return t
}

// solveADMM computes the equilibrium by ADMM over the weighted alpha-fair utilities of prob
func solveADMM(ctx context.Context, prob *Problem, rho []float64, opts SolverOptions, mode ADMMMode) (*Equilibrium, error) {
	_, flows := prob.Dims()
	w := flowWeights(rho, prob.RhoIdx, flows)
	adm, err := NewADMM(prob.A, prob.C, WeightedUtility(prob.Alpha, w), mode)
	if err != nil {
		return nil, err
	}
	if prob.strictlyFeasible(opts.X0) {
		copy(adm.X, opts.X0)
	}

	tol := math.Max(opts.GapTol, 1e-14)
	niter := admmIterPerNewton * opts.MaxNewton
	iterations := 0
	var res *ADMMResult
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		res, err = adm.solve(ctx, niter, tol)
		iterations += res.Iterations
		if res.Converged || err != nil {
			break
		}
		log.WithField("attempt", attempt+1).Debug("ADMM solve hit its cap, resuming with a larger cap")
		niter *= 2
	}

	eq := &Equilibrium{
		X:          make([]float64, flows),
		Lambda:     make([]float64, len(prob.C)),
		Iterations: iterations,
		Converged:  res.Converged,
	}
	if n := len(res.Residuals); n > 0 {
		eq.Gap = res.Residuals[n-1]
	}
	for j, v := range res.X {
		eq.X[j] = math.Max(v, 0)
	}
	// at the fixed point u is the link price of A x <= c
	for k, v := range res.U {
		eq.Lambda[k] = math.Max(v, 0)
	}
	eq.Slack = prob.slack(eq.X)
	if !eq.Converged && err == nil {
		log.WithField("residual", eq.Gap).WithField("iterations", iterations).
			Warn("ADMM solver stopped before reaching its tolerance")
	}
	return eq, err
}

// admmIterPerNewton scales the Newton iteration cap of SolverOptions into an ADMM round cap
const admmIterPerNewton = 10
