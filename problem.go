package arsa

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// A Problem holds the fixed data of one NUM instance: the K×J routing matrix,
// the K link capacities, the J fairness exponents and the map from flows to
// scaling coefficients.  A Problem is not modified after construction.
type Problem struct {
	A      *mat.Dense
	C      []float64
	Alpha  []float64
	RhoIdx []int
}

// NewProblem is a constructor.  A nil rhoIdx gives every flow its own coefficient.
// The problem is validated before it is returned.
func NewProblem(a *mat.Dense, c, alpha []float64, rhoIdx []int) (*Problem, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil routing matrix", ErrInvalidTopology)
	}
	_, flows := a.Dims()
	if rhoIdx == nil {
		rhoIdx = make([]int, flows)
		for j := range rhoIdx {
			rhoIdx[j] = j
		}
	}
	prob := &Problem{A: a, C: c, Alpha: alpha, RhoIdx: rhoIdx}
	if err := prob.Validate(); err != nil {
		return nil, err
	}
	return prob, nil
}

// NewProblemFromRows builds a Problem from a row-major 0/1 table
func NewProblemFromRows(rows [][]float64, c, alpha []float64, rhoIdx []int) (*Problem, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("%w: empty routing matrix", ErrInvalidTopology)
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for k, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("%w: routing row %d has %d entries, want %d", ErrDimension, k, len(row), cols)
		}
		data = append(data, row...)
	}
	return NewProblem(mat.NewDense(len(rows), cols, data), c, alpha, rhoIdx)
}

// Dims returns the number of links K and of flows J
func (prob *Problem) Dims() (links, flows int) {
	return prob.A.Dims()
}

// NumCoefficients is one more than the largest coefficient index any flow uses
func (prob *Problem) NumCoefficients() int {
	p := 0
	for _, idx := range prob.RhoIdx {
		if idx+1 > p {
			p = idx + 1
		}
	}
	return p
}

// Validate checks the preconditions of the equilibrium solver.  Size mismatches
// are reported as ErrDimension, degenerate links or flows as ErrInvalidTopology.
func (prob *Problem) Validate() error {
	links, flows := prob.A.Dims()

	errs := []error{}
	if len(prob.C) != links {
		errs = append(errs, fmt.Errorf("capacity vector has %d entries for %d links", len(prob.C), links))
	}
	if len(prob.Alpha) != flows {
		errs = append(errs, fmt.Errorf("alpha vector has %d entries for %d flows", len(prob.Alpha), flows))
	}
	if len(prob.RhoIdx) != flows {
		errs = append(errs, fmt.Errorf("rho index has %d entries for %d flows", len(prob.RhoIdx), flows))
	}
	if err := ReportErrs(errs); err != nil {
		return fmt.Errorf("%w: %v", ErrDimension, err)
	}

	for j, idx := range prob.RhoIdx {
		if idx < 0 {
			errs = append(errs, fmt.Errorf("flow %d has negative coefficient index %d", j, idx))
		}
	}
	for j, a := range prob.Alpha {
		if !(a > 0) || math.IsInf(a, 0) {
			errs = append(errs, fmt.Errorf("flow %d has fairness exponent %v", j, a))
		}
	}
	if err := ReportErrs(errs); err != nil {
		return fmt.Errorf("%w: %v", ErrDimension, err)
	}

	// every link carries some flow, every flow crosses some link, every capacity is positive
	for k := 0; k < links; k++ {
		if !(prob.C[k] > 0) || math.IsInf(prob.C[k], 0) {
			errs = append(errs, fmt.Errorf("link %d has capacity %v", k, prob.C[k]))
		}
		used := false
		for j := 0; j < flows; j++ {
			v := prob.A.At(k, j)
			if v < 0 {
				errs = append(errs, fmt.Errorf("routing entry (%d,%d) is negative", k, j))
			}
			if v != 0 {
				used = true
			}
		}
		if !used {
			errs = append(errs, fmt.Errorf("link %d carries no flow", k))
		}
	}
	for j := 0; j < flows; j++ {
		routed := false
		for k := 0; k < links; k++ {
			if prob.A.At(k, j) != 0 {
				routed = true
				break
			}
		}
		if !routed {
			errs = append(errs, fmt.Errorf("flow %d crosses no constrained link", j))
		}
	}
	if err := ReportErrs(errs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}
	return nil
}

// checkRho verifies that rho covers every coefficient index and is usable as utility weights
func (prob *Problem) checkRho(rho []float64) error {
	if len(rho) < prob.NumCoefficients() {
		return fmt.Errorf("%w: %d coefficients given, rho index needs %d", ErrDimension, len(rho), prob.NumCoefficients())
	}
	for i, r := range rho {
		if r < 0 || math.IsNaN(r) || math.IsInf(r, 0) {
			return fmt.Errorf("%w: coefficient %d is %v", ErrDimension, i, r)
		}
	}
	return nil
}

// slack returns c - A x
func (prob *Problem) slack(x []float64) []float64 {
	links, _ := prob.A.Dims()
	s := make([]float64, links)
	ax := mat.NewVecDense(links, nil)
	ax.MulVec(prob.A, mat.NewVecDense(len(x), x))
	for k := range s {
		s[k] = prob.C[k] - ax.AtVec(k)
	}
	return s
}

// feasibleStart returns a strictly interior point: each flow takes half of the
// smallest equal share it could get on any of its links
func (prob *Problem) feasibleStart() []float64 {
	links, flows := prob.A.Dims()
	count := make([]float64, links)
	for k := 0; k < links; k++ {
		for j := 0; j < flows; j++ {
			count[k] += prob.A.At(k, j)
		}
	}

	x := make([]float64, flows)
	for j := 0; j < flows; j++ {
		share := math.Inf(1)
		for k := 0; k < links; k++ {
			if prob.A.At(k, j) != 0 {
				share = math.Min(share, prob.C[k]/count[k])
			}
		}
		x[j] = 0.5 * share
	}
	return x
}

// strictlyFeasible reports whether x > 0 and A x < c hold with no equality
func (prob *Problem) strictlyFeasible(x []float64) bool {
	_, flows := prob.A.Dims()
	if len(x) != flows {
		return false
	}
	for _, v := range x {
		if !(v > 0) {
			return false
		}
	}
	for _, s := range prob.slack(x) {
		if !(s > 0) {
			return false
		}
	}
	return true
}
