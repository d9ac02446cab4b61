package arsa

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// links with slack under polishActiveTol·c_k at the barrier point start out saturated
	polishActiveTol = 1e-4
	polishFeasTol   = 1e-12
	polishDualTol   = 1e-9
	polishStepTol   = 1e-11
	polishIters     = 30

	// links with slack over sensitivityActiveTol·c_k are left out of the sensitivity system
	sensitivityActiveTol = 1e-6
)

// saturatedLinks lists the links whose slack at x is at most tol·c_k
func (prob *Problem) saturatedLinks(x []float64, tol float64) []int {
	var active []int
	for k, s := range prob.slack(x) {
		if s <= tol*prob.C[k] {
			active = append(active, k)
		}
	}
	return active
}

// polishEquilibrium replaces the approximate equilibrium eq with the solution of the
// problem whose nearly saturated links are held at capacity.  Links that come out
// with a negative price are released and the solve repeated.  eq is only changed
// when the new point is feasible with non-negative prices, which makes it optimal.
func polishEquilibrium(prob *Problem, rho []float64, eq *Equilibrium) bool {
	links, flows := prob.Dims()
	w := flowWeights(rho, prob.RhoIdx, flows)
	active := prob.saturatedLinks(eq.X, polishActiveTol)

	for len(active) > 0 {
		x, nu, ok := activeSetNewton(prob, w, eq.X, active)
		if !ok {
			return false
		}

		tol := polishDualTol * math.Max(1, floats.Max(nu))
		kept := make([]int, 0, len(active))
		for i, k := range active {
			if nu[i] >= -tol {
				kept = append(kept, k)
			}
		}
		if len(kept) < len(active) {
			active = kept
			continue
		}

		slack := prob.slack(x)
		for k, s := range slack {
			if s < -polishFeasTol*prob.C[k] {
				return false
			}
		}

		eq.X = x
		eq.Slack = slack
		eq.Lambda = make([]float64, links)
		for i, k := range active {
			eq.Lambda[k] = math.Max(nu[i], 0)
		}
		return true
	}
	return false
}

// activeSetNewton maximizes the weighted utility subject to A_k x = c_k for the links
// in active, starting from x0.  Each step solves
//
//	| diag(w_j α_j x_j^(-α_j-1))  A_actᵀ | | dx |   | w x^(-α)        |
//	| A_act                       0      | | ν  | = | c_act - A_act x |
//
// and ν converges to the prices of the active links.
func activeSetNewton(prob *Problem, w, x0 []float64, active []int) ([]float64, []float64, bool) {
	_, flows := prob.Dims()
	n := flows + len(active)
	alpha := prob.Alpha

	x := append([]float64(nil), x0...)
	for j := range x {
		if !(x[j] > 0) {
			return nil, nil, false
		}
	}

	d := mat.NewDense(n, n, nil)
	rhs := mat.NewVecDense(n, nil)
	var sol mat.VecDense
	var lu mat.LU

	for it := 0; it < polishIters; it++ {
		d.Zero()
		for j := 0; j < flows; j++ {
			d.Set(j, j, w[j]*alpha[j]*math.Pow(x[j], -alpha[j]-1))
			rhs.SetVec(j, w[j]*math.Pow(x[j], -alpha[j]))
		}
		for i, k := range active {
			r := prob.C[k]
			for j := 0; j < flows; j++ {
				a := prob.A.At(k, j)
				d.Set(j, flows+i, a)
				d.Set(flows+i, j, a)
				r -= a * x[j]
			}
			rhs.SetVec(flows+i, r)
		}

		lu.Factorize(d)
		if err := lu.SolveVecTo(&sol, false, rhs); err != nil {
			// dependent active rows
			return nil, nil, false
		}

		// stay inside x > 0
		step := 1.0
		for j := 0; j < flows; j++ {
			for x[j]+step*sol.AtVec(j) <= 0 {
				step *= 0.5
				if step < 1e-10 {
					return nil, nil, false
				}
			}
		}

		size := 0.0
		for j := 0; j < flows; j++ {
			dx := step * sol.AtVec(j)
			x[j] += dx
			size = math.Max(size, math.Abs(dx))
		}
		if step == 1 && size <= polishStepTol*math.Max(1, floats.Max(x)) {
			nu := make([]float64, len(active))
			for i := range nu {
				nu[i] = sol.AtVec(flows + i)
			}
			return x, nu, true
		}
	}
	return nil, nil, false
}
