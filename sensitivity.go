package arsa

// sensitivity.go differentiates the equilibrium rates with respect to the scaling
// coefficients through the stationarity conditions of the NUM problem

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SensitivityOptions selects the right-hand side of the linear system and the
// rank cut-off of the least-squares fallback
type SensitivityOptions struct {
	// LegacyCapacityRHS fills the link block of the right-hand side with the capacities
	// broadcast across the coefficients instead of zeros
	LegacyCapacityRHS bool `json:"legacycapacityrhs" yaml:"legacycapacityrhs"`

	// RankTol is the relative singular value cut-off used when D is singular
	RankTol float64 `json:"ranktol" yaml:"ranktol"`
}

// DefaultSensitivityOptions returns the exact derivative with a 1e-12 rank cut-off
func DefaultSensitivityOptions() SensitivityOptions {
	return SensitivityOptions{RankTol: 1e-12}
}

// A Sensitivity holds the derivatives of the equilibrium with respect to rho
type Sensitivity struct {
	// DX is the J×P matrix ∂x*/∂rho
	DX *mat.Dense

	// DLambda is the K×P matrix ∂λ*/∂rho
	DLambda *mat.Dense

	// Singular is set when D could not be inverted and the minimum-norm
	// least-squares solution was used instead
	Singular bool
}

// RateSensitivity solves D · [∂x; ∂λ] = C where
//
//	D = | diag(rho[idx j] α_j x_j^(-α_j-1))  Aᵀ |
//	    | A                                  0  |
//
// and the flow block of C holds x_j^(-α_j) at (j, idx[j]).  x is the equilibrium at rho.
// Only links saturated at x contribute their rows and columns; the row of a link with
// slack is replaced by dλ_k = 0 so its load is free to move.
func RateSensitivity(prob *Problem, rho, x []float64, opts SensitivityOptions) (*Sensitivity, error) {
	if prob == nil {
		return nil, fmt.Errorf("%w: nil problem", ErrInvalidTopology)
	}
	links, flows := prob.Dims()
	if len(x) != flows {
		return nil, fmt.Errorf("%w: %d rates for %d flows", ErrDimension, len(x), flows)
	}
	if err := prob.checkRho(rho); err != nil {
		return nil, err
	}
	if !(opts.RankTol > 0) {
		opts.RankTol = DefaultSensitivityOptions().RankTol
	}

	p := len(rho)
	n := flows + links
	w := flowWeights(rho, prob.RhoIdx, flows)

	tight := make([]bool, links)
	for _, k := range prob.saturatedLinks(x, sensitivityActiveTol) {
		tight[k] = true
	}

	d := mat.NewDense(n, n, nil)
	for j := 0; j < flows; j++ {
		d.Set(j, j, w[j]*prob.Alpha[j]*math.Pow(x[j], -prob.Alpha[j]-1))
	}
	for k := 0; k < links; k++ {
		if !tight[k] {
			// a link with slack keeps a zero price nearby, so dλ_k = 0
			d.Set(flows+k, flows+k, 1)
			continue
		}
		for j := 0; j < flows; j++ {
			a := prob.A.At(k, j)
			d.Set(j, flows+k, a)
			d.Set(flows+k, j, a)
		}
	}

	c := mat.NewDense(n, p, nil)
	for j := 0; j < flows; j++ {
		c.Set(j, prob.RhoIdx[j], math.Pow(x[j], -prob.Alpha[j]))
	}
	if opts.LegacyCapacityRHS {
		for k := 0; k < links; k++ {
			if !tight[k] {
				continue
			}
			for i := 0; i < p; i++ {
				c.Set(flows+k, i, prob.C[k])
			}
		}
	}

	sol, singular := solveKKT(d, c, opts.RankTol)
	if singular {
		log.WithField("flows", flows).WithField("links", links).
			Warn("sensitivity system is singular, using the minimum-norm least-squares solution")
	}

	return &Sensitivity{
		DX:       mat.DenseCopyOf(sol.Slice(0, flows, 0, p)),
		DLambda:  mat.DenseCopyOf(sol.Slice(flows, n, 0, p)),
		Singular: singular,
	}, nil
}

// solveKKT solves d·sol = c by LU, falling back to the truncated SVD when d is singular
// or too badly conditioned for the LU solution to be trusted
func solveKKT(d, c *mat.Dense, rankTol float64) (*mat.Dense, bool) {
	n, _ := d.Dims()
	_, p := c.Dims()

	var lu mat.LU
	lu.Factorize(d)
	if lu.Det() != 0 {
		var sol mat.Dense
		if err := lu.SolveTo(&sol, false, c); err == nil {
			return &sol, false
		}
	}

	var svd mat.SVD
	sol := mat.NewDense(n, p, nil)
	if ok := svd.Factorize(d, mat.SVDThin); !ok {
		return sol, true
	}
	rank := svd.Rank(rankTol)
	if rank == 0 {
		return sol, true
	}
	svd.SolveTo(sol, c, rank)
	return sol, true
}

// ThetaSensitivity chains s.DX with the Jacobian of the parameterization at v,
// giving the J×Dim matrix ∂x*/∂v
func ThetaSensitivity(s *Sensitivity, param Parameterization, v []float64) *mat.Dense {
	jac := param.Jacobian(v)
	flows, _ := s.DX.Dims()
	_, dim := jac.Dims()
	dxdv := mat.NewDense(flows, dim, nil)
	dxdv.Mul(s.DX, jac)
	return dxdv
}
