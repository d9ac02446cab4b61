package arsa

// spherical.go holds the map from angles to non-negative scaling coefficients,
// its Jacobian, and the two parameterizations the outer estimator can search over

import (
	"math"

	"github.com/iti/rngstream"
	"gonum.org/v1/gonum/mat"
)

// ThetaLow and ThetaHigh bound every angle strictly inside (0, π/2).  At the end points
// some coefficient is exactly zero and the Jacobian loses rank.
const (
	ThetaLow  = 1e-6
	ThetaHigh = math.Pi/2 - 1e-6
)

// RhoFloor is the smallest coefficient the direct parameterization lets the search reach
const RhoFloor = 1e-9

// Spherical2Cartesian maps N angles to N+1 coordinates on the unit sphere.
//
//	car[0] = cos θ0
//	car[i] = sin θ0 ... sin θ(i-1) cos θi,  0 < i < N
//	car[N] = sin θ0 ... sin θ(N-1)
//
// Every coordinate is non-negative when the angles lie in [0, π/2].
func Spherical2Cartesian(theta []float64) []float64 {
	n := len(theta)
	car := make([]float64, n+1)

	car[0] = 1.0
	for i := 1; i <= n; i++ {
		car[i] = car[i-1] * math.Sin(theta[i-1])
	}
	for i := 0; i < n; i++ {
		car[i] *= math.Cos(theta[i])
	}
	return car
}

// SphericalJacobian returns the (N+1)×N matrix of partial derivatives ∂car[i]/∂θ[j]
func SphericalJacobian(theta []float64) *mat.Dense {
	n := len(theta)
	sin := make([]float64, n)
	cos := make([]float64, n)
	for i, t := range theta {
		sin[i], cos[i] = math.Sincos(t)
	}

	jac := mat.NewDense(n+1, n, nil)
	for i := 0; i <= n; i++ {
		for j := 0; j < n && j <= i; j++ {
			if j < i {
				// the sin θj factor in the leading product differentiates to cos θj
				v := cos[j]
				for t := 0; t < i; t++ {
					if t != j {
						v *= sin[t]
					}
				}
				if i < n {
					v *= cos[i]
				}
				jac.Set(i, j, v)
				continue
			}

			// j == i < n: only the trailing cos θi depends on θj
			v := -sin[i]
			for t := 0; t < i; t++ {
				v *= sin[t]
			}
			jac.Set(i, j, v)
		}
	}
	return jac
}

// ClampTheta returns a copy of theta with every angle moved into [ThetaLow, ThetaHigh]
func ClampTheta(theta []float64) []float64 {
	rtn := make([]float64, len(theta))
	for i, t := range theta {
		rtn[i] = math.Min(math.Max(t, ThetaLow), ThetaHigh)
	}
	return rtn
}

// DefaultTheta returns the p-1 angles whose image is p equal coefficients.
// Angle i is arccos(1/sqrt(p-i)).
func DefaultTheta(p int) []float64 {
	if p < 2 {
		return []float64{}
	}
	theta := make([]float64, 0, p-1)
	for i := p; i > 1; i-- {
		theta = append(theta, math.Acos(1.0/math.Sqrt(float64(i))))
	}
	return theta
}

// RandomTheta draws p-1 angles uniformly from the admissible box
func RandomTheta(p int, rng *rngstream.RngStream) []float64 {
	if p < 2 {
		return []float64{}
	}
	theta := make([]float64, p-1)
	for i := range theta {
		theta[i] = ThetaLow + rng.RandU01()*(ThetaHigh-ThetaLow)
	}
	return theta
}

// A Parameterization is the space the outer estimator searches.  Forward maps a parameter
// vector to the p scaling coefficients and Jacobian gives the p×Dim(p) derivative of that map.
type Parameterization interface {
	// Name identifies the parameterization in configuration and logs
	Name() string

	// Dim is the length of the parameter vector describing p coefficients
	Dim(p int) int

	Forward(v []float64) []float64
	Jacobian(v []float64) *mat.Dense

	// Bounds gives the box constraints on an n-long parameter vector
	Bounds(n int) (lo, hi []float64)

	// Init returns the starting parameter vector for p coefficients
	Init(p int) []float64
}

// Spherical searches over angles, so coefficients stay non-negative and
// on the unit sphere without explicit constraints on rho
type Spherical struct{}

func (Spherical) Name() string  { return "spherical" }
func (Spherical) Dim(p int) int { return p - 1 }

func (Spherical) Forward(v []float64) []float64 { return Spherical2Cartesian(v) }

func (Spherical) Jacobian(v []float64) *mat.Dense { return SphericalJacobian(v) }

func (Spherical) Bounds(n int) (lo, hi []float64) {
	lo = make([]float64, n)
	hi = make([]float64, n)
	for i := 0; i < n; i++ {
		lo[i], hi[i] = ThetaLow, ThetaHigh
	}
	return lo, hi
}

func (Spherical) Init(p int) []float64 { return DefaultTheta(p) }

// Direct searches over the coefficients themselves.  When Reference is a valid
// index the fixed-step estimator divides every coefficient by rho[Reference]
// after each update, fixing the otherwise free scale of the utility.
type Direct struct {
	Reference int
}

func (Direct) Name() string  { return "direct" }
func (Direct) Dim(p int) int { return p }

func (Direct) Forward(v []float64) []float64 {
	rtn := make([]float64, len(v))
	copy(rtn, v)
	return rtn
}

func (Direct) Jacobian(v []float64) *mat.Dense {
	n := len(v)
	jac := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		jac.Set(i, i, 1.0)
	}
	return jac
}

func (Direct) Bounds(n int) (lo, hi []float64) {
	lo = make([]float64, n)
	hi = make([]float64, n)
	for i := 0; i < n; i++ {
		lo[i], hi[i] = RhoFloor, math.Inf(1)
	}
	return lo, hi
}

func (Direct) Init(p int) []float64 {
	v := make([]float64, p)
	for i := range v {
		v[i] = 1.0 / math.Sqrt(float64(p))
	}
	return v
}

// renormalize rescales v so that v[Reference] is one
func (d Direct) renormalize(v []float64) {
	if d.Reference < 0 || d.Reference >= len(v) || !(v[d.Reference] > 0) {
		return
	}
	scale := v[d.Reference]
	for i := range v {
		v[i] /= scale
	}
}

// ParameterizationFromStr maps a configuration name to a Parameterization
func ParameterizationFromStr(name string, reference int) (Parameterization, bool) {
	switch name {
	case "spherical", "sph", "":
		return Spherical{}, true
	case "direct", "cartesian":
		return Direct{Reference: reference}, true
	}
	return nil, false
}

// project moves every entry of v into the box [lo, hi]
func project(v, lo, hi []float64) {
	for i := range v {
		v[i] = math.Min(math.Max(v[i], lo[i]), hi[i])
	}
}
