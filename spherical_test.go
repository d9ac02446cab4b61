package arsa

import (
	"math"
	"testing"

	"github.com/iti/rngstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpherical2CartesianNonNegative(t *testing.T) {
	rng := rngstream.New("spherical-forward")
	for trial := 0; trial < 50; trial++ {
		n := 1 + trial%6
		theta := RandomTheta(n+1, rng)
		require.Len(t, theta, n)

		car := Spherical2Cartesian(theta)
		require.Len(t, car, n+1)
		norm := 0.0
		for i, c := range car {
			assert.GreaterOrEqual(t, c, 0.0, "coordinate %d of %v", i, theta)
			norm += c * c
		}
		assert.InDelta(t, 1.0, norm, 1e-12)
	}
}

func TestSpherical2CartesianKnownValues(t *testing.T) {
	car := Spherical2Cartesian([]float64{math.Pi / 3})
	assert.InDelta(t, 0.5, car[0], 1e-15)
	assert.InDelta(t, math.Sqrt(3)/2, car[1], 1e-15)

	car = Spherical2Cartesian([]float64{})
	assert.Equal(t, []float64{1.0}, car)
}

func TestSphericalJacobianFiniteDifference(t *testing.T) {
	const h = 1e-6
	rng := rngstream.New("spherical-jacobian")

	for n := 1; n <= 6; n++ {
		theta := RandomTheta(n+1, rng)
		jac := SphericalJacobian(theta)
		rows, cols := jac.Dims()
		require.Equal(t, n+1, rows)
		require.Equal(t, n, cols)

		for j := 0; j < n; j++ {
			plus := append([]float64(nil), theta...)
			minus := append([]float64(nil), theta...)
			plus[j] += h
			minus[j] -= h
			fp, fm := Spherical2Cartesian(plus), Spherical2Cartesian(minus)
			for i := 0; i <= n; i++ {
				fd := (fp[i] - fm[i]) / (2 * h)
				assert.InDelta(t, fd, jac.At(i, j), 1e-5*math.Max(1.0, math.Abs(fd)),
					"entry (%d,%d) for n=%d", i, j, n)
			}
		}
	}
}

func TestDefaultThetaGivesEqualCoefficients(t *testing.T) {
	for _, p := range []int{2, 3, 4, 9, 30} {
		rho := Spherical{}.Forward(DefaultTheta(p))
		require.Len(t, rho, p)
		for i, r := range rho {
			assert.InDelta(t, 1.0/math.Sqrt(float64(p)), r, 1e-12, "p=%d coefficient %d", p, i)
		}
	}
	assert.Empty(t, DefaultTheta(1))
	assert.Empty(t, DefaultTheta(0))
}

func TestClampTheta(t *testing.T) {
	in := []float64{-1, 0.5, math.Pi}
	out := ClampTheta(in)
	assert.Equal(t, []float64{ThetaLow, 0.5, ThetaHigh}, out)
	assert.Equal(t, -1.0, in[0], "input must not be modified")
}

func TestParameterizationFromStr(t *testing.T) {
	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"", "spherical", true},
		{"spherical", "spherical", true},
		{"sph", "spherical", true},
		{"direct", "direct", true},
		{"cartesian", "direct", true},
		{"polar", "", false},
	}
	for _, tc := range tests {
		param, ok := ParameterizationFromStr(tc.name, 0)
		assert.Equal(t, tc.ok, ok, tc.name)
		if tc.ok {
			assert.Equal(t, tc.want, param.Name(), tc.name)
		}
	}
}

func TestDirectParameterization(t *testing.T) {
	d := Direct{Reference: 1}
	assert.Equal(t, 3, d.Dim(3))

	v := d.Init(4)
	for _, x := range v {
		assert.InDelta(t, 0.5, x, 1e-15)
	}

	jac := d.Jacobian([]float64{2, 3})
	assert.Equal(t, 1.0, jac.At(0, 0))
	assert.Equal(t, 0.0, jac.At(0, 1))

	w := []float64{2, 4, 8}
	d.renormalize(w)
	assert.Equal(t, []float64{0.5, 1, 2}, w)

	lo, hi := d.Bounds(2)
	assert.Equal(t, []float64{RhoFloor, RhoFloor}, lo)
	assert.True(t, math.IsInf(hi[0], 1))
}
