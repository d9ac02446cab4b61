package arsa

// arrivals.go samples the inter-arrival times of replayed samples and queries

import (
	"fmt"
	"math"

	"github.com/iti/rngstream"
)

// An ArrivalProcess draws successive inter-arrival gaps in virtual seconds
type ArrivalProcess struct {
	rate float64

	// function that computes inter-arrival times.  First argument
	// is U01 random number, second argument is vector of parameters for distribution
	sampleNxtArrival func(float64, []float64) float64

	rngstrm *rngstream.RngStream
}

// NewArrivalProcess is a constructor.  dist names the inter-arrival distribution,
// exponential (the default, giving Poisson arrivals) or constant.
func NewArrivalProcess(dist string, rate float64, rngstrm *rngstream.RngStream) (*ArrivalProcess, error) {
	if !(rate > 0) {
		return nil, fmt.Errorf("%w: arrival rate %v", ErrBadFormat, rate)
	}
	ap := &ArrivalProcess{rate: rate, rngstrm: rngstrm}
	switch dist {
	case "", "exponential", "exp", "expon":
		ap.sampleNxtArrival = sampleExpRV
	case "constant", "const":
		ap.sampleNxtArrival = sampleConst
	default:
		return nil, fmt.Errorf("%w: inter-arrival distribution %q", ErrBadFormat, dist)
	}
	return ap, nil
}

// Next returns the gap to the next arrival
func (ap *ArrivalProcess) Next() float64 {
	return roundFloat(ap.sampleNxtArrival(ap.rngstrm.RandU01(), []float64{ap.rate}), 9)
}

// round computed simulation time to avoid non-sensical comparisons
// induced by rounding error
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}

// expRV returns a sample of a exponentially distributed random number
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// sampleExpRV has the function signature expected by ArrivalProcess
// for calling a next interarrival time
func sampleExpRV(u01 float64, params []float64) float64 {
	return expRV(u01, params[0])
}

// sampleConst has the function signature expected by ArrivalProcess
// for calling a next interarrival time, here, a constant
func sampleConst(u01 float64, params []float64) float64 {
	return 1.0 / params[0]
}
