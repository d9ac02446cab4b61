package arsa

// errors.go holds the error values reported by the estimation engine and
// the helper used to fold lists of validation failures into one error

import (
	"errors"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrInvalidTopology is returned when a routing matrix or capacity vector
	// cannot describe a well-posed NUM problem: an all-zero row (a link no flow uses),
	// an all-zero column (a flow crossing no constrained link), or a non-positive capacity.
	ErrInvalidTopology = errors.New("invalid topology")

	// ErrDimension flags inconsistent vector or matrix sizes among the inputs
	ErrDimension = errors.New("dimension mismatch")

	// ErrNoSamples is returned by the batched estimator when given nothing to fit
	ErrNoSamples = errors.New("no samples")

	// ErrBadFormat is returned when a sample, rates or config file cannot be parsed
	ErrBadFormat = errors.New("bad format")
)

// ReportErrs folds the non-nil members of a list of errors into a single error
// with the individual messages preserved. nil is returned when there is nothing to report.
func ReportErrs(errs []error) error {
	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
