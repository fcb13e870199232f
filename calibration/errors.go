package calibration

import "github.com/pkg/errors"

var (
	// ErrInvalidInput is returned for bad paths, grids, frame rates, or frames that break the
	// input contract.
	ErrInvalidInput = errors.New("invalid calibration input")
	// ErrInconsistentState is returned when exactly one of the debug video and the calibration
	// record exists next to a board source.
	ErrInconsistentState = errors.New("inconsistent calibration state")
	// ErrNumericalFailure is returned when the correspondences cannot be solved, or the solve
	// produced an unusable model.
	ErrNumericalFailure = errors.New("calibration failed")
	// ErrUnsupportedSchema is returned for a calibration record of an unknown version or kind.
	ErrUnsupportedSchema = errors.New("unsupported calibration record")
)

func newInconsistentStateError(present, missing string) error {
	return errors.Wrapf(ErrInconsistentState,
		"%q exists but %q does not; remove %q and run again", present, missing, present)
}
