package motion

import "github.com/pkg/errors"

// Errors returned by the controller. Callers match them with errors.Is.
var (
	// ErrInvalidArgument is returned for negative step counts and other bad input.
	// No driver call is made.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnknownAxis is returned when a command names an axis that was not registered.
	ErrUnknownAxis = errors.New("unknown axis")
	// ErrDriverFault wraps a failure reported by an AxisDriver. It is never retried.
	ErrDriverFault = errors.New("driver fault")
)

type driverFault struct {
	axis  AxisID
	op    string
	cause error
}

func (f *driverFault) Error() string {
	return "axis " + f.axis.String() + ": " + f.op + ": " + ErrDriverFault.Error() + ": " + f.cause.Error()
}

func (f *driverFault) Is(target error) bool { return target == ErrDriverFault }

func (f *driverFault) Unwrap() error { return f.cause }

func newDriverFault(axis AxisID, op string, cause error) error {
	return errors.WithStack(&driverFault{axis: axis, op: op, cause: cause})
}
