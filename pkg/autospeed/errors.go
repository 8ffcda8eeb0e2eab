package autospeed

import (
	stderrors "errors"
	"fmt"

	"klipper-autospeed/pkg/errors"
)

// RunError ends a calibration run. It names the stage, the axis and the
// last value under test.
type RunError struct {
	Stage     Stage
	Axis      string
	LastValue *float64
	Err       error
}

func (e *RunError) Error() string {
	last := "none"
	if e.LastValue != nil {
		last = fmt.Sprintf("%.1f", *e.LastValue)
	}
	axis := e.Axis
	if axis == "" {
		axis = "-"
	}
	return fmt.Sprintf("%s failed on axis %s (last tested value %s): %v", e.Stage, axis, last, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Reason returns the error code of the underlying cause, if it has one.
func (e *RunError) Reason() errors.ErrorCode {
	var he *errors.HostError
	if stderrors.As(e.Err, &he) {
		return he.Code
	}
	return ""
}
