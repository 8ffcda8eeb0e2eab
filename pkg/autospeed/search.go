package autospeed

import (
	"context"
	"fmt"

	"klipper-autospeed/pkg/errors"
)

// Oracle reports whether value passes.
type Oracle func(ctx context.Context, value float64) (bool, error)

// SearchBounds configures one binary search.
type SearchBounds struct {
	Floor         float64
	Ceiling       float64
	Resolution    float64
	MaxIterations int
}

// SearchOutcome is the converged result of a search, before derating.
type SearchOutcome struct {
	RawMax             float64
	BoundsInsufficient bool
	// FloorFailed is set with the error returned when the floor itself fails.
	FloorFailed bool
	State              SearchState
	// Probes counts every oracle call including floor and ceiling checks.
	Probes int
}

// BinarySearchDriver searches for the highest passing value of a monotonic
// oracle.
type BinarySearchDriver struct {
	stage  Stage
	axis   string
	events *emitter
}

// NewBinarySearchDriver returns a driver that reports probes as stage/axis.
func NewBinarySearchDriver(stage Stage, axis string, r Reporter) *BinarySearchDriver {
	return &BinarySearchDriver{stage: stage, axis: axis, events: newEmitter(r)}
}

func (d *BinarySearchDriver) probe(ctx context.Context, oracle Oracle, value float64, out *SearchOutcome) (bool, error) {
	d.events.emit(Event{Kind: EventSearchProbe, Stage: d.stage, Axis: d.axis, Value: value})
	out.Probes++
	passed, err := oracle(ctx, value)
	if err != nil {
		return false, err
	}
	d.events.emit(Event{Kind: EventVerdict, Stage: d.stage, Axis: d.axis, Value: value, Passed: passed})
	return passed, nil
}

// Search bisects [Floor, Ceiling]. Low always holds a passing value (or the
// untested floor) and High a failing value (or the untested ceiling). When
// no midpoint passed the floor itself is tested, and when no midpoint failed
// the ceiling is.
func (d *BinarySearchDriver) Search(ctx context.Context, b SearchBounds, oracle Oracle) (SearchOutcome, error) {
	if b.Floor <= 0 || b.Ceiling <= b.Floor {
		return SearchOutcome{}, errors.ConfigValidationError("bounds",
			fmt.Sprintf("search range [%.1f, %.1f] is empty", b.Floor, b.Ceiling))
	}
	if b.Resolution <= 0 {
		return SearchOutcome{}, errors.ConfigValidationError("resolution", "must be above 0")
	}

	out := SearchOutcome{State: SearchState{Low: b.Floor, High: b.Ceiling}}
	st := &out.State
	for st.High-st.Low > b.Resolution && (b.MaxIterations <= 0 || st.Iterations < b.MaxIterations) {
		mid := (st.Low + st.High) / 2
		st.Iterations++
		passed, err := d.probe(ctx, oracle, mid, &out)
		if err != nil {
			return out, err
		}
		if passed {
			st.Low = mid
			st.LastPassing = ptr(mid)
		} else {
			st.High = mid
			st.LastFailing = ptr(mid)
		}
	}

	if st.LastPassing == nil {
		passed, err := d.probe(ctx, oracle, b.Floor, &out)
		if err != nil {
			return out, err
		}
		if !passed {
			out.FloorFailed = true
			return out, errors.UnsafeConfigError("search floor %.1f already fails on axis %s", b.Floor, d.axis).
				SetStage(string(d.stage)).SetValue(b.Floor)
		}
		st.LastPassing = ptr(b.Floor)
	}
	if st.LastFailing == nil {
		passed, err := d.probe(ctx, oracle, b.Ceiling, &out)
		if err != nil {
			return out, err
		}
		if passed {
			out.RawMax = b.Ceiling
			out.BoundsInsufficient = true
			st.Low = b.Ceiling
			st.LastPassing = ptr(b.Ceiling)
			return out, nil
		}
		st.LastFailing = ptr(b.Ceiling)
	}
	out.RawMax = *st.LastPassing
	return out, nil
}

// Derate turns a search outcome into the recommended value. It is the only
// place a derate factor is applied.
func Derate(out SearchOutcome, factor float64, stage Stage, axis string) CalibrationResult {
	return CalibrationResult{
		Axis:               axis,
		Stage:              stage,
		RawMax:             out.RawMax,
		DeratedValue:       out.RawMax * factor,
		DerateFactor:       factor,
		BoundsInsufficient: out.BoundsInsufficient,
	}
}
