package autospeed

import (
	"context"
	"fmt"

	"klipper-autospeed/pkg/kinematics"
)

// ValidationStage confirms an already derated acceleration with
// independent trials.
type ValidationStage struct {
	detector *StepLossDetector
	bounds   MoveBounds
	homing   HomingStrategy
	pattern  string
	size     float64
	velocity float64
	events   *emitter
}

// NewValidationStage returns a validator running pattern at velocity with a
// full home around every trial.
func NewValidationStage(d *StepLossDetector, b MoveBounds, pattern string, velocity float64, r Reporter) *ValidationStage {
	return &ValidationStage{
		detector: d,
		bounds:   b,
		homing:   FullHoming{},
		pattern:  pattern,
		velocity: velocity,
		events:   newEmitter(r),
	}
}

// WithPatternSize sets the long move length in mm. Zero keeps the largest
// safe move.
func (v *ValidationStage) WithPatternSize(size float64) *ValidationStage {
	v.size = size
	return v
}

// moves returns one trial's moves: short there and back followed by long
// there and back, or only the long pair for the single pattern.
func (v *ValidationStage) moves(p TestParameters) ([]MoveSpec, error) {
	shapes := []MoveShape{ShortSharp, LongSmooth}
	if v.pattern == PatternSingle {
		shapes = []MoveShape{LongSmooth}
	}
	var out []MoveSpec
	for _, shape := range shapes {
		fwd, err := v.bounds.Spec(p, shape, true)
		if err != nil {
			return nil, err
		}
		if shape == LongSmooth && v.size > 0 {
			c := p.Axis.Center()
			fwd.Start, fwd.End = c-v.size/2, c+v.size/2
		}
		out = append(out, fwd, fwd.Reverse())
	}
	return out, nil
}

// Run performs attempts trials of accel on axis. A failed trial is counted,
// never retried.
func (v *ValidationStage) Run(ctx context.Context, axis kinematics.AxisProfile, accel float64, attempts int) (ValidationReport, error) {
	rep := ValidationReport{Axis: axis.Name, Value: accel}
	if limit := v.bounds.SafeCap(axis); v.size > limit {
		v.events.warn(StageValidate, axis.Name, fmt.Sprintf(
			"validation_pattern_size %.1fmm is above the %.1fmm safe move of axis %s, validation skipped", v.size, limit, axis.Name))
		return rep, nil
	}
	moves, err := v.moves(TestParameters{Velocity: v.velocity, Accel: accel, Axis: axis})
	if err != nil {
		return rep, err
	}

	for i := 1; i <= attempts; i++ {
		ref, err := v.homing.Reference(ctx, v.detector, axis)
		if err != nil {
			return rep, err
		}
		v.events.emit(Event{Kind: EventSampleStarted, Stage: StageValidate, Axis: axis.Name,
			Value: accel, Sample: i, Samples: attempts, Shape: moves[0].Shape})

		res, _, err := v.detector.SampleSequence(ctx, axis, moves, ref, v.homing)
		if err != nil {
			return rep, err
		}
		rep.Attempts++
		if res.Passed {
			rep.Passes++
		} else {
			rep.Failures++
		}
		v.events.emit(sampleFinished(StageValidate, axis.Name, accel, i, attempts, res))
	}
	rep.Confirmed = rep.Attempts > 0 && rep.Failures == 0
	v.events.emit(Event{Kind: EventValidation, Stage: StageValidate, Axis: axis.Name,
		Value: accel, Passed: rep.Confirmed, Validation: &rep})
	return rep, nil
}
