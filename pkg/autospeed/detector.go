package autospeed

import (
	"context"
	"fmt"
	"math"

	"klipper-autospeed/pkg/errors"
	"klipper-autospeed/pkg/kinematics"
	"klipper-autospeed/pkg/log"
)

// FullStepThreshold is how many full steps a stepper may disagree by before
// a sample counts as step loss.
const FullStepThreshold = 3.0

// positionTolerance is how far in mm a move may start from the toolhead
// before it is repositioned first.
const positionTolerance = 1e-6

// Reference is a step counter reading taken at a known-good position.
type Reference map[string]int64

// StepLossDetector runs test moves and compares stepper counters across a
// re-home.
type StepLossDetector struct {
	m         Machine
	threshold float64
	log       *log.Logger
}

// NewStepLossDetector returns a detector with the fixed physics threshold.
func NewStepLossDetector(m Machine) *StepLossDetector {
	return newDetector(m, FullStepThreshold)
}

// NewLegacyDetector returns a detector using the configured max_missed
// threshold of the legacy commands.
func NewLegacyDetector(m Machine, maxMissed float64) *StepLossDetector {
	return newDetector(m, maxMissed)
}

func newDetector(m Machine, threshold float64) *StepLossDetector {
	return &StepLossDetector{m: m, threshold: threshold, log: log.New("detector")}
}

// Threshold returns the tolerated disagreement in full steps.
func (d *StepLossDetector) Threshold() float64 {
	return d.threshold
}

// Read takes a step reading of the steppers moved by axis.
func (d *StepLossDetector) Read(ctx context.Context, axis kinematics.AxisProfile) (Reference, error) {
	steps, err := d.m.ReadSteps(ctx, axis.StepperNames())
	if err != nil {
		if errors.Is(err, errors.ErrAborted) {
			return nil, err
		}
		return nil, errors.SensorUnavailableError(axis.Name, err)
	}
	return Reference(steps), nil
}

// Sample executes one test move, re-homes with homing and compares the new
// reading against ref. The returned reading is the post-sample reference.
func (d *StepLossDetector) Sample(ctx context.Context, axis kinematics.AxisProfile, move MoveSpec,
	ref Reference, homing HomingStrategy) (SampleResult, Reference, error) {
	return d.SampleSequence(ctx, axis, []MoveSpec{move}, ref, homing)
}

// SampleSequence executes moves back to back and compares once after the
// re-home. A move that does not start where the previous one ended is
// preceded by a positioning move. The first move's shape and parameters
// describe the result.
func (d *StepLossDetector) SampleSequence(ctx context.Context, axis kinematics.AxisProfile, moves []MoveSpec,
	ref Reference, homing HomingStrategy) (SampleResult, Reference, error) {
	if len(moves) == 0 {
		return SampleResult{}, ref, fmt.Errorf("no test moves")
	}
	if err := d.m.MoveTo(ctx, axis, moves[0].Start); err != nil {
		return SampleResult{}, nil, err
	}
	at := moves[0].Start
	for _, mv := range moves {
		if math.Abs(mv.Start-at) > positionTolerance {
			if err := d.m.MoveTo(ctx, axis, mv.Start); err != nil {
				return SampleResult{}, nil, err
			}
		}
		if err := d.m.ExecuteMove(ctx, axis, mv); err != nil {
			return SampleResult{}, nil, err
		}
		at = mv.End
	}
	after, err := homing.Settle(ctx, d, axis)
	if err != nil {
		return SampleResult{}, nil, err
	}
	res, err := d.compare(axis, ref, after)
	if err != nil {
		return SampleResult{}, nil, err
	}
	res.Move = moves[0]

	d.log.WithFields(log.Fields{
		"axis":   axis.Name,
		"move":   res.Move.String(),
		"missed": res.MissedSteps,
		"passed": res.Passed,
	}).Debug("sample")
	return res, after, nil
}

// compare measures the largest disagreement between two readings. A stepper
// absent from either reading, or one that moved further than the axis can
// travel, means the sensor cannot be trusted.
func (d *StepLossDetector) compare(axis kinematics.AxisProfile, ref, cur Reference) (SampleResult, error) {
	res := SampleResult{Passed: true}
	var worst float64
	for _, s := range axis.Steppers {
		before, ok1 := ref[s.Name]
		after, ok2 := cur[s.Name]
		if !ok1 || !ok2 {
			return res, errors.SensorUnavailableError(axis.Name, fmt.Errorf("no reading for %s", s.Name))
		}
		if s.Microsteps <= 0 || s.FullStepDistance <= 0 {
			return res, errors.SensorUnavailableError(axis.Name, fmt.Errorf("%s has no step geometry", s.Name))
		}
		full := math.Abs(float64(after-before)) / float64(s.Microsteps)
		mm := full * s.FullStepDistance
		if mm > axis.Travel() {
			return res, errors.SensorUnavailableError(axis.Name,
				fmt.Errorf("%s moved %.1fmm across a home, more than the %.1fmm travel", s.Name, mm, axis.Travel()))
		}
		if mm > d.threshold*s.FullStepDistance {
			res.Passed = false
		}
		res.MissedSteps = math.Max(res.MissedSteps, full)
		worst = math.Max(worst, mm)
	}
	res.Deviation = ptr(worst)
	return res, nil
}
