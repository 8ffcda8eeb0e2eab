// Package endstop measures endstop repeatability: the step-count agreement
// of repeated homes used as a calibration pre-check, and the positional
// spread reported by the endstop accuracy commands.
package endstop

import (
	"context"
	"errors"
	"fmt"
	"math"

	"klipper-autospeed/pkg/kinematics"
)

// Common errors
var (
	ErrTooFewSamples  = errors.New("endstop: at least 2 samples are required")
	ErrMissingStepper = errors.New("endstop: stepper missing from position report")
	ErrReadSteps      = errors.New("endstop: read steps")
)

// Homer homes a set of machine axes and blocks until done.
type Homer interface {
	Home(ctx context.Context, axes kinematics.Axes) error
}

// StepReader reads the MCU step counters of the named steppers.
type StepReader interface {
	ReadSteps(ctx context.Context, steppers []string) (map[string]int64, error)
}

// Positioner reads the toolhead position and issues plain moves.
type Positioner interface {
	ToolheadPosition(ctx context.Context) (kinematics.Vector, error)
	MoveAbsolute(ctx context.Context, pos kinematics.Vector, axes kinematics.Axes, speed float64) error
}

// Variance is the result of a repeated-home consistency check.
type Variance struct {
	Samples int
	// Missed holds, per stepper, the full-step disagreement between each
	// pair of consecutive homes.
	Missed map[string][]float64
}

// Max returns the largest disagreement across all steppers, in full steps.
func (v Variance) Max() float64 {
	var m float64
	for _, missed := range v.Missed {
		for _, d := range missed {
			m = math.Max(m, d)
		}
	}
	return m
}

// MaxFor returns the largest disagreement of one stepper.
func (v Variance) MaxFor(stepper string) float64 {
	var m float64
	for _, d := range v.Missed[stepper] {
		m = math.Max(m, d)
	}
	return m
}

// CheckVariance homes axes samples times and compares the step counters of
// steppers after each home with the previous one.
func CheckVariance(ctx context.Context, h Homer, r StepReader, axes kinematics.Axes,
	steppers []kinematics.StepperGeometry, samples int) (Variance, error) {
	if samples < 2 {
		return Variance{}, ErrTooFewSamples
	}

	names := make([]string, len(steppers))
	for i, s := range steppers {
		names[i] = s.Name
	}

	v := Variance{Samples: samples, Missed: make(map[string][]float64, len(steppers))}
	var prev map[string]int64
	for i := 0; i < samples; i++ {
		if err := h.Home(ctx, axes); err != nil {
			return v, fmt.Errorf("endstop: home %d/%d: %w", i+1, samples, err)
		}
		steps, err := r.ReadSteps(ctx, names)
		if err != nil {
			return v, fmt.Errorf("%w: %w", ErrReadSteps, err)
		}
		for _, s := range steppers {
			cur, ok := steps[s.Name]
			if !ok {
				return v, fmt.Errorf("%w: %s", ErrMissingStepper, s.Name)
			}
			if prev != nil {
				delta := math.Abs(float64(cur - prev[s.Name]))
				v.Missed[s.Name] = append(v.Missed[s.Name], delta/float64(s.Microsteps))
			}
		}
		prev = steps
	}
	return v, nil
}

// Stats summarizes repeated homed positions of one rail.
type Stats struct {
	Samples int
	Max     float64
	Min     float64
	Range   float64
	Average float64
	StdDev  float64
}

// String formats the stats the way Klipper reports probe accuracy.
func (s Stats) String() string {
	return fmt.Sprintf("maximum %.6f, minimum %.6f, range %.6f, average %.6f, standard deviation %.6f",
		s.Max, s.Min, s.Range, s.Average, s.StdDev)
}

// NewStats computes the summary of positions. The standard deviation is the
// population deviation.
func NewStats(positions []float64) Stats {
	if len(positions) == 0 {
		return Stats{}
	}
	s := Stats{Samples: len(positions), Max: positions[0], Min: positions[0]}
	var sum float64
	for _, p := range positions {
		s.Max = math.Max(s.Max, p)
		s.Min = math.Min(s.Min, p)
		sum += p
	}
	s.Average = sum / float64(len(positions))
	s.Range = s.Max - s.Min
	var sq float64
	for _, p := range positions {
		sq += (p - s.Average) * (p - s.Average)
	}
	s.StdDev = math.Sqrt(sq / float64(len(positions)))
	return s
}

// Accuracy homes one rail samples times, records the homed position and
// backs off by the rail's retract distance between homes.
func Accuracy(ctx context.Context, h Homer, p Positioner, axis int, rail kinematics.Rail, samples int) (Stats, error) {
	if samples < 1 {
		return Stats{}, fmt.Errorf("endstop: samples must be at least 1")
	}
	if axis < 0 || axis > 2 {
		return Stats{}, fmt.Errorf("endstop: invalid axis index %d", axis)
	}
	axes := axisSet(axis)

	retract := -rail.HomingRetract
	if !rail.HomingPositive() {
		retract = rail.HomingRetract
	}

	positions := make([]float64, 0, samples)
	for i := 0; i < samples; i++ {
		if err := h.Home(ctx, axes); err != nil {
			return Stats{}, fmt.Errorf("endstop: home %d/%d: %w", i+1, samples, err)
		}
		pos, err := p.ToolheadPosition(ctx)
		if err != nil {
			return Stats{}, fmt.Errorf("endstop: read position: %w", err)
		}
		positions = append(positions, pos[axis])

		pos[axis] += retract
		if err := p.MoveAbsolute(ctx, pos, axes, rail.SecondHoming); err != nil {
			return Stats{}, fmt.Errorf("endstop: retract: %w", err)
		}
	}
	return NewStats(positions), nil
}

func axisSet(axis int) kinematics.Axes {
	switch axis {
	case 0:
		return kinematics.Axes{X: true}
	case 1:
		return kinematics.Axes{Y: true}
	default:
		return kinematics.Axes{Z: true}
	}
}
