package autospeed

import (
	"math"

	"klipper-autospeed/pkg/errors"
	"klipper-autospeed/pkg/kinematics"
)

const (
	// MinShortMoveDistance is the shortest test move worth executing, in mm.
	MinShortMoveDistance = 5.0

	// safeTravelFraction of the half travel is the longest test move.
	safeTravelFraction = 0.75
)

// MoveBounds computes test move distances that keep the axis inside its
// limits even if the controller never decelerates.
type MoveBounds struct {
	// Margin is kept clear at both ends of travel, in mm.
	Margin float64
}

// NewMoveBounds returns a calculator keeping margin mm clear of the limits.
func NewMoveBounds(margin float64) MoveBounds {
	return MoveBounds{Margin: margin}
}

// usableHalf is the distance from the travel center to the margin.
func (b MoveBounds) usableHalf(axis kinematics.AxisProfile) float64 {
	return axis.Travel()/2 - b.Margin
}

// SafeCap is the longest move allowed on axis. A move of that length centered
// on the travel midpoint can overrun either end by its own length and still
// stay inside the margin.
func (b MoveBounds) SafeCap(axis kinematics.AxisProfile) float64 {
	half := axis.Travel() / 2
	return math.Min(half*safeTravelFraction, 2*b.usableHalf(axis)/3)
}

// MaxReachableVelocity is the highest velocity whose acceleration distance
// at accel still fits in the usable half travel.
func (b MoveBounds) MaxReachableVelocity(axis kinematics.AxisProfile, accel float64) float64 {
	u := b.usableHalf(axis)
	if u <= 0 || accel <= 0 {
		return 0
	}
	return math.Sqrt(2 * accel * u)
}

// MinAccelFor is the lowest acceleration that reaches velocity inside the
// usable half travel.
func (b MoveBounds) MinAccelFor(axis kinematics.AxisProfile, velocity float64) float64 {
	u := b.usableHalf(axis)
	if u <= 0 {
		return math.Inf(1)
	}
	return velocity * velocity / (2 * u)
}

// Check reports an unsafe configuration when velocity and accel cannot be
// tested on axis at all.
func (b MoveBounds) Check(axis kinematics.AxisProfile, velocity, accel float64) error {
	if velocity <= 0 || accel <= 0 {
		return errors.UnsafeConfigError("velocity %.1f and acceleration %.1f must be positive", velocity, accel)
	}
	u := b.usableHalf(axis)
	if u <= 0 || b.SafeCap(axis) < MinShortMoveDistance {
		return errors.UnsafeConfigError("axis %s travel %.1fmm is too short for a %.1fmm test move with a %.1fmm margin",
			axis.Name, axis.Travel(), MinShortMoveDistance, b.Margin)
	}
	accelDist := velocity * velocity / (2 * accel)
	if accelDist > u*(1+1e-9) {
		return errors.UnsafeConfigError("axis %s needs %.1fmm to reach %.1fmm/s at %.1fmm/s^2, only %.1fmm usable",
			axis.Name, accelDist, velocity, accel, u).SetValue(velocity)
	}
	return nil
}

// Distance returns the test move length for one shape.
func (b MoveBounds) Distance(axis kinematics.AxisProfile, velocity, accel float64, shape MoveShape) (float64, error) {
	if err := b.Check(axis, velocity, accel); err != nil {
		return 0, err
	}
	limit := b.SafeCap(axis)
	if shape == LongSmooth {
		return limit, nil
	}
	return math.Min(math.Max(velocity*velocity/accel, MinShortMoveDistance), limit), nil
}

// Spec builds a test move of the given shape centered on the travel
// midpoint. forward runs from the low end to the high end.
func (b MoveBounds) Spec(p TestParameters, shape MoveShape, forward bool) (MoveSpec, error) {
	d, err := b.Distance(p.Axis, p.Velocity, p.Accel, shape)
	if err != nil {
		return MoveSpec{}, err
	}
	c := p.Axis.Center()
	m := MoveSpec{
		Start:    c - d/2,
		End:      c + d/2,
		Velocity: p.Velocity,
		Accel:    p.Accel,
		Shape:    shape,
	}
	if !forward {
		m = m.Reverse()
	}
	return m, nil
}
