// Package sim is a simulated motion system. It tracks commanded and physical
// stepper positions separately and drops steps whenever a test move asks
// for more than a simple torque curve allows.
package sim

import "math"

// Model describes the simulated motors.
type Model struct {
	// PeakAccel is the acceleration sustained inside the constant-torque
	// region, in mm/s^2.
	PeakAccel float64
	// CornerVelocity is where back-EMF starts to cut into torque, in mm/s.
	CornerVelocity float64
	// MaxVelocity is the speed at which the motors stall outright, in mm/s.
	MaxVelocity float64
	// LossFullSteps are dropped by every stepper of a stalled move.
	LossFullSteps int
	// EndstopJitter is the trigger repeatability, in microsteps either way.
	EndstopJitter int
	Seed          int64
}

// DefaultModel is a typical NEMA17 belt axis.
func DefaultModel() Model {
	return Model{
		PeakAccel:      12000,
		CornerVelocity: 250,
		MaxVelocity:    800,
		LossFullSteps:  8,
		EndstopJitter:  0,
		Seed:           1,
	}
}

// AccelLimit is the highest acceleration available at velocity. Above the
// corner velocity torque falls as 1/v.
func (m Model) AccelLimit(velocity float64) float64 {
	if velocity <= m.CornerVelocity || m.CornerVelocity <= 0 {
		return m.PeakAccel
	}
	return m.PeakAccel * m.CornerVelocity / velocity
}

// PeakVelocity is the fastest a move of distance reaches: a triangular
// profile tops out at sqrt(accel*distance).
func PeakVelocity(velocity, accel, distance float64) float64 {
	return math.Min(velocity, math.Sqrt(accel*distance))
}

// Stalls reports whether a move loses steps.
func (m Model) Stalls(velocity, accel, distance float64) bool {
	peak := PeakVelocity(velocity, accel, distance)
	if m.MaxVelocity > 0 && peak > m.MaxVelocity {
		return true
	}
	return accel > m.AccelLimit(peak)
}
