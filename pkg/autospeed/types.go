// Package autospeed is the calibration engine: it searches for the highest
// acceleration and velocity an axis sustains without losing steps, using
// safety-bounded test moves, multi-sample gauntlets and a final independent
// validation.
package autospeed

import (
	"fmt"
	"math"

	"klipper-autospeed/pkg/kinematics"
)

// Stage identifies a state of the calibration state machine.
type Stage string

const (
	StagePrep         Stage = "PREP"
	StageAccel        Stage = "STAGE1_ACCEL"
	StageVelocity     Stage = "STAGE2_VELOCITY"
	StageCharacterize Stage = "STAGE3_CHARACTERIZE"
	StageValidate     Stage = "STAGE4_VALIDATE"
	StageDone         Stage = "DONE"
	StageFailed       Stage = "FAILED"

	// Stages of the standalone legacy commands.
	StageLegacyValidate Stage = "LEGACY_VALIDATE"
)

// MoveShape selects which behavior a test move isolates.
type MoveShape int

const (
	// ShortSharp accelerates then decelerates with no coast phase.
	ShortSharp MoveShape = iota
	// LongSmooth accelerates, coasts at the target velocity, decelerates.
	LongSmooth
)

func (s MoveShape) String() string {
	switch s {
	case ShortSharp:
		return "short"
	case LongSmooth:
		return "long"
	default:
		return "unknown"
	}
}

// TestParameters is one velocity/acceleration pair to test on an axis.
type TestParameters struct {
	Velocity float64
	Accel    float64
	Axis     kinematics.AxisProfile
}

// MoveSpec is a single physical test move. Positions are along the axis.
type MoveSpec struct {
	Start    float64
	End      float64
	Velocity float64
	Accel    float64
	Shape    MoveShape
}

// Distance returns the length of the move.
func (m MoveSpec) Distance() float64 {
	return math.Abs(m.End - m.Start)
}

// Reverse returns the same move travelled in the opposite direction.
func (m MoveSpec) Reverse() MoveSpec {
	m.Start, m.End = m.End, m.Start
	return m
}

func (m MoveSpec) String() string {
	return fmt.Sprintf("%s %.2f->%.2f a%.0f v%.0f", m.Shape, m.Start, m.End, m.Accel, m.Velocity)
}

// SampleResult is the outcome of one test move.
type SampleResult struct {
	Passed bool
	// Deviation is the largest stepper disagreement in mm, when measured.
	Deviation *float64
	// MissedSteps is the same disagreement in full steps.
	MissedSteps float64
	Move        MoveSpec
}

// GauntletVerdict is the all-or-nothing verdict on one acceleration.
type GauntletVerdict struct {
	Value        float64
	ShortResults []SampleResult
	LongResults  []SampleResult
	Passed       bool
}

// Executed returns how many samples actually ran.
func (v GauntletVerdict) Executed() int {
	return len(v.ShortResults) + len(v.LongResults)
}

// SearchState is a binary search in progress.
type SearchState struct {
	Low         float64
	High        float64
	LastPassing *float64
	LastFailing *float64
	Iterations  int
}

// CalibrationResult is the outcome of one search stage.
type CalibrationResult struct {
	Axis         string
	Stage        Stage
	RawMax       float64
	DeratedValue float64
	DerateFactor float64
	// BoundsInsufficient is set when even the ceiling passed.
	BoundsInsufficient bool
}

// ValidationReport is the outcome of the final confirmation trials.
type ValidationReport struct {
	Axis      string
	Value     float64
	Attempts  int
	Passes    int
	Failures  int
	Confirmed bool
}

// CurvePoint is one point of the acceleration versus velocity curve.
type CurvePoint struct {
	Velocity float64
	MaxAccel float64
	AccelMin float64
	AccelMax float64
}

func ptr(v float64) *float64 { return &v }
