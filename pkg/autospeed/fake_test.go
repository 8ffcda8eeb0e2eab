package autospeed

import (
	"context"
	"errors"
	"math"

	"klipper-autospeed/pkg/kinematics"
)

// fakeMachine counts steps and loses lossSteps microsteps on every stepper
// whenever fails reports a test move as too aggressive. The loss shows up
// at the next home, as it would on a real printer.
type fakeMachine struct {
	steps     map[string]int64
	lossSteps int64
	fails     func(MoveSpec) bool

	moves   []MoveSpec
	homes   []kinematics.Axes
	moveTos []float64
	pending bool

	// toolhead is where the last move or positioning left the axis; placed
	// is false after a home until the next MoveTo.
	toolhead  float64
	placed    bool
	misplaced []MoveSpec

	readErr  error
	moveErr  error
	beforeOp func()
}

func newFakeMachine(fails func(MoveSpec) bool) *fakeMachine {
	return &fakeMachine{
		steps:     map[string]int64{"stepper_x": 100000, "stepper_y": 200000, "stepper_z": 0},
		lossSteps: 80,
		fails:     fails,
	}
}

func (f *fakeMachine) op() {
	if f.beforeOp != nil {
		f.beforeOp()
	}
}

func (f *fakeMachine) MoveTo(ctx context.Context, axis kinematics.AxisProfile, pos float64) error {
	f.op()
	f.moveTos = append(f.moveTos, pos)
	f.toolhead, f.placed = pos, true
	return nil
}

func (f *fakeMachine) ExecuteMove(ctx context.Context, axis kinematics.AxisProfile, move MoveSpec) error {
	f.op()
	if f.moveErr != nil {
		return f.moveErr
	}
	f.moves = append(f.moves, move)
	if !f.placed || math.Abs(f.toolhead-move.Start) > 1e-9 {
		f.misplaced = append(f.misplaced, move)
	}
	f.toolhead, f.placed = move.End, true
	if f.fails != nil && f.fails(move) {
		f.pending = true
	}
	return nil
}

func (f *fakeMachine) Home(ctx context.Context, axes kinematics.Axes) error {
	f.op()
	f.homes = append(f.homes, axes)
	f.placed = false
	if f.pending {
		for name := range f.steps {
			f.steps[name] += f.lossSteps
		}
		f.pending = false
	}
	return nil
}

func (f *fakeMachine) ReadSteps(ctx context.Context, steppers []string) (map[string]int64, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make(map[string]int64, len(steppers))
	for _, s := range steppers {
		if v, ok := f.steps[s]; ok {
			out[s] = v
		}
	}
	return out, nil
}

// threshold fails every move above the given acceleration or velocity.
func threshold(accel, velocity float64) func(MoveSpec) bool {
	return func(m MoveSpec) bool { return m.Accel > accel || m.Velocity > velocity }
}

var errDriver = errors.New("driver fault")

func testRails(travel float64) []kinematics.Rail {
	return []kinematics.Rail{
		{Name: "stepper_x", Microsteps: 16, FullStepDistance: 0.2, PositionMax: travel, PositionEndstop: 0},
		{Name: "stepper_y", Microsteps: 16, FullStepDistance: 0.2, PositionMax: travel, PositionEndstop: travel},
		{Name: "stepper_z", Microsteps: 16, FullStepDistance: 0.04, PositionMax: 250},
	}
}

func testAxis(travel float64) kinematics.AxisProfile {
	p, err := kinematics.NewCartesianKinematics(testRails(travel)).AxisProfile("x")
	if err != nil {
		panic(err)
	}
	return p
}

func testParams(axes ...kinematics.AxisProfile) Params {
	return Params{
		Options:            DefaultOptions(),
		Profiles:           axes,
		ValidateAccel:      3000,
		ValidateVelocity:   300,
		ValidateIterations: 5,
	}
}

// recorder keeps every event in order.
type recorder struct {
	events []Event
}

func (r *recorder) Report(e Event) { r.events = append(r.events, e) }

func (r *recorder) kinds(kind EventKind) []Event {
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// abortAfter trips once n operations have been issued.
type abortAfter struct {
	n   int
	err error
}

func (a *abortAfter) CheckOperational() error {
	if a.n <= 0 {
		return a.err
	}
	a.n--
	return nil
}
