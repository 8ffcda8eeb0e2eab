package autospeed

import (
	"context"
	stderrors "errors"
	"fmt"

	"klipper-autospeed/pkg/errors"
	"klipper-autospeed/pkg/kinematics"
)

// MotionDriver executes moves and blocks until they are physically complete.
type MotionDriver interface {
	// MoveTo positions the toolhead at pos along axis using the machine's
	// normal limits.
	MoveTo(ctx context.Context, axis kinematics.AxisProfile, pos float64) error
	// ExecuteMove runs a test move with its own velocity and acceleration.
	ExecuteMove(ctx context.Context, axis kinematics.AxisProfile, move MoveSpec) error
}

// Homer re-homes machine axes.
type Homer interface {
	Home(ctx context.Context, axes kinematics.Axes) error
}

// PositionSensor reads the MCU step counters of steppers.
type PositionSensor interface {
	ReadSteps(ctx context.Context, steppers []string) (map[string]int64, error)
}

// Machine is everything the engine needs from the motion system.
type Machine interface {
	MotionDriver
	Homer
	PositionSensor
}

// AbortSignal reports an externally requested stop.
type AbortSignal interface {
	CheckOperational() error
}

// guardedMachine checks for abort before every move or home and classifies
// collaborator failures.
type guardedMachine struct {
	m     Machine
	abort AbortSignal
}

func guard(m Machine, abort AbortSignal) *guardedMachine {
	if g, ok := m.(*guardedMachine); ok {
		return g
	}
	return &guardedMachine{m: m, abort: abort}
}

func (g *guardedMachine) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.AbortedError(err)
	}
	if g.abort != nil {
		if err := g.abort.CheckOperational(); err != nil {
			return errors.AbortedError(err)
		}
	}
	return nil
}

// classify keeps already classified errors and treats anything else from
// the motion system as a mechanical fault.
func (g *guardedMachine) classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var he *errors.HostError
	if stderrors.As(err, &he) {
		return err
	}
	if ctx.Err() != nil {
		return errors.AbortedError(err)
	}
	return errors.MechanicalFaultError(op, err)
}

func (g *guardedMachine) MoveTo(ctx context.Context, axis kinematics.AxisProfile, pos float64) error {
	if err := g.check(ctx); err != nil {
		return err
	}
	if !axis.Contains(pos) {
		return errors.UnsafeConfigError("position %.3f outside axis %s limits [%.3f, %.3f]",
			pos, axis.Name, axis.Min, axis.Max)
	}
	return g.classify(ctx, "move", g.m.MoveTo(ctx, axis, pos))
}

func (g *guardedMachine) ExecuteMove(ctx context.Context, axis kinematics.AxisProfile, move MoveSpec) error {
	if err := g.check(ctx); err != nil {
		return err
	}
	if !axis.Contains(move.Start) || !axis.Contains(move.End) {
		return errors.UnsafeConfigError("test move %s leaves axis %s limits [%.3f, %.3f]",
			move, axis.Name, axis.Min, axis.Max)
	}
	return g.classify(ctx, fmt.Sprintf("test move %s", move), g.m.ExecuteMove(ctx, axis, move))
}

func (g *guardedMachine) Home(ctx context.Context, axes kinematics.Axes) error {
	if err := g.check(ctx); err != nil {
		return err
	}
	return g.classify(ctx, "home "+axes.String(), g.m.Home(ctx, axes))
}

// ReadSteps passes sensor errors through unclassified; the caller knows
// which axis is affected.
func (g *guardedMachine) ReadSteps(ctx context.Context, steppers []string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.AbortedError(err)
	}
	return g.m.ReadSteps(ctx, steppers)
}
