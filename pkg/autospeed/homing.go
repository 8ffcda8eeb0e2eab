package autospeed

import (
	"context"

	"klipper-autospeed/pkg/kinematics"
)

// HomingStrategy decides how much re-homing separates test moves.
type HomingStrategy interface {
	Name() string
	// Reference homes and reads the reference before a block of samples.
	Reference(ctx context.Context, d *StepLossDetector, axis kinematics.AxisProfile) (Reference, error)
	// Settle re-homes after a sample and reads the counters to compare.
	Settle(ctx context.Context, d *StepLossDetector, axis kinematics.AxisProfile) (Reference, error)
	// Next returns the reference for the following sample given the
	// reading Settle produced.
	Next(ctx context.Context, d *StepLossDetector, axis kinematics.AxisProfile, settled Reference) (Reference, error)
}

// ChainedHoming re-homes only the axes that re-establish the steppers of the
// tested axis, and reuses each post-sample reading as the next reference.
type ChainedHoming struct{}

func (ChainedHoming) Name() string { return "chained" }

func (h ChainedHoming) Reference(ctx context.Context, d *StepLossDetector, axis kinematics.AxisProfile) (Reference, error) {
	return h.Settle(ctx, d, axis)
}

func (ChainedHoming) Settle(ctx context.Context, d *StepLossDetector, axis kinematics.AxisProfile) (Reference, error) {
	if err := d.m.Home(ctx, axis.Homes); err != nil {
		return nil, err
	}
	return d.Read(ctx, axis)
}

func (ChainedHoming) Next(_ context.Context, _ *StepLossDetector, _ kinematics.AxisProfile, settled Reference) (Reference, error) {
	return settled, nil
}

// FullHoming re-zeros every axis the toolhead can have drifted on before and
// after every trial.
type FullHoming struct{}

func (FullHoming) Name() string { return "full" }

// axes is every planar axis for an XY test, or Z alone for a Z test.
func (FullHoming) axes(axis kinematics.AxisProfile) kinematics.Axes {
	if axis.Homes.Z && !axis.Homes.X && !axis.Homes.Y {
		return kinematics.Axes{Z: true}
	}
	return axis.Homes.Union(kinematics.Axes{X: true, Y: true})
}

func (h FullHoming) Reference(ctx context.Context, d *StepLossDetector, axis kinematics.AxisProfile) (Reference, error) {
	return h.Settle(ctx, d, axis)
}

func (h FullHoming) Settle(ctx context.Context, d *StepLossDetector, axis kinematics.AxisProfile) (Reference, error) {
	if err := d.m.Home(ctx, h.axes(axis)); err != nil {
		return nil, err
	}
	return d.Read(ctx, axis)
}

func (h FullHoming) Next(ctx context.Context, d *StepLossDetector, axis kinematics.AxisProfile, _ Reference) (Reference, error) {
	return h.Reference(ctx, d, axis)
}
