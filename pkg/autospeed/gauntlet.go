package autospeed

import (
	"context"

	"klipper-autospeed/pkg/kinematics"
)

// verdictBuilder collects samples in order and stops accepting them once a
// failure has been recorded.
type verdictBuilder struct {
	v      GauntletVerdict
	failed bool
}

func newVerdictBuilder(value float64) *verdictBuilder {
	return &verdictBuilder{v: GauntletVerdict{Value: value}}
}

// add records r and reports whether more samples should run.
func (b *verdictBuilder) add(r SampleResult) bool {
	if b.failed {
		return false
	}
	switch r.Move.Shape {
	case ShortSharp:
		b.v.ShortResults = append(b.v.ShortResults, r)
	default:
		b.v.LongResults = append(b.v.LongResults, r)
	}
	if !r.Passed {
		b.failed = true
	}
	return !b.failed
}

func (b *verdictBuilder) verdict() GauntletVerdict {
	v := b.v
	v.Passed = !b.failed
	return v
}

// GauntletRunner tests one acceleration with blocks of short and long moves
// at a fixed velocity.
type GauntletRunner struct {
	detector *StepLossDetector
	bounds   MoveBounds
	homing   HomingStrategy
	samples  int
	velocity float64
	events   *emitter
}

// NewGauntletRunner returns a runner for samples moves of each shape.
func NewGauntletRunner(d *StepLossDetector, b MoveBounds, homing HomingStrategy, samples int, velocity float64, r Reporter) *GauntletRunner {
	return &GauntletRunner{
		detector: d,
		bounds:   b,
		homing:   homing,
		samples:  samples,
		velocity: velocity,
		events:   newEmitter(r),
	}
}

// Run evaluates accel on axis. Short samples run before long ones; within a
// block samples alternate direction. The first failure ends the gauntlet.
func (g *GauntletRunner) Run(ctx context.Context, stage Stage, axis kinematics.AxisProfile, accel float64) (GauntletVerdict, error) {
	b := newVerdictBuilder(accel)
	params := TestParameters{Velocity: g.velocity, Accel: accel, Axis: axis}

	ref, err := g.homing.Reference(ctx, g.detector, axis)
	if err != nil {
		return b.verdict(), err
	}

	total := 2 * g.samples
	n := 0
	for _, shape := range []MoveShape{ShortSharp, LongSmooth} {
		for i := 0; i < g.samples; i++ {
			move, err := g.bounds.Spec(params, shape, i%2 == 0)
			if err != nil {
				return b.verdict(), err
			}
			n++
			g.events.emit(Event{Kind: EventSampleStarted, Stage: stage, Axis: axis.Name,
				Value: accel, Sample: n, Samples: total, Shape: shape})

			res, settled, err := g.detector.Sample(ctx, axis, move, ref, g.homing)
			if err != nil {
				return b.verdict(), err
			}
			g.events.emit(sampleFinished(stage, axis.Name, accel, n, total, res))

			if !b.add(res) {
				return b.verdict(), nil
			}
			if ref, err = g.homing.Next(ctx, g.detector, axis, settled); err != nil {
				return b.verdict(), err
			}
		}
	}
	return b.verdict(), nil
}
