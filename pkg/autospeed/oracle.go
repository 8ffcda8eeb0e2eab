package autospeed

import (
	"context"

	"klipper-autospeed/pkg/kinematics"
)

// singleSampleOracle tests one long move per probe, chaining the reference
// from each probe into the next. The velocity and legacy curve searches use
// it in place of the gauntlet.
type singleSampleOracle struct {
	detector *StepLossDetector
	bounds   MoveBounds
	axis     kinematics.AxisProfile
	stage    Stage
	events   *emitter
	// params maps the probed value to the move under test.
	params func(value float64) TestParameters

	ref    Reference
	probes int
}

func (o *singleSampleOracle) test(ctx context.Context, value float64) (bool, error) {
	homing := ChainedHoming{}
	if o.ref == nil {
		ref, err := homing.Reference(ctx, o.detector, o.axis)
		if err != nil {
			return false, err
		}
		o.ref = ref
	}
	move, err := o.bounds.Spec(o.params(value), LongSmooth, o.probes%2 == 0)
	if err != nil {
		return false, err
	}
	o.probes++
	o.events.emit(Event{Kind: EventSampleStarted, Stage: o.stage, Axis: o.axis.Name,
		Value: value, Sample: 1, Samples: 1, Shape: LongSmooth})

	res, settled, err := o.detector.Sample(ctx, o.axis, move, o.ref, homing)
	if err != nil {
		return false, err
	}
	o.ref = settled
	o.events.emit(sampleFinished(o.stage, o.axis.Name, value, 1, 1, res))
	return res.Passed, nil
}

// velocityOracle probes velocities at a fixed acceleration.
func velocityOracle(d *StepLossDetector, b MoveBounds, axis kinematics.AxisProfile, accel float64, r Reporter) Oracle {
	o := &singleSampleOracle{
		detector: d, bounds: b, axis: axis, stage: StageVelocity, events: newEmitter(r),
		params: func(v float64) TestParameters { return TestParameters{Velocity: v, Accel: accel, Axis: axis} },
	}
	return o.test
}

// accelOracle probes accelerations at a fixed velocity with single samples.
func accelOracle(d *StepLossDetector, b MoveBounds, axis kinematics.AxisProfile, velocity float64, stage Stage, r Reporter) Oracle {
	o := &singleSampleOracle{
		detector: d, bounds: b, axis: axis, stage: stage, events: newEmitter(r),
		params: func(a float64) TestParameters { return TestParameters{Velocity: velocity, Accel: a, Axis: axis} },
	}
	return o.test
}
