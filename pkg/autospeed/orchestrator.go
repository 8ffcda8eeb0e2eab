package autospeed

import (
	"context"
	"fmt"
	"time"

	"klipper-autospeed/pkg/log"
)

// RunSummary is the outcome of a full calibration run.
type RunSummary struct {
	State Stage
	Axes  []AxisResult

	// RecommendedAccel and RecommendedVelocity are the lowest derated values
	// across axes.
	RecommendedAccel    float64
	RecommendedVelocity float64
	// Confirmed is set when every axis passed validation.
	Confirmed bool

	Started  time.Time
	Finished time.Time
}

// Orchestrator sequences the calibration stages. A run moves strictly
// forward through PREP, the four numbered stages and DONE; any fatal error
// moves it to FAILED, which it never leaves.
type Orchestrator struct {
	c     *Calibrator
	state Stage
	log   *log.Logger
}

// NewOrchestrator returns an orchestrator that will run p on m.
func NewOrchestrator(m Machine, p Params, opts ...Option) *Orchestrator {
	c := NewCalibrator(m, p, opts...)
	return &Orchestrator{c: c, log: c.log.WithPrefix("orchestrator")}
}

// State returns the current state. It is empty before Run.
func (o *Orchestrator) State() Stage {
	return o.state
}

func (o *Orchestrator) enter(stage Stage) {
	o.state = stage
	o.log.WithField("stage", stage).Info("entering stage")
	o.c.events.emit(Event{Kind: EventStageEntered, Stage: stage})
}

func (o *Orchestrator) fail(stage Stage, axis string, err error) error {
	o.state = StageFailed
	err = o.c.fail(stage, axis, err)
	o.log.WithError(err).Error("calibration failed")
	return err
}

type axisStep func(ctx context.Context, i int) error

// stage enters s and runs step for every axis.
func (o *Orchestrator) stage(ctx context.Context, s Stage, step axisStep) error {
	o.enter(s)
	for i, axis := range o.c.p.Profiles {
		if err := step(ctx, i); err != nil {
			return o.fail(s, axis.Name, err)
		}
	}
	return nil
}

// Run performs one full calibration. An orchestrator runs once.
func (o *Orchestrator) Run(ctx context.Context) (*RunSummary, error) {
	if o.state != "" {
		return nil, fmt.Errorf("calibration already ran, state %s", o.state)
	}
	c := o.c
	p := c.p
	sum := &RunSummary{Started: time.Now(), Axes: make([]AxisResult, len(p.Profiles))}
	for i, axis := range p.Profiles {
		sum.Axes[i].Axis = axis.Name
	}
	if len(p.Profiles) == 0 {
		o.state = StageFailed
		return sum, &RunError{Stage: StagePrep, Err: fmt.Errorf("no axes to calibrate")}
	}
	failed := func(err error) (*RunSummary, error) {
		sum.State = o.state
		sum.Finished = time.Now()
		return sum, err
	}

	err := o.stage(ctx, StagePrep, func(ctx context.Context, i int) error {
		v, err := c.CheckEndstops(ctx, p.Profiles[i])
		sum.Axes[i].Variance = ptr(v)
		return err
	})
	if err != nil {
		return failed(err)
	}

	var accels []float64
	err = o.stage(ctx, StageAccel, func(ctx context.Context, i int) error {
		res, err := c.SearchAccel(ctx, p.Profiles[i])
		if err != nil {
			return err
		}
		sum.Axes[i].Accel = &res
		accels = append(accels, res.DeratedValue)
		return nil
	})
	if err != nil {
		return failed(err)
	}
	sum.RecommendedAccel = minRecommended(accels)

	var velocities []float64
	err = o.stage(ctx, StageVelocity, func(ctx context.Context, i int) error {
		res, err := c.SearchVelocity(ctx, p.Profiles[i], sum.RecommendedAccel)
		if err != nil {
			return err
		}
		sum.Axes[i].Velocity = &res
		velocities = append(velocities, res.DeratedValue)
		return nil
	})
	if err != nil {
		return failed(err)
	}
	sum.RecommendedVelocity = minRecommended(velocities)

	err = o.stage(ctx, StageCharacterize, func(ctx context.Context, i int) error {
		curve, err := c.Characterize(ctx, StageCharacterize, p.Profiles[i], p.AccelTestVelocity)
		sum.Axes[i].Curve = curve
		return err
	})
	if err != nil {
		return failed(err)
	}

	sum.Confirmed = true
	err = o.stage(ctx, StageValidate, func(ctx context.Context, i int) error {
		rep, err := c.Validate(ctx, p.Profiles[i], sum.RecommendedAccel)
		if err != nil {
			return err
		}
		sum.Axes[i].Validation = &rep
		sum.Confirmed = sum.Confirmed && rep.Confirmed
		return nil
	})
	if err != nil {
		sum.Confirmed = false
		return failed(err)
	}

	o.enter(StageDone)
	sum.State = o.state
	sum.Finished = time.Now()
	c.events.emit(Event{Kind: EventRunComplete, Stage: StageDone, Value: sum.RecommendedAccel,
		Passed: sum.Confirmed, Summary: sum})
	return sum, nil
}
