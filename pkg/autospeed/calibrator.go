package autospeed

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"

	"klipper-autospeed/pkg/endstop"
	"klipper-autospeed/pkg/errors"
	"klipper-autospeed/pkg/kinematics"
	"klipper-autospeed/pkg/log"
)

// Option configures a Calibrator or Orchestrator.
type Option func(*Calibrator)

// WithReporter sends progress events to r.
func WithReporter(r Reporter) Option {
	return func(c *Calibrator) { c.reporter = r }
}

// WithAbort stops the run before the next move once a reports an error.
func WithAbort(a AbortSignal) Option {
	return func(c *Calibrator) { c.abort = a }
}

// WithLogger replaces the engine logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Calibrator) { c.log = l }
}

// AxisResult collects everything measured on one axis.
type AxisResult struct {
	Axis       string
	Variance   *float64
	Accel      *CalibrationResult
	Velocity   *CalibrationResult
	Curve      []CurvePoint
	Validation *ValidationReport
	Legacy     *LegacyValidation
}

// LegacyValidation is the outcome of a fixed-parameter sweep test.
type LegacyValidation struct {
	Axis       string
	Accel      float64
	Velocity   float64
	Iterations int
	Result     SampleResult
}

// lastValue remembers the value of the latest probe or sample.
type lastValue struct {
	next  Reporter
	value *float64
}

func (l *lastValue) Report(e Event) {
	switch e.Kind {
	case EventSearchProbe, EventSampleStarted:
		l.value = ptr(e.Value)
	}
	if l.next != nil {
		l.next.Report(e)
	}
}

// Calibrator runs the individual calibration stages on a machine.
type Calibrator struct {
	m        *guardedMachine
	p        Params
	bounds   MoveBounds
	reporter Reporter
	abort    AbortSignal
	last     *lastValue
	events   *emitter
	log      *log.Logger
}

// NewCalibrator returns a calibrator for p on m.
func NewCalibrator(m Machine, p Params, opts ...Option) *Calibrator {
	c := &Calibrator{p: p, bounds: NewMoveBounds(p.Margin), log: log.New("autospeed")}
	for _, opt := range opts {
		opt(c)
	}
	c.m = guard(m, c.abort)
	c.last = &lastValue{next: c.reporter}
	c.events = newEmitter(c.last)
	return c
}

// Params returns the effective parameters.
func (c *Calibrator) Params() Params {
	return c.p
}

func (c *Calibrator) runError(stage Stage, axis string, err error) error {
	var re *RunError
	if stderrors.As(err, &re) {
		return err
	}
	return &RunError{Stage: stage, Axis: axis, LastValue: c.last.value, Err: err}
}

// CheckEndstops homes the axis repeatedly and fails when the steppers
// disagree by max_missed full steps or more. Smaller disagreement is
// reported as a warning.
func (c *Calibrator) CheckEndstops(ctx context.Context, axis kinematics.AxisProfile) (float64, error) {
	if c.p.SettlingHome {
		if err := c.m.Home(ctx, FullHoming{}.axes(axis)); err != nil {
			return 0, err
		}
	}
	v, err := endstop.CheckVariance(ctx, c.m, c.m, axis.Homes, axis.Steppers, c.p.EndstopSamples)
	if err != nil {
		unreadable := stderrors.Is(err, endstop.ErrMissingStepper) || stderrors.Is(err, endstop.ErrReadSteps)
		if unreadable && !errors.Is(err, errors.ErrAborted) {
			return 0, errors.SensorUnavailableError(axis.Name, err)
		}
		return 0, err
	}
	worst := v.Max()
	c.log.WithFields(log.Fields{"axis": axis.Name, "max_missed": worst}).Debug("endstop variance")
	if worst >= c.p.MaxMissed {
		return worst, errors.UnsafeConfigError("endstop variance on axis %s is %.2f full steps, limit %.2f",
			axis.Name, worst, c.p.MaxMissed).SetStage(string(StagePrep))
	}
	if worst > 0 {
		c.events.warn(StagePrep, axis.Name, fmt.Sprintf("endstops disagree by up to %.2f full steps", worst))
		c.log.WithField("axis", axis.Name).Warnf("endstop variance %.2f full steps", worst)
	}
	return worst, nil
}

// SearchAccel finds the highest acceleration that passes the gauntlet at
// accel_test_velocity.
func (c *Calibrator) SearchAccel(ctx context.Context, axis kinematics.AxisProfile) (CalibrationResult, error) {
	if err := c.bounds.Check(axis, c.p.AccelTestVelocity, c.p.AccelMin); err != nil {
		return CalibrationResult{}, err
	}
	runner := NewGauntletRunner(NewStepLossDetector(c.m), c.bounds, ChainedHoming{},
		c.p.SamplesPerTestType, c.p.AccelTestVelocity, c.last)
	oracle := func(ctx context.Context, accel float64) (bool, error) {
		v, err := runner.Run(ctx, StageAccel, axis, accel)
		return v.Passed, err
	}

	driver := NewBinarySearchDriver(StageAccel, axis.Name, c.last)
	out, err := driver.Search(ctx, SearchBounds{
		Floor:         c.p.AccelMin,
		Ceiling:       c.p.AccelMax,
		Resolution:    c.p.AccelMin * c.p.AccelAccu,
		MaxIterations: c.p.MaxIterations,
	}, oracle)
	if err != nil {
		return CalibrationResult{}, err
	}
	res := Derate(out, c.p.Derate, StageAccel, axis.Name)
	c.finish(res)
	return res, nil
}

// SearchVelocity finds the highest velocity reachable at accel, tested with
// single long moves and the max_missed threshold.
func (c *Calibrator) SearchVelocity(ctx context.Context, axis kinematics.AxisProfile, accel float64) (CalibrationResult, error) {
	ceiling := c.p.VelocityMax
	if reach := math.Floor(c.bounds.MaxReachableVelocity(axis, accel)); reach < ceiling {
		ceiling = reach
		c.events.warn(StageVelocity, axis.Name,
			fmt.Sprintf("velocity_max lowered to %.0f mm/s, the most axis %s reaches at %.0f mm/s^2", reach, axis.Name, accel))
	}
	if ceiling <= c.p.VelocityMin {
		return CalibrationResult{}, errors.UnsafeConfigError(
			"axis %s cannot reach more than velocity_min %.1f mm/s at %.1f mm/s^2", axis.Name, c.p.VelocityMin, accel).
			SetValue(accel)
	}

	oracle := velocityOracle(NewLegacyDetector(c.m, c.p.MaxMissed), c.bounds, axis, accel, c.last)
	driver := NewBinarySearchDriver(StageVelocity, axis.Name, c.last)
	out, err := driver.Search(ctx, SearchBounds{
		Floor:         c.p.VelocityMin,
		Ceiling:       ceiling,
		Resolution:    c.p.VelocityMin * c.p.VelocityAccu,
		MaxIterations: c.p.MaxIterations,
	}, oracle)
	if err != nil {
		return CalibrationResult{}, err
	}
	res := Derate(out, c.p.Derate, StageVelocity, axis.Name)
	c.finish(res)
	return res, nil
}

// SweepVelocities returns the characterization velocities strictly above
// base, ending at graph_velocity_max.
func (c *Calibrator) SweepVelocities(base float64) []float64 {
	top := c.p.GraphVelocityMax
	if top <= base {
		return nil
	}
	div := c.p.GraphVelocityDiv
	out := make([]float64, 0, div)
	for i := 1; i <= div; i++ {
		out = append(out, base+float64(i)*(top-base)/float64(div))
	}
	return out
}

// GraphVelocities returns graph_velocity_div velocities from
// graph_velocity_min to graph_velocity_max inclusive, in whole mm/s steps.
func (c *Calibrator) GraphVelocities() []float64 {
	lo, hi, div := c.p.GraphVelocityMin, c.p.GraphVelocityMax, c.p.GraphVelocityDiv
	var step float64
	if div > 1 {
		step = math.Floor((hi - lo) / float64(div-1))
	}
	out := make([]float64, 0, div)
	for i := 0; i < div; i++ {
		out = append(out, math.Round(float64(i)*step+lo))
	}
	return out
}

// Characterize runs a reduced acceleration search at each sweep velocity
// above base. Accel bounds follow the graph slopes, with the floor raised
// to what reaches the velocity inside the usable travel.
func (c *Calibrator) Characterize(ctx context.Context, stage Stage, axis kinematics.AxisProfile, base float64) ([]CurvePoint, error) {
	velocities := c.SweepVelocities(base)
	if len(velocities) == 0 {
		c.events.warn(stage, axis.Name, fmt.Sprintf("graph_velocity_max %.0f is not above %.0f, nothing to sweep",
			c.p.GraphVelocityMax, base))
		return nil, nil
	}
	return c.CharacterizeAt(ctx, stage, axis, velocities)
}

// CharacterizeAt searches the maximum acceleration at each velocity in
// ascending order. The sweep ends at the first velocity whose acceleration
// floor already loses steps, since every faster one would too.
func (c *Calibrator) CharacterizeAt(ctx context.Context, stage Stage, axis kinematics.AxisProfile, velocities []float64) ([]CurvePoint, error) {
	var curve []CurvePoint
	for _, v := range velocities {
		floor := 10000 * c.p.GraphAccelMinSlope / v
		ceiling := 10000 * c.p.GraphAccelMaxSlope / v
		if need := math.Ceil(c.bounds.MinAccelFor(axis, v)); need > floor {
			floor = need
		}
		if floor >= ceiling {
			c.events.warn(stage, axis.Name, fmt.Sprintf("skipping %.0f mm/s: axis %s needs %.0f mm/s^2, above the %.0f ceiling",
				v, axis.Name, floor, ceiling))
			continue
		}

		oracle := accelOracle(NewLegacyDetector(c.m, c.p.MaxMissed), c.bounds, axis, v, stage, c.last)
		driver := NewBinarySearchDriver(stage, axis.Name, c.last)
		out, err := driver.Search(ctx, SearchBounds{
			Floor:         floor,
			Ceiling:       ceiling,
			Resolution:    floor * c.p.AccelAccu,
			MaxIterations: c.p.MaxIterations,
		}, oracle)
		if out.FloorFailed {
			c.events.warn(stage, axis.Name, fmt.Sprintf("axis %s loses steps at %.0f mm/s even at %.0f mm/s^2, sweep ends there",
				axis.Name, v, floor))
			c.log.WithFields(log.Fields{"axis": axis.Name, "velocity": v, "accel": floor}).Warn("characterization floor fails")
			return curve, nil
		}
		if err != nil {
			return curve, err
		}
		pt := CurvePoint{Velocity: v, MaxAccel: out.RawMax, AccelMin: floor, AccelMax: ceiling}
		curve = append(curve, pt)
		c.events.emit(Event{Kind: EventCurvePoint, Stage: stage, Axis: axis.Name, Value: v, Point: &pt})
	}
	return curve, nil
}

// Validate confirms accel on axis with final_validation_iterations
// independent trials.
func (c *Calibrator) Validate(ctx context.Context, axis kinematics.AxisProfile, accel float64) (ValidationReport, error) {
	stage := NewValidationStage(NewStepLossDetector(c.m), c.bounds, c.p.ValidationPattern, c.p.AccelTestVelocity, c.last).
		WithPatternSize(c.p.ValidationPatternSize)
	return stage.Run(ctx, axis, accel, c.p.FinalValidationIterations)
}

// LegacySweep homes fully, sweeps the axis end to end inside the margin for
// every iteration, homes again and compares with max_missed.
func (c *Calibrator) LegacySweep(ctx context.Context, axis kinematics.AxisProfile) (LegacyValidation, error) {
	lv := LegacyValidation{Axis: axis.Name, Accel: c.p.ValidateAccel, Velocity: c.p.ValidateVelocity,
		Iterations: c.p.ValidateIterations}
	lo, hi := axis.Min+c.p.Margin, axis.Max-c.p.Margin
	if hi-lo < MinShortMoveDistance {
		return lv, errors.UnsafeConfigError("axis %s travel %.1fmm leaves no room inside a %.1fmm margin",
			axis.Name, axis.Travel(), c.p.Margin)
	}

	sweep := MoveSpec{Start: lo, End: hi, Velocity: lv.Velocity, Accel: lv.Accel, Shape: LongSmooth}
	moves := make([]MoveSpec, 0, 2*lv.Iterations)
	for i := 0; i < lv.Iterations; i++ {
		moves = append(moves, sweep, sweep.Reverse())
	}

	d := NewLegacyDetector(c.m, c.p.MaxMissed)
	homing := FullHoming{}
	c.events.emit(Event{Kind: EventSampleStarted, Stage: StageLegacyValidate, Axis: axis.Name,
		Value: lv.Accel, Sample: 1, Samples: 1, Shape: LongSmooth})
	ref, err := homing.Reference(ctx, d, axis)
	if err != nil {
		return lv, err
	}
	if lv.Result, _, err = d.SampleSequence(ctx, axis, moves, ref, homing); err != nil {
		return lv, err
	}
	c.events.emit(sampleFinished(StageLegacyValidate, axis.Name, lv.Accel, 1, 1, lv.Result))
	return lv, nil
}

func (c *Calibrator) finish(res CalibrationResult) {
	c.events.emit(Event{Kind: EventStageResult, Stage: res.Stage, Axis: res.Axis,
		Value: res.DeratedValue, Result: &res})
	if res.BoundsInsufficient {
		c.events.warn(res.Stage, res.Axis, fmt.Sprintf("ceiling %.0f passed, widen the search bounds", res.RawMax))
	}
	c.log.WithFields(log.Fields{
		"axis":    res.Axis,
		"stage":   res.Stage,
		"raw_max": res.RawMax,
		"derated": res.DeratedValue,
	}).Info("search converged")
}

// MultiAxisResult is the outcome of a focused command over several axes.
type MultiAxisResult struct {
	Stage Stage
	Axes  []AxisResult
	// Recommended is the lowest derated value across axes.
	Recommended float64
}

func (c *Calibrator) eachAxis(ctx context.Context, stage Stage, fn func(context.Context, kinematics.AxisProfile, *AxisResult) error) (MultiAxisResult, error) {
	out := MultiAxisResult{Stage: stage}
	c.events.emit(Event{Kind: EventStageEntered, Stage: stage})
	for _, axis := range c.p.Profiles {
		ar := AxisResult{Axis: axis.Name}
		if c.p.CheckVariance {
			v, err := c.CheckEndstops(ctx, axis)
			if err != nil {
				return out, c.fail(StagePrep, axis.Name, err)
			}
			ar.Variance = ptr(v)
		}
		if err := fn(ctx, axis, &ar); err != nil {
			return out, c.fail(stage, axis.Name, err)
		}
		out.Axes = append(out.Axes, ar)
	}
	return out, nil
}

func (c *Calibrator) fail(stage Stage, axis string, err error) error {
	err = c.runError(stage, axis, err)
	c.events.emit(Event{Kind: EventRunFailed, Stage: stage, Axis: axis, Err: err, Message: err.Error()})
	return err
}

func minRecommended(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	m := vals[0]
	for _, v := range vals[1:] {
		m = math.Min(m, v)
	}
	return m
}

// AccelOnly searches and validates the acceleration of every axis and
// recommends the lowest.
func (c *Calibrator) AccelOnly(ctx context.Context) (MultiAxisResult, error) {
	var vals []float64
	out, err := c.eachAxis(ctx, StageAccel, func(ctx context.Context, axis kinematics.AxisProfile, ar *AxisResult) error {
		res, err := c.SearchAccel(ctx, axis)
		if err != nil {
			return err
		}
		ar.Accel = &res
		vals = append(vals, res.DeratedValue)
		rep, err := c.Validate(ctx, axis, res.DeratedValue)
		if err != nil {
			return err
		}
		ar.Validation = &rep
		return nil
	})
	out.Recommended = minRecommended(vals)
	return out, err
}

// VelocityOnly searches the velocity of every axis at the fixed accel, or
// the machine's max_accel when none is given.
func (c *Calibrator) VelocityOnly(ctx context.Context) (MultiAxisResult, error) {
	accel := c.p.FixedAccel
	if accel <= 0 {
		accel = c.p.MachineMaxAccel
	}
	var vals []float64
	out, err := c.eachAxis(ctx, StageVelocity, func(ctx context.Context, axis kinematics.AxisProfile, ar *AxisResult) error {
		res, err := c.SearchVelocity(ctx, axis, accel)
		if err != nil {
			return err
		}
		ar.Velocity = &res
		vals = append(vals, res.DeratedValue)
		return nil
	})
	out.Recommended = minRecommended(vals)
	return out, err
}

// CharacterizeOnly sweeps every axis over GraphVelocities.
func (c *Calibrator) CharacterizeOnly(ctx context.Context) (MultiAxisResult, error) {
	velocities := c.GraphVelocities()
	return c.eachAxis(ctx, StageCharacterize, func(ctx context.Context, axis kinematics.AxisProfile, ar *AxisResult) error {
		curve, err := c.CharacterizeAt(ctx, StageCharacterize, axis, velocities)
		ar.Curve = curve
		return err
	})
}

// LegacyValidateOnly runs the fixed-parameter sweep on every axis.
func (c *Calibrator) LegacyValidateOnly(ctx context.Context) (MultiAxisResult, error) {
	return c.eachAxis(ctx, StageLegacyValidate, func(ctx context.Context, axis kinematics.AxisProfile, ar *AxisResult) error {
		lv, err := c.LegacySweep(ctx, axis)
		if err != nil {
			return err
		}
		ar.Legacy = &lv
		return nil
	})
}
