package autospeed

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-autospeed/pkg/errors"
	"klipper-autospeed/pkg/safety"
)

func stageOrder(rec *recorder) []Stage {
	var out []Stage
	for _, e := range rec.kinds(EventStageEntered) {
		out = append(out, e.Stage)
	}
	return out
}

func TestOrchestratorFullRun(t *testing.T) {
	m := newFakeMachine(threshold(8000, 900))
	rec := &recorder{}
	o := NewOrchestrator(m, testParams(testAxis(300)), WithReporter(rec))

	sum, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StageDone, o.State())
	assert.Equal(t, []Stage{StagePrep, StageAccel, StageVelocity, StageCharacterize, StageValidate, StageDone}, stageOrder(rec))
	assert.Empty(t, m.misplaced)

	ax := sum.Axes[0]
	require.NotNil(t, ax.Accel)
	assert.LessOrEqual(t, ax.Accel.RawMax, 8000.0)
	assert.Greater(t, ax.Accel.RawMax, 8000.0-50)
	assert.InDelta(t, ax.Accel.RawMax*0.8, ax.Accel.DeratedValue, 1e-9)
	assert.Equal(t, ax.Accel.DeratedValue, sum.RecommendedAccel)

	require.NotNil(t, ax.Velocity)
	assert.LessOrEqual(t, ax.Velocity.RawMax, 900.0)
	assert.Greater(t, ax.Velocity.RawMax, 900.0-2.5)
	assert.False(t, ax.Velocity.BoundsInsufficient)

	require.Len(t, ax.Curve, 5)
	assert.Equal(t, 300.0, ax.Curve[0].Velocity)
	assert.Equal(t, 700.0, ax.Curve[4].Velocity)
	for _, pt := range ax.Curve {
		assert.LessOrEqual(t, pt.MaxAccel, 8000.0)
		assert.GreaterOrEqual(t, pt.MaxAccel, pt.AccelMin)
	}
	assert.Len(t, rec.kinds(EventCurvePoint), 5)

	require.NotNil(t, ax.Validation)
	assert.True(t, ax.Validation.Confirmed)
	assert.Equal(t, 30, ax.Validation.Attempts)
	assert.True(t, sum.Confirmed)

	// velocity_max 5000 is out of reach on 300mm of travel.
	assert.NotEmpty(t, rec.kinds(EventWarning))
	assert.Len(t, rec.kinds(EventRunComplete), 1)
}

func TestOrchestratorFloorFailureIsTerminal(t *testing.T) {
	m := newFakeMachine(threshold(500, 900))
	rec := &recorder{}
	o := NewOrchestrator(m, testParams(testAxis(300)), WithReporter(rec))

	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StageFailed, o.State())

	var re *RunError
	require.True(t, stderrors.As(err, &re))
	assert.Equal(t, StageAccel, re.Stage)
	assert.Equal(t, "x", re.Axis)
	require.NotNil(t, re.LastValue)
	assert.Equal(t, 1000.0, *re.LastValue)
	assert.Equal(t, errors.ErrUnsafeConfig, re.Reason())
	assert.Contains(t, err.Error(), "STAGE1_ACCEL")
	assert.Contains(t, err.Error(), "1000")

	assert.Equal(t, []Stage{StagePrep, StageAccel}, stageOrder(rec), "no stage after the failure")
	assert.Len(t, rec.kinds(EventRunFailed), 1)

	_, err = o.Run(context.Background())
	assert.Error(t, err, "FAILED is absorbing")
	assert.Equal(t, StageFailed, o.State())
}

func TestOrchestratorMechanicalFault(t *testing.T) {
	m := newFakeMachine(nil)
	m.moveErr = errDriver
	o := NewOrchestrator(m, testParams(testAxis(300)))

	_, err := o.Run(context.Background())
	assert.True(t, errors.Is(err, errors.ErrMechanicalFault))
	assert.ErrorIs(t, err, errDriver)
	assert.Equal(t, StageFailed, o.State())
}

func TestOrchestratorEndstopVariance(t *testing.T) {
	m := newFakeMachine(nil)
	homes := 0
	m.beforeOp = func() {
		homes++
		if homes == 3 {
			m.steps["stepper_x"] += 8 // half a full step
		}
	}
	rec := &recorder{}
	p := testParams(testAxis(300))
	p.AccelMax = 2000
	p.GraphVelocityMax = 0
	p.FinalValidationIterations = 1
	_, err := NewOrchestrator(m, p, WithReporter(rec)).Run(context.Background())
	require.NoError(t, err)

	warnings := rec.kinds(EventWarning)
	require.NotEmpty(t, warnings)
	assert.Equal(t, StagePrep, warnings[0].Stage)

	m = newFakeMachine(nil)
	homes = 0
	m.beforeOp = func() {
		homes++
		if homes == 3 {
			m.steps["stepper_x"] += 32
		}
	}
	o := NewOrchestrator(m, p)
	_, err = o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsUnsafeConfig(err))
	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StagePrep, re.Stage)
}

func TestOrchestratorAbortStopsBeforeNextMove(t *testing.T) {
	m := newFakeMachine(nil)
	sm := safety.New()
	issued := 0
	m.beforeOp = func() {
		issued++
		if issued == 12 {
			sm.EmergencyStop("operator")
		}
	}

	o := NewOrchestrator(m, testParams(testAxis(300)), WithAbort(sm))
	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAborted))
	assert.ErrorIs(t, err, safety.ErrEmergencyStop)
	assert.Equal(t, 12, issued, "no move or home after the stop")
}

func TestOrchestratorContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := newFakeMachine(nil)
	issued := 0
	m.beforeOp = func() {
		issued++
		if issued == 5 {
			cancel()
		}
	}
	_, err := NewOrchestrator(m, testParams(testAxis(300))).Run(ctx)
	assert.True(t, errors.Is(err, errors.ErrAborted))
	assert.Equal(t, 5, issued)
}

func TestOrchestratorRequiresAxes(t *testing.T) {
	o := NewOrchestrator(newFakeMachine(nil), testParams())
	_, err := o.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StageFailed, o.State())
}

func TestFocusedCommandsRecommendMinimum(t *testing.T) {
	x := testAxis(300)
	y := testAxis(300)
	y.Name = "y"
	hits := map[string]float64{"x": 6000, "y": 4000}
	current := "x"
	m := newFakeMachine(func(mv MoveSpec) bool { return mv.Accel > hits[current] })

	p := testParams(x, y)
	p.FinalValidationIterations = 2
	c := NewCalibrator(m, p, WithReporter(ReporterFunc(func(e Event) {
		if e.Axis != "" {
			current = e.Axis
		}
	})))

	res, err := c.AccelOnly(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Axes, 2)
	assert.InDelta(t, res.Axes[1].Accel.DeratedValue, res.Recommended, 1e-9)
	assert.Less(t, res.Axes[1].Accel.RawMax, res.Axes[0].Accel.RawMax)
	for _, ar := range res.Axes {
		require.NotNil(t, ar.Validation)
		assert.True(t, ar.Validation.Confirmed)
	}
}

func TestVelocityOnlyUsesFixedAccel(t *testing.T) {
	m := newFakeMachine(threshold(1e9, 400))
	p := testParams(testAxis(300))
	p.FixedAccel = 2500
	res, err := NewCalibrator(m, p).VelocityOnly(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Axes[0].Velocity.RawMax, 400.0)
	for _, mv := range m.moves {
		assert.Equal(t, 2500.0, mv.Accel)
	}
}

func TestLegacySweep(t *testing.T) {
	m := newFakeMachine(threshold(1e9, 250))
	p := testParams(testAxis(300))
	p.ValidateVelocity = 300
	p.ValidateAccel = 3000
	p.ValidateIterations = 4

	res, err := NewCalibrator(m, p).LegacyValidateOnly(context.Background())
	require.NoError(t, err)
	lv := res.Axes[0].Legacy
	require.NotNil(t, lv)
	assert.False(t, lv.Result.Passed)
	assert.Len(t, m.moves, 8)
	assert.Equal(t, -130.0, m.moves[0].Start)
	assert.Equal(t, 130.0, m.moves[0].End)
}

func TestCharacterizeSkipsInfeasibleVelocities(t *testing.T) {
	rec := &recorder{}
	p := testParams(testAxis(300))
	p.GraphAccelMaxSlope = 150
	c := NewCalibrator(newFakeMachine(nil), p, WithReporter(rec))

	// 10000*150/700 = 2143 while reaching 700 mm/s inside 130mm needs 1885.
	curve, err := c.Characterize(context.Background(), StageCharacterize, testAxis(300), 200)
	require.NoError(t, err)
	assert.Len(t, curve, 5)

	p.GraphAccelMaxSlope = 120
	c = NewCalibrator(newFakeMachine(nil), p, WithReporter(rec))
	curve, err = c.Characterize(context.Background(), StageCharacterize, testAxis(300), 200)
	require.NoError(t, err)
	assert.Less(t, len(curve), 5)
	assert.NotEmpty(t, rec.kinds(EventWarning))
}

func TestCharacterizeEndsWhereFloorFails(t *testing.T) {
	rec := &recorder{}
	c := NewCalibrator(newFakeMachine(threshold(8000, 450)), testParams(testAxis(300)), WithReporter(rec))

	// Sweeps 300, 400, 500, 600 and 700 mm/s; nothing above 450 passes.
	curve, err := c.Characterize(context.Background(), StageCharacterize, testAxis(300), 200)
	require.NoError(t, err)
	require.Len(t, curve, 2)
	assert.Equal(t, 300.0, curve[0].Velocity)
	assert.Equal(t, 400.0, curve[1].Velocity)
	for _, e := range rec.kinds(EventSearchProbe) {
		assert.LessOrEqual(t, e.Value, 60000.0)
	}
	warnings := rec.kinds(EventWarning)
	require.NotEmpty(t, warnings)
	assert.Contains(t, warnings[len(warnings)-1].Message, "500 mm/s")
}

func TestOrchestratorVelocityLimitedPrinter(t *testing.T) {
	m := newFakeMachine(threshold(8000, 450))
	p := testParams(testAxis(300))
	o := NewOrchestrator(m, p)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StageDone, o.State())
	ax := sum.Axes[0]
	require.NotNil(t, ax.Velocity)
	assert.Less(t, ax.Velocity.RawMax, 450.0)
	assert.NotEmpty(t, ax.Curve)
	require.NotNil(t, ax.Validation)
	assert.True(t, sum.Confirmed)
}

func TestGraphVelocities(t *testing.T) {
	p := testParams(testAxis(300))
	c := NewCalibrator(newFakeMachine(nil), p)
	assert.Equal(t, []float64{200, 325, 450, 575, 700}, c.GraphVelocities())

	p.GraphVelocityDiv = 4
	c = NewCalibrator(newFakeMachine(nil), p)
	assert.Equal(t, []float64{200, 366, 532, 698}, c.GraphVelocities())

	p.GraphVelocityDiv = 1
	c = NewCalibrator(newFakeMachine(nil), p)
	assert.Equal(t, []float64{200}, c.GraphVelocities())
}

func TestCharacterizeOnlyStartsAtGraphMinimum(t *testing.T) {
	m := newFakeMachine(threshold(8000, 900))
	p := testParams(testAxis(300))
	p.GraphVelocityDiv = 3
	res, err := NewCalibrator(m, p).CharacterizeOnly(context.Background())
	require.NoError(t, err)

	var got []float64
	for _, pt := range res.Axes[0].Curve {
		got = append(got, pt.Velocity)
	}
	assert.Equal(t, []float64{200, 450, 700}, got)
}

func TestOrchestratorPrepReadFailure(t *testing.T) {
	m := newFakeMachine(nil)
	m.readErr = assert.AnError
	o := NewOrchestrator(m, testParams(testAxis(300)))

	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsUnsafeConfig(err))
	assert.True(t, errors.Is(err, errors.ErrSensorUnavailable))
	assert.ErrorIs(t, err, assert.AnError)
	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StagePrep, re.Stage)
	assert.Equal(t, StageFailed, o.State())
}
