package link

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-autospeed/pkg/autospeed"
	"klipper-autospeed/pkg/errors"
	"klipper-autospeed/pkg/kinematics"
)

const getPosition = `// mcu: stepper_x:12800 stepper_y:-3200 stepper_z:400
// stepper: stepper_x:160.000000 stepper_y:-40.000000 stepper_z:1.000000
// kinematic: X:60.000000 Y:100.000000 Z:1.000000
// toolhead: X:60.000000 Y:100.000000 Z:1.000000 E:0.000000
// gcode: X:60.000000 Y:100.000000 Z:1.000000 E:0.000000`

type fakeTransport struct {
	scripts []string
	reply   func(script string) ([]string, error)
	stopped bool
}

func (f *fakeTransport) Script(ctx context.Context, script string) ([]string, error) {
	f.scripts = append(f.scripts, script)
	if f.reply != nil {
		return f.reply(script)
	}
	if strings.Contains(script, "GET_POSITION") {
		return strings.Split(getPosition, "\n"), nil
	}
	return nil, nil
}

func (f *fakeTransport) Close() error { return nil }

type stoppingTransport struct{ fakeTransport }

func (s *stoppingTransport) EmergencyStop(ctx context.Context) error {
	s.stopped = true
	return nil
}

func xAxis() kinematics.AxisProfile {
	return kinematics.AxisProfile{
		Name:   "x",
		Vector: kinematics.Vector{1, 0, 0},
		Origin: kinematics.Vector{150, 150, 0},
		Min:    -150,
		Max:    150,
		Moves:  kinematics.Axes{X: true},
		Homes:  kinematics.Axes{X: true},
	}
}

func TestExecuteMoveScript(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft, DefaultConfig())

	move := autospeed.MoveSpec{Start: -40, End: 40, Velocity: 200, Accel: 12000, Shape: autospeed.LongSmooth}
	require.NoError(t, p.ExecuteMove(context.Background(), xAxis(), move))
	require.Len(t, ft.scripts, 1)

	lines := strings.Split(ft.scripts[0], "\n")
	assert.Equal(t, []string{
		"G90",
		"SET_VELOCITY_LIMIT VELOCITY=200.000 ACCEL=12000.000 SQUARE_CORNER_VELOCITY=5.000 MINIMUM_CRUISE_RATIO=0.000",
		"G0 X190.0000 F12000",
		"M400",
		"SET_VELOCITY_LIMIT VELOCITY=300.000 ACCEL=3000.000 SQUARE_CORNER_VELOCITY=5.000 MINIMUM_CRUISE_RATIO=0.500",
	}, lines)
}

func TestHomeScript(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, p.Home(ctx, kinematics.Axes{X: true, Y: true}))
	require.NoError(t, p.Home(ctx, kinematics.Axes{}))
	require.Len(t, ft.scripts, 1)
	assert.Contains(t, ft.scripts[0], "\nG28 X0 Y0\nM400")
}

func TestMoveToUsesOnlyMovedAxes(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft, DefaultConfig())
	diag := kinematics.AxisProfile{
		Vector: kinematics.Vector{0.5, 0.5, 0},
		Origin: kinematics.Vector{150, 150, 10},
		Moves:  kinematics.Axes{X: true, Y: true},
	}
	require.NoError(t, p.MoveTo(context.Background(), diag, 20))
	assert.Contains(t, ft.scripts[0], "G0 X160.0000 Y160.0000 F6000")
	assert.NotContains(t, ft.scripts[0], " Z")
}

func TestReadSteps(t *testing.T) {
	p := New(&fakeTransport{}, DefaultConfig())
	steps, err := p.ReadSteps(context.Background(), []string{"stepper_x", "stepper_y", "stepper_a"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"stepper_x": 12800, "stepper_y": -3200}, steps)

	pos, err := p.ToolheadPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, kinematics.Vector{60, 100, 1}, pos)
}

func TestParsePositionErrors(t *testing.T) {
	_, err := ParsePosition([]string{"// toolhead: X:1 Y:2 Z:3"})
	assert.Error(t, err, "no mcu line")

	_, err = ParsePosition([]string{"mcu: stepper_x:abc", "toolhead: X:1 Y:2 Z:3"})
	assert.Error(t, err)

	_, err = ParsePosition([]string{"mcu: stepper_x:1", "toolhead: X:1 Y:2"})
	assert.Error(t, err)

	pos, err := ParsePosition([]string{"ok", "mcu: stepper_x:-5", "toolhead: X:1 Y:2 Z:3 E:0"})
	require.NoError(t, err)
	assert.Equal(t, int64(-5), pos.MCU["stepper_x"])
}

func TestErrorClassification(t *testing.T) {
	ctx := context.Background()

	ft := &fakeTransport{reply: func(string) ([]string, error) {
		return []string{"// homing", "!! Endstop x still triggered after retract"}, nil
	}}
	err := New(ft, DefaultConfig()).Home(ctx, kinematics.Axes{X: true})
	assert.True(t, errors.Is(err, errors.ErrMechanicalFault))
	assert.Contains(t, err.Error(), "still triggered")

	ft = &fakeTransport{reply: func(string) ([]string, error) {
		return nil, fmt.Errorf("rpc: %w", &CommandError{Message: "Move out of range"})
	}}
	err = New(ft, DefaultConfig()).MoveTo(ctx, xAxis(), 10)
	assert.True(t, errors.Is(err, errors.ErrMechanicalFault))

	ft = &fakeTransport{reply: func(string) ([]string, error) {
		return nil, assert.AnError
	}}
	err = New(ft, DefaultConfig()).MoveTo(ctx, xAxis(), 10)
	assert.True(t, errors.Is(err, errors.ErrLink))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), `run "G90"`)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	ft = &fakeTransport{reply: func(string) ([]string, error) {
		return nil, context.Canceled
	}}
	err = New(ft, DefaultConfig()).MoveTo(cctx, xAxis(), 10)
	assert.True(t, errors.Is(err, errors.ErrAborted))
}

func TestEmergencyStop(t *testing.T) {
	ft := &fakeTransport{}
	require.NoError(t, New(ft, DefaultConfig()).EmergencyStop(context.Background()))
	assert.Equal(t, []string{"M112"}, ft.scripts)

	st := &stoppingTransport{}
	require.NoError(t, New(st, DefaultConfig()).EmergencyStop(context.Background()))
	assert.True(t, st.stopped)
	assert.Empty(t, st.scripts)
}
