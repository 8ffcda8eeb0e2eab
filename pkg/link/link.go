// Package link drives a running Klipper through G-code. It implements the
// calibration engine's motion, homing and sensor contracts on top of any
// transport that can run a script and return the printer's response lines.
package link

import (
	"context"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"klipper-autospeed/pkg/autospeed"
	"klipper-autospeed/pkg/errors"
	"klipper-autospeed/pkg/kinematics"
	"klipper-autospeed/pkg/log"
)

// Transport runs a G-code script and returns the response lines printed
// while it executed.
type Transport interface {
	Script(ctx context.Context, script string) ([]string, error)
	Close() error
}

// Stopper is implemented by transports with a dedicated emergency stop
// path that bypasses the G-code queue.
type Stopper interface {
	EmergencyStop(ctx context.Context) error
}

// CommandError is a G-code error reported by the printer ("!! ..." lines or
// an RPC error).
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string {
	return "printer: " + e.Message
}

// Limits are the velocity limits in effect outside a test move.
type Limits struct {
	Velocity       float64
	Accel          float64
	SCV            float64
	MinCruiseRatio float64
}

// Config configures a Printer.
type Config struct {
	// Limits are restored after every test move and used for homing.
	Limits Limits
	// TestSCV is the square corner velocity applied during test moves.
	TestSCV float64
	// TravelSpeed is the positioning speed in mm/s.
	TravelSpeed float64
}

// DefaultConfig matches a stock [printer] section.
func DefaultConfig() Config {
	return Config{
		Limits:      Limits{Velocity: 300, Accel: 3000, SCV: 5, MinCruiseRatio: 0.5},
		TestSCV:     5,
		TravelSpeed: 100,
	}
}

// Printer is a Klipper reached through a Transport.
type Printer struct {
	t   Transport
	cfg Config
	log *log.Logger
}

// New returns a Printer using t.
func New(t Transport, cfg Config) *Printer {
	if cfg.TravelSpeed <= 0 {
		cfg.TravelSpeed = DefaultConfig().TravelSpeed
	}
	return &Printer{t: t, cfg: cfg, log: log.New("link")}
}

// Close closes the transport.
func (p *Printer) Close() error {
	return p.t.Close()
}

func (p *Printer) run(ctx context.Context, op string, lines ...string) ([]string, error) {
	script := strings.Join(lines, "\n")
	p.log.WithField("op", op).Debug(script)

	resp, err := p.t.Script(ctx, script)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.AbortedError(ctx.Err())
		}
		var cerr *CommandError
		if pkgerrors.As(err, &cerr) {
			return nil, errors.MechanicalFaultError(op, cerr)
		}
		return nil, errors.LinkError(op, pkgerrors.Wrapf(err, "run %q", firstLine(script)))
	}
	for _, line := range resp {
		if msg, ok := strings.CutPrefix(line, "!!"); ok {
			return resp, errors.MechanicalFaultError(op, &CommandError{Message: strings.TrimSpace(msg)})
		}
	}
	return resp, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func velocityLimit(velocity, accel, scv, cruise float64) string {
	return fmt.Sprintf("SET_VELOCITY_LIMIT VELOCITY=%.3f ACCEL=%.3f SQUARE_CORNER_VELOCITY=%.3f MINIMUM_CRUISE_RATIO=%.3f",
		velocity, accel, scv, cruise)
}

func (p *Printer) restore() string {
	l := p.cfg.Limits
	return velocityLimit(l.Velocity, l.Accel, l.SCV, l.MinCruiseRatio)
}

// moveLine formats a G0 over the set axes of pos.
func moveLine(pos kinematics.Vector, axes kinematics.Axes, speed float64) string {
	var b strings.Builder
	b.WriteString("G0")
	for i, set := range []bool{axes.X, axes.Y, axes.Z} {
		if set {
			fmt.Fprintf(&b, " %c%.4f", 'X'+i, pos[i])
		}
	}
	fmt.Fprintf(&b, " F%.0f", speed*60)
	return b.String()
}

// MoveTo positions the toolhead on axis at the travel speed.
func (p *Printer) MoveTo(ctx context.Context, axis kinematics.AxisProfile, pos float64) error {
	_, err := p.run(ctx, "move_to", "G90", moveLine(axis.Point(pos), axis.Moves, p.cfg.TravelSpeed), "M400")
	return err
}

// ExecuteMove runs one test move with its velocity and acceleration, waits
// for it to finish and restores the normal limits.
func (p *Printer) ExecuteMove(ctx context.Context, axis kinematics.AxisProfile, move autospeed.MoveSpec) error {
	_, err := p.run(ctx, "execute_move",
		"G90",
		velocityLimit(move.Velocity, move.Accel, p.cfg.TestSCV, 0),
		moveLine(axis.Point(move.End), axis.Moves, move.Velocity),
		"M400",
		p.restore(),
	)
	return err
}

// Home homes axes at the normal limits.
func (p *Printer) Home(ctx context.Context, axes kinematics.Axes) error {
	if axes.Empty() {
		return nil
	}
	cmd := "G28"
	for i, set := range []bool{axes.X, axes.Y, axes.Z} {
		if set {
			cmd += fmt.Sprintf(" %c0", 'X'+i)
		}
	}
	_, err := p.run(ctx, "home", p.restore(), cmd, "M400")
	return err
}

// ReadSteps returns the MCU step counters reported by GET_POSITION.
func (p *Printer) ReadSteps(ctx context.Context, steppers []string) (map[string]int64, error) {
	pos, err := p.position(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(steppers))
	for _, name := range steppers {
		if v, ok := pos.MCU[name]; ok {
			out[name] = v
		}
	}
	return out, nil
}

// ToolheadPosition returns the toolhead position reported by GET_POSITION.
func (p *Printer) ToolheadPosition(ctx context.Context) (kinematics.Vector, error) {
	pos, err := p.position(ctx)
	if err != nil {
		return kinematics.Vector{}, err
	}
	return pos.Toolhead, nil
}

func (p *Printer) position(ctx context.Context) (Position, error) {
	resp, err := p.run(ctx, "get_position", "M400", "GET_POSITION")
	if err != nil {
		return Position{}, err
	}
	pos, err := ParsePosition(resp)
	if err != nil {
		return Position{}, errors.LinkError("get_position", err)
	}
	return pos, nil
}

// MoveAbsolute moves the set axes of pos at speed.
func (p *Printer) MoveAbsolute(ctx context.Context, pos kinematics.Vector, axes kinematics.Axes, speed float64) error {
	_, err := p.run(ctx, "move_absolute", "G90", moveLine(pos, axes, speed), "M400")
	return err
}

// EmergencyStop halts the printer. Transports with their own stop path use
// it; otherwise M112 is sent.
func (p *Printer) EmergencyStop(ctx context.Context) error {
	p.log.Warn("emergency stop")
	if s, ok := p.t.(Stopper); ok {
		return s.EmergencyStop(ctx)
	}
	if _, err := p.t.Script(ctx, "M112"); err != nil {
		return pkgerrors.Wrap(err, "send M112")
	}
	return nil
}
