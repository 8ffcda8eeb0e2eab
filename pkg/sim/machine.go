package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"

	"klipper-autospeed/pkg/autospeed"
	"klipper-autospeed/pkg/kinematics"
	"klipper-autospeed/pkg/log"
)

// ErrShutdown is returned by every operation after an emergency stop.
var ErrShutdown = errors.New("sim: printer is shutdown")

type stepper struct {
	rail kinematics.Rail
	step float64 // mm per microstep
}

// Stats counts what the simulated machine has done.
type Stats struct {
	Moves  int
	Homes  int
	Stalls int
}

// Machine is a simulated printer. It implements the engine's motion,
// homing and sensor contracts as well as the endstop Positioner.
type Machine struct {
	mu       sync.Mutex
	kin      kinematics.Kinematics
	model    Model
	rng      *rand.Rand
	steppers map[string]stepper
	names    []string

	pos    kinematics.Vector
	homed  kinematics.Axes
	base   map[string]int64 // mcu counter minus commanded microsteps
	phys   map[string]int64 // physical position in microsteps
	halted bool
	stats  Stats
	log    *log.Logger
}

// New returns an unhomed machine for kin.
func New(kin kinematics.Kinematics, model Model) *Machine {
	m := &Machine{
		kin:      kin,
		model:    model,
		rng:      rand.New(rand.NewSource(model.Seed)),
		steppers: make(map[string]stepper),
		base:     make(map[string]int64),
		phys:     make(map[string]int64),
		log:      log.New("sim"),
	}
	for _, r := range kin.GetRails() {
		m.steppers[r.Name] = stepper{rail: r, step: r.FullStepDistance / float64(r.Microsteps)}
		m.names = append(m.names, r.Name)
	}
	for _, r := range kin.GetRails() {
		idx := axisIndex(r.Name)
		if idx >= 0 {
			m.pos[idx] = r.Center()
		}
	}
	cmd := m.commanded(m.pos)
	for name, v := range cmd {
		m.phys[name] = v
		m.base[name] = 1 << 20
	}
	return m
}

func axisIndex(name string) int {
	switch strings.TrimPrefix(name, "stepper_") {
	case "x":
		return 0
	case "y":
		return 1
	case "z":
		return 2
	}
	return -1
}

// stepperMM maps a toolhead position to stepper positions in mm.
func (m *Machine) stepperMM(p kinematics.Vector) map[string]float64 {
	x, y, z := p[0], p[1], p[2]
	out := map[string]float64{"stepper_x": x, "stepper_y": y, "stepper_z": z}
	switch m.kin.GetType() {
	case "corexy", "hybrid_corexy":
		out["stepper_x"], out["stepper_y"] = x+y, x-y
	case "corexz", "hybrid_corexz":
		out["stepper_x"], out["stepper_z"] = x+z, x-z
	}
	return out
}

func (m *Machine) commanded(p kinematics.Vector) map[string]int64 {
	out := make(map[string]int64, len(m.steppers))
	for name, mm := range m.stepperMM(p) {
		if s, ok := m.steppers[name]; ok {
			out[name] = int64(math.Round(mm / s.step))
		}
	}
	return out
}

// dependsOn reports whether stepper name moves when axis i moves.
func (m *Machine) dependsOn(name string, i int) bool {
	var d kinematics.Vector
	d[i] = 1
	return m.stepperMM(d)[name] != 0
}

func (m *Machine) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.halted {
		return ErrShutdown
	}
	return nil
}

func (m *Machine) requireHomed(moves kinematics.Axes) error {
	if (moves.X && !m.homed.X) || (moves.Y && !m.homed.Y) || (moves.Z && !m.homed.Z) {
		return fmt.Errorf("sim: must home axis first")
	}
	return nil
}

// moveTo commands a move to p. When stall is set every stepper that moves
// falls short by the model's loss.
func (m *Machine) moveTo(p kinematics.Vector, moves kinematics.Axes, stall bool) error {
	if err := m.requireHomed(moves); err != nil {
		return err
	}
	if err := m.kin.CheckPosition(p, moves); err != nil {
		return fmt.Errorf("sim: %w", err)
	}
	before, after := m.commanded(m.pos), m.commanded(p)
	for name, target := range after {
		d := target - before[name]
		if stall && d != 0 {
			loss := int64(m.model.LossFullSteps * m.steppers[name].rail.Microsteps)
			if loss > abs(d) {
				loss = abs(d)
			}
			if d > 0 {
				d -= loss
			} else {
				d += loss
			}
		}
		m.phys[name] += d
	}
	m.pos = p
	m.stats.Moves++
	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// MoveTo positions the toolhead at pos along axis without any step loss.
func (m *Machine) MoveTo(ctx context.Context, axis kinematics.AxisProfile, pos float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	return m.moveTo(m.withAxis(axis, pos), axis.Moves, false)
}

// withAxis replaces the coordinates axis moves with the point at pos.
func (m *Machine) withAxis(axis kinematics.AxisProfile, pos float64) kinematics.Vector {
	p := m.pos
	pt := axis.Point(pos)
	for i, set := range []bool{axis.Moves.X, axis.Moves.Y, axis.Moves.Z} {
		if set {
			p[i] = pt[i]
		}
	}
	return p
}

// ExecuteMove runs a test move. It is expected to start where the toolhead
// already is.
func (m *Machine) ExecuteMove(ctx context.Context, axis kinematics.AxisProfile, move autospeed.MoveSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	stall := m.model.Stalls(move.Velocity, move.Accel, move.Distance())
	if err := m.moveTo(m.withAxis(axis, move.End), axis.Moves, stall); err != nil {
		return err
	}
	if stall {
		m.stats.Stalls++
		m.log.WithFields(log.Fields{"axis": axis.Name, "move": move.String()}).Debug("stall")
	}
	return nil
}

// Home re-zeros axes against their endstops. The commanded counters advance
// by however far the carriage physically had to travel.
func (m *Machine) Home(ctx context.Context, axes kinematics.Axes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}

	newPos := m.pos
	var idx []int
	for i, set := range []bool{axes.X, axes.Y, axes.Z} {
		if !set {
			continue
		}
		r, err := m.rail(i)
		if err != nil {
			return err
		}
		jitter := 0.0
		if m.model.EndstopJitter > 0 {
			j := m.rng.Intn(2*m.model.EndstopJitter+1) - m.model.EndstopJitter
			jitter = float64(j) * r.FullStepDistance / float64(r.Microsteps)
		}
		newPos[i] = r.PositionEndstop + jitter
		idx = append(idx, i)
	}

	before, after := m.commanded(m.pos), m.commanded(newPos)
	for _, name := range m.names {
		affected := false
		for _, i := range idx {
			affected = affected || m.dependsOn(name, i)
		}
		if !affected {
			continue
		}
		m.base[name] += before[name] - m.phys[name]
		m.phys[name] = after[name]
	}
	m.pos = newPos
	m.homed = m.homed.Union(axes)
	m.stats.Homes++
	return nil
}

func (m *Machine) rail(i int) (kinematics.Rail, error) {
	name := "stepper_" + string(rune('x'+i))
	s, ok := m.steppers[name]
	if !ok {
		return kinematics.Rail{}, fmt.Errorf("sim: no %s", name)
	}
	return s.rail, nil
}

// ReadSteps returns the MCU counters of the named steppers. Unknown names
// are left out.
func (m *Machine) ReadSteps(ctx context.Context, steppers []string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	cmd := m.commanded(m.pos)
	out := make(map[string]int64, len(steppers))
	for _, name := range steppers {
		if c, ok := cmd[name]; ok {
			out[name] = m.base[name] + c
		}
	}
	return out, nil
}

// ToolheadPosition returns the commanded toolhead position.
func (m *Machine) ToolheadPosition(ctx context.Context) (kinematics.Vector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return kinematics.Vector{}, err
	}
	return m.pos, nil
}

// MoveAbsolute moves the given axes to pos at normal limits.
func (m *Machine) MoveAbsolute(ctx context.Context, pos kinematics.Vector, axes kinematics.Axes, speed float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	p := m.pos
	for i, set := range []bool{axes.X, axes.Y, axes.Z} {
		if set {
			p[i] = pos[i]
		}
	}
	return m.moveTo(p, axes, false)
}

// EmergencyStop halts the machine. Every later operation fails.
func (m *Machine) EmergencyStop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = true
	m.homed = kinematics.Axes{}
	return nil
}

// Stats returns the operation counters.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Drift returns how many microsteps each stepper has physically lost since
// its last home.
func (m *Machine) Drift() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd := m.commanded(m.pos)
	out := make(map[string]int64, len(cmd))
	for name, c := range cmd {
		out[name] = c - m.phys[name]
	}
	return out
}
