// Package kinematics turns stepper rails into the axis profiles the
// calibration engine tests along.
package kinematics

import (
	"fmt"
	"math"
	"strings"
)

// Vector is a machine-space coordinate or direction (X, Y, Z).
type Vector [3]float64

// Add returns v + o.
func (v Vector) Add(o Vector) Vector {
	return Vector{v[0] + o[0], v[1] + o[1], v[2] + o[2]}
}

// Scale returns v * s.
func (v Vector) Scale(s float64) Vector {
	return Vector{v[0] * s, v[1] * s, v[2] * s}
}

// Dot returns the dot product of v and o.
func (v Vector) Dot(o Vector) float64 {
	return v[0]*o[0] + v[1]*o[1] + v[2]*o[2]
}

// Axes is a set of machine axes.
type Axes struct {
	X, Y, Z bool
}

// String returns the set as G-code axis letters, e.g. "X Y".
func (a Axes) String() string {
	var parts []string
	if a.X {
		parts = append(parts, "X")
	}
	if a.Y {
		parts = append(parts, "Y")
	}
	if a.Z {
		parts = append(parts, "Z")
	}
	return strings.Join(parts, " ")
}

// Union returns the axes present in either set.
func (a Axes) Union(o Axes) Axes {
	return Axes{X: a.X || o.X, Y: a.Y || o.Y, Z: a.Z || o.Z}
}

// Empty reports whether no axis is set.
func (a Axes) Empty() bool {
	return !a.X && !a.Y && !a.Z
}

// Rail represents a stepper motor rail configuration.
type Rail struct {
	Name             string
	Microsteps       int
	FullStepDistance float64 // mm per full step
	PositionMin      float64
	PositionMax      float64
	PositionEndstop  float64
	HomingSpeed      float64
	SecondHoming     float64
	HomingRetract    float64
}

// Center returns the middle of the rail's travel.
func (r Rail) Center() float64 {
	return (r.PositionMin + r.PositionMax) / 2
}

// Travel returns the rail's usable travel.
func (r Rail) Travel() float64 {
	return r.PositionMax - r.PositionMin
}

// HomingPositive reports whether the rail homes toward position_max.
func (r Rail) HomingPositive() bool {
	return r.PositionEndstop > r.Center()
}

// StepperGeometry carries what step-loss detection needs to know about one
// stepper moved by an axis.
type StepperGeometry struct {
	Name             string
	Microsteps       int
	FullStepDistance float64
}

// AxisProfile is a direction of travel with its limits. Positions along the
// axis are scalars; the machine coordinate of position p is Origin + p*Vector.
type AxisProfile struct {
	Name   string
	Vector Vector // unit direction
	Origin Vector // machine coordinate of position 0 (travel center)
	Min    float64
	Max    float64
	Home   float64 // homed position along the axis

	// Moves lists the machine axes commanded when positioning on this axis.
	Moves Axes
	// Homes lists the machine axes re-homed to re-establish a reference.
	Homes Axes
	// Steppers are the steppers compared before and after a test move.
	Steppers []StepperGeometry
}

// Travel returns the usable travel along the axis.
func (a AxisProfile) Travel() float64 {
	return a.Max - a.Min
}

// Center returns the middle of the travel along the axis.
func (a AxisProfile) Center() float64 {
	return (a.Min + a.Max) / 2
}

// Point converts a position along the axis to a machine coordinate.
func (a AxisProfile) Point(pos float64) Vector {
	return a.Origin.Add(a.Vector.Scale(pos))
}

// Contains reports whether pos lies inside the axis limits.
func (a AxisProfile) Contains(pos float64) bool {
	return pos >= a.Min && pos <= a.Max
}

// Stepper looks up the geometry of a stepper moved by this axis.
func (a AxisProfile) Stepper(name string) (StepperGeometry, bool) {
	for _, s := range a.Steppers {
		if s.Name == name {
			return s, true
		}
	}
	return StepperGeometry{}, false
}

// StepperNames returns the names of the steppers moved by this axis.
func (a AxisProfile) StepperNames() []string {
	names := make([]string, len(a.Steppers))
	for i, s := range a.Steppers {
		names[i] = s.Name
	}
	return names
}

// Kinematics resolves axis names to profiles for one machine geometry.
type Kinematics interface {
	// GetType returns the kinematic type name (e.g., "cartesian", "corexy").
	GetType() string

	// IsolateXY reports whether X and Y are driven by independent steppers.
	IsolateXY() bool

	// DefaultAxes returns the axes calibrated when none are requested.
	DefaultAxes() []string

	// AxisProfile builds the profile for a named axis.
	AxisProfile(name string) (AxisProfile, error)

	// GetRails returns the rails configuration.
	GetRails() []Rail

	// CheckPosition validates a machine coordinate against the rail limits
	// for the axes in moves.
	CheckPosition(pos Vector, moves Axes) error
}

// ValidAxes are the axis names an AxisProfile can be built for.
var ValidAxes = []string{"x", "y", "diag_x", "diag_y", "z"}

// BaseKinematics provides common functionality for all kinematic implementations.
type BaseKinematics struct {
	Rails   []Rail
	isolate bool
	rails   map[rune]Rail
}

// NewBaseKinematics creates a new base kinematics instance.
func NewBaseKinematics(rails []Rail, isolateXY bool) *BaseKinematics {
	bk := &BaseKinematics{
		Rails:   rails,
		isolate: isolateXY,
		rails:   make(map[rune]Rail, len(rails)),
	}
	for _, r := range rails {
		if name := strings.TrimPrefix(r.Name, "stepper_"); len(name) == 1 && name != r.Name {
			bk.rails[rune(name[0])] = r
		}
	}
	return bk
}

// IsolateXY reports whether X and Y are driven by independent steppers.
func (bk *BaseKinematics) IsolateXY() bool {
	return bk.isolate
}

// DefaultAxes returns x,y for isolated machines and the diagonals otherwise.
func (bk *BaseKinematics) DefaultAxes() []string {
	if bk.isolate {
		return []string{"x", "y"}
	}
	return []string{"diag_x", "diag_y"}
}

// GetRails returns the rails configuration.
func (bk *BaseKinematics) GetRails() []Rail {
	return bk.Rails
}

func (bk *BaseKinematics) rail(axis rune) (Rail, error) {
	r, ok := bk.rails[axis]
	if !ok {
		return Rail{}, fmt.Errorf("missing [stepper_%c] section", axis)
	}
	return r, nil
}

// AxisProfile builds the profile for a named axis.
func (bk *BaseKinematics) AxisProfile(name string) (AxisProfile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "x", "y":
		return bk.linearProfile(name)
	case "diag_x", "diag_y":
		return bk.diagonalProfile(name)
	case "z":
		return bk.zProfile()
	default:
		return AxisProfile{}, fmt.Errorf("unknown axis %q (valid: %s)", name, strings.Join(ValidAxes, ", "))
	}
}

func (bk *BaseKinematics) centerXY() (Rail, Rail, error) {
	rx, err := bk.rail('x')
	if err != nil {
		return Rail{}, Rail{}, err
	}
	ry, err := bk.rail('y')
	if err != nil {
		return Rail{}, Rail{}, err
	}
	return rx, ry, nil
}

func (bk *BaseKinematics) linearProfile(name string) (AxisProfile, error) {
	rx, ry, err := bk.centerXY()
	if err != nil {
		return AxisProfile{}, err
	}
	own, vec := rx, Vector{1, 0, 0}
	homes := Axes{X: true, Y: !bk.isolate}
	if name == "y" {
		own, vec = ry, Vector{0, 1, 0}
		homes = Axes{X: !bk.isolate, Y: true}
	}

	half := own.Travel() / 2
	p := AxisProfile{
		Name:   name,
		Vector: vec,
		Origin: Vector{rx.Center(), ry.Center(), 0},
		Min:    -half,
		Max:    half,
		Home:   own.PositionEndstop - own.Center(),
		Moves:  Axes{X: true, Y: true},
		Homes:  homes,
	}
	p.Steppers = bk.steppersFor(homes)
	return p, nil
}

func (bk *BaseKinematics) diagonalProfile(name string) (AxisProfile, error) {
	rx, ry, err := bk.centerXY()
	if err != nil {
		return AxisProfile{}, err
	}
	s := math.Sqrt2 / 2
	vec := Vector{s, s, 0}
	if name == "diag_y" {
		vec = Vector{-s, s, 0}
	}

	half := math.Min(rx.Travel(), ry.Travel()) / 2
	endstop := Vector{rx.PositionEndstop - rx.Center(), ry.PositionEndstop - ry.Center(), 0}
	homes := Axes{X: true, Y: true}
	p := AxisProfile{
		Name:   name,
		Vector: vec,
		Origin: Vector{rx.Center(), ry.Center(), 0},
		Min:    -half,
		Max:    half,
		Home:   endstop.Dot(vec),
		Moves:  Axes{X: true, Y: true},
		Homes:  homes,
	}
	p.Steppers = bk.steppersFor(homes)
	return p, nil
}

func (bk *BaseKinematics) zProfile() (AxisProfile, error) {
	rz, err := bk.rail('z')
	if err != nil {
		return AxisProfile{}, err
	}
	half := rz.Travel() / 2
	homes := Axes{Z: true}
	p := AxisProfile{
		Name:   "z",
		Vector: Vector{0, 0, 1},
		Origin: Vector{0, 0, rz.Center()},
		Min:    -half,
		Max:    half,
		Home:   rz.PositionEndstop - rz.Center(),
		Moves:  Axes{Z: true},
		Homes:  homes,
	}
	p.Steppers = bk.steppersFor(homes)
	return p, nil
}

func (bk *BaseKinematics) steppersFor(homes Axes) []StepperGeometry {
	var out []StepperGeometry
	for _, axis := range []struct {
		set bool
		r   rune
	}{{homes.X, 'x'}, {homes.Y, 'y'}, {homes.Z, 'z'}} {
		if !axis.set {
			continue
		}
		if r, ok := bk.rails[axis.r]; ok {
			out = append(out, StepperGeometry{
				Name:             r.Name,
				Microsteps:       r.Microsteps,
				FullStepDistance: r.FullStepDistance,
			})
		}
	}
	return out
}

// CheckPosition validates a machine coordinate against the rail limits.
func (bk *BaseKinematics) CheckPosition(pos Vector, moves Axes) error {
	for i, axis := range []struct {
		set bool
		r   rune
	}{{moves.X, 'x'}, {moves.Y, 'y'}, {moves.Z, 'z'}} {
		if !axis.set {
			continue
		}
		r, err := bk.rail(axis.r)
		if err != nil {
			return err
		}
		if pos[i] < r.PositionMin || pos[i] > r.PositionMax {
			return fmt.Errorf("move out of range: %c=%.3f outside [%.3f, %.3f]",
				axis.r-'a'+'A', pos[i], r.PositionMin, r.PositionMax)
		}
	}
	return nil
}

// ParseAxes splits a comma separated axis list, rejecting unknown names and
// dropping duplicates while keeping order.
func ParseAxes(raw string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(strings.ToLower(strings.ReplaceAll(raw, " ", "")), ",") {
		if part == "" || seen[part] {
			continue
		}
		if !isValidAxis(part) {
			return nil, fmt.Errorf("unknown axis %q (valid: %s)", part, strings.Join(ValidAxes, ", "))
		}
		seen[part] = true
		out = append(out, part)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no axis given")
	}
	return out, nil
}

func isValidAxis(name string) bool {
	for _, a := range ValidAxes {
		if a == name {
			return true
		}
	}
	return false
}
