package kinematics

import (
	"math"
	"strings"
	"testing"

	"klipper-autospeed/pkg/config"
)

func testRails() []Rail {
	return []Rail{
		{Name: "stepper_x", Microsteps: 16, FullStepDistance: 0.2, PositionMin: 0, PositionMax: 300, PositionEndstop: 300},
		{Name: "stepper_y", Microsteps: 16, FullStepDistance: 0.2, PositionMin: 0, PositionMax: 250, PositionEndstop: 0},
		{Name: "stepper_z", Microsteps: 16, FullStepDistance: 0.04, PositionMin: -5, PositionMax: 200, PositionEndstop: 0},
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCartesianProfiles(t *testing.T) {
	k, err := NewFromConfig(Config{Type: "cartesian", Rails: testRails()})
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	if !k.IsolateXY() {
		t.Error("cartesian should isolate XY")
	}
	if got := strings.Join(k.DefaultAxes(), ","); got != "x,y" {
		t.Errorf("default axes = %s, want x,y", got)
	}

	x, err := k.AxisProfile("x")
	if err != nil {
		t.Fatalf("AxisProfile(x) failed: %v", err)
	}
	if x.Travel() != 300 || x.Min != -150 || x.Max != 150 {
		t.Errorf("unexpected x limits [%v, %v]", x.Min, x.Max)
	}
	if x.Home != 150 {
		t.Errorf("expected x home 150 along axis, got %v", x.Home)
	}
	if x.Homes != (Axes{X: true}) {
		t.Errorf("cartesian x should only home X, got %v", x.Homes)
	}
	if len(x.Steppers) != 1 || x.Steppers[0].Name != "stepper_x" {
		t.Errorf("unexpected steppers %v", x.StepperNames())
	}
	p := x.Point(-10)
	if p != (Vector{140, 125, 0}) {
		t.Errorf("Point(-10) = %v", p)
	}
}

func TestCoreXYProfiles(t *testing.T) {
	k, err := NewFromConfig(Config{Type: "CoreXY", Rails: testRails()})
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	if k.IsolateXY() {
		t.Error("corexy should couple XY")
	}
	if got := strings.Join(k.DefaultAxes(), ","); got != "diag_x,diag_y" {
		t.Errorf("default axes = %s", got)
	}

	y, _ := k.AxisProfile("y")
	if y.Homes != (Axes{X: true, Y: true}) {
		t.Errorf("corexy y should home X and Y, got %v", y.Homes)
	}
	if len(y.Steppers) != 2 {
		t.Errorf("expected both XY steppers, got %v", y.StepperNames())
	}

	d, err := k.AxisProfile("diag_x")
	if err != nil {
		t.Fatalf("AxisProfile(diag_x) failed: %v", err)
	}
	if d.Travel() != 250 {
		t.Errorf("diagonal travel should be the shorter rail, got %v", d.Travel())
	}
	end := d.Point(d.Max)
	if !near(end[0], 150+125*math.Sqrt2/2) || !near(end[1], 125+125*math.Sqrt2/2) {
		t.Errorf("unexpected diag_x end point %v", end)
	}
	dy, _ := k.AxisProfile("diag_y")
	if dy.Vector[0] >= 0 || dy.Vector[1] <= 0 {
		t.Errorf("diag_y should run -X/+Y, got %v", dy.Vector)
	}
}

func TestZProfile(t *testing.T) {
	k, _ := NewFromConfig(Config{Type: "cartesian", Rails: testRails()})
	z, err := k.AxisProfile("z")
	if err != nil {
		t.Fatalf("AxisProfile(z) failed: %v", err)
	}
	if z.Moves != (Axes{Z: true}) || z.Homes != (Axes{Z: true}) {
		t.Errorf("z should only move and home Z: %v %v", z.Moves, z.Homes)
	}
	if !near(z.Origin[2], 97.5) {
		t.Errorf("z origin = %v, want 97.5", z.Origin[2])
	}
	if !z.Contains(0) || z.Contains(103) {
		t.Error("unexpected Contains result")
	}
}

func TestCheckPosition(t *testing.T) {
	k, _ := NewFromConfig(Config{Type: "cartesian", Rails: testRails()})
	if err := k.CheckPosition(Vector{10, 10, 500}, Axes{X: true, Y: true}); err != nil {
		t.Errorf("unexpected error for in-range XY: %v", err)
	}
	if err := k.CheckPosition(Vector{301, 10, 0}, Axes{X: true, Y: true}); err == nil {
		t.Error("expected out of range error")
	}
}

func TestNewFromConfigErrors(t *testing.T) {
	if _, err := NewFromConfig(Config{Type: "delta", Rails: testRails()}); err == nil {
		t.Error("expected unsupported kinematics error")
	}
	if _, err := NewFromConfig(Config{Type: "cartesian", Rails: testRails()[:2]}); err == nil {
		t.Error("expected rail count error")
	}
	bad := testRails()
	bad[0].FullStepDistance = 0
	if _, err := NewFromConfig(Config{Type: "cartesian", Rails: bad}); err == nil {
		t.Error("expected step geometry error")
	}
	k, _ := NewFromConfig(Config{Type: "cartesian", Rails: testRails()})
	if _, err := k.AxisProfile("e"); err == nil {
		t.Error("expected unknown axis error")
	}
}

func TestParseAxes(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"x", "x", false},
		{"X, y", "x,y", false},
		{"diag_x,diag_y,diag_x", "diag_x,diag_y", false},
		{"x,,z", "x,z", false},
		{"x,e", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAxes(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAxes(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && strings.Join(got, ",") != tt.want {
			t.Errorf("ParseAxes(%q) = %v, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestLoadFromPrinterConfig(t *testing.T) {
	cfg, err := config.LoadString(`
[printer]
kinematics: corexz
max_velocity: 300
max_accel: 3000
[stepper_x]
microsteps: 16
rotation_distance: 40
position_max: 200
[stepper_y]
microsteps: 16
rotation_distance: 40
position_max: 200
[stepper_z]
microsteps: 16
rotation_distance: 8
position_max: 180
`)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	pc, err := config.ParsePrinterConfig(cfg)
	if err != nil {
		t.Fatalf("ParsePrinterConfig failed: %v", err)
	}
	k, err := LoadFromPrinterConfig(pc)
	if err != nil {
		t.Fatalf("LoadFromPrinterConfig failed: %v", err)
	}
	if k.GetType() != "corexz" || !k.IsolateXY() {
		t.Errorf("expected isolated corexz, got %s isolate=%v", k.GetType(), k.IsolateXY())
	}
	x, _ := k.AxisProfile("x")
	if !near(x.Steppers[0].FullStepDistance, 0.2) {
		t.Errorf("unexpected full step distance %v", x.Steppers[0].FullStepDistance)
	}
}
