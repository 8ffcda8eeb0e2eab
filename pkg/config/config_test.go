package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const corexyConfig = `
[printer]
kinematics: corexy
max_velocity: 300
max_accel: 3000

[stepper_x]
microsteps: 16
rotation_distance: 40
position_endstop: 300
position_max: 300
homing_speed: 50

[stepper_y]
microsteps: 32
rotation_distance: 40
position_max: 250

[stepper_z]
microsteps: 16
rotation_distance: 8
position_min: -5
position_max: 200
full_steps_per_rotation: 400

[auto_speed]
axis: diag_x, diag_y
accel_min: 2000  # inline comment
`

func TestLoadString(t *testing.T) {
	cfg, err := LoadString(corexyConfig)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}

	if !cfg.HasSection("printer") {
		t.Error("expected [printer] section to exist")
	}
	if cfg.HasSection("nonexistent") {
		t.Error("expected [nonexistent] section to not exist")
	}

	names := cfg.GetSectionNames()
	want := []string{"printer", "stepper_x", "stepper_y", "stepper_z", "auto_speed"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("section order = %v, want %v", names, want)
	}

	sec, err := cfg.GetSection("auto_speed")
	if err != nil {
		t.Fatalf("GetSection(auto_speed) failed: %v", err)
	}
	accelMin, err := sec.GetFloat("accel_min")
	if err != nil {
		t.Fatalf("GetFloat(accel_min) failed: %v", err)
	}
	if accelMin != 2000 {
		t.Errorf("expected inline comment stripped, got %v", accelMin)
	}
	axes, err := sec.GetList("axis", ",")
	if err != nil {
		t.Fatalf("GetList(axis) failed: %v", err)
	}
	if len(axes) != 2 || axes[0] != "diag_x" || axes[1] != "diag_y" {
		t.Errorf("unexpected axis list %v", axes)
	}
}

func TestSaveConfigBlock(t *testing.T) {
	data := `
[stepper_x]
rotation_distance: 40

#*# <---------------------- SAVE_CONFIG ---------------------->
#*# [stepper_x]
#*# microsteps = 32
`
	cfg, err := LoadString(data)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	sec, _ := cfg.GetSection("stepper_x")
	ms, err := sec.GetInt("microsteps")
	if err != nil {
		t.Fatalf("GetInt(microsteps) failed: %v", err)
	}
	if ms != 32 {
		t.Errorf("expected SAVE_CONFIG value 32, got %d", ms)
	}
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "printer.cfg")
	if err := os.WriteFile(main, []byte("[include autospeed.cfg]\n[printer]\nkinematics: cartesian\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "autospeed.cfg"), []byte("[auto_speed]\nderate: 0.7\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	sec, err := cfg.GetSection("auto_speed")
	if err != nil {
		t.Fatalf("included section missing: %v", err)
	}
	if v, _ := sec.GetFloat("derate"); v != 0.7 {
		t.Errorf("expected derate 0.7, got %v", v)
	}
}

func TestLoadRecursiveInclude(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "printer.cfg")
	if err := os.WriteFile(main, []byte("[include printer.cfg]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(main); err == nil {
		t.Error("expected recursive include error")
	}
}

func TestLoadStringRejectsInclude(t *testing.T) {
	if _, err := LoadString("[include other.cfg]\n"); err == nil {
		t.Error("expected include error for string config")
	}
}

func TestAccessTracking(t *testing.T) {
	cfg, err := LoadString(corexyConfig)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	sec, _ := cfg.GetSection("auto_speed")
	sec.GetFloat("accel_min")

	unused := cfg.UnusedOptions("auto_speed")
	if len(unused) != 1 || unused[0] != "axis" {
		t.Errorf("expected [axis] unused, got %v", unused)
	}
	if cfg.UnusedOptions("missing") != nil {
		t.Error("expected nil for missing section")
	}
}

func TestGetChoice(t *testing.T) {
	cfg, _ := LoadString("[test]\npattern: Gauntlet\n")
	sec, _ := cfg.GetSection("test")

	v, err := sec.GetChoice("pattern", []string{"gauntlet", "single"})
	if err != nil {
		t.Fatalf("GetChoice failed: %v", err)
	}
	if v != "gauntlet" {
		t.Errorf("expected canonical choice 'gauntlet', got %q", v)
	}

	if _, err := sec.GetChoice("pattern", []string{"single"}); err == nil {
		t.Error("expected invalid choice error")
	}
	v, err = sec.GetChoice("missing", []string{"a", "b"}, "b")
	if err != nil || v != "b" {
		t.Errorf("expected fallback b, got %q %v", v, err)
	}
}

func TestBoundsChecking(t *testing.T) {
	cfg, _ := LoadString("[test]\nderate: 0.8\nsamples: 0\n")
	sec, _ := cfg.GetSection("test")

	tests := []struct {
		name    string
		bounds  FloatBounds
		wantErr bool
	}{
		{"within", FloatBounds{Above: Float(0), MaxVal: Float(1)}, false},
		{"above violated", FloatBounds{Above: Float(0.8)}, true},
		{"below violated", FloatBounds{Below: Float(0.5)}, true},
		{"min violated", FloatBounds{MinVal: Float(0.9)}, true},
		{"max violated", FloatBounds{MaxVal: Float(0.7)}, true},
	}
	for _, tt := range tests {
		_, err := sec.GetFloatWithBounds("derate", tt.bounds)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}

	if _, err := sec.GetIntWithBounds("samples", Int(1), nil); err == nil {
		t.Error("expected minimum violation for samples")
	}
}

func TestMissingOptionError(t *testing.T) {
	cfg, _ := LoadString("[test]\nvalue: abc\n")
	sec, _ := cfg.GetSection("test")

	_, err := sec.GetFloat("missing")
	if err == nil {
		t.Fatal("expected error for missing option")
	}
	if !strings.Contains(err.Error(), "must be specified") {
		t.Errorf("unexpected message: %v", err)
	}

	if _, err := sec.GetFloat("value"); err == nil {
		t.Error("expected invalid value error")
	}
	if _, err := sec.GetBool("value"); err == nil {
		t.Error("expected invalid bool error")
	}
	if _, err := cfg.GetSection("absent"); err == nil {
		t.Error("expected missing section error")
	}
}

func TestParsePrinterConfig(t *testing.T) {
	cfg, err := LoadString(corexyConfig)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	pc, err := ParsePrinterConfig(cfg)
	if err != nil {
		t.Fatalf("ParsePrinterConfig failed: %v", err)
	}

	if pc.Kinematics != "corexy" {
		t.Errorf("expected corexy, got %q", pc.Kinematics)
	}
	if pc.SquareCornerVelocity != 5.0 {
		t.Errorf("expected default scv 5, got %v", pc.SquareCornerVelocity)
	}
	if len(pc.Steppers) != 3 {
		t.Fatalf("expected 3 steppers, got %d", len(pc.Steppers))
	}

	x := pc.Steppers["stepper_x"]
	if x.PositionEndstop != x.PositionMax {
		t.Errorf("expected stepper_x endstop at max, got %v", x.PositionEndstop)
	}
	if x.SecondHomingSpeed != 25 {
		t.Errorf("expected second homing speed 25, got %v", x.SecondHomingSpeed)
	}
	if math.Abs(x.FullStepDistance()-0.2) > 1e-12 {
		t.Errorf("expected 0.2mm full step, got %v", x.FullStepDistance())
	}
	if x.Microsteps != 16 || x.FullStepsPerRot != 200 {
		t.Errorf("expected 16 microsteps of 200 full steps, got %d/%d", x.Microsteps, x.FullStepsPerRot)
	}

	z := pc.Steppers["stepper_z"]
	if z.PositionMax-z.PositionMin != 205 {
		t.Errorf("expected z travel 205, got %v", z.PositionMax-z.PositionMin)
	}
	if math.Abs(z.FullStepDistance()-0.02) > 1e-12 {
		t.Errorf("expected 0.02mm full step, got %v", z.FullStepDistance())
	}
}

func TestParsePrinterConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no printer", "[stepper_x]\nrotation_distance: 40\n"},
		{"no kinematics", "[printer]\nmax_velocity: 300\nmax_accel: 3000\n"},
		{"bad rotation", "[printer]\nkinematics: cartesian\nmax_velocity: 300\nmax_accel: 3000\n" +
			"[stepper_x]\nmicrosteps: 16\nrotation_distance: 0\nposition_max: 200\n"},
		{"inverted travel", "[printer]\nkinematics: cartesian\nmax_velocity: 300\nmax_accel: 3000\n" +
			"[stepper_x]\nmicrosteps: 16\nrotation_distance: 40\nposition_min: 10\nposition_max: 5\n"},
	}
	for _, tt := range tests {
		cfg, err := LoadString(tt.data)
		if err != nil {
			t.Fatalf("%s: LoadString failed: %v", tt.name, err)
		}
		if _, err := ParsePrinterConfig(cfg); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
