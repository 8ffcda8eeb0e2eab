package config

import (
	"strings"
)

// StepperConfig holds the motion geometry of one stepper rail.
type StepperConfig struct {
	Name string // e.g., "stepper_x", "stepper_y", "stepper_z"
	// Position parameters
	PositionEndstop float64 // position_endstop: 0 means at min, 300 means at max
	PositionMin     float64 // position_min
	PositionMax     float64 // position_max: maximum travel distance
	// Motion parameters
	Microsteps       int     // e.g., 16
	RotationDistance float64 // e.g., 40.0 mm per full rotation
	FullStepsPerRot  int     // e.g., 200 (standard stepper)
	// Homing parameters
	HomingSpeed       float64 // mm/s, default 5.0
	HomingRetractDist float64 // mm, default 5.0
	SecondHomingSpeed float64 // mm/s, default HomingSpeed/2
}

// PrinterConfig holds the [printer] limits and the cartesian stepper rails.
type PrinterConfig struct {
	Kinematics           string // e.g., "cartesian", "corexy", "delta"
	MaxVelocity          float64
	MaxAccel             float64
	SquareCornerVelocity float64
	MinimumCruiseRatio   float64
	Steppers             map[string]*StepperConfig
}

// railNames are the steppers the calibration engine reads step counts from.
var railNames = []string{"stepper_x", "stepper_y", "stepper_z"}

// ParsePrinterConfig extracts the printer limits and stepper rails from cfg.
func ParsePrinterConfig(cfg *Config) (*PrinterConfig, error) {
	sec, err := cfg.GetSection("printer")
	if err != nil {
		return nil, err
	}

	pc := &PrinterConfig{Steppers: make(map[string]*StepperConfig)}
	if pc.Kinematics, err = sec.Get("kinematics"); err != nil {
		return nil, err
	}
	pc.Kinematics = strings.ToLower(strings.TrimSpace(pc.Kinematics))
	if pc.MaxVelocity, err = sec.GetFloatWithBounds("max_velocity", FloatBounds{Above: Float(0)}); err != nil {
		return nil, err
	}
	if pc.MaxAccel, err = sec.GetFloatWithBounds("max_accel", FloatBounds{Above: Float(0)}); err != nil {
		return nil, err
	}
	if pc.SquareCornerVelocity, err = sec.GetFloatWithBounds("square_corner_velocity", FloatBounds{MinVal: Float(0)}, 5.0); err != nil {
		return nil, err
	}
	if pc.MinimumCruiseRatio, err = sec.GetFloatWithBounds("minimum_cruise_ratio",
		FloatBounds{MinVal: Float(0), Below: Float(1)}, 0.5); err != nil {
		return nil, err
	}

	for _, name := range railNames {
		s := cfg.GetSectionOptional(name)
		if s == nil {
			continue
		}
		stepper, err := parseStepper(s)
		if err != nil {
			return nil, err
		}
		pc.Steppers[name] = stepper
	}
	return pc, nil
}

func parseStepper(s *Section) (*StepperConfig, error) {
	var err error
	st := &StepperConfig{Name: s.GetName()}

	if st.PositionEndstop, err = s.GetFloat("position_endstop", 0); err != nil {
		return nil, err
	}
	if st.PositionMin, err = s.GetFloat("position_min", 0); err != nil {
		return nil, err
	}
	if st.PositionMax, err = s.GetFloatWithBounds("position_max", FloatBounds{Above: Float(st.PositionMin)}); err != nil {
		return nil, err
	}
	if st.Microsteps, err = s.GetIntWithBounds("microsteps", Int(1), nil); err != nil {
		return nil, err
	}
	if st.RotationDistance, err = s.GetFloatWithBounds("rotation_distance", FloatBounds{Above: Float(0)}); err != nil {
		return nil, err
	}
	if st.FullStepsPerRot, err = s.GetIntWithBounds("full_steps_per_rotation", Int(1), nil, 200); err != nil {
		return nil, err
	}
	if st.HomingSpeed, err = s.GetFloatWithBounds("homing_speed", FloatBounds{Above: Float(0)}, 5.0); err != nil {
		return nil, err
	}
	if st.HomingRetractDist, err = s.GetFloatWithBounds("homing_retract_dist", FloatBounds{MinVal: Float(0)}, 5.0); err != nil {
		return nil, err
	}
	if st.SecondHomingSpeed, err = s.GetFloatWithBounds("second_homing_speed",
		FloatBounds{Above: Float(0)}, st.HomingSpeed/2); err != nil {
		return nil, err
	}
	return st, nil
}

// FullStepDistance is the linear travel of one full step in mm.
func (s *StepperConfig) FullStepDistance() float64 {
	if s.FullStepsPerRot == 0 {
		return 0
	}
	return s.RotationDistance / float64(s.FullStepsPerRot)
}
