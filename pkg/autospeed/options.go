package autospeed

import (
	"fmt"
	"strings"

	"klipper-autospeed/pkg/config"
	"klipper-autospeed/pkg/errors"
	"klipper-autospeed/pkg/kinematics"
)

// SectionName is the printer.cfg section holding the calibration options.
const SectionName = "auto_speed"

// Validation patterns.
const (
	PatternGauntlet = "gauntlet"
	PatternSingle   = "single"
)

// Options are the recognized [auto_speed] options.
type Options struct {
	Axis           []string
	Margin         float64
	SettlingHome   bool
	MaxMissed      float64
	EndstopSamples int

	AccelMin  float64
	AccelMax  float64
	AccelAccu float64
	SCV       float64

	VelocityMin  float64
	VelocityMax  float64
	VelocityAccu float64

	Derate                    float64
	AccelTestVelocity         float64
	SamplesPerTestType        int
	FinalValidationIterations int
	ValidationPattern         string
	// ValidationPatternSize is the long validation move in mm; zero uses
	// the largest safe move of each axis.
	ValidationPatternSize float64

	GraphVelocityMin   float64
	GraphVelocityMax   float64
	GraphVelocityDiv   int
	GraphAccelMinSlope float64
	GraphAccelMaxSlope float64

	MaxIterations int
	ResultsDir    string

	// Machine limits from [printer], used as defaults by the focused
	// velocity and validate commands.
	MachineMaxAccel    float64
	MachineMaxVelocity float64
}

// DefaultOptions returns the options used when [auto_speed] is empty.
func DefaultOptions() Options {
	return Options{
		Margin:                    20,
		SettlingHome:              true,
		MaxMissed:                 1.0,
		EndstopSamples:            3,
		AccelMin:                  1000,
		AccelMax:                  100000,
		AccelAccu:                 0.05,
		SCV:                       5,
		VelocityMin:               50,
		VelocityMax:               5000,
		VelocityAccu:              0.05,
		Derate:                    0.8,
		AccelTestVelocity:         200,
		SamplesPerTestType:        3,
		FinalValidationIterations: 30,
		ValidationPattern:         PatternGauntlet,
		GraphVelocityMin:          200,
		GraphVelocityMax:          700,
		GraphVelocityDiv:          5,
		GraphAccelMinSlope:        100,
		GraphAccelMaxSlope:        1800,
		MaxIterations:             20,
		ResultsDir:                "~/printer_data/config",
		MachineMaxAccel:           3000,
		MachineMaxVelocity:        300,
	}
}

type floatOption struct {
	name   string
	dst    *float64
	bounds config.FloatBounds
}

type intOption struct {
	name string
	dst  *int
	min  int
}

// floatOptions lists the bounded float options in load order. Bounds that
// reference another option point at its field, so they see the value
// already loaded.
func (o *Options) floatOptions() []floatOption {
	above := func(v float64) config.FloatBounds { return config.FloatBounds{Above: config.Float(v)} }
	return []floatOption{
		{"margin", &o.Margin, above(0)},
		{"max_missed", &o.MaxMissed, above(0)},
		{"accel_min", &o.AccelMin, above(1)},
		{"accel_max", &o.AccelMax, config.FloatBounds{Above: &o.AccelMin}},
		{"accel_accu", &o.AccelAccu, config.FloatBounds{Above: config.Float(0), Below: config.Float(1)}},
		{"scv", &o.SCV, config.FloatBounds{Above: config.Float(1), Below: config.Float(50)}},
		{"velocity_min", &o.VelocityMin, above(1)},
		{"velocity_max", &o.VelocityMax, config.FloatBounds{Above: &o.VelocityMin}},
		{"velocity_accu", &o.VelocityAccu, config.FloatBounds{Above: config.Float(0), Below: config.Float(1)}},
		{"derate", &o.Derate, config.FloatBounds{Above: config.Float(0), MaxVal: config.Float(1)}},
		{"accel_test_velocity", &o.AccelTestVelocity, above(1)},
		{"graph_velocity_min", &o.GraphVelocityMin, above(1)},
		{"graph_velocity_max", &o.GraphVelocityMax, config.FloatBounds{Above: &o.GraphVelocityMin}},
		{"graph_accel_min_slope", &o.GraphAccelMinSlope, above(0)},
		{"graph_accel_max_slope", &o.GraphAccelMaxSlope, config.FloatBounds{Above: &o.GraphAccelMinSlope}},
	}
}

func (o *Options) intOptions() []intOption {
	return []intOption{
		{"endstop_samples", &o.EndstopSamples, 2},
		{"samples_per_test_type", &o.SamplesPerTestType, 1},
		{"final_validation_iterations", &o.FinalValidationIterations, 1},
		{"graph_velocity_div", &o.GraphVelocityDiv, 1},
		{"max_iterations", &o.MaxIterations, 1},
	}
}

// LoadOptions reads [auto_speed] from cfg. A missing section yields the
// defaults. Machine limits come from [printer] when present.
func LoadOptions(cfg *config.Config) (Options, error) {
	o := DefaultOptions()
	if p := cfg.GetSectionOptional("printer"); p != nil {
		var err error
		if o.MachineMaxAccel, err = p.GetFloatWithBounds("max_accel", config.FloatBounds{Above: config.Float(0)}, o.MachineMaxAccel); err != nil {
			return o, err
		}
		if o.MachineMaxVelocity, err = p.GetFloatWithBounds("max_velocity", config.FloatBounds{Above: config.Float(0)}, o.MachineMaxVelocity); err != nil {
			return o, err
		}
	}

	sec := cfg.GetSectionOptional(SectionName)
	if sec == nil {
		return o, nil
	}

	axes, err := sec.GetList("axis", ",", nil)
	if err != nil {
		return o, err
	}
	if axes != nil {
		if o.Axis, err = kinematics.ParseAxes(strings.Join(axes, ",")); err != nil {
			return o, config.NewConfigError(SectionName, "axis", err.Error())
		}
	}
	if o.SettlingHome, err = sec.GetBool("settling_home", o.SettlingHome); err != nil {
		return o, err
	}
	for _, f := range o.floatOptions() {
		if *f.dst, err = sec.GetFloatWithBounds(f.name, f.bounds, *f.dst); err != nil {
			return o, err
		}
	}
	for _, f := range o.intOptions() {
		if *f.dst, err = sec.GetIntWithBounds(f.name, config.Int(f.min), nil, *f.dst); err != nil {
			return o, err
		}
	}
	if o.ValidationPattern, err = sec.GetChoice("validation_pattern",
		[]string{PatternGauntlet, PatternSingle}, o.ValidationPattern); err != nil {
		return o, err
	}
	if sec.HasOption("validation_pattern_size") {
		if o.ValidationPatternSize, err = sec.GetFloatWithBounds("validation_pattern_size",
			config.FloatBounds{MinVal: config.Float(MinShortMoveDistance)}); err != nil {
			return o, err
		}
	}
	if o.ResultsDir, err = sec.Get("results_dir", o.ResultsDir); err != nil {
		return o, err
	}
	return o, nil
}

// validate applies the same bounds as LoadOptions to o.
func (o *Options) validate() error {
	for _, f := range o.floatOptions() {
		if err := f.bounds.Check(SectionName, f.name, *f.dst); err != nil {
			return errors.Wrap(err, errors.ErrConfigValidation, "invalid parameter").SetContext("option", f.name)
		}
	}
	for _, f := range o.intOptions() {
		if *f.dst < f.min {
			return errors.ConfigValidationError(f.name, fmt.Sprintf("must have minimum of %d", f.min))
		}
	}
	if o.ValidationPatternSize != 0 && o.ValidationPatternSize < MinShortMoveDistance {
		return errors.ConfigValidationError("validation_pattern_size",
			fmt.Sprintf("must be at least %.1f", MinShortMoveDistance))
	}
	if o.ValidationPattern != PatternGauntlet && o.ValidationPattern != PatternSingle {
		return errors.ConfigValidationError("validation_pattern",
			fmt.Sprintf("%q is not one of %s, %s", o.ValidationPattern, PatternGauntlet, PatternSingle))
	}
	return nil
}

// Overrides are per-run command arguments layered over Options. A nil field
// keeps the configured value.
type Overrides struct {
	Axis                 *string
	AccelMin             *float64
	AccelMax             *float64
	VelocityMin          *float64
	VelocityMax          *float64
	Derate               *float64
	Samples              *int
	ValidationIterations *int

	Margin            *float64
	MaxMissed         *float64
	AccelAccu         *float64
	VelocityAccu      *float64
	SCV               *float64
	AccelTestVelocity *float64
	SettlingHome      *bool
	EndstopSamples    *int
	Pattern           *string
	PatternSize       *float64

	GraphVelocityMin *float64
	GraphVelocityMax *float64
	GraphVelocityDiv *int
	GraphMinSlope    *float64
	GraphMaxSlope    *float64

	// Accel fixes the acceleration of the velocity-only and legacy validate
	// commands.
	Accel *float64
	// Velocity is the legacy validate sweep velocity.
	Velocity *float64
	// Iterations is the legacy validate sweep count.
	Iterations *int
	// Variance runs the endstop pre-check before the focused commands.
	Variance *bool
}

// Params is the effective configuration of one run, resolved once before
// any stage starts.
type Params struct {
	Options

	// Profiles are the axes to calibrate, in order.
	Profiles []kinematics.AxisProfile

	// FixedAccel is the acceleration used by the velocity-only command; zero
	// means the machine's max_accel.
	FixedAccel float64

	ValidateAccel      float64
	ValidateVelocity   float64
	ValidateIterations int

	CheckVariance bool
}

// Resolve layers ov over opts, validates the result and builds the axis
// profiles from kin.
func Resolve(opts Options, ov Overrides, kin kinematics.Kinematics) (Params, error) {
	o := opts
	o.Axis = append([]string(nil), opts.Axis...)

	setF := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setI := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setF(&o.AccelMin, ov.AccelMin)
	setF(&o.AccelMax, ov.AccelMax)
	setF(&o.VelocityMin, ov.VelocityMin)
	setF(&o.VelocityMax, ov.VelocityMax)
	setF(&o.Derate, ov.Derate)
	setI(&o.SamplesPerTestType, ov.Samples)
	setI(&o.FinalValidationIterations, ov.ValidationIterations)
	setF(&o.Margin, ov.Margin)
	setF(&o.MaxMissed, ov.MaxMissed)
	setF(&o.AccelAccu, ov.AccelAccu)
	setF(&o.VelocityAccu, ov.VelocityAccu)
	setF(&o.SCV, ov.SCV)
	setF(&o.AccelTestVelocity, ov.AccelTestVelocity)
	setI(&o.EndstopSamples, ov.EndstopSamples)
	setF(&o.GraphVelocityMin, ov.GraphVelocityMin)
	setF(&o.GraphVelocityMax, ov.GraphVelocityMax)
	setI(&o.GraphVelocityDiv, ov.GraphVelocityDiv)
	setF(&o.GraphAccelMinSlope, ov.GraphMinSlope)
	setF(&o.GraphAccelMaxSlope, ov.GraphMaxSlope)
	if ov.SettlingHome != nil {
		o.SettlingHome = *ov.SettlingHome
	}
	setF(&o.ValidationPatternSize, ov.PatternSize)
	if ov.Pattern != nil {
		o.ValidationPattern = strings.ToLower(strings.TrimSpace(*ov.Pattern))
	}
	if ov.Axis != nil {
		axes, err := kinematics.ParseAxes(*ov.Axis)
		if err != nil {
			return Params{}, errors.ConfigValidationError("AXIS", err.Error())
		}
		o.Axis = axes
	}
	if err := o.validate(); err != nil {
		return Params{}, err
	}

	p := Params{
		Options:            o,
		ValidateAccel:      o.MachineMaxAccel,
		ValidateVelocity:   o.MachineMaxVelocity,
		ValidateIterations: 50,
	}
	setF(&p.FixedAccel, ov.Accel)
	setF(&p.ValidateAccel, ov.Accel)
	setF(&p.ValidateVelocity, ov.Velocity)
	setI(&p.ValidateIterations, ov.Iterations)
	if ov.Variance != nil {
		p.CheckVariance = *ov.Variance
	}
	if p.FixedAccel < 0 || p.ValidateAccel <= 0 {
		return Params{}, errors.ConfigValidationError("ACCEL", "must be above 0")
	}
	if p.ValidateVelocity <= 0 {
		return Params{}, errors.ConfigValidationError("VELOCITY", "must be above 0")
	}
	if p.ValidateIterations < 1 {
		return Params{}, errors.ConfigValidationError("ITERATIONS", "must have minimum of 1")
	}

	names := o.Axis
	if len(names) == 0 {
		names = kin.DefaultAxes()
		p.Axis = names
	}
	for _, name := range names {
		prof, err := kin.AxisProfile(name)
		if err != nil {
			return Params{}, errors.Wrap(err, errors.ErrConfigValidation, "axis "+name)
		}
		p.Profiles = append(p.Profiles, prof)
	}
	return p, nil
}
