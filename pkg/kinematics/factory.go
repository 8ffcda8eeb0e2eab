// Factory functions for creating kinematics instances from configuration.
package kinematics

import (
	"fmt"
	"sort"
	"strings"

	"klipper-autospeed/pkg/config"
)

// Config represents the configuration needed to create a kinematics instance.
type Config struct {
	Type  string // Kinematic type: "cartesian", "corexy", "corexz", etc.
	Rails []Rail // Rail configurations
}

var constructors = map[string]func([]Rail) Kinematics{
	"cartesian":     func(r []Rail) Kinematics { return NewCartesianKinematics(r) },
	"corexz":        func(r []Rail) Kinematics { return NewCoreXZKinematics(r) },
	"corexy":        func(r []Rail) Kinematics { return NewCoreXYKinematics(r) },
	"hybrid_corexy": func(r []Rail) Kinematics { return NewHybridCoreXYKinematics(r) },
	"hybrid_corexz": func(r []Rail) Kinematics { return NewHybridCoreXZKinematics(r) },
}

// NewFromConfig creates a new kinematics instance based on the configuration.
func NewFromConfig(cfg Config) (Kinematics, error) {
	kinType := strings.ToLower(strings.TrimSpace(cfg.Type))
	ctor, ok := constructors[kinType]
	if !ok {
		return nil, fmt.Errorf("unsupported kinematics type: %s (supported: %s)",
			cfg.Type, strings.Join(SupportedTypes(), ", "))
	}

	if len(cfg.Rails) < 3 {
		return nil, fmt.Errorf("kinematics requires 3 rails (x, y, z), got %d", len(cfg.Rails))
	}
	for _, r := range cfg.Rails {
		if r.Microsteps <= 0 || r.FullStepDistance <= 0 {
			return nil, fmt.Errorf("rail %s: invalid step geometry", r.Name)
		}
		if r.Travel() <= 0 {
			return nil, fmt.Errorf("rail %s: position_max must exceed position_min", r.Name)
		}
	}

	return ctor(cfg.Rails), nil
}

// LoadFromPrinterConfig builds kinematics from parsed [printer] and stepper
// sections.
func LoadFromPrinterConfig(pc *config.PrinterConfig) (Kinematics, error) {
	rails := make([]Rail, 0, 3)
	for _, axis := range []string{"x", "y", "z"} {
		st, ok := pc.Steppers["stepper_"+axis]
		if !ok {
			return nil, fmt.Errorf("missing [stepper_%s] section in configuration", axis)
		}
		rails = append(rails, RailFromStepper(st))
	}
	return NewFromConfig(Config{Type: pc.Kinematics, Rails: rails})
}

// RailFromStepper converts a stepper section into a Rail.
func RailFromStepper(st *config.StepperConfig) Rail {
	return Rail{
		Name:             st.Name,
		Microsteps:       st.Microsteps,
		FullStepDistance: st.FullStepDistance(),
		PositionMin:      st.PositionMin,
		PositionMax:      st.PositionMax,
		PositionEndstop:  st.PositionEndstop,
		HomingSpeed:      st.HomingSpeed,
		SecondHoming:     st.SecondHomingSpeed,
		HomingRetract:    st.HomingRetractDist,
	}
}

// IsSupported returns true if the given kinematic type is supported.
func IsSupported(kinType string) bool {
	_, ok := constructors[strings.ToLower(strings.TrimSpace(kinType))]
	return ok
}

// SupportedTypes returns a list of supported kinematic types.
func SupportedTypes() []string {
	types := make([]string, 0, len(constructors))
	for t := range constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
