// Cartesian kinematics implementation for standard 3D printers.
package kinematics

// CartesianKinematics implements standard cartesian kinematics.
// Each of X and Y is driven by its own stepper, so a move on one axis only
// needs that axis re-homed.
type CartesianKinematics struct {
	*BaseKinematics
	kinType string
}

// NewCartesianKinematics creates a new cartesian kinematics instance.
func NewCartesianKinematics(rails []Rail) *CartesianKinematics {
	return &CartesianKinematics{
		BaseKinematics: NewBaseKinematics(rails, true),
		kinType:        "cartesian",
	}
}

// NewCoreXZKinematics creates a CoreXZ instance. The X/Z belts are coupled
// but Y stays independent of X, so the XY plane behaves like cartesian.
func NewCoreXZKinematics(rails []Rail) *CartesianKinematics {
	return &CartesianKinematics{
		BaseKinematics: NewBaseKinematics(rails, true),
		kinType:        "corexz",
	}
}

// GetType returns the kinematic type name.
func (ck *CartesianKinematics) GetType() string {
	return ck.kinType
}
