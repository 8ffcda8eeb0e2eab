// CoreXY kinematics implementation.
package kinematics

// CoreXYKinematics covers geometries where both XY steppers move for a
// pure X or pure Y move. Step loss on either shows up after any XY move,
// so X and Y are always homed and compared together.
type CoreXYKinematics struct {
	*BaseKinematics
	kinType string
}

// NewCoreXYKinematics creates a new CoreXY kinematics instance.
func NewCoreXYKinematics(rails []Rail) *CoreXYKinematics {
	return newCoupled("corexy", rails)
}

// NewHybridCoreXYKinematics creates a hybrid CoreXY instance.
func NewHybridCoreXYKinematics(rails []Rail) *CoreXYKinematics {
	return newCoupled("hybrid_corexy", rails)
}

// NewHybridCoreXZKinematics creates a hybrid CoreXZ instance.
func NewHybridCoreXZKinematics(rails []Rail) *CoreXYKinematics {
	return newCoupled("hybrid_corexz", rails)
}

func newCoupled(kinType string, rails []Rail) *CoreXYKinematics {
	return &CoreXYKinematics{
		BaseKinematics: NewBaseKinematics(rails, false),
		kinType:        kinType,
	}
}

// GetType returns the kinematic type name.
func (k *CoreXYKinematics) GetType() string {
	return k.kinType
}
