package kinematics

import (
	_ "embed"

	"github.com/pkg/errors"
)

//go:embed dual_arm.urdf
var dualArmURDF []byte

// End-effector links of the embedded dual-arm model.
const (
	RightHand = "right_hand"
	LeftHand  = "left_hand"
)

// DefaultModel loads the embedded two-arm model. Arm joints are interleaved
// in the joint vector: right arm on even indices, left arm on odd ones.
func DefaultModel() (*Model, error) {
	if len(dualArmURDF) == 0 {
		return nil, errors.New("no embedded dual_arm.urdf kinematic model found")
	}
	m, err := LoadURDF(dualArmURDF)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse embedded model")
	}
	return m, nil
}

// DefaultModelURDF returns a copy of the embedded URDF document.
func DefaultModelURDF() []byte {
	out := make([]byte, len(dualArmURDF))
	copy(out, dualArmURDF)
	return out
}
