package ik

import (
	"fmt"

	"vr_teleop/kinematics"
)

// AxisConvention selects a rotation-matrix column as a direction and the sign
// applied to it on the effector side and on the target side. Signs let one arm
// face the opposite way of the other without changing the solver.
type AxisConvention struct {
	Column       int     `json:"column"`
	EffectorSign float64 `json:"effector_sign,omitempty"`
	TargetSign   float64 `json:"target_sign,omitempty"`
}

// EndEffector is one controlled link and how its facing is compared with the
// target's.
type EndEffector struct {
	Link    string         `json:"link"`
	Forward AxisConvention `json:"forward"`
	Up      AxisConvention `json:"up"`
}

func (a *AxisConvention) validate(what string) error {
	if a.Column < 0 || a.Column > 2 {
		return fmt.Errorf("%s column must be 0, 1 or 2, got %d", what, a.Column)
	}
	if a.EffectorSign == 0 {
		a.EffectorSign = 1
	}
	if a.TargetSign == 0 {
		a.TargetSign = 1
	}
	if (a.EffectorSign != 1 && a.EffectorSign != -1) || (a.TargetSign != 1 && a.TargetSign != -1) {
		return fmt.Errorf("%s signs must be 1 or -1", what)
	}
	return nil
}

// DefaultEndEffectors are the two hands of the embedded model: gripper x
// points out of the jaws and z is the back of the hand.
func DefaultEndEffectors() []EndEffector {
	return []EndEffector{
		{
			Link:    kinematics.RightHand,
			Forward: AxisConvention{Column: 0, EffectorSign: 1, TargetSign: 1},
			Up:      AxisConvention{Column: 2, EffectorSign: 1, TargetSign: 1},
		},
		{
			Link:    kinematics.LeftHand,
			Forward: AxisConvention{Column: 0, EffectorSign: 1, TargetSign: 1},
			Up:      AxisConvention{Column: 2, EffectorSign: 1, TargetSign: 1},
		},
	}
}

// Options are the solver's tuning parameters.
type Options struct {
	// Stop when a step reduces the cost by less than FTol times the cost.
	FTol float64 `json:"ftol,omitempty"`
	// Stop when the step is smaller than XTol relative to the joint vector.
	XTol float64 `json:"xtol,omitempty"`
	// Stop when the projected gradient's largest component is below GTol.
	GTol          float64 `json:"gtol,omitempty"`
	MaxIterations int     `json:"max_iterations,omitempty"`

	InitialDamping    float64 `json:"initial_damping,omitempty"`
	FiniteDiffStep    float64 `json:"finite_diff_step,omitempty"`
	OrientationWeight float64 `json:"orientation_weight,omitempty"`

	// DenseJacobian ignores the sparsity mask. Results are identical; only
	// the cost of each iteration changes.
	DenseJacobian bool `json:"dense_jacobian,omitempty"`
}

// DefaultOptions favor latency over precision for a 30 Hz control loop.
func DefaultOptions() Options {
	return Options{
		FTol:              1e-2,
		XTol:              1e-3,
		GTol:              1e-5,
		MaxIterations:     100,
		InitialDamping:    1e-3,
		FiniteDiffStep:    1e-6,
		OrientationWeight: 0.1,
	}
}

// Validate fills zero fields with defaults and range checks the rest.
func (o *Options) Validate() error {
	def := DefaultOptions()
	if o.FTol == 0 {
		o.FTol = def.FTol
	}
	if o.XTol == 0 {
		o.XTol = def.XTol
	}
	if o.GTol == 0 {
		o.GTol = def.GTol
	}
	if o.MaxIterations == 0 {
		o.MaxIterations = def.MaxIterations
	}
	if o.InitialDamping == 0 {
		o.InitialDamping = def.InitialDamping
	}
	if o.FiniteDiffStep == 0 {
		o.FiniteDiffStep = def.FiniteDiffStep
	}
	if o.OrientationWeight == 0 {
		o.OrientationWeight = def.OrientationWeight
	}

	if o.FTol < 0 || o.XTol < 0 || o.GTol < 0 {
		return fmt.Errorf("tolerances must be positive, got ftol=%v xtol=%v gtol=%v", o.FTol, o.XTol, o.GTol)
	}
	if o.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", o.MaxIterations)
	}
	if o.FiniteDiffStep < 0 || o.FiniteDiffStep > 1e-2 {
		return fmt.Errorf("finite_diff_step must be between 0 and 0.01, got %v", o.FiniteDiffStep)
	}
	if o.OrientationWeight < 0 {
		return fmt.Errorf("orientation_weight must be positive, got %v", o.OrientationWeight)
	}
	return nil
}
