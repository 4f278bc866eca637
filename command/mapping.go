package command

import (
	"fmt"

	"github.com/pkg/errors"
)

// Mapping names the schema field that receives each model joint, gripper and
// base velocity component.
type Mapping struct {
	Joints       map[string]string `json:"joints,omitempty"`
	RightGripper string            `json:"right_gripper,omitempty"`
	LeftGripper  string            `json:"left_gripper,omitempty"`
	XVel         string            `json:"x_vel,omitempty"`
	YVel         string            `json:"y_vel,omitempty"`
	YawRate      string            `json:"yaw_rate,omitempty"`
}

// DefaultMapping wires the embedded dual-arm model onto DefaultSchema.
func DefaultMapping() Mapping {
	return Mapping{
		Joints: map[string]string{
			"right_shoulder_pan":  "RShoulderRoll",
			"right_shoulder_lift": "RShoulderPitch",
			"right_elbow_flex":    "RElbowPitch",
			"right_wrist_flex":    "RWristPitch",
			"right_wrist_roll":    "RWristRoll",
			"left_shoulder_pan":   "LShoulderRoll",
			"left_shoulder_lift":  "LShoulderPitch",
			"left_elbow_flex":     "LElbowPitch",
			"left_wrist_flex":     "LWristPitch",
			"left_wrist_roll":     "LWristRoll",
		},
		RightGripper: "RGripper",
		LeftGripper:  "LGripper",
		XVel:         "XVel",
		YVel:         "YVel",
		YawRate:      "YawRate",
	}
}

// BaseVelocity is the mobile-base part of a command.
type BaseVelocity struct {
	X   float64
	Y   float64
	Yaw float64
}

// Builder fills commands from joint vectors. Slot lookups are resolved once so
// a typo in a joint or field name fails at startup.
type Builder struct {
	schema     *Schema
	jointSlots []int
	gripper    [2]int
	velocity   [3]int
}

// NewBuilder resolves mapping against schema for a model whose active joints
// are jointNames, in vector order. Every joint must be mapped. Gripper and
// velocity fields are optional.
func NewBuilder(schema *Schema, mapping Mapping, jointNames []string) (*Builder, error) {
	if schema == nil {
		return nil, errors.New("builder requires a schema")
	}
	b := &Builder{schema: schema, jointSlots: make([]int, len(jointNames))}

	used := map[int]string{}
	claim := func(owner, field string) (int, error) {
		if field == "" {
			return -1, nil
		}
		slot, ok := schema.Index(field)
		if !ok {
			return -1, fmt.Errorf("%s maps to unknown field %q", owner, field)
		}
		if prev, taken := used[slot]; taken {
			return -1, fmt.Errorf("field %q is mapped by both %s and %s", field, prev, owner)
		}
		used[slot] = owner
		return slot, nil
	}

	for i, name := range jointNames {
		field, ok := mapping.Joints[name]
		if !ok || field == "" {
			return nil, fmt.Errorf("joint %q has no command field", name)
		}
		slot, err := claim("joint "+name, field)
		if err != nil {
			return nil, err
		}
		b.jointSlots[i] = slot
	}

	var err error
	if b.gripper[0], err = claim("right gripper", mapping.RightGripper); err != nil {
		return nil, err
	}
	if b.gripper[1], err = claim("left gripper", mapping.LeftGripper); err != nil {
		return nil, err
	}
	for i, f := range []string{mapping.XVel, mapping.YVel, mapping.YawRate} {
		if b.velocity[i], err = claim("base velocity", f); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Schema returns the builder's schema.
func (b *Builder) Schema() *Schema {
	return b.schema
}

// Build returns a complete command. grippers is indexed right then left.
func (b *Builder) Build(joints []float64, grippers [2]float64, base BaseVelocity) (Command, error) {
	if len(joints) != len(b.jointSlots) {
		return Command{}, errors.Errorf("expected %d joints, got %d", len(b.jointSlots), len(joints))
	}
	cmd := b.schema.NewCommand()
	for i, slot := range b.jointSlots {
		cmd.values[slot] = joints[i]
	}
	for side, slot := range b.gripper {
		if slot >= 0 {
			cmd.values[slot] = grippers[side]
		}
	}
	for i, v := range []float64{base.X, base.Y, base.Yaw} {
		if slot := b.velocity[i]; slot >= 0 {
			cmd.values[slot] = v
		}
	}
	return cmd, nil
}
