package main

import (
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"

	"vr_teleop/ik"
)

type FKCommand struct {
	ModelOptions
	Args struct {
		Joints []float64 `positional-arg-name:"joint" description:"Joint angles in radians, in model order (default: home)"`
	} `positional-args:"yes"`
}

type poseOutput struct {
	Link        string     `json:"link"`
	Position    [3]float64 `json:"position"`
	Orientation [4]float64 `json:"orientation_vector_degrees"`
}

func newPoseOutput(link string, p spatialmath.Pose) poseOutput {
	pt := p.Point()
	ov := p.Orientation().OrientationVectorDegrees()
	return poseOutput{
		Link:        link,
		Position:    [3]float64{pt.X, pt.Y, pt.Z},
		Orientation: [4]float64{ov.OX, ov.OY, ov.OZ, ov.Theta},
	}
}

func (c *FKCommand) Execute(_ []string) error {
	model, err := c.load()
	if err != nil {
		return err
	}

	q := c.Args.Joints
	if len(q) == 0 {
		q = model.Home()
	}
	if len(q) != model.DoF() {
		return errors.Errorf("model %s has %d joints, got %d values", model.Name(), model.DoF(), len(q))
	}

	var links []string
	for _, eff := range ik.DefaultEndEffectors() {
		links = append(links, eff.Link)
	}
	poses, err := model.ForwardKinematics(q, links...)
	if err != nil {
		return err
	}

	out := make([]poseOutput, len(poses))
	for i, p := range poses {
		out[i] = newPoseOutput(links[i], p)
	}
	return printJSON(out)
}
