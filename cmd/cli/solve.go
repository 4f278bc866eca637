package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"

	"vr_teleop/ik"
)

type SolveCommand struct {
	ModelOptions
	Right string `long:"right" description:"Right hand target x,y,z in metres (default: home)"`
	Left  string `long:"left" description:"Left hand target x,y,z in metres (default: home)"`
	Dense bool   `long:"dense" description:"Use the dense Jacobian"`
}

type solveOutput struct {
	Joints     []float64 `json:"joints"`
	Distances  []float64 `json:"distances"`
	Cost       float64   `json:"cost"`
	Iterations int       `json:"iterations"`
	Reason     string    `json:"reason"`
}

func parsePoint(s string) (r3.Vector, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return r3.Vector{}, errors.Errorf("expected x,y,z, got %q", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return r3.Vector{}, errors.Wrapf(err, "bad coordinate %q", p)
		}
		v[i] = f
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}

// homeTargets are the effector poses at the model's home configuration.
func homeTargets(solver *ik.Solver) ([]spatialmath.Pose, error) {
	model := solver.Model()
	var links []string
	for _, eff := range solver.Effectors() {
		links = append(links, eff.Link)
	}
	return model.ForwardKinematics(model.Home(), links...)
}

func (c *SolveCommand) Execute(_ []string) error {
	opts := ik.DefaultOptions()
	opts.DenseJacobian = c.Dense
	solver, err := c.solver(opts, logging.NewLogger("vr-teleop-cli"))
	if err != nil {
		return err
	}

	targets, err := homeTargets(solver)
	if err != nil {
		return err
	}
	for i, s := range []string{c.Right, c.Left} {
		if s == "" {
			continue
		}
		p, err := parsePoint(s)
		if err != nil {
			return err
		}
		targets[i] = spatialmath.NewPose(p, targets[i].Orientation())
	}

	sol, err := solver.Solve(context.Background(), targets)
	if err != nil {
		return err
	}
	return printJSON(solveOutput{
		Joints:     sol.Joints,
		Distances:  sol.Distances,
		Cost:       sol.Cost,
		Iterations: sol.Iterations,
		Reason:     sol.Reason,
	})
}
