package main

import (
	"encoding/json"
	"os"

	"github.com/jessevdk/go-flags"
	"go.viam.com/rdk/logging"

	"vr_teleop/ik"
	"vr_teleop/kinematics"
)

type Options struct {
	FK    FKCommand    `command:"fk" description:"Print end-effector poses for a joint vector"`
	Solve SolveCommand `command:"solve" description:"Solve IK for target hand positions"`
	Bench BenchCommand `command:"bench" description:"Time solves along a circular hand path"`
	Ports PortsCommand `command:"ports" description:"List serial ports that could carry commands"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "vr-teleop CLI: inspect the kinematic model and the IK solver"

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// ModelOptions are shared by the commands that load a model.
type ModelOptions struct {
	Model string `short:"m" long:"model" description:"URDF or JSON model file (default: embedded dual-arm model)"`
}

func (o ModelOptions) load() (*kinematics.Model, error) {
	if o.Model == "" {
		return kinematics.DefaultModel()
	}
	return kinematics.LoadFile(o.Model)
}

func (o ModelOptions) solver(opts ik.Options, logger logging.Logger) (*ik.Solver, error) {
	model, err := o.load()
	if err != nil {
		return nil, err
	}
	return ik.NewSolver(model, ik.DefaultEndEffectors(), opts, logger)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
