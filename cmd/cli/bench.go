package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"

	"vr_teleop/ik"
)

type BenchCommand struct {
	ModelOptions
	Iterations int     `short:"n" long:"iterations" default:"300" description:"Number of solves"`
	Radius     float64 `long:"radius" default:"0.05" description:"Circle radius in metres"`
	Steps      int     `long:"steps" default:"90" description:"Solves per revolution"`
	Dense      bool    `long:"dense" description:"Use the dense Jacobian"`
}

type benchResult struct {
	Solves        int            `json:"solves"`
	Diverged      int            `json:"diverged"`
	MeanLatency   time.Duration  `json:"mean_latency_ns"`
	MaxLatency    time.Duration  `json:"max_latency_ns"`
	MeanIteration float64        `json:"mean_iterations"`
	MaxDistance   float64        `json:"max_distance"`
	Reasons       map[string]int `json:"reasons"`
}

// circle offsets the hands around their home positions in the y-z plane,
// mirrored between the arms.
func circle(home []spatialmath.Pose, radius float64, step, steps int) []spatialmath.Pose {
	angle := 2 * math.Pi * float64(step) / float64(steps)
	dy, dz := radius*math.Cos(angle), radius*math.Sin(angle)
	out := make([]spatialmath.Pose, len(home))
	for i, p := range home {
		sign := 1.0
		if i%2 == 1 {
			sign = -1
		}
		offset := r3.Vector{Y: sign * dy, Z: dz}
		out[i] = spatialmath.NewPose(p.Point().Add(offset), p.Orientation())
	}
	return out
}

func (c *BenchCommand) Execute(_ []string) error {
	if c.Iterations < 1 || c.Steps < 1 {
		return errors.New("iterations and steps must be positive")
	}
	opts := ik.DefaultOptions()
	opts.DenseJacobian = c.Dense
	solver, err := c.solver(opts, logging.NewLogger("vr-teleop-cli"))
	if err != nil {
		return err
	}
	home, err := homeTargets(solver)
	if err != nil {
		return err
	}

	res := benchResult{Reasons: map[string]int{}}
	var total time.Duration
	var iterations int
	ctx := context.Background()
	for i := 0; i < c.Iterations; i++ {
		start := time.Now()
		sol, err := solver.Solve(ctx, circle(home, c.Radius, i, c.Steps))
		elapsed := time.Since(start)
		if errors.Is(err, ik.ErrDiverged) {
			res.Diverged++
			if err := solver.Reset(solver.Model().Home()); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		res.Solves++
		total += elapsed
		iterations += sol.Iterations
		res.MaxLatency = max(res.MaxLatency, elapsed)
		for _, d := range sol.Distances {
			res.MaxDistance = max(res.MaxDistance, d)
		}
		res.Reasons[sol.Reason]++
	}
	if res.Solves > 0 {
		res.MeanLatency = total / time.Duration(res.Solves)
		res.MeanIteration = float64(iterations) / float64(res.Solves)
	}

	fmt.Printf("%d solves, mean %v, max %v, %.1f iterations on average\n",
		res.Solves, res.MeanLatency, res.MaxLatency, res.MeanIteration)
	return printJSON(res)
}
