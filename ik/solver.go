// Package ik solves bounded, warm-started inverse kinematics for one or more
// end effectors sharing a joint vector.
package ik

import (
	"context"
	"math"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	"vr_teleop/kinematics"
)

// ErrDiverged is returned when a solve produced NaN or Inf. The warm start is
// left as it was; callers reset it before retrying.
var ErrDiverged = errors.New("ik solve diverged")

// ResidualsPerEffector is the residual block length: 3 position components
// plus forward and up axis alignment.
const ResidualsPerEffector = 5

const (
	maxDampingAttempts = 12
	minDamping         = 1e-12
	minDiagonal        = 1e-6
)

// Termination reasons reported in Solution.Reason.
const (
	ReasonGradient      = "gtol"
	ReasonCost          = "ftol"
	ReasonStep          = "xtol"
	ReasonMaxIterations = "max_iterations"
	ReasonStalled       = "stalled"
)

// Solution is the result of one solve.
type Solution struct {
	Joints     []float64
	Cost       float64
	Iterations int
	// Position error per end effector, in effector order.
	Distances []float64
	Reason    string
}

type target struct {
	point   r3.Vector
	forward r3.Vector
	up      r3.Vector
}

// Solver is a projected Levenberg-Marquardt solver. One solver holds one warm
// start, so each teleop session owns its own.
type Solver struct {
	model     *kinematics.Model
	effectors []EndEffector
	mask      [][]bool
	opts      Options
	logger    logging.Logger
	tracer    trace.Tracer

	mu    sync.Mutex
	state State
}

// NewSolver builds a solver for the given end effectors. The sparsity mask is
// derived from each effector's chain.
func NewSolver(model *kinematics.Model, effectors []EndEffector, opts Options, logger logging.Logger) (*Solver, error) {
	if model == nil {
		return nil, errors.New("solver requires a kinematic model")
	}
	if model.DoF() == 0 {
		return nil, errors.New("model has no active joints")
	}
	if len(effectors) == 0 {
		return nil, errors.New("solver requires at least one end effector")
	}
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid solver options")
	}
	if logger == nil {
		logger = logging.NewLogger("ik")
	}

	effs := make([]EndEffector, len(effectors))
	copy(effs, effectors)
	mask := make([][]bool, len(effs))
	for i := range effs {
		if err := effs[i].Forward.validate(effs[i].Link + " forward axis"); err != nil {
			return nil, err
		}
		if err := effs[i].Up.validate(effs[i].Link + " up axis"); err != nil {
			return nil, err
		}
		chain, err := model.ChainTo(effs[i].Link)
		if err != nil {
			return nil, errors.Wrap(err, "invalid end effector")
		}
		mask[i] = make([]bool, model.DoF())
		for _, j := range chain.ActiveIndices() {
			mask[i][j] = true
		}
	}

	lower, upper := model.Limits()
	s := &Solver{
		model:     model,
		effectors: effs,
		mask:      mask,
		opts:      opts,
		logger:    logger,
		tracer:    otel.Tracer("vr_teleop/ik"),
		state:     State{Lower: lower, Upper: upper},
	}
	s.state.WarmStart = s.state.clamp(model.Home())
	return s, nil
}

// Model returns the solver's kinematic model.
func (s *Solver) Model() *kinematics.Model {
	return s.model
}

// Effectors returns the configured end effectors in residual order.
func (s *Solver) Effectors() []EndEffector {
	out := make([]EndEffector, len(s.effectors))
	copy(out, s.effectors)
	return out
}

// Options returns the validated options.
func (s *Solver) Options() Options {
	return s.opts
}

// Sparsity returns mask[i][j], true when joint j moves end effector i.
func (s *Solver) Sparsity() [][]bool {
	out := make([][]bool, len(s.mask))
	for i, row := range s.mask {
		out[i] = append([]bool(nil), row...)
	}
	return out
}

// State returns a copy of the solver state.
func (s *Solver) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Reset sets the warm start to home.
func (s *Solver) Reset(home []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Reset(home)
}

// Solve finds a joint vector within bounds whose end-effector poses best match
// targets, one target per end effector. On success the result becomes the next
// warm start.
func (s *Solver) Solve(ctx context.Context, targets []spatialmath.Pose) (Solution, error) {
	ctx, span := s.tracer.Start(ctx, "ik.Solve")
	defer span.End()

	sol, err := s.solve(ctx, targets)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Solution{}, err
	}
	span.SetAttributes(
		attribute.Int("ik.iterations", sol.Iterations),
		attribute.Float64("ik.cost", sol.Cost),
		attribute.String("ik.reason", sol.Reason),
	)
	return sol, nil
}

func (s *Solver) solve(ctx context.Context, targets []spatialmath.Pose) (Solution, error) {
	if len(targets) != len(s.effectors) {
		return Solution{}, errors.Errorf("expected %d targets, got %d", len(s.effectors), len(targets))
	}
	tg := make([]target, len(targets))
	for i, t := range targets {
		if t == nil {
			return Solution{}, errors.Errorf("target %d is nil", i)
		}
		tg[i] = s.newTarget(i, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	x := s.state.clamp(s.state.WarmStart)
	r, err := s.residuals(x, tg)
	if err != nil {
		return Solution{}, err
	}
	if !allFinite(r) {
		return Solution{}, errors.Wrap(ErrDiverged, "initial residual is not finite")
	}
	cost := 0.5 * sumSquares(r)
	if math.IsInf(cost, 0) {
		return Solution{}, errors.Wrap(ErrDiverged, "initial cost overflows")
	}
	lambda := s.opts.InitialDamping
	n, m := len(x), len(r)
	reason := ReasonMaxIterations
	iterations := 0

	for iterations < s.opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			return Solution{}, err
		}

		jac, err := s.jacobian(x, r, tg)
		if err != nil {
			return Solution{}, err
		}
		if !denseFinite(jac) {
			return Solution{}, errors.Wrap(ErrDiverged, "jacobian is not finite")
		}

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var g mat.VecDense
		g.MulVec(jac.T(), mat.NewVecDense(m, r))

		if s.projectedGradientNorm(x, &g) < s.opts.GTol {
			reason = ReasonGradient
			break
		}

		var xNew, rNew []float64
		costNew := cost
		accepted := false
		for attempt := 0; attempt < maxDampingAttempts; attempt++ {
			step, err := dampedStep(&jtj, &g, lambda)
			if err != nil {
				lambda *= 10
				continue
			}
			xNew = make([]float64, n)
			for j := range xNew {
				xNew[j] = x[j] + step.AtVec(j)
			}
			if !allFinite(xNew) {
				return Solution{}, errors.Wrap(ErrDiverged, "step is not finite")
			}
			xNew = s.state.clamp(xNew)

			rNew, err = s.residuals(xNew, tg)
			if err != nil {
				return Solution{}, err
			}
			if !allFinite(rNew) {
				return Solution{}, errors.Wrap(ErrDiverged, "residual is not finite")
			}
			costNew = 0.5 * sumSquares(rNew)
			if costNew < cost {
				accepted = true
				break
			}
			lambda *= 10
		}
		if !accepted {
			reason = ReasonStalled
			break
		}

		iterations++
		lambda = math.Max(lambda/10, minDamping)
		reduction := cost - costNew
		stepNorm := distance(xNew, x)
		prevCost := cost
		x, r, cost = xNew, rNew, costNew

		if reduction < s.opts.FTol*prevCost {
			reason = ReasonCost
			break
		}
		if stepNorm < s.opts.XTol*(s.opts.XTol+norm(x)) {
			reason = ReasonStep
			break
		}
	}

	sol := Solution{
		Joints:     x,
		Cost:       cost,
		Iterations: iterations,
		Distances:  make([]float64, len(s.effectors)),
		Reason:     reason,
	}
	for i := range s.effectors {
		b := r[i*ResidualsPerEffector : i*ResidualsPerEffector+3]
		sol.Distances[i] = math.Sqrt(sumSquares(b))
	}
	s.state.WarmStart = append([]float64(nil), x...)

	if reason == ReasonStalled {
		s.logger.Debugf("ik stalled after %d iterations with cost %.6g", iterations, cost)
	}
	return sol, nil
}

func (s *Solver) newTarget(i int, pose spatialmath.Pose) target {
	eff := s.effectors[i]
	o := pose.Orientation()
	return target{
		point:   pose.Point(),
		forward: kinematics.OrientationAxis(o, eff.Forward.Column).Mul(eff.Forward.TargetSign),
		up:      kinematics.OrientationAxis(o, eff.Up.Column).Mul(eff.Up.TargetSign),
	}
}

func (s *Solver) effectorPose(q []float64, i int) (spatialmath.Pose, error) {
	poses, err := s.model.ForwardKinematics(q, s.effectors[i].Link)
	if err != nil {
		return nil, err
	}
	return poses[0], nil
}

// blockResidual writes the 5 residuals of effector i into out.
func (s *Solver) blockResidual(i int, pose spatialmath.Pose, t target, out []float64) {
	eff := s.effectors[i]
	d := pose.Point().Sub(t.point)
	out[0], out[1], out[2] = d.X, d.Y, d.Z

	o := pose.Orientation()
	fwd := kinematics.OrientationAxis(o, eff.Forward.Column).Mul(eff.Forward.EffectorSign)
	up := kinematics.OrientationAxis(o, eff.Up.Column).Mul(eff.Up.EffectorSign)
	out[3] = s.opts.OrientationWeight * angleBetween(fwd, t.forward)
	out[4] = s.opts.OrientationWeight * angleBetween(up, t.up)
}

func (s *Solver) residuals(q []float64, tg []target) ([]float64, error) {
	r := make([]float64, len(s.effectors)*ResidualsPerEffector)
	for i := range s.effectors {
		pose, err := s.effectorPose(q, i)
		if err != nil {
			return nil, err
		}
		s.blockResidual(i, pose, tg[i], r[i*ResidualsPerEffector:(i+1)*ResidualsPerEffector])
	}
	return r, nil
}

// jacobian is a forward-difference Jacobian. Columns outside an effector's
// chain are left zero for that effector's rows unless DenseJacobian is set.
func (s *Solver) jacobian(x, r []float64, tg []target) (*mat.Dense, error) {
	n := len(x)
	jac := mat.NewDense(len(r), n, nil)
	xp := append([]float64(nil), x...)
	block := make([]float64, ResidualsPerEffector)

	for j := 0; j < n; j++ {
		h := s.opts.FiniteDiffStep
		if x[j]+h > s.state.Upper[j] {
			h = -h
		}
		xp[j] = x[j] + h
		for i := range s.effectors {
			if !s.opts.DenseJacobian && !s.mask[i][j] {
				continue
			}
			pose, err := s.effectorPose(xp, i)
			if err != nil {
				return nil, err
			}
			s.blockResidual(i, pose, tg[i], block)
			for k, v := range block {
				row := i*ResidualsPerEffector + k
				jac.Set(row, j, (v-r[row])/h)
			}
		}
		xp[j] = x[j]
	}
	return jac, nil
}

// projectedGradientNorm ignores gradient components that would push a joint
// already at a bound further outward.
func (s *Solver) projectedGradientNorm(x []float64, g *mat.VecDense) float64 {
	worst := 0.0
	for j := range x {
		gj := g.AtVec(j)
		if (x[j] <= s.state.Lower[j] && gj > 0) || (x[j] >= s.state.Upper[j] && gj < 0) {
			continue
		}
		worst = math.Max(worst, math.Abs(gj))
	}
	return worst
}

// dampedStep solves (JᵀJ + λ·diag(JᵀJ)) δ = -Jᵀr.
func dampedStep(jtj *mat.Dense, g *mat.VecDense, lambda float64) (*mat.VecDense, error) {
	n, _ := jtj.Dims()
	a := mat.DenseCopyOf(jtj)
	for i := 0; i < n; i++ {
		d := jtj.At(i, i)
		a.Set(i, i, d+lambda*math.Max(d, minDiagonal))
	}
	rhs := mat.NewVecDense(n, nil)
	rhs.ScaleVec(-1, g)

	var step mat.VecDense
	if err := step.SolveVec(a, rhs); err != nil {
		// Ill-conditioned systems still produce a usable step.
		if _, ok := err.(mat.Condition); !ok {
			return nil, err
		}
	}
	return &step, nil
}

// angleBetween equals arccos(clip(dot(â, b̂), -1, 1)) but keeps precision
// near 0 and π.
func angleBetween(a, b r3.Vector) float64 {
	return math.Atan2(a.Cross(b).Norm(), a.Dot(b))
}

func sumSquares(v []float64) float64 {
	total := 0.0
	for _, x := range v {
		total += x * x
	}
	return total
}

func norm(v []float64) float64 {
	return math.Sqrt(sumSquares(v))
}

func distance(a, b []float64) float64 {
	total := 0.0
	for i := range a {
		d := a[i] - b[i]
		total += d * d
	}
	return math.Sqrt(total)
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func denseFinite(m *mat.Dense) bool {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
