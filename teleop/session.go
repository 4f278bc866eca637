// Package teleop turns streamed VR tracking into joint commands for one
// operator session.
package teleop

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"

	"vr_teleop/command"
	"vr_teleop/ik"
)

// ErrClosed is returned for updates that finish after the session closed.
// Their output is discarded.
var ErrClosed = errors.New("teleop session closed")

// State is the session's position in Idle -> Tracking -> Converged.
type State int

const (
	Idle State = iota
	Tracking
	Converged
)

func (s State) String() string {
	switch s {
	case Tracking:
		return "tracking"
	case Converged:
		return "converged"
	default:
		return "idle"
	}
}

// Update outcomes reported to Metrics and telemetry.
const (
	OutcomeDispatched = "dispatched"
	OutcomeSuppressed = "suppressed"
	OutcomeDiverged   = "diverged"
	OutcomeMalformed  = "malformed"
	OutcomeDiscarded  = "discarded"
)

// Sender ships commands to the robot. Send must not block.
type Sender interface {
	Send(cmd command.Command)
	Close() error
}

// Metrics receives per-update measurements.
type Metrics interface {
	UpdateProcessed(outcome string)
	SolveObserved(d time.Duration, reason string)
	Diverged()
}

type noopMetrics struct{}

func (noopMetrics) UpdateProcessed(string)              {}
func (noopMetrics) SolveObserved(time.Duration, string) {}
func (noopMetrics) Diverged()                           {}

// Joystick is one thumbstick, each axis in [-1, 1].
type Joystick struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type sideJoints struct {
	Right []float64 `json:"right"`
	Left  []float64 `json:"left"`
}

type sideValues struct {
	Right float64 `json:"right"`
	Left  float64 `json:"left"`
}

type sideJoysticks struct {
	Right Joystick `json:"right"`
	Left  Joystick `json:"left"`
}

// Reply is written back to the teleop client after every update.
type Reply struct {
	Type      string        `json:"type"`
	Joints    sideJoints    `json:"joints"`
	Distances sideValues    `json:"distances"`
	Joysticks sideJoysticks `json:"joysticks"`
	Grippers  sideValues    `json:"grippers"`
	Converged bool          `json:"converged"`
}

// Params configures NewSession. Sink, Metrics, Logger and Clock are optional.
type Params struct {
	Key     string
	Solver  *ik.Solver
	Builder *command.Builder
	Sender  Sender
	Sink    Sink
	Metrics Metrics
	Config  Config
	Logger  logging.Logger
	Clock   func() time.Time
}

// Session owns one operator's targets, warm start and convergence gate.
// Updates are serialized, so they are applied in the order they are made.
type Session struct {
	key        string
	cfg        Config
	headOffset r3.Vector
	solver     *ik.Solver
	builder    *command.Builder
	sender     Sender
	sink       Sink
	metrics    Metrics
	logger     logging.Logger
	tracer     trace.Tracer
	now        func() time.Time
	links      [2]string
	chains     [2][]int

	closed atomic.Bool

	mu         sync.Mutex
	state      State
	targets    [2]spatialmath.Pose
	grippers   [2]float64
	joysticks  [2]Joystick
	converged  bool
	lastUpdate time.Time
}

// NewSession resets the solver to home and starts with targets at the home
// hand poses.
func NewSession(p Params) (*Session, error) {
	if p.Solver == nil || p.Builder == nil || p.Sender == nil {
		return nil, errors.New("teleop session requires a solver, a command builder and a sender")
	}
	effectors := p.Solver.Effectors()
	if len(effectors) != 2 {
		return nil, errors.Errorf("teleop session requires 2 end effectors, got %d", len(effectors))
	}
	if err := p.Config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid teleop config")
	}
	if p.Logger == nil {
		p.Logger = logging.NewLogger("teleop")
	}
	if p.Metrics == nil {
		p.Metrics = noopMetrics{}
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}

	s := &Session{
		key:        p.Key,
		cfg:        p.Config,
		headOffset: r3.Vector{X: p.Config.HeadOffset[0], Y: p.Config.HeadOffset[1], Z: p.Config.HeadOffset[2]},
		solver:     p.Solver,
		builder:    p.Builder,
		sender:     p.Sender,
		sink:       p.Sink,
		metrics:    p.Metrics,
		logger:     p.Logger,
		tracer:     otel.Tracer("vr_teleop/teleop"),
		now:        p.Clock,
	}

	model := p.Solver.Model()
	for i, eff := range effectors {
		chain, err := model.ChainTo(eff.Link)
		if err != nil {
			return nil, err
		}
		s.links[i] = eff.Link
		s.chains[i] = chain.ActiveIndices()
	}

	home := model.Home()
	if err := s.solver.Reset(home); err != nil {
		return nil, err
	}
	poses, err := model.ForwardKinematics(home, s.links[:]...)
	if err != nil {
		return nil, err
	}
	copy(s.targets[:], poses)
	for _, side := range Sides {
		s.grippers[side] = s.cfg.Gripper(side).Angle(0)
	}
	return s, nil
}

// Key is the session key this session was created for.
func (s *Session) Key() string {
	return s.key
}

// State reports the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update decodes one tracking message, applies it and returns the encoded
// reply. Malformed messages return an error wrapping ErrMalformed and leave
// the session untouched.
func (s *Session) Update(ctx context.Context, raw []byte) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "teleop.Update", trace.WithAttributes(attribute.String("teleop.session", s.key)))
	defer span.End()

	msg, err := ParseTracking(raw)
	if err != nil {
		s.metrics.UpdateProcessed(OutcomeMalformed)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	reply, err := s.Apply(ctx, msg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("teleop.converged", reply.Converged))
	return json.Marshal(reply)
}

// Apply runs one control tick for an already decoded message.
func (s *Session) Apply(ctx context.Context, msg TrackingMessage) (Reply, error) {
	if s.closed.Load() {
		return Reply{}, ErrClosed
	}

	// A message without samples says nothing about tracking, so it must not
	// count as an update for staleness.
	if msg.Samples[Right] == nil && msg.Samples[Left] == nil {
		s.metrics.UpdateProcessed(OutcomeMalformed)
		return Reply{}, errors.Wrap(ErrMalformed, "no left or right sample")
	}

	// Convert first so a bad sample leaves the session as it was.
	var targets [2]spatialmath.Pose
	for _, side := range Sides {
		sample := msg.Samples[side]
		if sample == nil {
			continue
		}
		pose, err := RobotTarget(sample.Pose(), s.headOffset, *s.cfg.FloorZ)
		if err != nil {
			s.metrics.UpdateProcessed(OutcomeMalformed)
			return Reply{}, errors.Wrapf(ErrMalformed, "%s: %v", side, err)
		}
		targets[side] = pose
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	promotable := true
	if !s.lastUpdate.IsZero() && now.Sub(s.lastUpdate) > s.cfg.Staleness {
		if s.converged {
			s.logger.Infof("session %s: no tracking for %v, holding commands until it settles", s.key, now.Sub(s.lastUpdate))
		}
		s.converged = false
		promotable = false
	}
	s.lastUpdate = now

	for _, side := range Sides {
		sample := msg.Samples[side]
		if sample == nil {
			continue
		}
		s.targets[side] = targets[side]
		s.grippers[side] = s.cfg.Gripper(side).Angle(sample.Closure(s.cfg.PinchSpan))
		in := sample.Inputs()
		s.joysticks[side] = Joystick{X: clip(in.JoystickX, -1, 1), Y: clip(in.JoystickY, -1, 1)}
	}

	start := time.Now()
	sol, err := s.solver.Solve(ctx, s.targets[:])
	diverged := errors.Is(err, ik.ErrDiverged)
	var joints []float64
	switch {
	case diverged:
		s.metrics.Diverged()
		s.logger.Warnf("session %s: solve diverged, resetting to home", s.key)
		joints = s.solver.Model().Home()
		if err := s.solver.Reset(joints); err != nil {
			return Reply{}, err
		}
		s.converged = false
	case err != nil:
		return Reply{}, err
	default:
		s.metrics.SolveObserved(time.Since(start), sol.Reason)
		joints = sol.Joints
	}

	distances, err := s.distances(joints)
	if err != nil {
		return Reply{}, err
	}
	if promotable && !diverged && !s.converged &&
		distances[Right] < s.cfg.ConvergenceThreshold && distances[Left] < s.cfg.ConvergenceThreshold {
		s.converged = true
		s.logger.Infof("session %s converged, sending commands", s.key)
	}
	if s.converged {
		s.state = Converged
	} else {
		s.state = Tracking
	}

	if s.closed.Load() {
		s.metrics.UpdateProcessed(OutcomeDiscarded)
		return Reply{}, ErrClosed
	}

	outcome := OutcomeSuppressed
	switch {
	case diverged:
		outcome = OutcomeDiverged
	case s.converged:
		cmd, err := s.builder.Build(joints, s.grippers, s.baseVelocity())
		if err != nil {
			return Reply{}, err
		}
		s.sender.Send(cmd)
		outcome = OutcomeDispatched
	}

	if s.sink != nil {
		s.sink.Record(s.telemetry(now, outcome, joints, distances, sol))
	}
	s.metrics.UpdateProcessed(outcome)
	return s.reply(joints, distances), nil
}

// Close stops the session and its sender. An update in flight finishes, but
// its output is discarded.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Idle
	return s.sender.Close()
}

func (s *Session) distances(q []float64) ([2]float64, error) {
	var out [2]float64
	poses, err := s.solver.Model().ForwardKinematics(q, s.links[:]...)
	if err != nil {
		return out, err
	}
	for i, p := range poses {
		out[i] = p.Point().Distance(s.targets[i].Point())
	}
	return out, nil
}

// baseVelocity drives the mobile base from the thumbsticks: right stick
// forward/back and strafe, left stick yaw.
func (s *Session) baseVelocity() command.BaseVelocity {
	r, l := s.joysticks[Right], s.joysticks[Left]
	return command.BaseVelocity{
		X:   r.Y * s.cfg.MaxLinear,
		Y:   -r.X * s.cfg.MaxLinear,
		Yaw: -l.X * s.cfg.MaxAngular,
	}
}

func (s *Session) sideJoints(q []float64, side Side) []float64 {
	out := make([]float64, len(s.chains[side]))
	for i, j := range s.chains[side] {
		out[i] = q[j]
	}
	return out
}

func (s *Session) reply(q []float64, distances [2]float64) Reply {
	return Reply{
		Type:      "kinematics",
		Joints:    sideJoints{Right: s.sideJoints(q, Right), Left: s.sideJoints(q, Left)},
		Distances: sideValues{Right: distances[Right], Left: distances[Left]},
		Joysticks: sideJoysticks{Right: s.joysticks[Right], Left: s.joysticks[Left]},
		Grippers:  sideValues{Right: s.grippers[Right], Left: s.grippers[Left]},
		Converged: s.converged,
	}
}

func (s *Session) telemetry(now time.Time, outcome string, q []float64, distances [2]float64, sol ik.Solution) Telemetry {
	t := Telemetry{
		Time:       now,
		Session:    s.key,
		Outcome:    outcome,
		Joints:     append([]float64(nil), q...),
		Distances:  distances,
		Grippers:   s.grippers,
		Converged:  s.converged,
		Iterations: sol.Iterations,
		Reason:     sol.Reason,
	}
	for i, p := range s.targets {
		pt := p.Point()
		t.Targets[i] = [3]float64{pt.X, pt.Y, pt.Z}
	}
	return t
}
