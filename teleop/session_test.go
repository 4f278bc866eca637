package teleop

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"

	"vr_teleop/command"
	"vr_teleop/ik"
	"vr_teleop/kinematics"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []command.Command
	closed bool
}

func (f *fakeSender) Send(cmd command.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) last() command.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type countingMetrics struct {
	outcomes map[string]int
	diverged int
	solves   int
}

func (m *countingMetrics) UpdateProcessed(outcome string) {
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[outcome]++
}

func (m *countingMetrics) SolveObserved(time.Duration, string) { m.solves++ }

func (m *countingMetrics) Diverged() { m.diverged++ }

type harness struct {
	session *Session
	sender  *fakeSender
	clock   *fakeClock
	metrics *countingMetrics
	sink    *ChannelSink
	home    [2]r3.Vector
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := logging.NewTestLogger(t)
	model, err := kinematics.DefaultModel()
	require.NoError(t, err)
	solver, err := ik.NewSolver(model, ik.DefaultEndEffectors(), ik.DefaultOptions(), logger)
	require.NoError(t, err)
	builder, err := command.NewBuilder(command.DefaultSchema(), command.DefaultMapping(), model.JointNames())
	require.NoError(t, err)

	h := &harness{
		sender:  &fakeSender{},
		clock:   &fakeClock{t: time.Unix(1700000000, 0)},
		metrics: &countingMetrics{},
		sink:    NewChannelSink(64),
	}
	h.session, err = NewSession(Params{
		Key:     "box",
		Solver:  solver,
		Builder: builder,
		Sender:  h.sender,
		Sink:    h.sink,
		Metrics: h.metrics,
		Config:  cfg,
		Logger:  logger,
		Clock:   h.clock.now,
	})
	require.NoError(t, err)

	poses, err := model.ForwardKinematics(model.Home(), kinematics.RightHand, kinematics.LeftHand)
	require.NoError(t, err)
	h.home = [2]r3.Vector{poses[0].Point(), poses[1].Point()}
	return h
}

// vrPoint inverts the headset-to-robot mapping for the default head offset.
func vrPoint(robot r3.Vector) r3.Vector {
	p := robot.Sub(r3.Vector{Z: 0.25})
	return r3.Vector{X: -p.Y, Y: p.Z, Z: -p.X}
}

func (h *harness) message(t *testing.T, right, left r3.Vector, trigger float64) []byte {
	t.Helper()
	return mustJSON(t, map[string]any{
		"right": controllerSide(vrPoint(right), trigger, 0, 0),
		"left":  controllerSide(vrPoint(left), trigger, 0, 0),
	})
}

func (h *harness) update(t *testing.T, raw []byte) Reply {
	t.Helper()
	out, err := h.session.Update(context.Background(), raw)
	require.NoError(t, err)
	var reply Reply
	require.NoError(t, json.Unmarshal(out, &reply))
	return reply
}

func TestSessionHomeConverges(t *testing.T) {
	h := newHarness(t, Config{})
	assert.Equal(t, Idle, h.session.State())

	reply := h.update(t, h.message(t, h.home[Right], h.home[Left], 0))
	assert.Equal(t, "kinematics", reply.Type)
	assert.True(t, reply.Converged)
	assert.Equal(t, Converged, h.session.State())
	require.Len(t, reply.Joints.Right, 5)
	require.Len(t, reply.Joints.Left, 5)
	for i := range reply.Joints.Right {
		assert.InDelta(t, 0, reply.Joints.Right[i], 1e-9)
		assert.InDelta(t, 0, reply.Joints.Left[i], 1e-9)
	}
	assert.Less(t, reply.Distances.Right, 1e-9)
	assert.Less(t, reply.Distances.Left, 1e-9)
	assert.Equal(t, 1, h.sender.count())
	assert.Equal(t, 1, h.metrics.outcomes[OutcomeDispatched])

	rec := <-h.sink.C()
	assert.Equal(t, "box", rec.Session)
	assert.Equal(t, OutcomeDispatched, rec.Outcome)
	assert.True(t, rec.Converged)
	assert.InDelta(t, h.home[Right].X, rec.Targets[Right][0], 1e-9)
}

func TestSessionSuppressesUntilConverged(t *testing.T) {
	h := newHarness(t, Config{})

	// Far outside the workspace: the solve cannot get within threshold.
	far := r3.Vector{X: 1.5, Y: -0.2, Z: 0.17}
	reply := h.update(t, h.message(t, far, h.home[Left], 0))
	assert.False(t, reply.Converged)
	assert.Greater(t, reply.Distances.Right, 0.05)
	assert.Equal(t, Tracking, h.session.State())
	assert.Zero(t, h.sender.count())
	assert.Equal(t, 1, h.metrics.outcomes[OutcomeSuppressed])

	converged := false
	for i := 0; i < 30 && !converged; i++ {
		h.clock.advance(33 * time.Millisecond)
		converged = h.update(t, h.message(t, h.home[Right], h.home[Left], 0)).Converged
	}
	assert.True(t, converged)
	assert.Equal(t, 1, h.sender.count())
}

func TestSessionStalenessResetsConvergence(t *testing.T) {
	h := newHarness(t, Config{})
	msg := h.message(t, h.home[Right], h.home[Left], 0)

	for i := 0; i < 10; i++ {
		assert.True(t, h.update(t, msg).Converged)
		h.clock.advance(time.Second / 30)
	}
	assert.Equal(t, 10, h.sender.count())

	// Operator pauses for a second. The first tick back is held even though
	// the residual is zero.
	h.clock.advance(time.Second)
	reply := h.update(t, msg)
	assert.False(t, reply.Converged)
	assert.Less(t, reply.Distances.Right, 0.05)
	assert.Equal(t, Tracking, h.session.State())
	assert.Equal(t, 10, h.sender.count())

	h.clock.advance(time.Second / 30)
	assert.True(t, h.update(t, msg).Converged)
	assert.Equal(t, 11, h.sender.count())
}

func TestSessionEmptyMessageDoesNotMaskTrackingGap(t *testing.T) {
	h := newHarness(t, Config{})
	msg := h.message(t, h.home[Right], h.home[Left], 0)
	assert.True(t, h.update(t, msg).Converged)
	assert.Equal(t, 1, h.sender.count())

	// Head-only messages keep arriving while both hands are lost.
	for i := 0; i < 40; i++ {
		h.clock.advance(time.Second / 30)
		_, err := h.session.Update(context.Background(), []byte(`{"head": {"pitch": 0}}`))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMalformed))
	}
	assert.Equal(t, 1, h.sender.count())
	assert.Equal(t, 40, h.metrics.outcomes[OutcomeMalformed])

	// The gap is still seen once a hand comes back.
	h.clock.advance(time.Second / 30)
	assert.False(t, h.update(t, msg).Converged)
	assert.Equal(t, 1, h.sender.count())
}

func TestSessionGripperRange(t *testing.T) {
	cfg := Config{
		RightGripper: &GripperRange{Open: 0.1, Closed: 0.9},
		LeftGripper:  &GripperRange{Open: -0.2, Closed: 0.4},
	}
	h := newHarness(t, cfg)

	tests := []struct {
		trigger float64
		right   float64
		left    float64
	}{
		{0, 0.1, -0.2},
		{1, 0.9, 0.4},
		{0.25, 0.3, -0.05},
		{0.5, 0.5, 0.1},
	}
	for _, tt := range tests {
		h.clock.advance(33 * time.Millisecond)
		reply := h.update(t, h.message(t, h.home[Right], h.home[Left], tt.trigger))
		assert.InDelta(t, tt.right, reply.Grippers.Right, 1e-12)
		assert.InDelta(t, tt.left, reply.Grippers.Left, 1e-12)

		cmd := h.sender.last()
		got, ok := cmd.Get("RGripper")
		require.True(t, ok)
		assert.InDelta(t, tt.right, got, 1e-12)
		got, ok = cmd.Get("LGripper")
		require.True(t, ok)
		assert.InDelta(t, tt.left, got, 1e-12)
	}
}

func TestSessionJoysticksDriveBase(t *testing.T) {
	h := newHarness(t, Config{MaxLinear: 0.5, MaxAngular: 1.0})
	raw := mustJSON(t, map[string]any{
		"right": controllerSide(vrPoint(h.home[Right]), 0, 0.5, 1.0),
		"left":  controllerSide(vrPoint(h.home[Left]), 0, -1.0, 0),
	})
	reply := h.update(t, raw)
	assert.Equal(t, Joystick{X: 0.5, Y: 1.0}, reply.Joysticks.Right)
	assert.Equal(t, Joystick{X: -1.0, Y: 0}, reply.Joysticks.Left)

	cmd := h.sender.last()
	for field, want := range map[string]float64{"XVel": 0.5, "YVel": -0.25, "YawRate": 1.0} {
		got, ok := cmd.Get(field)
		require.True(t, ok)
		assert.InDelta(t, want, got, 1e-12, field)
	}
}

func TestSessionDivergenceResetsToHome(t *testing.T) {
	h := newHarness(t, Config{})
	home := h.message(t, h.home[Right], h.home[Left], 0)
	require.True(t, h.update(t, home).Converged)

	h.clock.advance(33 * time.Millisecond)
	reply := h.update(t, h.message(t, r3.Vector{X: 1e200, Y: -0.2, Z: 0.17}, h.home[Left], 0))
	assert.False(t, reply.Converged)
	for _, q := range reply.Joints.Right {
		assert.Zero(t, q)
	}
	assert.Equal(t, 1, h.metrics.diverged)
	assert.Equal(t, 1, h.metrics.outcomes[OutcomeDiverged])
	assert.Equal(t, 1, h.sender.count())

	h.clock.advance(33 * time.Millisecond)
	assert.True(t, h.update(t, home).Converged)
	assert.Equal(t, 2, h.sender.count())
}

func TestSessionMalformedLeavesStateAlone(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.session.Update(context.Background(), []byte(`{"right": {"targetLocation": [1]}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
	assert.Equal(t, Idle, h.session.State())
	assert.Equal(t, 1, h.metrics.outcomes[OutcomeMalformed])
	assert.Zero(t, h.sender.count())
}

func TestSessionKeepsPreviousTargetForMissingSide(t *testing.T) {
	h := newHarness(t, Config{})
	reply := h.update(t, mustJSON(t, map[string]any{
		"right": controllerSide(vrPoint(h.home[Right]), 0, 0, 0),
	}))
	assert.True(t, reply.Converged)
	assert.Less(t, reply.Distances.Left, 1e-9)
}

func TestSessionClose(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.session.Close())
	assert.True(t, h.sender.closed)
	require.NoError(t, h.session.Close())

	_, err := h.session.Update(context.Background(), h.message(t, h.home[Right], h.home[Left], 0))
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Zero(t, h.sender.count())
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(Params{})
	assert.Error(t, err)
}
