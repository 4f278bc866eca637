package teleop

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/spatialmath"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func controllerSide(p r3.Vector, trigger, jx, jy float64) map[string]any {
	m := translated(p)
	return map[string]any{
		"targetLocation": m[:],
		"trigger":        trigger,
		"joystickX":      jx,
		"joystickY":      jy,
	}
}

// legacyHand lays out 25 column-major matrices: the wrist at wrist, every
// finger at the wrist except the thumb and index tips.
func legacyHand(wrist, thumb, index r3.Vector) []float64 {
	out := make([]float64, 0, legacyLength)
	for i := 0; i <= FingerJoints; i++ {
		p := wrist
		switch i - 1 {
		case thumbTip:
			p = thumb
		case indexTip:
			p = index
		}
		cm := translated(p).Transpose()
		out = append(out, cm[:]...)
	}
	return out
}

func TestParseController(t *testing.T) {
	raw := mustJSON(t, map[string]any{
		"right": controllerSide(r3.Vector{X: 0.1, Y: 0.2, Z: -0.3}, 0.75, 0.5, -0.5),
	})
	msg, err := ParseTracking(raw)
	require.NoError(t, err)
	assert.Nil(t, msg.Samples[Left])

	cs, ok := msg.Samples[Right].(ControllerSample)
	require.True(t, ok)
	assert.Equal(t, r3.Vector{X: 0.1, Y: 0.2, Z: -0.3}, cs.Pose().Translation())
	require.NotNil(t, cs.Trigger)
	assert.Equal(t, 0.75, cs.Closure(0.15))
	assert.Equal(t, 0.5, cs.Inputs().JoystickX)
	assert.Equal(t, -0.5, cs.Inputs().JoystickY)
}

func TestParseControllerWithoutTrigger(t *testing.T) {
	m := Identity4
	raw := mustJSON(t, map[string]any{"left": map[string]any{"targetLocation": m[:]}})
	msg, err := ParseTracking(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Samples[Left])
	assert.Equal(t, 0.0, msg.Samples[Left].Closure(0.15))
}

func TestParseControllerQuaternion(t *testing.T) {
	// A quarter turn about headset y, scaled to check normalisation.
	h := math.Sqrt(0.5)
	raw := mustJSON(t, map[string]any{
		"right": map[string]any{
			"position":    []float64{0.1, -0.2, -0.3},
			"orientation": []float64{0, 2 * h, 0, 2 * h},
			"trigger":     0.4,
			"grip":        0.9,
			"buttons":     []bool{true, false},
			"joystickX":   0.25,
			"joystickY":   -1,
		},
		"left": map[string]any{
			"position":    []float64{0, 0, 0},
			"orientation": []float64{0, 0, 0, 1},
			"grip":        0.6,
		},
	})
	msg, err := ParseTracking(raw)
	require.NoError(t, err)

	cs, ok := msg.Samples[Right].(ControllerSample)
	require.True(t, ok)
	assert.Equal(t, r3.Vector{X: 0.1, Y: -0.2, Z: -0.3}, cs.Pose().Translation())
	want := Identity4
	want[0], want[2] = 0, 1
	want[8], want[10] = -1, 0
	want[3], want[7], want[11] = 0.1, -0.2, -0.3
	assert.InDeltaSlice(t, want[:], cs.Target[:], 1e-12)
	assert.Equal(t, 0.4, cs.Closure(0.15))
	assert.Equal(t, 0.25, cs.Inputs().JoystickX)
	assert.Equal(t, -1.0, cs.Inputs().JoystickY)

	// Without a trigger the grip value closes the gripper.
	require.NotNil(t, msg.Samples[Left])
	assert.Equal(t, 0.6, msg.Samples[Left].Closure(0.15))
	leftPose := msg.Samples[Left].Pose()
	assert.InDeltaSlice(t, Identity4[:], leftPose[:], 1e-12)

	// Same pose as the matrix form once in the robot frame.
	fromQuat, err := RobotTarget(cs.Pose(), testOffset, -1)
	require.NoError(t, err)
	fromMatrix, err := RobotTarget(want, testOffset, -1)
	require.NoError(t, err)
	assert.True(t, spatialmath.PoseAlmostEqualEps(fromMatrix, fromQuat, 1e-9))
}

func TestParseHandObject(t *testing.T) {
	m := translated(r3.Vector{X: 0.2})
	joints := make([]float64, 0, FingerJoints*16)
	for i := 0; i < FingerJoints; i++ {
		f := translated(r3.Vector{X: 0.2})
		if i == indexTip {
			f = translated(r3.Vector{X: 0.2, Y: 0.15})
		}
		joints = append(joints, f[:]...)
	}
	raw := mustJSON(t, map[string]any{"right": map[string]any{"targetLocation": m[:], "joints": joints}})
	msg, err := ParseTracking(raw)
	require.NoError(t, err)

	hs, ok := msg.Samples[Right].(HandSample)
	require.True(t, ok)
	assert.Equal(t, r3.Vector{X: 0.2}, hs.Pose().Translation())
	// Fingertips a full span apart: open.
	assert.InDelta(t, 0.0, hs.Closure(0.15), 1e-12)
}

func TestParseLegacyHand(t *testing.T) {
	wrist := r3.Vector{X: 0.2, Y: -0.1, Z: -0.3}
	raw := mustJSON(t, map[string]any{
		"left": legacyHand(wrist, wrist, wrist.Add(r3.Vector{X: 0.03})),
	})
	msg, err := ParseTracking(raw)
	require.NoError(t, err)

	hs, ok := msg.Samples[Left].(HandSample)
	require.True(t, ok)
	assert.InDelta(t, wrist.X, hs.Pose().Translation().X, 1e-12)
	assert.InDelta(t, wrist.Z, hs.Pose().Translation().Z, 1e-12)
	assert.InDelta(t, 0.8, hs.Closure(0.15), 1e-9)

	trigger := 0.1
	hs.Trigger = &trigger
	assert.Equal(t, 0.1, hs.Closure(0.15))
}

func TestParseMalformed(t *testing.T) {
	m := Identity4
	tests := []struct {
		name string
		raw  []byte
	}{
		{"not json", []byte("{")},
		{"not an object", []byte("[1,2,3]")},
		{"short target", mustJSON(t, map[string]any{"right": map[string]any{"targetLocation": []float64{1, 2}}})},
		{"missing target", mustJSON(t, map[string]any{"right": map[string]any{"trigger": 0.5}})},
		{"short joints", mustJSON(t, map[string]any{"right": map[string]any{"targetLocation": m[:], "joints": []float64{1}}})},
		{"short legacy list", mustJSON(t, map[string]any{"left": []float64{1, 2, 3}})},
		{"scalar side", mustJSON(t, map[string]any{"left": 3})},
		{"string target", mustJSON(t, map[string]any{"right": map[string]any{"targetLocation": "x"}})},
		{"position without orientation", mustJSON(t, map[string]any{"right": map[string]any{"position": []float64{0, 0, 0}}})},
		{"short orientation", mustJSON(t, map[string]any{"right": map[string]any{
			"position": []float64{0, 0, 0}, "orientation": []float64{0, 0, 1},
		}})},
		{"zero quaternion", mustJSON(t, map[string]any{"right": map[string]any{
			"position": []float64{0, 0, 0}, "orientation": []float64{0, 0, 0, 0},
		}})},
		{"short position", mustJSON(t, map[string]any{"left": map[string]any{
			"position": []float64{0, 0}, "orientation": []float64{0, 0, 0, 1},
		}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTracking(tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestParseEmptyMessage(t *testing.T) {
	msg, err := ParseTracking([]byte(`{"head": {"pitch": 0}}`))
	require.NoError(t, err)
	assert.Nil(t, msg.Samples[Right])
	assert.Nil(t, msg.Samples[Left])
}

func TestGripperRange(t *testing.T) {
	g := GripperRange{Open: 0.068, Closed: 0}
	assert.Equal(t, 0.068, g.Angle(0))
	assert.Equal(t, 0.0, g.Angle(1))
	assert.InDelta(t, 0.034, g.Angle(0.5), 1e-12)
	assert.Equal(t, 0.0, g.Angle(3))
	assert.Equal(t, 0.068, g.Angle(-1))
}
