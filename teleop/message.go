package teleop

import (
	"encoding/json"
	"math"

	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// ErrMalformed marks a tracking message that cannot be used. The message is
// dropped and the session keeps its previous targets.
var ErrMalformed = errors.New("malformed tracking message")

const (
	// FingerJoints is the number of finger sub-joint matrices in a hand sample.
	FingerJoints = 24
	thumbTip     = 3
	indexTip     = 8
	legacyLength = (FingerJoints + 1) * 16

	minQuaternionNorm = 1e-9
)

// Controls are the scalar inputs that ride along with a pose.
type Controls struct {
	Trigger   *float64
	JoystickX float64
	JoystickY float64
}

// Sample is one side of a tracking message: a ControllerSample or a
// HandSample.
type Sample interface {
	// Pose is the wrist or controller pose in the headset frame, row-major.
	Pose() Matrix4
	Inputs() Controls
	// Closure is the gripper command in [0, 1], 1 meaning closed.
	Closure(pinchSpan float64) float64
}

// ControllerSample comes from a handheld controller.
type ControllerSample struct {
	Target Matrix4
	Controls
}

func (s ControllerSample) Pose() Matrix4 { return s.Target }

func (s ControllerSample) Inputs() Controls { return s.Controls }

func (s ControllerSample) Closure(float64) float64 {
	if s.Trigger == nil {
		return 0
	}
	return clip(*s.Trigger, 0, 1)
}

// HandSample comes from optical hand tracking. Finger matrices are row-major
// in the headset frame.
type HandSample struct {
	Wrist   Matrix4
	Fingers [FingerJoints]Matrix4
	Controls
}

func (s HandSample) Pose() Matrix4 { return s.Wrist }

func (s HandSample) Inputs() Controls { return s.Controls }

// Closure uses the trigger when present, otherwise the thumb-to-index
// spacing: touching fingertips close the gripper.
func (s HandSample) Closure(pinchSpan float64) float64 {
	if s.Trigger != nil {
		return clip(*s.Trigger, 0, 1)
	}
	if pinchSpan <= 0 {
		return 0
	}
	spacing := s.Fingers[indexTip].Translation().Sub(s.Fingers[thumbTip].Translation()).Norm()
	return 1 - clip(spacing/pinchSpan, 0, 1)
}

// TrackingMessage holds the samples of one update, indexed by Side. A side
// that was not reported is nil.
type TrackingMessage struct {
	Samples [2]Sample
}

type wireSample struct {
	TargetLocation []float64 `mapstructure:"targetLocation"`
	Position       []float64 `mapstructure:"position"`
	Orientation    []float64 `mapstructure:"orientation"`
	Joints         []float64 `mapstructure:"joints"`
	Trigger        *float64  `mapstructure:"trigger"`
	Grip           *float64  `mapstructure:"grip"`
	JoystickX      float64   `mapstructure:"joystickX"`
	JoystickY      float64   `mapstructure:"joystickY"`
}

// ParseTracking decodes a tracking message. Each side is either an object
// or a bare array of 25 column-major matrices, wrist first. An object carries
// its pose as a row-major targetLocation or as a position with an
// orientation quaternion ordered x, y, z, w, and optionally joints. Keys it
// does not use, such as buttons, are ignored.
func ParseTracking(data []byte) (TrackingMessage, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return TrackingMessage{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if raw == nil {
		return TrackingMessage{}, errors.Wrap(ErrMalformed, "expected an object")
	}

	var msg TrackingMessage
	for _, side := range Sides {
		v, ok := raw[side.String()]
		if !ok || v == nil {
			continue
		}
		sample, err := parseSample(v)
		if err != nil {
			return TrackingMessage{}, errors.Wrapf(ErrMalformed, "%s: %v", side, err)
		}
		msg.Samples[side] = sample
	}
	return msg, nil
}

func parseSample(v any) (Sample, error) {
	switch t := v.(type) {
	case []any:
		var flat []float64
		if err := mapstructure.Decode(t, &flat); err != nil {
			return nil, err
		}
		return parseLegacy(flat)
	case map[string]any:
		var ws wireSample
		if err := mapstructure.Decode(t, &ws); err != nil {
			return nil, err
		}
		return ws.sample()
	default:
		return nil, errors.Errorf("unexpected %T", v)
	}
}

func parseLegacy(flat []float64) (Sample, error) {
	if len(flat) != legacyLength {
		return nil, errors.Errorf("hand array must have %d values, got %d", legacyLength, len(flat))
	}
	var s HandSample
	s.Wrist = toMatrix(flat[:16]).Transpose()
	for i := range s.Fingers {
		s.Fingers[i] = toMatrix(flat[(i+1)*16 : (i+2)*16]).Transpose()
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return s, nil
}

func (ws wireSample) pose() (Matrix4, error) {
	if ws.TargetLocation != nil || (ws.Position == nil && ws.Orientation == nil) {
		if len(ws.TargetLocation) != 16 {
			return Matrix4{}, errors.Errorf("targetLocation must have 16 values, got %d", len(ws.TargetLocation))
		}
		return toMatrix(ws.TargetLocation), nil
	}
	if len(ws.Position) != 3 {
		return Matrix4{}, errors.Errorf("position must have 3 values, got %d", len(ws.Position))
	}
	if len(ws.Orientation) != 4 {
		return Matrix4{}, errors.Errorf("orientation must have 4 values, got %d", len(ws.Orientation))
	}
	for _, v := range append(append([]float64{}, ws.Position...), ws.Orientation...) {
		if !isFinite(v) {
			return Matrix4{}, errors.New("position or orientation is not finite")
		}
	}
	norm := 0.0
	for _, v := range ws.Orientation {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm < minQuaternionNorm {
		return Matrix4{}, errors.New("orientation quaternion has zero length")
	}
	q := &spatialmath.Quaternion{
		Real: ws.Orientation[3] / norm,
		Imag: ws.Orientation[0] / norm,
		Jmag: ws.Orientation[1] / norm,
		Kmag: ws.Orientation[2] / norm,
	}
	p := r3.Vector{X: ws.Position[0], Y: ws.Position[1], Z: ws.Position[2]}
	return NewMatrix4(q, p), nil
}

func (ws wireSample) sample() (Sample, error) {
	target, err := ws.pose()
	if err != nil {
		return nil, err
	}
	trigger := ws.Trigger
	if trigger == nil {
		trigger = ws.Grip
	}
	controls := Controls{Trigger: trigger, JoystickX: ws.JoystickX, JoystickY: ws.JoystickY}
	for _, v := range []float64{ws.JoystickX, ws.JoystickY} {
		if !isFinite(v) {
			return nil, errors.New("joystick value is not finite")
		}
	}
	if trigger != nil && !isFinite(*trigger) {
		return nil, errors.New("trigger is not finite")
	}

	if ws.Joints == nil {
		if !target.finite() {
			return nil, errors.New("targetLocation is not finite")
		}
		return ControllerSample{Target: target, Controls: controls}, nil
	}
	if len(ws.Joints) != FingerJoints*16 {
		return nil, errors.Errorf("joints must have %d values, got %d", FingerJoints*16, len(ws.Joints))
	}
	s := HandSample{Wrist: target, Controls: controls}
	for i := range s.Fingers {
		s.Fingers[i] = toMatrix(ws.Joints[i*16 : (i+1)*16])
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s HandSample) check() error {
	if !s.Wrist.finite() {
		return errors.New("wrist pose is not finite")
	}
	for i, f := range s.Fingers {
		if !f.finite() {
			return errors.Errorf("finger %d is not finite", i)
		}
	}
	return nil
}

func toMatrix(v []float64) Matrix4 {
	var m Matrix4
	copy(m[:], v)
	return m
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
