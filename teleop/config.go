package teleop

import (
	"fmt"
	"math"
	"time"
)

// Side indexes per-arm state. The order matches the solver's end effectors.
type Side int

const (
	Right Side = iota
	Left
)

// Sides lists both sides in index order.
var Sides = [2]Side{Right, Left}

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// GripperRange maps a closure value in [0, 1] onto a gripper joint angle.
// Open is the angle at 0 and Closed the angle at 1.
type GripperRange struct {
	Open   float64 `json:"open"`
	Closed float64 `json:"closed"`
}

// Angle interpolates between Open and Closed.
func (g GripperRange) Angle(v float64) float64 {
	v = clip(v, 0, 1)
	return g.Open + v*(g.Closed-g.Open)
}

// Config tunes a teleop session.
type Config struct {
	// Translation from the headset origin to the robot base frame, metres.
	HeadOffset []float64 `json:"head_offset,omitempty"`
	// Lowest allowed target height in the robot base frame.
	FloorZ *float64 `json:"floor_z,omitempty"`

	ConvergenceThreshold float64       `json:"convergence_threshold,omitempty"`
	Staleness            time.Duration `json:"staleness,omitempty"`

	RightGripper *GripperRange `json:"right_gripper,omitempty"`
	LeftGripper  *GripperRange `json:"left_gripper,omitempty"`
	// Finger spacing, metres, at which a hand sample counts as fully open.
	PinchSpan float64 `json:"pinch_span,omitempty"`

	MaxLinear  float64 `json:"max_linear,omitempty"`
	MaxAngular float64 `json:"max_angular,omitempty"`
}

const (
	defaultFloorZ     = -0.2
	defaultGripperMax = 0.068
)

// DefaultConfig returns a validated configuration for the embedded model.
func DefaultConfig() Config {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// Validate fills defaults and range checks the rest.
func (cfg *Config) Validate() error {
	if cfg.HeadOffset == nil {
		cfg.HeadOffset = []float64{0, 0, 0.25}
	}
	if len(cfg.HeadOffset) != 3 {
		return fmt.Errorf("head_offset must have 3 components, got %d", len(cfg.HeadOffset))
	}
	if cfg.FloorZ == nil {
		floor := defaultFloorZ
		cfg.FloorZ = &floor
	}
	if cfg.ConvergenceThreshold == 0 {
		cfg.ConvergenceThreshold = 0.05
	}
	if cfg.Staleness == 0 {
		cfg.Staleness = 500 * time.Millisecond
	}
	if cfg.RightGripper == nil {
		cfg.RightGripper = &GripperRange{Open: defaultGripperMax, Closed: 0}
	}
	if cfg.LeftGripper == nil {
		cfg.LeftGripper = &GripperRange{Open: defaultGripperMax, Closed: 0}
	}
	if cfg.PinchSpan == 0 {
		cfg.PinchSpan = 0.15
	}
	if cfg.MaxLinear == 0 {
		cfg.MaxLinear = 0.5
	}
	if cfg.MaxAngular == 0 {
		cfg.MaxAngular = 0.5
	}

	frame := append(append([]float64{}, cfg.HeadOffset...), *cfg.FloorZ)
	frame = append(frame, cfg.RightGripper.Open, cfg.RightGripper.Closed, cfg.LeftGripper.Open, cfg.LeftGripper.Closed)
	for i, v := range frame {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("teleop parameter %d is not finite", i)
		}
	}
	if cfg.ConvergenceThreshold < 0 {
		return fmt.Errorf("convergence_threshold must be positive, got %v", cfg.ConvergenceThreshold)
	}
	if cfg.Staleness < 0 {
		return fmt.Errorf("staleness must be positive, got %v", cfg.Staleness)
	}
	if cfg.PinchSpan < 0 {
		return fmt.Errorf("pinch_span must be positive, got %v", cfg.PinchSpan)
	}
	if cfg.MaxLinear < 0 || cfg.MaxAngular < 0 {
		return fmt.Errorf("velocity limits must be positive, got linear=%v angular=%v", cfg.MaxLinear, cfg.MaxAngular)
	}
	return nil
}

// Gripper returns the range configured for side.
func (cfg *Config) Gripper(side Side) GripperRange {
	if side == Left {
		return *cfg.LeftGripper
	}
	return *cfg.RightGripper
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
