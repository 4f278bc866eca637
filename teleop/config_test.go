package teleop

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, []float64{0, 0, 0.25}, cfg.HeadOffset)
	require.NotNil(t, cfg.FloorZ)
	assert.Equal(t, -0.2, *cfg.FloorZ)
	assert.Equal(t, 0.05, cfg.ConvergenceThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.Staleness)
	assert.Equal(t, GripperRange{Open: 0.068, Closed: 0}, cfg.Gripper(Right))
	assert.Equal(t, GripperRange{Open: 0.068, Closed: 0}, cfg.Gripper(Left))
	assert.Equal(t, 0.15, cfg.PinchSpan)
}

func TestConfigKeepsExplicitZeroFloor(t *testing.T) {
	floor := 0.0
	cfg := Config{FloorZ: &floor}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.0, *cfg.FloorZ)
}

func TestConfigKeepsExplicitZeroGripper(t *testing.T) {
	cfg := Config{RightGripper: &GripperRange{Open: 0, Closed: 0}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, GripperRange{}, cfg.Gripper(Right))
	assert.Equal(t, 0.0, cfg.Gripper(Right).Angle(0.7))
	assert.Equal(t, GripperRange{Open: 0.068, Closed: 0}, cfg.Gripper(Left))
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"short head offset", Config{HeadOffset: []float64{0, 0}}},
		{"negative threshold", Config{ConvergenceThreshold: -1}},
		{"negative staleness", Config{Staleness: -time.Second}},
		{"negative pinch span", Config{PinchSpan: -0.1}},
		{"negative velocity", Config{MaxLinear: -1}},
		{"non-finite gripper", Config{LeftGripper: &GripperRange{Open: math.NaN()}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestSideString(t *testing.T) {
	assert.Equal(t, "right", Right.String())
	assert.Equal(t, "left", Left.String())
}
