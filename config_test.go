package vr_teleop

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"

	"vr_teleop/teleop"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "0.0.0.0:8013", cfg.Server.Address)
	assert.Equal(t, SinkUDP, cfg.Command.Sink)
	assert.Equal(t, "127.0.0.1", cfg.Command.UDPHost)
	assert.Equal(t, 10000, cfg.Command.UDPPort)
	assert.Len(t, cfg.Solver.EndEffectors, 2)
	assert.Equal(t, 100, cfg.Solver.Options.MaxIterations)
	assert.Equal(t, 500*time.Millisecond, cfg.Teleop.Staleness)
	assert.Equal(t, 64, cfg.Server.Relay.SendBuffer)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadConfig(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("missing file uses defaults", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"), nil, logger)
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Server.Address, cfg.Server.Address)
	})

	t.Run("file values and overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		doc := `{
			"server": {"address": ":9000", "relay": {"pong_wait": "30s"}},
			"teleop": {"staleness": "250ms", "floor_z": 0, "right_gripper": {"open": 1, "closed": 0}},
			"solver": {"options": {"max_iterations": 20, "dense_jacobian": true}},
			"command": {"udp_host": "10.0.0.2", "min_interval": "20ms"},
			"telemetry": {"channel_size": 8}
		}`
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

		overrides := map[string]any{
			"command": map[string]any{"udp_port": 9999},
		}
		cfg, err := LoadConfig(path, overrides, logger)
		require.NoError(t, err)

		assert.Equal(t, ":9000", cfg.Server.Address)
		assert.Equal(t, 30*time.Second, cfg.Server.Relay.PongWait)
		assert.Equal(t, 27*time.Second, cfg.Server.Relay.PingInterval)
		assert.Equal(t, 250*time.Millisecond, cfg.Teleop.Staleness)
		require.NotNil(t, cfg.Teleop.FloorZ)
		assert.Equal(t, 0.0, *cfg.Teleop.FloorZ)
		require.NotNil(t, cfg.Teleop.RightGripper)
		assert.Equal(t, 1.0, cfg.Teleop.RightGripper.Open)
		assert.Equal(t, teleop.GripperRange{Open: 0.068}, cfg.Teleop.Gripper(teleop.Left))
		assert.Equal(t, 20, cfg.Solver.Options.MaxIterations)
		assert.True(t, cfg.Solver.Options.DenseJacobian)
		assert.Equal(t, "10.0.0.2", cfg.Command.UDPHost)
		assert.Equal(t, 9999, cfg.Command.UDPPort)
		assert.Equal(t, 20*time.Millisecond, cfg.Command.MinInterval)
		assert.Equal(t, 8, cfg.Telemetry.ChannelSize)
	})

	t.Run("unknown key", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"server": {"adress": ":1"}}`), 0o600))
		_, err := LoadConfig(path, nil, logger)
		assert.Error(t, err)
	})

	t.Run("bad json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))
		_, err := LoadConfig(path, nil, logger)
		assert.Error(t, err)
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown sink", func(c *Config) { c.Command.Sink = "carrier-pigeon" }},
		{"udp port", func(c *Config) { c.Command.UDPPort = 70000 }},
		{"negative interval", func(c *Config) { c.Command.MinInterval = -time.Second }},
		{"negative channel", func(c *Config) { c.Telemetry.ChannelSize = -1 }},
		{"one effector", func(c *Config) { c.Solver.EndEffectors = c.Solver.EndEffectors[:1] }},
		{"bad threshold", func(c *Config) { c.Teleop.ConvergenceThreshold = -1 }},
		{"bad ping", func(c *Config) { c.Server.Relay.PingInterval = 2 * c.Server.Relay.PongWait }},
		{"bad sample ratio", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRatio = 2 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate("config"))
		})
	}
}

func TestMergeConfig(t *testing.T) {
	dst := map[string]any{
		"server":  map[string]any{"address": ":1", "relay": map[string]any{"send_buffer": 8}},
		"command": map[string]any{"sink": "udp"},
	}
	MergeConfig(dst, map[string]any{
		"server": map[string]any{"address": ":2"},
		"teleop": map[string]any{"max_linear": 1.0},
	})

	assert.Equal(t, map[string]any{
		"server":  map[string]any{"address": ":2", "relay": map[string]any{"send_buffer": 8}},
		"command": map[string]any{"sink": "udp"},
		"teleop":  map[string]any{"max_linear": 1.0},
	}, dst)
}
