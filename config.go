package vr_teleop

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"vr_teleop/command"
	"vr_teleop/ik"
	"vr_teleop/observability"
	"vr_teleop/relay"
	"vr_teleop/teleop"
)

// Command sink kinds.
const (
	SinkUDP    = "udp"
	SinkSerial = "serial"
)

// Config is the server's configuration document.
type Config struct {
	Server    ServerConfig                `json:"server"`
	Teleop    teleop.Config               `json:"teleop"`
	Solver    SolverConfig                `json:"solver"`
	Command   CommandConfig               `json:"command"`
	Telemetry TelemetryConfig             `json:"telemetry"`
	Tracing   observability.TracingConfig `json:"tracing"`
}

type ServerConfig struct {
	Address string       `json:"address,omitempty"`
	Relay   relay.Config `json:"relay"`
}

type SolverConfig struct {
	// Empty uses the embedded dual-arm model.
	ModelPath    string           `json:"model_path,omitempty"`
	EndEffectors []ik.EndEffector `json:"end_effectors,omitempty"`
	Options      ik.Options       `json:"options"`
}

type CommandConfig struct {
	Sink    string `json:"sink,omitempty"`
	UDPHost string `json:"udp_host,omitempty"`
	UDPPort int    `json:"udp_port,omitempty"`

	Serial command.SerialConfig `json:"serial"`

	// Dispatches closer together than this are dropped. Zero sends every tick.
	MinInterval time.Duration `json:"min_interval,omitempty"`

	// Field order of the command body. Empty uses the default schema.
	Fields  []string         `json:"fields,omitempty"`
	Mapping *command.Mapping `json:"mapping,omitempty"`
}

type TelemetryConfig struct {
	// NDJSON file each telemetry record is appended to.
	RecordPath string `json:"record_path,omitempty"`
	// Capacity of the telemetry channel. Zero disables it.
	ChannelSize int `json:"channel_size,omitempty"`
}

// Validate fills defaults for every section and range checks them.
func (cfg *Config) Validate(path string) error {
	if err := cfg.Server.Validate(path + ".server"); err != nil {
		return err
	}
	if err := cfg.Teleop.Validate(); err != nil {
		return fmt.Errorf("%s.teleop: %w", path, err)
	}
	if err := cfg.Solver.Validate(path + ".solver"); err != nil {
		return err
	}
	if err := cfg.Command.Validate(path + ".command"); err != nil {
		return err
	}
	if err := cfg.Telemetry.Validate(path + ".telemetry"); err != nil {
		return err
	}
	if err := cfg.Tracing.Validate(); err != nil {
		return fmt.Errorf("%s.tracing: %w", path, err)
	}
	return nil
}

func (cfg *ServerConfig) Validate(path string) error {
	if cfg.Address == "" {
		cfg.Address = "0.0.0.0:8013"
	}
	if err := cfg.Relay.Validate(); err != nil {
		return fmt.Errorf("%s.relay: %w", path, err)
	}
	return nil
}

func (cfg *SolverConfig) Validate(path string) error {
	if len(cfg.EndEffectors) == 0 {
		cfg.EndEffectors = ik.DefaultEndEffectors()
	}
	if len(cfg.EndEffectors) != 2 {
		return fmt.Errorf("%s: need a right and a left end effector, got %d", path, len(cfg.EndEffectors))
	}
	if err := cfg.Options.Validate(); err != nil {
		return fmt.Errorf("%s.options: %w", path, err)
	}
	return nil
}

func (cfg *CommandConfig) Validate(path string) error {
	if cfg.Sink == "" {
		cfg.Sink = SinkUDP
	}
	if cfg.UDPHost == "" {
		cfg.UDPHost = "127.0.0.1"
	}
	if cfg.UDPPort == 0 {
		cfg.UDPPort = 10000
	}

	switch cfg.Sink {
	case SinkUDP:
	case SinkSerial:
		if err := cfg.Serial.Validate(); err != nil {
			return fmt.Errorf("%s.serial: %w", path, err)
		}
	default:
		return fmt.Errorf("%s: sink must be %q or %q, got %q", path, SinkUDP, SinkSerial, cfg.Sink)
	}
	if cfg.UDPPort < 0 || cfg.UDPPort > 65535 {
		return fmt.Errorf("%s: udp_port must be between 1 and 65535, got %d", path, cfg.UDPPort)
	}
	if cfg.MinInterval < 0 {
		return fmt.Errorf("%s: min_interval must be positive, got %v", path, cfg.MinInterval)
	}
	return nil
}

func (cfg *TelemetryConfig) Validate(path string) error {
	if cfg.ChannelSize < 0 {
		return fmt.Errorf("%s: channel_size must be positive, got %d", path, cfg.ChannelSize)
	}
	return nil
}

// DefaultConfig returns a validated configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := cfg.Validate("config"); err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig reads the JSON file at path, merges overrides on top of it and
// validates the result. A missing file leaves only overrides and defaults.
func LoadConfig(path string, overrides map[string]any, logger logging.Logger) (*Config, error) {
	raw := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			logger.Warnf("Config file %s not found, using defaults", path)
		case err != nil:
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		default:
			if err := json.Unmarshal(data, &raw); err != nil {
				return nil, errors.Wrapf(err, "failed to parse config file %s", path)
			}
		}
	}
	MergeConfig(raw, overrides)

	cfg, err := DecodeConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate("config"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeConfig converts a generic document into a Config. Durations may be
// strings such as "500ms" or integer nanoseconds.
func DecodeConfig(raw map[string]any) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "json",
		Result:           cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// MergeConfig copies src into dst, descending into nested objects so an
// override only replaces the keys it names.
func MergeConfig(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			MergeConfig(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
}
