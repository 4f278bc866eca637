package command

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
)

// AutoPort asks OpenSerialSink to pick the first candidate port.
const AutoPort = "auto"

// SerialConfig configures a serial command sink.
type SerialConfig struct {
	Port     string `json:"port,omitempty"`
	Baudrate int    `json:"baudrate,omitempty"`
}

// Validate fills defaults.
func (cfg *SerialConfig) Validate() error {
	if cfg.Port == "" {
		cfg.Port = AutoPort
	}
	if cfg.Baudrate == 0 {
		cfg.Baudrate = 115200
	}
	if cfg.Baudrate < 0 {
		return errors.Errorf("baudrate must be positive, got %d", cfg.Baudrate)
	}
	return nil
}

// SerialSink writes commands as JSON lines to a serial port.
type SerialSink struct {
	port string
	mu   sync.Mutex
	w    io.WriteCloser
}

// OpenSerialSink opens the configured port, or the first candidate port when
// the port is "auto".
func OpenSerialSink(cfg SerialConfig, logger logging.Logger) (*SerialSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	portName := cfg.Port
	if portName == AutoPort {
		candidates, err := CandidatePorts()
		if err != nil {
			return nil, errors.Wrap(err, "failed to enumerate serial ports")
		}
		if len(candidates) == 0 {
			return nil, errors.New("no candidate serial ports found")
		}
		portName = candidates[0].Name
		logger.Infof("Using serial port %s for commands", candidates[0].Label())
	}

	p, err := serial.Open(portName, &serial.Mode{BaudRate: cfg.Baudrate})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", portName)
	}
	return newSerialSink(portName, p), nil
}

func newSerialSink(port string, w io.WriteCloser) *SerialSink {
	return &SerialSink{port: port, w: w}
}

func (s *SerialSink) Name() string {
	return "serial"
}

// Port is the device path in use.
func (s *SerialSink) Port() string {
	return s.port
}

func (s *SerialSink) Write(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(payload)
	return err
}

func (s *SerialSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
