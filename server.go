// Package vr_teleop wires the relay, teleop sessions and command transport
// into one websocket server.
package vr_teleop

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.viam.com/rdk/logging"

	"vr_teleop/command"
	"vr_teleop/ik"
	"vr_teleop/kinematics"
	"vr_teleop/observability"
	"vr_teleop/relay"
	"vr_teleop/teleop"
)

const shutdownTimeout = 5 * time.Second

// Server owns everything shared between sessions: the model, the command
// layout, telemetry sinks and metrics. Each teleop connection gets its own
// solver and dispatcher.
type Server struct {
	cfg       *Config
	logger    logging.Logger
	model     *kinematics.Model
	schema    *command.Schema
	builder   *command.Builder
	collector *observability.Collector
	relay     *relay.Server
	mux       *http.ServeMux

	recorder  *teleop.Recorder
	channel   *teleop.ChannelSink
	telemetry teleop.FanOut

	// Serial ports cannot be opened twice, so sessions share one.
	serial command.Sink

	newSink func(udpHost string) (command.Sink, error)

	closeOnce sync.Once
}

// NewServer loads the model and builds the shared pieces. reg receives the
// server's metrics; nil uses the global registry.
func NewServer(cfg *Config, reg prometheus.Registerer, logger logging.Logger) (*Server, error) {
	if err := cfg.Validate("config"); err != nil {
		return nil, err
	}

	model, err := loadModel(cfg.Solver.ModelPath)
	if err != nil {
		return nil, err
	}
	// Fail at startup rather than on the first teleop attach.
	if _, err := ik.NewSolver(model, cfg.Solver.EndEffectors, cfg.Solver.Options, logger); err != nil {
		return nil, errors.Wrap(err, "invalid solver configuration")
	}

	schema := command.DefaultSchema()
	if len(cfg.Command.Fields) > 0 {
		if schema, err = command.NewSchema(cfg.Command.Fields); err != nil {
			return nil, err
		}
	}
	mapping := command.DefaultMapping()
	if cfg.Command.Mapping != nil {
		mapping = *cfg.Command.Mapping
	}
	builder, err := command.NewBuilder(schema, mapping, model.JointNames())
	if err != nil {
		return nil, errors.Wrap(err, "invalid command mapping")
	}

	collector, err := observability.NewCollector(reg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		model:     model,
		schema:    schema,
		builder:   builder,
		collector: collector,
		mux:       http.NewServeMux(),
	}
	s.newSink = s.openSink

	if cfg.Telemetry.RecordPath != "" {
		if s.recorder, err = teleop.OpenRecorder(cfg.Telemetry.RecordPath, logger); err != nil {
			return nil, err
		}
		s.telemetry = append(s.telemetry, s.recorder)
	}
	if cfg.Telemetry.ChannelSize > 0 {
		s.channel = teleop.NewChannelSink(cfg.Telemetry.ChannelSize)
		s.telemetry = append(s.telemetry, s.channel)
	}

	if cfg.Command.Sink == SinkSerial {
		if s.serial, err = command.OpenSerialSink(cfg.Command.Serial, logger); err != nil {
			s.closeTelemetry()
			return nil, err
		}
	}

	if s.relay, err = relay.NewServer(cfg.Server.Relay, s, collector, logger.Sublogger("relay")); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}

	s.mux.Handle("/metrics", collector.Handler())
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/", s.relay)

	logger.Infof("Loaded model %s with %d joints", model.Name(), model.DoF())
	return s, nil
}

func loadModel(path string) (*kinematics.Model, error) {
	if path == "" {
		return kinematics.DefaultModel()
	}
	return kinematics.LoadFile(path)
}

// Handler serves the relay websocket on every path except /metrics and
// /healthz.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Relay exposes the websocket relay.
func (s *Server) Relay() *relay.Server {
	return s.relay
}

// Telemetry is the bounded telemetry feed, or nil when disabled. Records are
// dropped when nobody reads.
func (s *Server) Telemetry() <-chan teleop.Telemetry {
	if s.channel == nil {
		return nil
	}
	return s.channel.C()
}

type healthResponse struct {
	Status string `json:"status"`
	relay.Stats
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := healthResponse{Status: "ok", Stats: s.relay.Registry().Stats()}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debugf("failed to write health response: %v", err)
	}
}

// NewProcessor starts a teleop session for a teleop handshake. The handshake's
// udp_host, when set, replaces the configured robot host for this session.
func (s *Server) NewProcessor(_ context.Context, h relay.Handshake) (relay.Processor, error) {
	logger := s.logger.Sublogger("teleop")

	solver, err := ik.NewSolver(s.model, s.cfg.Solver.EndEffectors, s.cfg.Solver.Options, logger)
	if err != nil {
		return nil, err
	}

	sink, err := s.newSink(h.UDPHost)
	if err != nil {
		return nil, err
	}
	dispatcher := command.NewDispatcher(sink, s.cfg.Command.MinInterval, s.collector, logger)

	session, err := teleop.NewSession(teleop.Params{
		Key:     h.Key(),
		Solver:  solver,
		Builder: s.builder,
		Sender:  dispatcher,
		Sink:    s.telemetry,
		Metrics: s.collector,
		Config:  s.cfg.Teleop,
		Logger:  logger,
	})
	if err != nil {
		dispatcher.Close() //nolint:errcheck
		return nil, err
	}
	return session, nil
}

func (s *Server) openSink(udpHost string) (command.Sink, error) {
	if s.serial != nil {
		return sharedSink{s.serial}, nil
	}
	if udpHost == "" {
		udpHost = s.cfg.Command.UDPHost
	}
	sink, err := command.NewUDPSink(udpHost, s.cfg.Command.UDPPort)
	if err != nil {
		return nil, err
	}
	s.logger.Infof("Sending commands to %s", sink.Addr())
	return sink, nil
}

// sharedSink leaves the underlying sink open when a session ends.
type sharedSink struct {
	command.Sink
}

func (sharedSink) Close() error { return nil }

// ListenAndServe serves until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Server.Address,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Teleop server listening on %s", s.cfg.Server.Address)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close() //nolint:errcheck
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	if closeErr := s.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Close ends every connection and session and releases sinks.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.relay != nil {
			err = s.relay.Close()
		}
		if s.serial != nil {
			if closeErr := s.serial.Close(); err == nil {
				err = closeErr
			}
		}
		if closeErr := s.closeTelemetry(); err == nil {
			err = closeErr
		}
	})
	return err
}

func (s *Server) closeTelemetry() error {
	if s.recorder == nil {
		return nil
	}
	return s.recorder.Close()
}
