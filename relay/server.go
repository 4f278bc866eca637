// Package relay pairs robot, app and teleop websocket connections by session
// key and routes messages between them.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// DefaultKey is used when a handshake names no robot.
const DefaultKey = "default"

// Config tunes the websocket endpoint.
type Config struct {
	AllowedOrigins []string      `json:"allowed_origins,omitempty"`
	SendBuffer     int           `json:"send_buffer,omitempty"`
	ReadLimit      int64         `json:"read_limit,omitempty"`
	PingInterval   time.Duration `json:"ping_interval,omitempty"`
	PongWait       time.Duration `json:"pong_wait,omitempty"`
	WriteWait      time.Duration `json:"write_wait,omitempty"`
}

// Validate fills defaults and checks that the ping interval fits inside the
// pong wait.
func (cfg *Config) Validate() error {
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = 512 * 1024
	}
	if cfg.PongWait == 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait == 0 {
		cfg.WriteWait = 10 * time.Second
	}

	if cfg.SendBuffer < 0 {
		return fmt.Errorf("send_buffer must be positive, got %d", cfg.SendBuffer)
	}
	if cfg.ReadLimit < 0 {
		return fmt.Errorf("read_limit must be positive, got %d", cfg.ReadLimit)
	}
	if cfg.PingInterval >= cfg.PongWait {
		return fmt.Errorf("ping_interval (%v) must be shorter than pong_wait (%v)", cfg.PingInterval, cfg.PongWait)
	}
	return nil
}

// Metrics receives relay events.
type Metrics interface {
	ConnectionOpened(role string)
	ConnectionClosed(role string)
	MessageRelayed(from string)
	RelayFailed(from string)
	MalformedMessage(role string)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened(string) {}
func (noopMetrics) ConnectionClosed(string) {}
func (noopMetrics) MessageRelayed(string)   {}
func (noopMetrics) RelayFailed(string)      {}
func (noopMetrics) MalformedMessage(string) {}

// Handshake is the first message a connection sends.
type Handshake struct {
	Role    Role   `json:"role"`
	RobotID string `json:"robot_id,omitempty"`
	UDPHost string `json:"udp_host,omitempty"`
}

// Key is the session key the handshake attaches to.
func (h Handshake) Key() string {
	if h.RobotID == "" {
		return DefaultKey
	}
	return h.RobotID
}

// ProcessorFactory starts a teleop session for a teleop handshake.
type ProcessorFactory interface {
	NewProcessor(ctx context.Context, h Handshake) (Processor, error)
}

// Server accepts websocket connections and hands them to the registry.
type Server struct {
	cfg      Config
	registry *Registry
	factory  ProcessorFactory
	upgrader websocket.Upgrader
	metrics  Metrics
	logger   logging.Logger

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	wg     sync.WaitGroup
}

// NewServer validates cfg and builds a server. metrics may be nil; a nil
// factory rejects teleop handshakes.
func NewServer(cfg Config, factory ProcessorFactory, metrics Metrics, logger logging.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid relay config")
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(metrics, logger),
		factory:  factory,
		upgrader: makeUpgrader(cfg.AllowedOrigins),
		metrics:  metrics,
		logger:   logger,
		conns:    make(map[string]*Conn),
	}, nil
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Registry exposes the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugf("websocket upgrade failed: %v", err)
		return
	}

	c := newConn(ws, s.cfg, s.logger)
	if !s.track(c) {
		c.Close() //nolint:errcheck
		return
	}
	defer s.untrack(c)

	s.wg.Add(1)
	utils.ManagedGo(c.writePump, s.wg.Done)
	s.serve(c)
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.ID()] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) serve(c *Conn) {
	defer c.Close() //nolint:errcheck

	c.prepareRead()
	ctx := context.Background()

	var (
		h    Handshake
		proc Processor
	)
loop:
	for {
		msg, err := c.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugf("connection %s read error: %v", c.ID(), err)
			}
			break loop
		}

		if h.Role == "" {
			h, proc = s.handshake(ctx, c, msg)
			if h.Role != "" {
				s.metrics.ConnectionOpened(string(h.Role))
			}
			continue
		}

		switch h.Role {
		case RoleRobot, RoleApp:
			if !json.Valid(msg) {
				s.logger.Debugf("dropping malformed %s message for %s", h.Role, h.Key())
				s.metrics.MalformedMessage(string(h.Role))
				continue
			}
			if h.Role == RoleRobot {
				s.registry.RelayFromRobot(h.Key(), c, msg)
			} else {
				s.registry.RelayFromApp(h.Key(), c, msg)
			}
		case RoleTeleop:
			reply, err := proc.Update(ctx, msg)
			if err != nil {
				s.logger.Debugf("teleop update for %s not answered: %v", h.Key(), err)
				continue
			}
			if errors.Is(c.Send(reply), ErrConnClosed) {
				break loop
			}
		}
	}

	if h.Role != "" {
		s.registry.Detach(h.Key(), h.Role, c)
		s.metrics.ConnectionClosed(string(h.Role))
	}
}

// handshake attaches c when msg is a valid handshake. On failure the zero
// Handshake is returned and the connection may try again.
func (s *Server) handshake(ctx context.Context, c *Conn, msg []byte) (Handshake, Processor) {
	var h Handshake
	if err := json.Unmarshal(msg, &h); err != nil {
		s.logger.Debugf("malformed handshake on connection %s: %v", c.ID(), err)
		s.metrics.MalformedMessage("handshake")
		c.Send(encodeNotice(Notice{Type: "error", Error: "Malformed handshake"})) //nolint:errcheck
		return Handshake{}, nil
	}

	switch h.Role {
	case RoleRobot:
		s.registry.AttachRobot(h.Key(), c)
	case RoleApp:
		s.registry.AttachApp(h.Key(), c)
	case RoleTeleop:
		if s.factory == nil {
			c.Send(encodeNotice(Notice{Type: "error", Error: "Teleop is not enabled"})) //nolint:errcheck
			return Handshake{}, nil
		}
		proc, err := s.factory.NewProcessor(ctx, h)
		if err != nil {
			s.logger.Warnf("failed to start teleop session for %s: %v", h.Key(), err)
			c.Send(encodeNotice(Notice{Type: "error", Error: err.Error()})) //nolint:errcheck
			return Handshake{}, nil
		}
		s.registry.AttachTeleop(h.Key(), c, proc)
		s.logger.Infof("teleop session started for %s", h.Key())
		return h, proc
	default:
		s.logger.Debugf("invalid role %q on connection %s", h.Role, c.ID())
		c.Send(encodeNotice(noticeInvalidRole)) //nolint:errcheck
		return Handshake{}, nil
	}
	s.logger.Infof("%s connected for %s", h.Role, h.Key())
	return h, nil
}

// Close closes every connection and waits for their goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.registry.CloseAll()
	for _, c := range conns {
		c.Close() //nolint:errcheck
	}
	s.wg.Wait()
	return nil
}
