package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Role is what a connection declared itself as in its handshake.
type Role string

const (
	RoleRobot  Role = "robot"
	RoleApp    Role = "app"
	RoleTeleop Role = "teleop"
)

// ErrConnClosed is returned by Peer.Send once the peer is gone.
var ErrConnClosed = errors.New("connection closed")

// Peer is one attached connection.
type Peer interface {
	ID() string
	// Send queues msg without blocking. Only ErrConnClosed means the peer is
	// unreachable.
	Send(msg []byte) error
	Close() error
}

// Processor handles every message of a teleop connection and produces the
// reply written back on it.
type Processor interface {
	Update(ctx context.Context, msg []byte) ([]byte, error)
	Close() error
}

// Notice is a typed event sent to app and robot connections.
type Notice struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

var (
	noticeRobotAvailable   = Notice{Type: "robot_available"}
	noticeRobotUnavailable = Notice{Type: "error", Error: "Robot is not available"}
	noticeRobotGone        = Notice{Type: "error", Error: "Robot disconnected"}
	noticeAppGone          = Notice{Type: "connection_closed"}
	noticeInvalidRole      = Notice{Type: "error", Error: "Invalid role"}
)

func encodeNotice(n Notice) []byte {
	b, err := json.Marshal(n)
	if err != nil {
		panic(err)
	}
	return b
}

// Entry holds the connections of one session key. Every change to an entry
// happens under its lock.
type Entry struct {
	key       string
	mu        sync.Mutex
	robot     Peer
	app       Peer
	teleop    Peer
	processor Processor
	removed   bool
}

func (e *Entry) empty() bool {
	return e.robot == nil && e.app == nil && e.teleop == nil
}

// Stats summarizes the registry for health reporting.
type Stats struct {
	Sessions int `json:"sessions"`
	Robots   int `json:"robots"`
	Apps     int `json:"apps"`
	Teleops  int `json:"teleops"`
}

// Registry pairs robot, app and teleop connections by session key.
type Registry struct {
	entries map[string]*Entry
	mu      sync.RWMutex
	logger  logging.Logger
	metrics Metrics
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(metrics Metrics, logger logging.Logger) *Registry {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  logger,
		metrics: metrics,
	}
}

// lock returns the locked entry for key, creating it if needed. An entry that
// was removed while we waited for its lock is retried.
func (r *Registry) lock(key string) *Entry {
	for {
		r.mu.RLock()
		entry, exists := r.entries[key]
		r.mu.RUnlock()

		if !exists {
			r.mu.Lock()
			if entry, exists = r.entries[key]; !exists {
				entry = &Entry{key: key}
				r.entries[key] = entry
			}
			r.mu.Unlock()
		}

		entry.mu.Lock()
		if !entry.removed {
			return entry
		}
		entry.mu.Unlock()
	}
}

// existing returns the locked entry for key, or nil.
func (r *Registry) existing(key string) *Entry {
	r.mu.RLock()
	entry, exists := r.entries[key]
	r.mu.RUnlock()
	if !exists {
		return nil
	}
	entry.mu.Lock()
	if entry.removed {
		entry.mu.Unlock()
		return nil
	}
	return entry
}

// removeIfEmpty must be called with the entry locked.
func (r *Registry) removeIfEmpty(entry *Entry) {
	if !entry.empty() {
		return
	}
	entry.removed = true
	r.mu.Lock()
	if r.entries[entry.key] == entry {
		delete(r.entries, entry.key)
	}
	r.mu.Unlock()
}

func (r *Registry) closePeer(p Peer) {
	if err := p.Close(); err != nil {
		r.logger.Debugf("error closing connection %s: %v", p.ID(), err)
	}
}

// AttachRobot installs p as the robot for key, closing any previous robot. A
// waiting app is told the robot is available.
func (r *Registry) AttachRobot(key string, p Peer) {
	entry := r.lock(key)
	defer entry.mu.Unlock()

	if entry.robot != nil && entry.robot != p {
		r.logger.Infof("replacing robot connection for %s", key)
		r.closePeer(entry.robot)
	}
	entry.robot = p
	if entry.app != nil {
		r.notifyApp(entry, noticeRobotAvailable)
	}
}

// AttachApp installs p as the app for key, closing any previous app, and
// tells it whether a robot is present.
func (r *Registry) AttachApp(key string, p Peer) {
	entry := r.lock(key)
	defer entry.mu.Unlock()

	if entry.app != nil && entry.app != p {
		r.logger.Infof("replacing app connection for %s", key)
		r.closePeer(entry.app)
	}
	entry.app = p
	if entry.robot == nil {
		r.notifyApp(entry, noticeRobotUnavailable)
		return
	}
	r.notifyApp(entry, noticeRobotAvailable)
}

// AttachTeleop installs p and its processor for key. A previous teleop
// connection and its processor are closed.
func (r *Registry) AttachTeleop(key string, p Peer, proc Processor) {
	entry := r.lock(key)
	defer entry.mu.Unlock()

	if entry.teleop != nil && entry.teleop != p {
		r.logger.Infof("replacing teleop connection for %s", key)
		r.closePeer(entry.teleop)
	}
	r.closeProcessor(entry)
	entry.teleop = p
	entry.processor = proc
}

func (r *Registry) closeProcessor(entry *Entry) {
	if entry.processor == nil {
		return
	}
	if err := entry.processor.Close(); err != nil {
		r.logger.Warnf("error closing teleop session for %s: %v", entry.key, err)
	}
	entry.processor = nil
}

// notifyApp must be called with the entry locked.
func (r *Registry) notifyApp(entry *Entry, n Notice) {
	if err := entry.app.Send(encodeNotice(n)); errors.Is(err, ErrConnClosed) {
		entry.app = nil
	}
}

// RelayFromApp forwards msg verbatim to the robot paired with app p.
func (r *Registry) RelayFromApp(key string, p Peer, msg []byte) {
	entry := r.existing(key)
	if entry == nil {
		return
	}
	defer entry.mu.Unlock()
	if entry.app != p {
		return
	}
	if entry.robot == nil {
		r.logger.Debugf("dropping app message for %s: no robot", key)
		return
	}

	if err := entry.robot.Send(msg); errors.Is(err, ErrConnClosed) {
		r.logger.Warnf("failed to relay app message to robot for %s", key)
		r.metrics.RelayFailed(string(RoleApp))
		entry.robot = nil
		r.notifyApp(entry, noticeRobotGone)
		return
	}
	r.metrics.MessageRelayed(string(RoleApp))
}

// RelayFromRobot forwards msg verbatim to the app paired with robot p.
func (r *Registry) RelayFromRobot(key string, p Peer, msg []byte) {
	entry := r.existing(key)
	if entry == nil {
		return
	}
	defer entry.mu.Unlock()
	if entry.robot != p || entry.app == nil {
		return
	}

	if err := entry.app.Send(msg); errors.Is(err, ErrConnClosed) {
		r.logger.Warnf("failed to relay robot message to app for %s", key)
		r.metrics.RelayFailed(string(RoleRobot))
		entry.app = nil
		return
	}
	r.metrics.MessageRelayed(string(RoleRobot))
}

// Detach clears role for key if p still holds it. A robot leaving also ends
// the teleop session and tells the app, which stays attached to wait for the
// next robot. An app leaving tells the robot.
func (r *Registry) Detach(key string, role Role, p Peer) {
	entry := r.existing(key)
	if entry == nil {
		return
	}
	defer entry.mu.Unlock()

	switch role {
	case RoleRobot:
		if entry.robot != p {
			return
		}
		entry.robot = nil
		r.closeProcessor(entry)
		if entry.teleop != nil {
			r.closePeer(entry.teleop)
			entry.teleop = nil
		}
		if entry.app != nil {
			r.notifyApp(entry, noticeRobotGone)
		}
		r.logger.Infof("robot for %s disconnected", key)
	case RoleApp:
		if entry.app != p {
			return
		}
		entry.app = nil
		if entry.robot != nil {
			if err := entry.robot.Send(encodeNotice(noticeAppGone)); errors.Is(err, ErrConnClosed) {
				entry.robot = nil
			}
		}
		r.logger.Infof("app for %s disconnected", key)
	case RoleTeleop:
		if entry.teleop != p {
			return
		}
		entry.teleop = nil
		r.closeProcessor(entry)
		r.logger.Infof("teleop for %s disconnected", key)
	}
	r.removeIfEmpty(entry)
}

// Stats counts live sessions and handles.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var st Stats
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			st.Sessions++
			if e.robot != nil {
				st.Robots++
			}
			if e.app != nil {
				st.Apps++
			}
			if e.teleop != nil {
				st.Teleops++
			}
		}
		e.mu.Unlock()
	}
	return st
}

// CloseAll closes every attached connection and teleop session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.removed = true
		r.closeProcessor(e)
		for _, p := range []Peer{e.robot, e.app, e.teleop} {
			if p != nil {
				r.closePeer(p)
			}
		}
		e.robot, e.app, e.teleop = nil, nil, nil
		e.mu.Unlock()
	}
}
