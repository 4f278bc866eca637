package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.viam.com/rdk/logging"
)

// Conn is one websocket connection. Writes go through a buffered channel
// drained by writePump so that Send never blocks the caller.
type Conn struct {
	id     string
	ws     *websocket.Conn
	cfg    Config
	logger logging.Logger

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, cfg Config, logger logging.Logger) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		ws:     ws,
		cfg:    cfg,
		logger: logger,
		sendCh: make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

// ID is unique per connection.
func (c *Conn) ID() string {
	return c.id
}

// Send queues msg. A full buffer drops the message.
func (c *Conn) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.sendCh <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.logger.Warnf("send buffer full for connection %s, dropping message", c.id)
		return nil
	}
}

// Close sends a close frame and tears down the socket. Safe to call more than
// once and from any goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.cfg.WriteWait)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, deadline) //nolint:errcheck
		err = c.ws.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) prepareRead() {
	c.ws.SetReadLimit(c.cfg.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait)) //nolint:errcheck
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
}

// read returns the next message, extending the read deadline.
func (c *Conn) read() ([]byte, error) {
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait)) //nolint:errcheck
	return msg, nil
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debugf("write to connection %s failed: %v", c.id, err)
				c.Close() //nolint:errcheck
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close() //nolint:errcheck
				return
			}
		}
	}
}
