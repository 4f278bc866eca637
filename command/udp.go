package command

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// UDPSink sends each command as one datagram.
type UDPSink struct {
	addr string
	conn net.Conn
}

// NewUDPSink dials host:port. Dialing UDP only resolves the address; nothing
// is sent until the first Write.
func NewUDPSink(host string, port int) (*UDPSink, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial command address %s", addr)
	}
	return &UDPSink{addr: addr, conn: conn}, nil
}

// Name identifies the sink in logs and metrics.
func (s *UDPSink) Name() string {
	return "udp"
}

// Addr is the remote address.
func (s *UDPSink) Addr() string {
	return s.addr
}

func (s *UDPSink) Write(ctx context.Context, payload []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := s.conn.Write(payload)
	return err
}

func (s *UDPSink) Close() error {
	return s.conn.Close()
}
