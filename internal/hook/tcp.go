package hook

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// DefaultReplyTimeout bounds how long socket hooks wait for the peer.
const DefaultReplyTimeout = 5 * time.Second

const maxReply = 1024

// TCPRelay replays a device conversation against a TCP peer: OUT payloads
// are written to the peer, and each IN payload consumes one reply read
// from it. Useful for testing a protocol implementation against a capture.
type TCPRelay struct {
	log     *slog.Logger
	conn    net.Conn
	timeout time.Duration
	buf     []byte
}

// DialTCP connects to addr.
func DialTCP(ctx context.Context, addr string, timeout time.Duration, log *slog.Logger) (*TCPRelay, error) {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp hook: %w", err)
	}
	return &TCPRelay{
		log:     log.With("component", "tcp-hook", "remote", addr),
		conn:    conn,
		timeout: timeout,
		buf:     make([]byte, maxReply),
	}, nil
}

// Push sends OUT payloads and reads a reply for IN payloads. Other tokens
// are ignored.
func (r *TCPRelay) Push(name string, endpoint, address uint8, data []byte) error {
	switch name {
	case "OUT":
		r.log.Debug("tcp out", "pipe", fmt.Sprintf("%d.%d", address, endpoint), "len", len(data), "data", fmt.Sprintf("% x", data))
		if err := r.conn.SetWriteDeadline(time.Now().Add(r.timeout)); err != nil {
			return err
		}
		_, err := r.conn.Write(data)
		return err
	case "IN":
		if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
			return err
		}
		n, err := r.conn.Read(r.buf)
		if err != nil {
			return fmt.Errorf("tcp hook reply: %w", err)
		}
		r.log.Debug("tcp in", "pipe", fmt.Sprintf("%d.%d", address, endpoint), "len", n, "data", fmt.Sprintf("% x", r.buf[:n]))
	}
	return nil
}

// Stop closes the connection.
func (r *TCPRelay) Stop() error {
	return r.conn.Close()
}
