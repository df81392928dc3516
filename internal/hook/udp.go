package hook

import (
	"fmt"
	"log/slog"
	"net"
	"time"
)

// UDPPlay serves captured payloads over UDP. For each payload it waits for
// a trigger datagram and answers the sender with the payload.
type UDPPlay struct {
	log     *slog.Logger
	conn    net.PacketConn
	timeout time.Duration
	buf     []byte
}

// ListenUDP binds addr.
func ListenUDP(addr string, timeout time.Duration, log *slog.Logger) (*UDPPlay, error) {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp hook: %w", err)
	}
	return &UDPPlay{
		log:     log.With("component", "udp-hook", "addr", conn.LocalAddr()),
		conn:    conn,
		timeout: timeout,
		buf:     make([]byte, maxReply),
	}, nil
}

// Addr returns the bound address.
func (u *UDPPlay) Addr() net.Addr {
	return u.conn.LocalAddr()
}

// Push blocks until a trigger arrives, then sends data to its sender.
func (u *UDPPlay) Push(_ string, endpoint, address uint8, data []byte) error {
	if err := u.conn.SetReadDeadline(time.Now().Add(u.timeout)); err != nil {
		return err
	}
	_, peer, err := u.conn.ReadFrom(u.buf)
	if err != nil {
		return fmt.Errorf("udp hook trigger: %w", err)
	}
	u.log.Debug("udp out", "pipe", fmt.Sprintf("%d.%d", address, endpoint), "peer", peer, "len", len(data))
	_, err = u.conn.WriteTo(data, peer)
	return err
}

// Stop closes the socket.
func (u *UDPPlay) Stop() error {
	return u.conn.Close()
}
