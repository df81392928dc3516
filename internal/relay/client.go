package relay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/usbtrace/internal/certs"
)

// closeTimeout bounds how long Close waits for the server to drain.
const closeTimeout = 5 * time.Second

// Client sends records to a relay Server over a single QUIC stream.
type Client struct {
	conn quic.Connection

	mu     sync.Mutex
	stream quic.Stream
	buf    []byte
}

// Dial connects to the relay at addr, accepting only the certificate with
// the given fingerprint.
func Dial(ctx context.Context, addr string, fingerprint [32]byte) (*Client, error) {
	conn, err := quic.DialAddr(ctx, addr, certs.PinnedClientConfig(fingerprint, NextProto), quicConfig)
	if err != nil {
		return nil, fmt.Errorf("relay dial %s: %w", addr, err)
	}
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("relay open stream: %w", err)
	}
	return &Client{conn: conn, stream: str}, nil
}

// Send writes one record.
func (c *Client) Send(rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	c.buf, err = AppendFrame(c.buf[:0], rec)
	if err != nil {
		return err
	}
	if _, err := c.stream.Write(c.buf); err != nil {
		return fmt.Errorf("relay send: %w", err)
	}
	return nil
}

// Close finishes the stream and closes the connection once the peer has
// read everything.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.stream.Close(); err != nil {
		c.conn.CloseWithError(1, "stream close failed")
		return err
	}
	// The server closes its side after reading the last frame.
	c.stream.SetReadDeadline(time.Now().Add(closeTimeout))
	io.Copy(io.Discard, c.stream)
	return c.conn.CloseWithError(0, "")
}
