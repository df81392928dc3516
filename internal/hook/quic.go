package hook

import (
	"context"
	"fmt"

	"github.com/zsiec/usbtrace/internal/relay"
	"github.com/zsiec/usbtrace/internal/tic"
)

// QUICRelay forwards payloads to a relay receiver.
type QUICRelay struct {
	client  *relay.Client
	capture string
}

// DialQUIC connects to a relay receiver whose certificate has the given
// SHA-256 fingerprint. capture labels every record.
func DialQUIC(ctx context.Context, addr string, fingerprint [32]byte, capture string) (*QUICRelay, error) {
	c, err := relay.Dial(ctx, addr, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("quic hook: %w", err)
	}
	return &QUICRelay{client: c, capture: capture}, nil
}

// Push sends a record without a timestamp.
func (q *QUICRelay) Push(name string, endpoint, address uint8, data []byte) error {
	return q.PushAt(0, name, endpoint, address, data)
}

// PushAt sends one record.
func (q *QUICRelay) PushAt(at tic.Tic, name string, endpoint, address uint8, data []byte) error {
	return q.client.Send(relay.Record{
		Capture:  q.capture,
		Tic:      uint64(at),
		Name:     name,
		Address:  address,
		Endpoint: endpoint,
		Data:     data,
	})
}

// Stop closes the relay connection.
func (q *QUICRelay) Stop() error {
	return q.client.Close()
}
