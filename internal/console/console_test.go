package console

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/usbtrace/internal/event"
	"github.com/zsiec/usbtrace/internal/tic"
	"github.com/zsiec/usbtrace/internal/usb"
)

func inTransaction(payload []byte) *event.Transaction {
	return &event.Transaction{
		Packets: []*usb.Packet{
			{PID: usb.PIDIn, Address: 4, Endpoint: 1, Tic: 60},
			{PID: usb.PIDData1, Data: payload, Tic: 61},
			{PID: usb.PIDAck, Tic: 62},
		},
		Outcome: event.OutcomeAck,
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		ev       event.Event
		hexLimit int
		want     string
	}{
		{
			name:     "transaction with payload",
			ev:       event.Event{Kind: event.KindTransaction, Transaction: inTransaction([]byte{0xde, 0xad})},
			hexLimit: 16,
			want:     "IN 4.1 ACK (2 bytes) | de ad",
		},
		{
			name:     "payload truncated",
			ev:       event.Event{Kind: event.KindTransaction, Transaction: inTransaction([]byte{1, 2, 3})},
			hexLimit: 2,
			want:     "IN 4.1 ACK (3 bytes) | 01 02 ...",
		},
		{
			name:     "hex disabled",
			ev:       event.Event{Kind: event.KindTransaction, Transaction: inTransaction([]byte{1})},
			hexLimit: 0,
			want:     "IN 4.1 ACK (1 bytes)",
		},
		{
			name:     "raw",
			ev:       event.Event{Kind: event.KindRaw, Data: []byte{0xff}},
			hexLimit: 16,
			want:     "raw 1 bytes | ff",
		},
		{
			name:     "reset",
			ev:       event.Event{Kind: event.KindReset, Duration: tic.FromDuration(10_000_000)},
			hexLimit: 16,
			want:     "bus reset (10.000ms)",
		},
		{
			name:     "error reason",
			ev:       event.Event{Kind: event.KindTransactionError, Transaction: inTransaction(nil), Reason: "orphan"},
			hexLimit: 16,
			want:     "IN 4.1 ACK (0 bytes): orphan",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Describe(tt.ev, tt.hexLimit))
		})
	}
}

func TestPrinterSuppressesSOF(t *testing.T) {
	t.Parallel()
	sof := &event.Transaction{Packets: []*usb.Packet{{PID: usb.PIDSOF, Frame: 7}}}

	var buf bytes.Buffer
	s := New(&buf).Sink("bus")
	require.NoError(t, s.Push(event.Event{Kind: event.KindTransaction, Transaction: sof}))
	assert.Empty(t, buf.String())

	buf.Reset()
	s = New(&buf, PrinterOptShowSOF()).Sink("bus")
	require.NoError(t, s.Push(event.Event{Kind: event.KindTransaction, Transaction: sof}))
	assert.Contains(t, buf.String(), "SOF 7")
}

func TestPrinterLines(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	p := New(&buf, PrinterOptShortTimestamps())
	s := p.Sink("4.1")

	tx := inTransaction([]byte{1, 2})
	require.NoError(t, s.Push(event.Event{Kind: event.KindTransaction, Tic: 60, Transaction: tx}))
	require.NoError(t, s.Push(event.Event{Kind: event.KindTransfer, Tic: 60, Transfer: &event.Transfer{
		Address:      4,
		Endpoint:     1,
		Direction:    usb.DirIn,
		Transactions: []*event.Transaction{tx},
		Payload:      []byte{1, 2},
	}}))
	s.Stop()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "1.000us 4.1"), lines[0])
	assert.Contains(t, lines[0], "IN 4.1 ACK (2 bytes)")
	assert.Contains(t, lines[1], "Complete (2 bytes, 1 transactions)")
	assert.Equal(t, "4.1: 1 transactions, 1 transfers, 0 errors", lines[2])
}

func TestStopWithoutTrafficPrintsNothing(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	New(&buf).Sink("idle").Stop()
	assert.Empty(t, buf.String())
}

func TestCounterPrintsOnlySummary(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := New(&buf).Counter("errors")
	require.NoError(t, s.Push(event.Event{Kind: event.KindTransactionError, Transaction: inTransaction(nil), Reason: "orphan"}))
	require.NoError(t, s.Push(event.Event{Kind: event.KindTransferError, Transfer: &event.Transfer{}}))
	assert.Empty(t, buf.String())

	s.Stop()
	assert.Equal(t, "errors: 1 transactions, 1 transfers, 2 errors\n", buf.String())
}
