package hook

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/usbtrace/internal/certs"
	"github.com/zsiec/usbtrace/internal/relay"
)

func TestDump(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.bin")
	d, err := NewDump(path)
	require.NoError(t, err)
	require.NoError(t, d.Push("IN", 2, 3, []byte("hello ")))
	require.NoError(t, d.Push("IN", 2, 3, []byte("world")))
	require.NoError(t, d.Stop())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestTCPRelay(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 3)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		received <- buf
		conn.Write([]byte{0xAA})
		io.Copy(io.Discard, conn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := DialTCP(ctx, ln.Addr().String(), time.Second, nil)
	require.NoError(t, err)

	require.NoError(t, r.Push("OUT", 1, 5, []byte{1, 2, 3}))
	select {
	case got := <-received:
		require.Equal(t, []byte{1, 2, 3}, got)
	case <-ctx.Done():
		t.Fatal("peer never received the OUT payload")
	}
	require.NoError(t, r.Push("IN", 1, 5, []byte{0xAA}))
	require.NoError(t, r.Push("SETUP", 0, 5, []byte{0, 5, 0, 0, 0, 0, 0, 0}))
	require.NoError(t, r.Stop())
}

func TestTCPRelayReplyTimeout(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			io.Copy(io.Discard, conn)
		}
	}()

	r, err := DialTCP(context.Background(), ln.Addr().String(), 50*time.Millisecond, nil)
	require.NoError(t, err)
	defer r.Stop()
	require.Error(t, r.Push("IN", 1, 5, []byte{1}))
}

func TestUDPPlay(t *testing.T) {
	t.Parallel()
	u, err := ListenUDP("127.0.0.1:0", 5*time.Second, nil)
	require.NoError(t, err)
	defer u.Stop()

	client, err := net.Dial("udp", u.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- u.Push("IN", 4, 2, []byte("frame")) }()

	_, err = client.Write([]byte{0})
	require.NoError(t, err)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "frame", string(buf[:n]))
	require.NoError(t, <-done)
}

func TestSQLite(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "hooks.sqlite")
	s, err := OpenSQLite(path, "bench")
	require.NoError(t, err)

	require.NoError(t, s.PushAt(600, "OUT", 2, 3, []byte{1, 2}))
	require.NoError(t, s.Push("IN", 1, 3, nil))
	require.NoError(t, s.Insert(relay.Record{Capture: "remote", Tic: 9, Name: "IN", Address: 7, Endpoint: 1, Data: []byte{5}}))

	all, err := s.Records(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, relay.Record{Capture: "bench", Tic: 600, Name: "OUT", Address: 3, Endpoint: 2, Data: []byte{1, 2}}, all[0])

	remote, err := s.Records(context.Background(), "remote")
	require.NoError(t, err)
	require.Len(t, remote, 1)
	require.Equal(t, uint8(7), remote[0].Address)
	require.NoError(t, s.Stop())
}

func TestQUICRelay(t *testing.T) {
	t.Parallel()
	cert, err := certs.Generate(time.Hour)
	require.NoError(t, err)

	records := make(chan relay.Record, 4)
	srv, err := relay.Listen("127.0.0.1:0", cert, func(_ net.Addr, rec relay.Record) {
		records <- rec
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go srv.Serve(ctx)

	q, err := DialQUIC(ctx, srv.Addr().String(), cert.Fingerprint, "bench")
	require.NoError(t, err)
	require.NoError(t, q.PushAt(60, "OUT", 1, 9, []byte{0xBE, 0xEF}))

	select {
	case rec := <-records:
		require.Equal(t, "bench", rec.Capture)
		require.Equal(t, uint64(60), rec.Tic)
		require.Equal(t, uint8(9), rec.Address)
		require.Equal(t, []byte{0xBE, 0xEF}, rec.Data)
	case <-ctx.Done():
		t.Fatal("no record relayed")
	}
	require.NoError(t, q.Stop())
}
