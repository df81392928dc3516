package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/usbtrace/internal/ingest"
)

// srtReadBufferSize is the read buffer for SRT socket reads: eight
// maximum-size SRT payloads.
const srtReadBufferSize = 1456 * 8

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Server accepts capture feeds pushed by remote analyzer hosts and
// registers them with the ingest registry.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates an SRT server that listens on addr and registers
// incoming feeds with the given registry. If log is nil, slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start accepts SRT connections until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key := extractCaptureKey(conn.StreamID())
		s.log.Info("capture feed", "key", key, "remote", conn.RemoteAddr())

		go s.handleConnection(ctx, conn, key)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()

	feed, writer := s.registry.Register(key, ingest.FormatRecords)
	feed.SetRemoteAddr(conn.RemoteAddr().String())

	copyFeed(ctx, s.log, conn, feed, writer)

	stats := feed.Stats()
	s.registry.Unregister(key)
	s.log.Info("connection closed", "key", key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// copyFeed moves socket data into the feed pipe until either side fails.
func copyFeed(ctx context.Context, log *slog.Logger, conn io.Reader, feed *ingest.Feed, w io.Writer) {
	buf := make([]byte, srtReadBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "key", feed.Key, "error", err)
			}
			return
		}
		feed.RecordRead(n)
		if _, err := w.Write(buf[:n]); err != nil {
			log.Debug("pipe write error", "key", feed.Key, "error", err)
			return
		}
	}
}

// extractCaptureKey maps an SRT stream ID such as "/capture/bench-1" to
// the capture key "bench-1".
func extractCaptureKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "capture/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
