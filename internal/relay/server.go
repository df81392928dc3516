package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/usbtrace/internal/certs"
)

var quicConfig = &quic.Config{
	MaxIdleTimeout:  30 * time.Second,
	KeepAlivePeriod: 10 * time.Second,
}

// Handler receives every record read by a Server. It is called from one
// goroutine per stream.
type Handler func(remote net.Addr, rec Record)

// Server accepts relay connections and hands their records to a Handler.
type Server struct {
	log      *slog.Logger
	listener *quic.Listener
	handler  Handler
}

// Listen starts a relay listener on addr presenting cert.
func Listen(addr string, cert *certs.CertInfo, handler Handler, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := quic.ListenAddr(addr, cert.ServerConfig(NextProto), quicConfig)
	if err != nil {
		return nil, fmt.Errorf("relay listen on %s: %w", addr, err)
	}
	return &Server{
		log:      log.With("component", "relay-server"),
		listener: ln,
		handler:  handler,
	}, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("listening", "addr", s.listener.Addr())
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay accept: %w", err)
		}
		s.log.Info("peer connected", "remote", conn.RemoteAddr())
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn quic.Connection) {
	for {
		str, err := conn.AcceptStream(ctx)
		if err != nil {
			s.log.Debug("peer gone", "remote", conn.RemoteAddr(), "error", err)
			return
		}
		go s.handleStream(conn.RemoteAddr(), str)
	}
}

func (s *Server) handleStream(remote net.Addr, str quic.Stream) {
	defer str.Close()
	br := bufio.NewReader(str)
	count := 0
	for {
		rec, err := ReadFrame(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Warn("relay stream error", "remote", remote, "error", err)
			}
			s.log.Debug("stream closed", "remote", remote, "records", count)
			return
		}
		count++
		s.handler(remote, rec)
	}
}
