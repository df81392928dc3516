package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/usbtrace/internal/certs"
	"github.com/zsiec/usbtrace/internal/console"
	"github.com/zsiec/usbtrace/internal/event"
	"github.com/zsiec/usbtrace/internal/hook"
	"github.com/zsiec/usbtrace/internal/ingest"
	srtingest "github.com/zsiec/usbtrace/internal/ingest/srt"
	"github.com/zsiec/usbtrace/internal/pipe"
	"github.com/zsiec/usbtrace/internal/pipeline"
	"github.com/zsiec/usbtrace/internal/session"
)

func runServe(ctx context.Context) error {
	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		return fmt.Errorf("generate cert: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	srtAddr := envOr("SRT_ADDR", ":6000")
	apiAddr := envOr("API_ADDR", ":4444")
	window, _ := strconv.Atoi(envOr("REORDER_WINDOW", "0"))

	a := &app{
		sessions: session.NewManager(nil),
		printer:  console.New(os.Stdout, console.PrinterOptShortTimestamps()),
		window:   window,
		skipCRC:  os.Getenv("SKIP_CRC") != "",
	}
	if path := os.Getenv("HOOKS_FILE"); path != "" {
		a.hooks, err = hook.LoadConfig(path)
		if err != nil {
			return err
		}
	}

	slog.Info("usbtrace starting",
		"version", version,
		"srt", srtAddr,
		"api", apiAddr,
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)

	// Create registry and SRT caller after errgroup so closures capture the
	// errgroup-derived context, ensuring captures stop when any component fails.
	a.registry = ingest.NewRegistry(func(key string, input io.Reader, format ingest.InputFormat) {
		a.handleNewCapture(ctx, key, input, format)
	})
	a.srtCaller = srtingest.NewCaller(a.registry, nil)

	srtSrv := srtingest.NewServer(srtAddr, a.registry, nil)

	apiSrv := &http.Server{
		Addr: apiAddr,
		Handler: session.NewAPI(session.APIConfig{
			Sessions:   a.sessions,
			FeedLookup: a.lookupFeed,
			Pull: func(req srtingest.PullRequest) error {
				return a.srtCaller.Pull(ctx, req)
			},
			StopPull:  a.srtCaller.Stop,
			ListPulls: a.srtCaller.ActivePulls,
		}),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert.TLSCert},
		},
	}

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	g.Go(func() error {
		slog.Info("HTTPS API server listening", "addr", apiAddr)
		if err := apiSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

type app struct {
	sessions  *session.Manager
	registry  *ingest.Registry
	srtCaller *srtingest.Caller
	printer   *console.Printer
	hooks     *hook.Config
	window    int
	skipCRC   bool
}

func (a *app) lookupFeed(key string) *ingest.FeedStats {
	feed, ok := a.registry.Get(key)
	if !ok {
		return nil
	}
	s := feed.Stats()
	return &s
}

func (a *app) handleNewCapture(ctx context.Context, key string, input io.Reader, format ingest.InputFormat) {
	slog.Info("new capture from ingest", "key", key, "format", format)

	sess, created := a.sessions.Create(key)
	if !created {
		slog.Warn("rejecting duplicate capture connection", "key", key)
		if c, ok := input.(io.Closer); ok {
			c.Close()
		}
		return
	}
	defer a.sessions.Remove(key)

	var hooks *hook.Set
	if a.hooks != nil {
		var err error
		hooks, err = a.hooks.Open(ctx, key, nil)
		if err != nil {
			slog.Error("opening hooks, continuing without them", "capture", key, "error", err)
			hooks = nil
		} else {
			defer hooks.Stop()
		}
	}

	p := pipeline.New(key, input, pipeline.Config{
		Raw:    a.printer.Sink(key + " raw"),
		Bus:    a.printer.Sink(key + " bus"),
		Errors: a.printer.Counter(key + " errors"),
		OnPipe: func(address, endpoint uint8) event.Sink {
			sess.NotePipe(address, endpoint)
			sinks := event.Multi{a.printer.Sink(key + " " + pipe.Key{Address: address, Endpoint: endpoint}.String())}
			if hooks != nil {
				if hs := hooks.PipeSink(address, endpoint); hs != nil {
					sinks = append(sinks, hs)
				}
			}
			return sinks
		},
		ReorderWindow: a.window,
		SkipCRC:       a.skipCRC,
	})
	sess.SetPipeline(p)

	if err := p.Run(ctx); err != nil {
		slog.Error("pipeline error", "capture", key, "error", err)
	}
	slog.Info("capture ended", "key", key)
}
