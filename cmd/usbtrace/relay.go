package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/zsiec/usbtrace/internal/certs"
	"github.com/zsiec/usbtrace/internal/hook"
	"github.com/zsiec/usbtrace/internal/relay"
	"github.com/zsiec/usbtrace/internal/tic"
)

func runRelay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	addr := fs.String("listen", envOr("RELAY_ADDR", ":4450"), "QUIC listen address")
	dbPath := fs.String("db", "", "store received records in this SQLite database")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		return fmt.Errorf("generate cert: %w", err)
	}

	var store *hook.SQLite
	if *dbPath != "" {
		store, err = hook.OpenSQLite(*dbPath, "")
		if err != nil {
			return err
		}
		defer store.Stop()
	}

	var mu sync.Mutex
	srv, err := relay.Listen(*addr, cert, func(remote net.Addr, rec relay.Record) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(os.Stdout, "%s %s %-8s %s %d.%d (%d bytes) % x\n",
			tic.Format(tic.Tic(rec.Tic)), remote, rec.Capture, rec.Name,
			rec.Address, rec.Endpoint, len(rec.Data), rec.Data)
		if store != nil {
			if err := store.Insert(rec); err != nil {
				slog.Warn("storing relay record", "error", err)
			}
		}
	}, nil)
	if err != nil {
		return err
	}
	slog.Info("relay receiver ready",
		"addr", srv.Addr(),
		"fingerprint", cert.FingerprintBase64(),
	)
	return srv.Serve(ctx)
}
