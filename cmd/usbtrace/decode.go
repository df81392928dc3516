package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zsiec/usbtrace/internal/console"
	"github.com/zsiec/usbtrace/internal/event"
	"github.com/zsiec/usbtrace/internal/export"
	"github.com/zsiec/usbtrace/internal/hook"
	"github.com/zsiec/usbtrace/internal/pipe"
	"github.com/zsiec/usbtrace/internal/pipeline"
)

type decodeOptions struct {
	pcapPath  string
	hooksPath string
	showSOF   bool
	skipCRC   bool
	window    int
	single    bool
	hexLimit  int
	short     bool
}

func runDecode(ctx context.Context, args []string) error {
	var o decodeOptions
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	fs.StringVar(&o.pcapPath, "pcap", "", "also write every packet to this pcap file")
	fs.StringVar(&o.hooksPath, "hooks", "", "YAML file describing payload hooks")
	fs.BoolVar(&o.showSOF, "sof", false, "print start-of-frame markers")
	fs.BoolVar(&o.skipCRC, "skip-crc", false, "accept packets with bad CRCs")
	fs.IntVar(&o.window, "window", 0, "reorder look-ahead in records (0 default, negative disables)")
	fs.BoolVar(&o.single, "one-per-transfer", false, "report each bulk/interrupt transaction as its own transfer")
	fs.IntVar(&o.hexLimit, "hex", console.DefaultHexLimit, "payload bytes to dump per line")
	fs.BoolVar(&o.short, "short-time", false, "print relative timestamps like 1.500ms")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key := "stdin"
	var input io.Reader = os.Stdin
	if fs.NArg() > 0 {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		defer f.Close()
		key = filepath.Base(fs.Arg(0))
		input = f
	}
	return decode(ctx, key, input, os.Stdout, o)
}

func decode(ctx context.Context, key string, input io.Reader, out io.Writer, o decodeOptions) error {
	log := slog.Default()

	printerOpts := []func(*console.Printer){console.PrinterOptHexLimit(o.hexLimit)}
	if o.showSOF {
		printerOpts = append(printerOpts, console.PrinterOptShowSOF())
	}
	if o.short {
		printerOpts = append(printerOpts, console.PrinterOptShortTimestamps())
	}
	printer := console.New(out, printerOpts...)

	var hooks *hook.Set
	if o.hooksPath != "" {
		cfg, err := hook.LoadConfig(o.hooksPath)
		if err != nil {
			return err
		}
		hooks, err = cfg.Open(ctx, key, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := hooks.Stop(); err != nil {
				log.Warn("stopping hooks", "error", err)
			}
		}()
	}

	cfg := pipeline.Config{
		Raw:                       printer.Sink("raw"),
		Bus:                       printer.Sink("bus"),
		Errors:                    printer.Counter("errors"),
		OnPipe:                    pipeSinks(printer, hooks),
		ReorderWindow:             o.window,
		SkipCRC:                   o.skipCRC,
		OneTransactionPerTransfer: o.single,
		Logger:                    log,
	}

	if o.pcapPath != "" {
		f, err := os.Create(o.pcapPath)
		if err != nil {
			return fmt.Errorf("create pcap: %w", err)
		}
		bw := bufio.NewWriter(f)
		pw, err := export.NewPcapWriter(bw, time.Now())
		if err != nil {
			f.Close()
			return err
		}
		cfg.Tap = pw
		defer func() {
			if err := bw.Flush(); err != nil {
				log.Warn("flushing pcap", "error", err)
			}
			f.Close()
			log.Info("pcap written", "path", o.pcapPath, "packets", pw.Count())
		}()
	}

	p := pipeline.New(key, input, cfg)
	err := p.Run(ctx)
	snap := p.Snapshot()
	log.Info("decode finished",
		"packets", snap.Packets,
		"transactions", snap.Transactions,
		"transfers", snap.Transfers,
		"errors", snap.Errors,
		"devices", snap.Devices,
		"pipes", snap.Pipes,
		"late", snap.Late,
	)
	return err
}

// pipeSinks prints every pipe and feeds the pipes a hook asked for.
func pipeSinks(printer *console.Printer, hooks *hook.Set) pipe.PipeFunc {
	return func(address, endpoint uint8) event.Sink {
		label := pipe.Key{Address: address, Endpoint: endpoint}.String()
		sinks := event.Multi{printer.Sink(label)}
		if hooks != nil {
			if hs := hooks.PipeSink(address, endpoint); hs != nil {
				sinks = append(sinks, hs)
			}
		}
		return sinks
	}
}
