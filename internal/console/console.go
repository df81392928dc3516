// Package console renders decode events as styled text lines.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/zsiec/usbtrace/internal/event"
	"github.com/zsiec/usbtrace/internal/tic"
)

// DefaultHexLimit is how many payload bytes a line shows by default.
const DefaultHexLimit = 16

// Printer writes events from any number of sinks to one writer.
type Printer struct {
	mu       sync.Mutex
	w        io.Writer
	styles   styles
	showSOF  bool
	hexLimit int
	short    bool
}

// New creates a Printer. Colors are used only when w is a terminal.
func New(w io.Writer, opts ...func(*Printer)) *Printer {
	p := &Printer{
		w:        w,
		styles:   newStyles(lipgloss.NewRenderer(w)),
		hexLimit: DefaultHexLimit,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PrinterOptShowSOF prints start-of-frame markers, which are otherwise
// suppressed.
func PrinterOptShowSOF() func(*Printer) {
	return func(p *Printer) { p.showSOF = true }
}

// PrinterOptHexLimit sets how many payload bytes are dumped per line.
// Zero disables the dump.
func PrinterOptHexLimit(n int) func(*Printer) {
	return func(p *Printer) { p.hexLimit = n }
}

// PrinterOptShortTimestamps prints timestamps like "1.500ms" instead of
// the full clock format.
func PrinterOptShortTimestamps() func(*Printer) {
	return func(p *Printer) { p.short = true }
}

// Sink returns a sink printing events under label. Stop prints a summary
// line.
func (p *Printer) Sink(label string) event.Sink {
	return &sink{p: p, label: label}
}

// Counter returns a sink that prints nothing but the Stop summary. It
// suits the error sink, whose events also reach the pipe sinks.
func (p *Printer) Counter(label string) event.Sink {
	return &sink{p: p, label: label, quiet: true}
}

type sink struct {
	p     *Printer
	label string
	quiet bool

	transactions int
	transfers    int
	errors       int
}

func (s *sink) Push(ev event.Event) error {
	switch ev.Kind {
	case event.KindTransaction, event.KindTransactionError:
		s.transactions++
	case event.KindTransfer, event.KindTransferError:
		s.transfers++
	}
	if ev.Kind.IsError() {
		s.errors++
	}
	if s.quiet {
		return nil
	}
	return s.p.print(s.label, ev)
}

func (s *sink) Stop() {
	if s.transactions == 0 && s.transfers == 0 && s.errors == 0 {
		return
	}
	line := fmt.Sprintf("%s: %d transactions, %d transfers, %d errors",
		s.label, s.transactions, s.transfers, s.errors)
	s.p.writeLine(s.p.styles.dim.Render(line))
}

func (p *Printer) print(label string, ev event.Event) error {
	if ev.Transaction != nil && ev.Transaction.IsSOF() && !p.showSOF {
		return nil
	}

	ts := tic.Format(ev.Tic)
	if p.short {
		ts = tic.FormatShort(ev.Tic)
	}
	text := Describe(ev, p.hexLimit)

	var style lipgloss.Style
	switch {
	case ev.Kind.IsError() || ev.Kind == event.KindRaw:
		style = p.styles.errorText
	case ev.Kind == event.KindReset:
		style = p.styles.reset
	case ev.Transfer != nil && ev.Transfer.Outcome == event.TransferStalled:
		style = p.styles.stalled
	case ev.Kind == event.KindTransfer:
		style = p.styles.transfer
	case ev.Transaction != nil && ev.Transaction.IsSOF():
		style = p.styles.dim
	default:
		style = lipgloss.NewStyle()
	}

	line := p.styles.timestamp.Render(ts) + " " +
		p.styles.label.Render(fmt.Sprintf("%-8s", label)) + " " +
		style.Render(text)
	return p.writeLine(line)
}

func (p *Printer) writeLine(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := io.WriteString(p.w, line+"\n")
	return err
}

// Describe renders ev as plain text. At most hexLimit payload bytes are
// dumped.
func Describe(ev event.Event, hexLimit int) string {
	var b strings.Builder
	var payload []byte
	switch {
	case ev.Kind == event.KindRaw:
		fmt.Fprintf(&b, "raw %d bytes", len(ev.Data))
		payload = ev.Data
	case ev.Kind == event.KindReset:
		fmt.Fprintf(&b, "bus reset (%s)", tic.FormatShort(ev.Duration))
	case ev.Transfer != nil:
		b.WriteString(ev.Transfer.String())
		payload = ev.Transfer.Payload
	case ev.Transaction != nil:
		b.WriteString(ev.Transaction.String())
		payload = ev.Transaction.Payload()
	default:
		b.WriteString(ev.Kind.String())
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, ": %s", ev.Reason)
	}
	if hexLimit > 0 && len(payload) > 0 {
		n := min(len(payload), hexLimit)
		fmt.Fprintf(&b, " | % x", payload[:n])
		if n < len(payload) {
			b.WriteString(" ...")
		}
	}
	return b.String()
}
