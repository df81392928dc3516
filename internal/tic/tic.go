// Package tic defines the capture hardware timestamp unit and its
// conversion to wall-clock durations.
//
// The analyzer clock runs at 60 MHz, so one tic is 100/6 ns (~16.667 ns).
// Every consumer that correlates capture events with logs or renders them
// for display must use [Nanoseconds] rather than its own factor.
package tic

import (
	"fmt"
	"time"
)

// Tic is a monotonically increasing hardware timestamp.
type Tic uint64

// PerSecond is the capture clock frequency.
const PerSecond = 60_000_000

// Nanoseconds converts a tic count to nanoseconds, truncating.
func (t Tic) Nanoseconds() uint64 {
	return uint64(t) * 100 / 6
}

// Duration converts a tic count to a time.Duration.
func (t Tic) Duration() time.Duration {
	return time.Duration(t.Nanoseconds())
}

// FromDuration converts a duration to the nearest lower tic count.
func FromDuration(d time.Duration) Tic {
	if d <= 0 {
		return 0
	}
	return Tic(uint64(d) * 6 / 100)
}

// Format renders t with full precision as min:sec.ms'us"ns.
func Format(t Tic) string {
	ns := t.Nanoseconds()
	nano := ns % 1000
	us := ns / 1000 % 1000
	ms := ns / 1_000_000 % 1000
	sec := ns / 1_000_000_000 % 60
	min := ns / 60_000_000_000
	return fmt.Sprintf("%d:%02d.%03d'%03d\"%03d", min, sec, ms, us, nano)
}

// FormatShort renders t in its largest non-zero unit with three decimals,
// e.g. "1.500ms". Sub-microsecond values are whole nanoseconds.
func FormatShort(t Tic) string {
	ns := t.Nanoseconds()
	switch {
	case ns < 1000:
		return fmt.Sprintf("%dns", ns)
	case ns < 1_000_000:
		return fmt.Sprintf("%d.%03dus", ns/1000, ns%1000)
	case ns < 1_000_000_000:
		return fmt.Sprintf("%d.%03dms", ns/1_000_000, ns/1000%1000)
	default:
		return fmt.Sprintf("%d.%03ds", ns/1_000_000_000, ns/1_000_000%1000)
	}
}

func (t Tic) String() string {
	return Format(t)
}
