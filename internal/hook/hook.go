// Package hook hands the data stage of selected pipes to external
// consumers: files, sockets, a QUIC relay or a SQLite database.
//
// Hooks are driven from the decode goroutine. A hook that fails is logged
// and detached; its failure never stops decoding.
package hook

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/zsiec/usbtrace/internal/event"
	"github.com/zsiec/usbtrace/internal/pipe"
	"github.com/zsiec/usbtrace/internal/tic"
)

// Hook receives the payload of acknowledged transactions. name is the
// token name ("IN", "OUT" or "SETUP").
type Hook interface {
	Push(name string, endpoint, address uint8, data []byte) error
	Stop() error
}

// TimedHook is implemented by hooks that also record the capture time.
// The Set prefers PushAt over Push when it is available.
type TimedHook interface {
	Hook
	PushAt(at tic.Tic, name string, endpoint, address uint8, data []byte) error
}

// Filter is an allow-list of pipes. An empty filter allows nothing.
type Filter map[pipe.Key]struct{}

// ParseFilter builds a Filter from "address.endpoint" strings.
func ParseFilter(pipes []string) (Filter, error) {
	f := make(Filter, len(pipes))
	for _, s := range pipes {
		k, err := pipe.ParseKey(s)
		if err != nil {
			return nil, err
		}
		f[k] = struct{}{}
	}
	return f, nil
}

// Allows reports whether the pipe passes the filter.
func (f Filter) Allows(address, endpoint uint8) bool {
	_, ok := f[pipe.Key{Address: address, Endpoint: endpoint}]
	return ok
}

type binding struct {
	name   string
	hook   Hook
	filter Filter
	failed bool
}

// Set owns a group of hooks and routes pipe events to them.
type Set struct {
	log *slog.Logger

	mu       sync.Mutex
	bindings []*binding
	stopped  bool
}

// NewSet creates an empty Set.
func NewSet(log *slog.Logger) *Set {
	if log == nil {
		log = slog.Default()
	}
	return &Set{log: log.With("component", "hooks")}
}

// Add registers h under name for the pipes in filter.
func (s *Set) Add(name string, h Hook, filter Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = append(s.bindings, &binding{name: name, hook: h, filter: filter})
}

// Len returns the number of registered hooks.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings)
}

// PipeSink returns the sink for a newly discovered pipe, or nil when no hook
// wants it. Its signature matches pipe.PipeFunc.
func (s *Set) PipeSink(address, endpoint uint8) event.Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wanted []*binding
	for _, b := range s.bindings {
		if b.filter.Allows(address, endpoint) {
			wanted = append(wanted, b)
		}
	}
	if len(wanted) == 0 {
		return nil
	}
	return &sink{set: s, bindings: wanted}
}

// Stop stops every hook once and returns their joined errors.
func (s *Set) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	var errs []error
	for _, b := range s.bindings {
		if err := b.hook.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Set) deliver(bindings []*binding, at tic.Tic, name string, address, endpoint uint8, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	for _, b := range bindings {
		if b.failed {
			continue
		}
		var err error
		if th, ok := b.hook.(TimedHook); ok {
			err = th.PushAt(at, name, endpoint, address, data)
		} else {
			err = b.hook.Push(name, endpoint, address, data)
		}
		if err != nil {
			s.log.Warn("hook failed, detaching", "hook", b.name, "error", err)
			b.failed = true
		}
	}
}

// sink forwards acknowledged data transactions of one pipe. Stopping it
// does not stop the hooks; the Set owns them.
type sink struct {
	set      *Set
	bindings []*binding
}

func (k *sink) Push(ev event.Event) error {
	if ev.Kind != event.KindTransaction || ev.Transaction == nil {
		return nil
	}
	tx := ev.Transaction
	if tx.Outcome != event.OutcomeAck {
		return nil
	}
	data := tx.Data()
	if data == nil {
		return nil
	}
	address, endpoint, ok := tx.Pipe()
	if !ok {
		return nil
	}
	k.set.deliver(k.bindings, data.Tic, tx.Name(), address, endpoint, data.Data)
	return nil
}

func (k *sink) Stop() {}
