package srt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/usbtrace/internal/ingest"
)

// dialTimeout bounds how long Pull waits for the remote listener.
const dialTimeout = 10 * time.Second

// PullRequest describes a remote SRT capture source.
type PullRequest struct {
	Address  string `json:"address"`
	Key      string `json:"key"`
	StreamID string `json:"streamId,omitempty"`
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller manages SRT pull connections, dialing remote listeners and
// copying their capture bytes into the ingest registry.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller that registers pulled feeds with registry.
// If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// Pull dials the remote SRT listener and returns once the connection is
// up or has failed. Copying continues in a background goroutine.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return fmt.Errorf("address is required")
	}
	if req.Key == "" {
		return fmt.Errorf("key is required")
	}

	c.mu.Lock()
	if _, exists := c.pulls[req.Key]; exists {
		c.mu.Unlock()
		return fmt.Errorf("pull already active for capture %q", req.Key)
	}
	c.mu.Unlock()

	c.log.Info("dialing", "address", req.Address, "key", req.Key)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = "capture/" + req.Key
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return c.startCopy(ctx, req, res.conn)
	case <-timer.C:
		drain()
		return fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		drain()
		return ctx.Err()
	}
}

func (c *Caller) startCopy(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	pullCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, exists := c.pulls[req.Key]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("pull already active for capture %q", req.Key)
	}
	c.pulls[req.Key] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "key", req.Key)

	feed, writer := c.registry.Register(req.Key, ingest.FormatRecords)
	feed.SetRemoteAddr(req.Address)

	go func() {
		defer func() {
			conn.Close()
			stats := feed.Stats()
			c.registry.Unregister(req.Key)
			c.mu.Lock()
			delete(c.pulls, req.Key)
			c.mu.Unlock()
			c.log.Info("pull ended", "key", req.Key,
				"bytes", stats.BytesReceived, "reads", stats.ReadCount,
				"uptime_ms", stats.UptimeMs)
		}()
		go func() {
			<-pullCtx.Done()
			conn.Close()
		}()
		copyFeed(pullCtx, c.log, conn, feed, writer)
	}()

	return nil
}

// Stop cancels the pull for key.
func (c *Caller) Stop(key string) error {
	c.mu.Lock()
	ap, ok := c.pulls[key]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active pull for capture %q", key)
	}

	ap.cancel()
	return nil
}

// ActivePulls lists the running pulls sorted by key.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
