// Package ingest manages live capture feeds arriving over the network,
// coupling each connection's byte reader with metadata, lifecycle signaling
// and dispatch to the decode layer.
package ingest

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// InputFormat identifies the byte format of an ingested feed.
type InputFormat int

// Supported feed formats.
const (
	// FormatRecords is the framed analyzer record stream decoded by the
	// capture package.
	FormatRecords InputFormat = iota
)

func (f InputFormat) String() string {
	if f == FormatRecords {
		return "records"
	}
	return "unknown"
}

// FeedStats captures connection-level metrics for a feed.
type FeedStats struct {
	Key           string `json:"key"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Feed is an active capture connection. Bytes written to the internal pipe
// by the network receiver are read by the decode pipeline.
type Feed struct {
	Key       string
	StartedAt time.Time
	Format    InputFormat
	input     io.ReadCloser
	pw        io.WriteCloser
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters after a socket read.
func (f *Feed) RecordRead(n int) {
	f.bytesReceived.Add(int64(n))
	f.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the connection.
func (f *Feed) SetRemoteAddr(addr string) {
	f.remoteAddr.Store(addr)
}

// Done is closed when the feed is unregistered.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Stats returns a snapshot of connection metrics.
func (f *Feed) Stats() FeedStats {
	addr, _ := f.remoteAddr.Load().(string)
	return FeedStats{
		Key:           f.Key,
		BytesReceived: f.bytesReceived.Load(),
		ReadCount:     f.readCount.Load(),
		ConnectedAt:   f.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(f.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active feeds by key and dispatches new feeds to the
// onFeed callback. It is the rendezvous point between network receivers
// and decode sessions.
type Registry struct {
	mu    sync.RWMutex
	feeds map[string]*Feed

	onFeed func(key string, input io.Reader, format InputFormat)
}

// NewRegistry creates a Registry. The onFeed callback is invoked
// asynchronously whenever a feed is registered.
func NewRegistry(onFeed func(key string, input io.Reader, format InputFormat)) *Registry {
	return &Registry{
		feeds:  make(map[string]*Feed),
		onFeed: onFeed,
	}
}

// Register creates a feed and returns it with the Writer the receiver
// should copy socket data into.
func (r *Registry) Register(key string, format InputFormat) (*Feed, io.Writer) {
	pr, pw := io.Pipe()

	feed := &Feed{
		Key:       key,
		StartedAt: time.Now(),
		Format:    format,
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.feeds[key] = feed
	r.mu.Unlock()

	if r.onFeed != nil {
		go r.onFeed(key, pr, format)
	}

	return feed, pw
}

// Unregister removes a feed, closing its pipe and signaling Done. The
// reader sees io.EOF once buffered data is consumed.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	feed, ok := r.feeds[key]
	if ok {
		delete(r.feeds, key)
	}
	r.mu.Unlock()

	if ok {
		feed.pw.Close()
		close(feed.done)
	}
}

// Get returns the feed for key.
func (r *Registry) Get(key string) (*Feed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.feeds[key]
	return f, ok
}

// List returns stats for every active feed, sorted by key.
func (r *Registry) List() []FeedStats {
	r.mu.RLock()
	out := make([]FeedStats, 0, len(r.feeds))
	for _, f := range r.feeds {
		out = append(out, f.Stats())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
