package srt

import (
	"context"
	"strings"
	"testing"

	"github.com/zsiec/usbtrace/internal/ingest"
)

func TestPullValidatesRequest(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(nil), nil)
	tests := []struct {
		name string
		req  PullRequest
		want string
	}{
		{name: "missing address", req: PullRequest{Key: "k"}, want: "address"},
		{name: "missing key", req: PullRequest{Address: "127.0.0.1:1"}, want: "key"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := c.Pull(context.Background(), tc.req)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Pull() = %v, want error mentioning %q", err, tc.want)
			}
		})
	}
}

func TestStopUnknownPull(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(nil), nil)
	if err := c.Stop("nope"); err == nil {
		t.Error("Stop of unknown pull succeeded")
	}
	if got := c.ActivePulls(); len(got) != 0 {
		t.Errorf("ActivePulls() = %v", got)
	}
}
