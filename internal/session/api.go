package session

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/zsiec/usbtrace/internal/ingest"
	"github.com/zsiec/usbtrace/internal/ingest/srt"
)

// PullFunc starts an SRT caller-mode pull.
type PullFunc func(req srt.PullRequest) error

// StopPullFunc stops an active pull by capture key.
type StopPullFunc func(key string) error

// ListPullsFunc returns the active pulls.
type ListPullsFunc func() []srt.PullRequest

// FeedLookup resolves a capture key to its ingest connection stats, or
// nil when the capture is not arriving over the network.
type FeedLookup func(key string) *ingest.FeedStats

// APIConfig holds the collaborators of the REST API. Nil callbacks disable
// the endpoints that need them.
type APIConfig struct {
	Sessions   *Manager
	FeedLookup FeedLookup
	Pull       PullFunc
	StopPull   StopPullFunc
	ListPulls  ListPullsFunc
}

// CaptureDetail is the response of GET /api/captures/{key}.
type CaptureDetail struct {
	Info
	Ingest *ingest.FeedStats `json:"ingest,omitempty"`
}

type api struct {
	config APIConfig
}

// NewAPI returns the REST API handler:
//
//	GET    /api/captures
//	GET    /api/captures/{key}
//	GET    /api/srt-pull
//	POST   /api/srt-pull
//	DELETE /api/srt-pull?key=...
func NewAPI(config APIConfig) http.Handler {
	a := &api{config: config}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/captures", a.handleListCaptures)
	mux.HandleFunc("GET /api/captures/{key}", a.handleCapture)
	mux.HandleFunc("GET /api/srt-pull", a.handleSRTPullList)
	mux.HandleFunc("POST /api/srt-pull", a.handleSRTPullCreate)
	mux.HandleFunc("DELETE /api/srt-pull", a.handleSRTPullStop)
	mux.HandleFunc("OPTIONS /api/srt-pull", a.handleSRTPullOptions)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (a *api) handleListCaptures(w http.ResponseWriter, _ *http.Request) {
	if a.config.Sessions == nil {
		writeJSON(w, http.StatusOK, []Info{})
		return
	}
	writeJSON(w, http.StatusOK, a.config.Sessions.Infos())
}

func (a *api) handleCapture(w http.ResponseWriter, r *http.Request) {
	if a.config.Sessions == nil {
		writeError(w, http.StatusNotFound, "capture not found")
		return
	}
	s, err := a.config.Sessions.Lookup(r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	detail := CaptureDetail{Info: s.Info()}
	if a.config.FeedLookup != nil {
		detail.Ingest = a.config.FeedLookup(s.Key)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *api) handleSRTPullOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// SECURITY: the pull endpoint dials arbitrary addresses. Expose it only to
// trusted operators.
func (a *api) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	if a.config.ListPulls == nil {
		writeJSON(w, http.StatusOK, []srt.PullRequest{})
		return
	}
	writeJSON(w, http.StatusOK, a.config.ListPulls())
}

func (a *api) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	if a.config.Pull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req srt.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.Key == "" {
		writeError(w, http.StatusBadRequest, "address and key are required")
		return
	}
	if err := a.config.Pull(req); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "key": req.Key})
}

func (a *api) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	if a.config.StopPull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key query parameter required")
		return
	}
	if err := a.config.StopPull(key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "key": key})
}
