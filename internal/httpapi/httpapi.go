// Package httpapi serves the executor's HTTP surface: a chunked long-poll
// endpoint over the ring buffer, a blocking kill endpoint, and a small
// health check. Each long-poll request is answered from a single ring-buffer
// read: the handler writes its response header once, then the hex offset
// line and the payload, and flushes them through http.Flusher.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/haowen-xu/ml-gridengine-executor/internal/killer"
	"github.com/haowen-xu/ml-gridengine-executor/internal/ring"
	"github.com/haowen-xu/ml-gridengine-executor/internal/statusstore"
	"github.com/haowen-xu/ml-gridengine-executor/internal/supervisor"
)

const maxPollTimeout = 60 * time.Second

// Server wires the supervisor's ring buffer, status store, and kill path
// into an http.Handler.
type Server struct {
	mux          *http.ServeMux
	ring         *ring.Buffer
	status       *statusstore.Store
	sup          *supervisor.Supervisor
	killTimeouts killer.Timeouts
	logger       *zap.SugaredLogger
}

// New builds the HTTP surface. sup is used for the kill endpoint; it may be
// nil in tests that only exercise the poll/health endpoints.
func New(ringBuf *ring.Buffer, status *statusstore.Store, sup *supervisor.Supervisor, killTimeouts killer.Timeouts, logger *zap.SugaredLogger) *Server {
	s := &Server{
		mux:          http.NewServeMux(),
		ring:         ringBuf,
		status:       status,
		sup:          sup,
		killTimeouts: killTimeouts,
		logger:       logger,
	}
	s.mux.HandleFunc("/output/_poll", s.handlePoll)
	s.mux.HandleFunc("/_kill", s.handleKill)
	s.mux.HandleFunc("/", s.handleRoot)
	return s
}

// Handler returns the assembled http.Handler for use with http.Serve.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	begin, err := strconv.ParseUint(r.URL.Query().Get("begin"), 10, 64)
	if err != nil {
		http.Error(w, "invalid begin", http.StatusBadRequest)
		return
	}

	timeout := maxPollTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = time.Duration(secs * float64(time.Second))
		if timeout > maxPollTimeout {
			timeout = maxPollTimeout
		}
		if timeout < 0 {
			timeout = 0
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// Merge the timeout with client disconnect so an abandoned long-poll
	// doesn't hold its goroutine past the request's lifetime.
	combined := make(chan time.Time, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case t := <-deadline.C:
			select {
			case combined <- t:
			default:
			}
		case <-r.Context().Done():
			select {
			case combined <- time.Now():
			default:
			}
		case <-stop:
		}
	}()

	startOffset, data, eof := s.ring.ReadFrom(begin, 1<<20, combined)

	switch {
	case eof:
		w.WriteHeader(http.StatusGone)
	case data == nil:
		// Deadline reached with nothing new to report; stream is still open.
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "%x\n", startOffset)
		w.Write(data)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if s.sup == nil {
		http.Error(w, "kill not available", http.StatusServiceUnavailable)
		return
	}

	snap := s.sup.Kill(s.killTimeouts)

	resp := map[string]any{}
	switch snap.Status {
	case statusstore.Exited:
		resp["status"] = "exited"
		resp["exitCode"] = snap.ExitCode
	case statusstore.Signalled:
		resp["status"] = "signalled"
		resp["exitSignal"] = snap.ExitSignal
	case statusstore.CannotKill:
		resp["status"] = "cannot_kill"
	default:
		resp["status"] = string(snap.Status)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	snap := s.status.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}
