// Package health serves the worker's liveness, readiness and status
// endpoints and fetches the status document for the CLI.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/stream-worker/internal/scheduler"
)

// Endpoint paths.
const (
	PathLive   = "/healthz"
	PathReady  = "/readyz"
	PathStatus = "/status"
)

// Component names reported in Status.Components.
const (
	ComponentEncoder = "encoder"
	ComponentQueue   = "queue"
	ComponentSynth   = "synth"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
	fetchTimeout      = 5 * time.Second
)

// ErrStatusUnavailable indicates the status endpoint could not be read.
var ErrStatusUnavailable = errors.New("status unavailable")

// ComponentStatus is the health of one dependency.
type ComponentStatus struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// PipelineStatus describes one live story pipeline.
type PipelineStatus struct {
	StoryID       string        `json:"story_id"`
	Healthy       bool          `json:"healthy"`
	QueueDepth    int           `json:"queue_depth"`
	LatestSegment int           `json:"latest_segment"`
	Buffer        time.Duration `json:"buffer"`
	Error         string        `json:"error,omitempty"`
}

// Status is the document served on /status.
type Status struct {
	WorkerID    string                     `json:"worker_id"`
	Ready       bool                       `json:"ready"`
	Interrupted bool                       `json:"interrupted"`
	Uptime      time.Duration              `json:"uptime"`
	Components  map[string]ComponentStatus `json:"components"`
	Scheduler   scheduler.Stats            `json:"scheduler"`
	Pipelines   []PipelineStatus           `json:"pipelines"`
	History     []scheduler.StorySummary   `json:"history,omitempty"`
}

// Healthy reports whether every component and the scheduler are healthy.
func (s Status) Healthy() bool {
	for _, component := range s.Components {
		if !component.Healthy {
			return false
		}
	}

	return s.Scheduler.Healthy()
}

// Source produces the current status.
type Source interface {
	Status(ctx context.Context) Status
}

// Server exposes a Source over HTTP.
type Server struct {
	source Source
	log    *logger.Logger
	server *http.Server
}

// NewServer builds the server. It does not listen until Run.
func NewServer(addr string, source Source, log *logger.Logger) *Server {
	s := &Server{source: source, log: log}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Handler routes the three endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathLive, s.handleLive)
	mux.HandleFunc("GET "+PathReady, s.handleReady)
	mux.HandleFunc("GET "+PathStatus, s.handleStatus)

	return mux
}

// Run listens until ctx is done and then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	serveErr := make(chan error, 1)

	go func() {
		serveErr <- s.server.Serve(listener)
	}()

	s.log.Info("Status server listening on %s", listener.Addr())

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("status server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("failed to shut down status server: %w", err)
	}

	return nil
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.source.Status(r.Context())

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if !status.Ready || status.Interrupted {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))

		return
	}

	_, _ = w.Write([]byte("ready\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.source.Status(r.Context())

	w.Header().Set("Content-Type", "application/json")

	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)

	err := json.NewEncoder(w).Encode(status)
	if err != nil {
		s.log.Warn("Failed to encode status: %v", err)
	}
}

// Fetch reads /status from a running worker. A 503 still carries a valid
// document and is not an error.
func Fetch(ctx context.Context, baseURL string) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+PathStatus, http.NoBody)
	if err != nil {
		return Status{}, fmt.Errorf("failed to create status request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %w", ErrStatusUnavailable, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return Status{}, fmt.Errorf("%w: unexpected status %s", ErrStatusUnavailable, resp.Status)
	}

	var status Status

	err = json.NewDecoder(resp.Body).Decode(&status)
	if err != nil {
		return Status{}, fmt.Errorf("%w: failed to decode status: %w", ErrStatusUnavailable, err)
	}

	return status, nil
}
