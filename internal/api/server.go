// Package api implements the bridge's HTTP status API: tracker state,
// manual refresh, service health, Prometheus metrics, and a WebSocket
// stream of operational events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/nugget/invoxia-ha/internal/buildinfo"
	"github.com/nugget/invoxia-ha/internal/connwatch"
	"github.com/nugget/invoxia-ha/internal/coordinator"
	"github.com/nugget/invoxia-ha/internal/events"
	"github.com/nugget/invoxia-ha/internal/integration"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg}, logger)
}

// maxConns caps concurrent connections to the status API. Each event
// stream holds one for its lifetime.
const maxConns = 64

// Trackers is the config entry as seen by the API.
type Trackers interface {
	Snapshot() []integration.TrackerSnapshot
	SnapshotOf(uniqueID string) (integration.TrackerSnapshot, bool)
	Refresh(ctx context.Context, uniqueID string) (coordinator.TrackerData, error)
}

// Health reports the reachability of external services.
type Health interface {
	Status() map[string]connwatch.ServiceStatus
	AllReady() bool
}

// Server is the HTTP status API server.
type Server struct {
	address string
	port    int
	health  Health
	bus     *events.Bus
	logger  *slog.Logger

	mu     sync.RWMutex
	server *http.Server
	closed bool
	// trackers is set once setup completes, possibly after Start.
	trackers Trackers
}

// NewServer creates a new API server.
func NewServer(address string, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		logger:  logger,
	}
}

// SetTrackers configures the config entry served on /v1/trackers.
func (s *Server) SetTrackers(t Trackers) {
	s.mu.Lock()
	s.trackers = t
	s.mu.Unlock()
}

func (s *Server) trackerSource() Trackers {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trackers
}

// SetHealth configures the health source for /health. Call before Start.
func (s *Server) SetHealth(h Health) {
	s.health = h
}

// SetEventBus configures the bus streamed on /v1/events. Call before Start.
func (s *Server) SetEventBus(b *events.Bus) {
	s.bus = b
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/trackers", s.handleTrackerList)
	mux.HandleFunc("GET /v1/trackers/{id}", s.handleTrackerGet)
	mux.HandleFunc("POST /v1/trackers/{id}/refresh", s.handleTrackerRefresh)

	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	s.server = srv
	s.mu.Unlock()

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("starting API server", "addr", ln.Addr().String(), "max_conns", maxConns)
	return srv.Serve(netutil.LimitListener(ln, maxConns))
}

// Shutdown gracefully stops the server. A later Start returns
// [http.ErrServerClosed] immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "invoxia-ha",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Runtime(), s.logger)
}

// handleHealth reports "healthy" when every watched service is
// reachable and "degraded" otherwise. It always answers 200: a degraded
// bridge still serves stale tracker data.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.health != nil {
		if !s.health.AllReady() {
			resp["status"] = "degraded"
		}
		resp["services"] = s.health.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleTrackerList(w http.ResponseWriter, r *http.Request) {
	trackers := s.trackerSource()
	if trackers == nil {
		writeError(w, http.StatusServiceUnavailable, "trackers not set up", s.logger)
		return
	}
	snaps := trackers.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"trackers": snaps,
		"count":    len(snaps),
	}, s.logger)
}

func (s *Server) handleTrackerGet(w http.ResponseWriter, r *http.Request) {
	trackers := s.trackerSource()
	if trackers == nil {
		writeError(w, http.StatusServiceUnavailable, "trackers not set up", s.logger)
		return
	}
	id := r.PathValue("id")
	snap, ok := trackers.SnapshotOf(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tracker: "+id, s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

// handleTrackerRefresh runs an immediate refresh cycle. A failed cycle
// answers 502 with the cause; the tracker keeps its previous snapshot.
func (s *Server) handleTrackerRefresh(w http.ResponseWriter, r *http.Request) {
	trackers := s.trackerSource()
	if trackers == nil {
		writeError(w, http.StatusServiceUnavailable, "trackers not set up", s.logger)
		return
	}
	id := r.PathValue("id")

	// A client hanging up must not fail the cycle and mark the tracker
	// offline; the coordinator bounds the cycle with its own timeout.
	_, err := trackers.Refresh(context.WithoutCancel(r.Context()), id)
	switch {
	case errors.Is(err, integration.ErrUnknownTracker):
		writeError(w, http.StatusNotFound, "unknown tracker: "+id, s.logger)
		return
	case errors.Is(err, coordinator.ErrUpdateFailed):
		writeError(w, http.StatusBadGateway, err.Error(), s.logger)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}

	snap, _ := trackers.SnapshotOf(id)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}
