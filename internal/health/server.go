// Package health serves liveness and readiness endpoints for worker mode.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Probe reports whether a dependency is ready to serve.
type Probe func() bool

// Server exposes /healthz and /readyz.
type Server struct {
	logger zerolog.Logger
	router *chi.Mux
	server *http.Server

	mu     sync.RWMutex
	probes map[string]Probe
}

type status struct {
	Status  string   `json:"status"`
	Failing []string `json:"failing,omitempty"`
}

// NewServer creates a Server with no probes registered.
func NewServer(logger zerolog.Logger) *Server {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	s := &Server{
		logger: logger,
		router: chi.NewRouter(),
		probes: make(map[string]Probe),
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(5 * time.Second))
	s.router.Get("/healthz", s.handleLiveness)
	s.router.Get("/readyz", s.handleReadiness)
	return s
}

// Register adds or replaces a named readiness probe.
func (s *Server) Register(name string, probe Probe) {
	if name == "" || probe == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[name] = probe
}

// Start listens on port and serves until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info().Int("port", port).Msg("health server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, status{Status: "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	failing := s.failingProbes()
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, status{Status: "unavailable", Failing: failing})
		return
	}
	writeJSON(w, http.StatusOK, status{Status: "ready"})
}

func (s *Server) failingProbes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var failing []string
	for name, probe := range s.probes {
		if !probe() {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	return failing
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
