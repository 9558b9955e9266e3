// Package server exposes the daemon's small HTTP surface: the live progress
// stream, the refresh signal for external CRUD tooling, manual triggers and
// a health probe. The CRUD screens themselves live elsewhere; this process
// only needs to be told when they changed something.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"reportd/internal/eventbus"
	"reportd/internal/scheduler"
)

type Config struct {
	Listen string
}

type Server struct {
	bus   eventbus.Bus
	sched *scheduler.Service
	log   zerolog.Logger
	http  *http.Server
}

func New(cfg Config, bus eventbus.Bus, sched *scheduler.Service, log zerolog.Logger) *Server {
	s := &Server{bus: bus, sched: sched, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /refresh", s.handleRefresh)
	mux.HandleFunc("POST /schedules/{id}/trigger", s.handleTrigger)
	mux.HandleFunc("GET /events/schedule", s.handleEvents)

	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background. The returned channel delivers the
// terminal ListenAndServe error, if any.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.http.Addr).Msg("http server started")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler returns the mux; tests mount it on httptest servers.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"schedules": s.sched.Snapshot(),
	})
}

// handleRefresh is the explicit refresh signal: external CRUD tooling calls
// it after every schedule mutation.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Refresh(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("refresh failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad schedule id", http.StatusBadRequest)
		return
	}
	s.sched.TriggerNow(id)
	w.WriteHeader(http.StatusAccepted)
}
