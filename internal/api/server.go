// Package api provides the HTTP status API for sofar2PVO.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/M-Klemm/sofar2PVO/internal/config"
	"github.com/M-Klemm/sofar2PVO/internal/domain"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Server exposes poll status and the last accepted reading over HTTP.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	store     *domain.ReadingStore
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, store *domain.ReadingStore) *Server {
	router := mux.NewRouter()

	logger := log.With().Str("component", "api").Logger()

	apiServer := &Server{
		config:    cfg,
		router:    router,
		store:     store,
		logger:    logger,
		startTime: time.Now(),
	}

	apiServer.setupRoutes()

	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/readings", s.handleReadings).Methods("GET")
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// statusResponse is the body of GET /api/v1/status.
type statusResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Inverter      string            `json:"inverter"`
	Serial        uint32            `json:"serial"`
	Stats         domain.StoreStats `json:"stats"`
}

// handleStatus reports server uptime and poll counters.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:        "running",
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Inverter:      fmt.Sprintf("%s:%d", s.config.Inverter.Host, s.config.Inverter.Port),
		Serial:        s.config.Inverter.Serial,
		Stats:         s.store.Stats(),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleReadings returns the last accepted reading, or 404 when no poll has
// succeeded yet.
func (s *Server) handleReadings(w http.ResponseWriter, _ *http.Request) {
	reading, ok := s.store.Last()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no reading available yet")
		return
	}
	s.writeJSON(w, http.StatusOK, reading)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error body.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
