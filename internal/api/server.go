// Package api provides HTTP API functionality for the go-mmgbridge service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/resident-x/go-mmgbridge/internal/config"
	"github.com/resident-x/go-mmgbridge/internal/correlator"
	"github.com/resident-x/go-mmgbridge/internal/domain"
	"github.com/resident-x/go-mmgbridge/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxRequestTimeout caps timeout_ms of ad-hoc requests.
const maxRequestTimeout = 60 * time.Second

// Requester issues correlated requests. Implemented by *correlator.Correlator.
type Requester interface {
	NextCookie() protocol.Cookie
	Send(ctx context.Context, req *protocol.Request, timeout time.Duration) (*protocol.Response, error)
	Stats() correlator.Stats
}

// StatusFunc contributes one section to the status endpoint.
type StatusFunc func() map[string]interface{}

// Server represents the HTTP API server that provides monitoring and ad-hoc requests.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	registry  domain.Registry
	requester Requester
	results   *ResultStore
	metrics   *Metrics
	sources   map[string]StatusFunc
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server. requester, results and metrics may
// be nil; the matching endpoints then answer 503 or are not registered.
func NewServer(cfg *config.Config, registry domain.Registry, requester Requester, results *ResultStore, metrics *Metrics) *Server {
	router := mux.NewRouter()

	// Create logger with API component context
	logger := log.With().Str("component", "api").Logger()

	apiServer := &Server{
		config:    cfg,
		router:    router,
		registry:  registry,
		requester: requester,
		results:   results,
		metrics:   metrics,
		sources:   make(map[string]StatusFunc),
		logger:    logger,
		startTime: time.Now(),
	}

	apiServer.setupRoutes()

	return apiServer
}

// AddStatusSource adds a named section to the status endpoint.
func (s *Server) AddStatusSource(name string, fn StatusFunc) {
	s.sources[name] = fn
}

// Handler returns the router serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{id}", s.handleGetDevice).Methods("GET")
	api.HandleFunc("/poll", s.handlePollResults).Methods("GET")
	api.HandleFunc("/request", s.handleRequest).Methods("POST")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
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

		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns server status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"status":      "ok",
		"version":     "dev",
		"uptime":      time.Since(s.startTime).String(),
		"deviceCount": len(s.registry.GetAllDevices()),
	}
	if s.requester != nil {
		status["correlator"] = s.requester.Stats()
	}

	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		status[name] = s.sources[name]()
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleListDevices returns every polled device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.GetAllDevices()

	s.writeJSON(w, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	}, http.StatusOK)
}

// handleGetDevice returns information about a specific device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	device, found := s.registry.GetDevice(id)
	if !found {
		s.writeError(w, "Device not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, device, http.StatusOK)
}

// handlePollResults returns the latest result of every polled range.
func (s *Server) handlePollResults(w http.ResponseWriter, _ *http.Request) {
	if s.results == nil {
		s.writeError(w, "Poller is not enabled", http.StatusServiceUnavailable)
		return
	}

	results := s.results.Latest()
	s.writeJSON(w, map[string]interface{}{
		"results": results,
		"count":   len(results),
	}, http.StatusOK)
}

// RequestBody is the payload of POST /api/v1/request.
type RequestBody struct {
	TargetID  string   `json:"target_id"`
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	TimeoutMs int      `json:"timeout_ms"`
}

// RequestResult is the answer of POST /api/v1/request.
type RequestResult struct {
	Request   string             `json:"request"`
	Cookie    protocol.Cookie    `json:"cookie"`
	Response  *protocol.Response `json:"response,omitempty"`
	Line      string             `json:"line,omitempty"`
	Error     string             `json:"error,omitempty"`
	LatencyMs int64              `json:"latency_ms"`
}

// handleRequest sends one request through the correlator and waits for its response.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if s.requester == nil {
		s.writeError(w, "Requests are not enabled", http.StatusServiceUnavailable)
		return
	}

	var body RequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.Command == "" {
		s.writeError(w, "command is required", http.StatusBadRequest)
		return
	}
	if body.TargetID == "" {
		body.TargetID = "0"
	}

	timeout := time.Duration(body.TimeoutMs) * time.Millisecond
	if timeout > maxRequestTimeout {
		timeout = maxRequestTimeout
	}

	req := &protocol.Request{
		Cookie:   s.requester.NextCookie(),
		TargetID: body.TargetID,
		Command:  body.Command,
		Args:     body.Args,
	}
	line, err := protocol.Encode(req)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	started := time.Now()
	resp, err := s.requester.Send(r.Context(), req, timeout)
	result := &RequestResult{
		Request:   line,
		Cookie:    req.Cookie,
		Response:  resp,
		LatencyMs: time.Since(started).Milliseconds(),
	}
	if resp != nil {
		result.Line = resp.String()
	}

	status := http.StatusOK
	if err != nil {
		result.Error = err.Error()

		var remote *protocol.RemoteError
		switch {
		case errors.Is(err, protocol.ErrTimeout):
			status = http.StatusGatewayTimeout
		case errors.As(err, &remote):
			status = http.StatusBadGateway
		default:
			status = http.StatusServiceUnavailable
		}

		s.logger.Warn().Err(err).Str("request", line).Msg("Ad-hoc request failed")
	}

	s.writeJSON(w, result, status)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
