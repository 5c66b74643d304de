// Package httpapi is the local operator surface: health, status, metrics,
// and the emergency halt/resume controls.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/moltapp/tradeloop/internal/metrics"
	"github.com/moltapp/tradeloop/internal/risk"
	"github.com/moltapp/tradeloop/internal/runner"
	"github.com/moltapp/tradeloop/internal/safety"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DefaultServerConfig returns the local-only defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "127.0.0.1",
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server serves the operator endpoints over HTTP.
type Server struct {
	router  *mux.Router
	server  *http.Server
	config  ServerConfig
	gate    *safety.Gate
	runner  *runner.Runner
	monitor *risk.Monitor
	metrics *metrics.MetricsRegistry
}

// NewServer wires the operator surface. metrics may be nil, in which case
// /metrics is not served.
func NewServer(config ServerConfig, gate *safety.Gate, r *runner.Runner, monitor *risk.Monitor, m *metrics.MetricsRegistry) (*Server, error) {
	if config.Host == "" {
		config.Host = DefaultServerConfig().Host
	}

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", config.Port, err)
	}
	listener.Close()

	s := &Server{
		router:  mux.NewRouter(),
		config:  config,
		gate:    gate,
		runner:  r,
		monitor: monitor,
		metrics: m,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/history", s.handleHistory).Methods("GET")
	s.router.HandleFunc("/anomalies", s.handleAnomalies).Methods("GET")
	s.router.HandleFunc("/halt", s.handleHalt).Methods("POST")
	s.router.HandleFunc("/resume", s.handleResume).Methods("POST")
	s.router.HandleFunc("/trigger", s.handleTrigger).Methods("POST")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode HTTP response")
	}
}

// handleHealth maps the gate verdict onto status codes: healthy 200,
// degraded 207, critical 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.gate.CheckHealth()
	status := http.StatusOK
	switch report.Overall {
	case safety.VerdictDegraded:
		status = http.StatusMultiStatus
	case safety.VerdictCritical:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

type statusResponse struct {
	Runner    runner.StatusReport `json:"runner"`
	Emergency safety.HaltState    `json:"emergency"`
	Venue     string              `json:"venue_state"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Runner:    s.runner.Status(),
		Emergency: s.gate.Emergency().State(),
		Venue:     s.gate.Venue().State(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter := runner.HistoryFilter{}
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &filter.Limit)
	}
	switch r.URL.Query().Get("success") {
	case "true":
		yes := true
		filter.Success = &yes
	case "false":
		no := false
		filter.Success = &no
	}
	writeJSON(w, http.StatusOK, s.runner.History(filter))
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	writeJSON(w, http.StatusOK, s.monitor.Anomalies().Recent(limit))
}

type haltRequest struct {
	By                string `json:"by"`
	Reason            string `json:"reason"`
	AutoResumeSeconds int    `json:"auto_resume_seconds,omitempty"`
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.By == "" {
		req.By = "operator"
	}
	if req.Reason == "" {
		req.Reason = "manual halt via API"
	}
	s.gate.Emergency().Halt(req.By, req.Reason, time.Duration(req.AutoResumeSeconds)*time.Second)
	writeJSON(w, http.StatusOK, s.gate.Emergency().State())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	by := r.URL.Query().Get("by")
	if by == "" {
		by = "operator"
	}
	s.gate.Emergency().Resume(by)
	writeJSON(w, http.StatusOK, s.gate.Emergency().State())
}

// handleTrigger starts the round detached from the request context: a client
// that disconnects, or the server's own write timeout, must not abort an
// in-flight round.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.TriggerManualRoundAsync(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, s.runner.Status())
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Operator HTTP server starting")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Operator HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// Address returns the bound address.
func (s *Server) Address() string { return s.server.Addr }

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
