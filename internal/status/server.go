// Package status serves a small local HTTP endpoint reporting the
// transport, shadow and recent operational events.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nugget/soilcast/internal/buildinfo"
	"github.com/nugget/soilcast/internal/events"
	"github.com/nugget/soilcast/internal/mqtt"
	"github.com/nugget/soilcast/internal/shadow"
)

// Transport is the connection manager view the server reports on.
type Transport interface {
	IsConnected() bool
	Status() mqtt.Status
}

// Shadow is the synchronizer view the server reports on.
type Shadow interface {
	Status() shadow.SyncStatus
}

// EventSource returns recent operational events, oldest first.
type EventSource interface {
	Recent() []events.Event
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the status HTTP server.
type Server struct {
	address   string
	transport Transport
	shadow    Shadow
	events    EventSource
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a status server listening on address.
func NewServer(address string, transport Transport, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		transport: transport,
		logger:    logger,
	}
}

// SetShadow adds the shadow synchronizer to /v1/status.
func (s *Server) SetShadow(sh Shadow) {
	s.shadow = sh
}

// SetEvents configures the source for /v1/events.
func (s *Server) SetEvents(src EventSource) {
	s.events = src
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter().StrictSlash(true)
	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.handleHealth)
	r.Methods(http.MethodGet).Path("/v1/status").HandlerFunc(s.handleStatus)
	r.Methods(http.MethodGet).Path("/v1/version").HandlerFunc(s.handleVersion)
	r.Methods(http.MethodGet).Path("/v1/events").HandlerFunc(s.handleEvents)
	r.Use(s.withLogging)
	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("starting status server", "address", s.address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.transport.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "disconnected"}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"}, s.logger)
}

type statusResponse struct {
	Transport mqtt.Status    `json:"transport"`
	Shadow    *shadow.SyncStatus `json:"shadow,omitempty"`
	Uptime    string         `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Transport: s.transport.Status(),
		Uptime:    buildinfo.Uptime().String(),
	}
	if s.shadow != nil {
		st := s.shadow.Status()
		resp.Shadow = &st
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.BuildInfo(), s.logger)
}

// handleEvents returns recent events, newest last. ?limit=N keeps the
// last N.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	list := []events.Event{}
	if s.events != nil {
		list = append(list, s.events.Recent()...)
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"}, s.logger)
			return
		}
		if n < len(list) {
			list = list[len(list)-n:]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list}, s.logger)
}
