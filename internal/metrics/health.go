package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus represents the readiness of the daemon
type HealthStatus struct {
	Status        string         `json:"status"` // healthy, degraded, unhealthy
	UptimeSeconds int64          `json:"uptime_seconds"`
	Phase         string         `json:"phase"`
	PositionMS    float64        `json:"position_ms"`
	DurationMS    float64        `json:"duration_ms"`
	MQTTConnected bool           `json:"mqtt_connected"`
	Session       map[string]any `json:"session,omitempty"`
}

// Server serves /health, /readiness, /display and /metrics
type Server struct {
	started time.Time
	health  func() HealthStatus
	display func() any
	metrics *Metrics
	server  *http.Server
}

// NewServer wires the handlers. display may be nil.
func NewServer(addr string, m *Metrics, health func() HealthStatus, display func() any) *Server {
	s := &Server{
		started: time.Now(),
		health:  health,
		display: display,
		metrics: m,
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routing mux
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.livenessHandler)
	mux.HandleFunc("/readiness", s.readinessHandler)
	mux.HandleFunc("/display", s.displayHandler)
	if s.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("health: write response failed", "error", err)
	}
}

// livenessHandler returns 200 while the process can serve requests
func (s *Server) livenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// readinessHandler returns 503 only when unhealthy; degraded is still ready
func (s *Server) readinessHandler(w http.ResponseWriter, _ *http.Request) {
	h := s.health()
	h.UptimeSeconds = int64(time.Since(s.started).Seconds())

	code := http.StatusOK
	if h.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) displayHandler(w http.ResponseWriter, _ *http.Request) {
	if s.display == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "display disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.display())
}

// Start runs the server in a goroutine and returns immediately
func (s *Server) Start() {
	slog.Info("health: starting server",
		"addr", s.server.Addr,
		"endpoints", []string{"/health", "/readiness", "/display", "/metrics"},
	)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health: server failed", "error", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
