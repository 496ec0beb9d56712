package healthz

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"subnetvalidator/internal/validatorcore"
)

// Server exposes /health, /status, and /metrics over HTTP for one process.
type Server struct {
	port   string
	logger validatorcore.ILogger
	srv    *http.Server
	mgr    *Manager
}

// NewServer builds a Server bound to port, reporting mgr's aggregated
// status.
func NewServer(port string, logger validatorcore.ILogger, mgr *Manager) *Server {
	return &Server{
		port:   port,
		logger: logger.WithField("component", "health_server"),
		mgr:    mgr,
	}
}

// Start begins serving in the background. It never blocks the caller.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    ":" + s.port,
		Handler: mux,
	}

	go func() {
		s.logger.Info("starting health server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server failed", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now(),
	}

	if s.mgr != nil {
		health["components"] = s.mgr.GetStatus()
		if !s.mgr.IsHealthy() {
			health["status"] = "unhealthy"
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
	} else {
		w.WriteHeader(http.StatusOK)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := make(map[string]string)
	if s.mgr != nil {
		status = s.mgr.GetStatus()
	}

	data, _ := json.Marshal(status)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
