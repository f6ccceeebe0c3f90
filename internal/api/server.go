package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coho-labs/runnerfleet/internal/analytics"
	"github.com/coho-labs/runnerfleet/internal/cloudfabric"
	"github.com/coho-labs/runnerfleet/internal/config"
	"github.com/coho-labs/runnerfleet/internal/metrics"
	"github.com/coho-labs/runnerfleet/internal/middleware"
	"github.com/coho-labs/runnerfleet/internal/models"
	"github.com/coho-labs/runnerfleet/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the ops HTTP surface: health/readiness, Prometheus
// metrics, and a read-only view over live cloud inventory and recent
// scaling decisions. It never mutates fabric state.
type Server struct {
	config     *config.Config
	fabric     cloudfabric.Fabric
	store      *store.Store
	tracker    *analytics.Tracker
	metrics    *metrics.Metrics
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new API server.
func New(cfg *config.Config, fabric cloudfabric.Fabric, st *store.Store, tracker *analytics.Tracker, met *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		config:  cfg,
		fabric:  fabric,
		store:   st,
		tracker: tracker,
		metrics: met,
		logger:  logger.With("component", "api-server"),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// server fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc(s.config.Observability.HealthCheckPath, s.handleHealth)
	mux.HandleFunc(s.config.Observability.ReadinessPath, s.handleReadiness)

	if s.config.Observability.EnableMetrics {
		mux.Handle(s.config.Observability.MetricsPath, promhttp.Handler())
	}

	mux.HandleFunc("/api/v1/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("/api/v1/instances", s.authMiddleware(s.handleInstances))
	mux.HandleFunc("/api/v1/events", s.authMiddleware(s.handleEvents))

	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      middleware.Logging(mux),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.logger.Info("starting API server", "address", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.fabric.ListInstances(ctx, cloudfabric.ListFilter{Environment: s.config.Environment}); err != nil {
		s.logger.Error("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ready",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	instances, err := s.fabric.ListInstances(ctx, cloudfabric.ListFilter{Environment: s.config.Environment})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list instances", err)
		return
	}

	var active, idle, orphaned int
	for _, inst := range instances {
		switch {
		case inst.Orphan:
			orphaned++
		case inst.CreatedBy == models.CreatedByPool && inst.UpstreamRunnerID == "":
			idle++
		default:
			active++
		}
	}

	s.tracker.UpdateMetrics(models.Metrics{
		ActiveInstances: active,
		IdleInstances:   idle,
		OrphanInstances: orphaned,
		LastReconcile:   time.Now(),
	})

	byComponent, byScope := s.tracker.DecisionCounts()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp":             time.Now().Format(time.RFC3339),
		"max_runners":           s.config.Scaling.MaxRunners,
		"environment":           s.config.Environment,
		"dry_run_backend":       s.config.AWS.UseDryRunBackend,
		"metrics":               s.tracker.GetMetrics(),
		"decisions_by_component": byComponent,
		"decisions_by_scope":     byScope,
		"recent_decisions":       s.tracker.GetHistory(10),
	})
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	instances, err := s.fabric.ListInstances(ctx, cloudfabric.ListFilter{Environment: s.config.Environment})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list instances", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(instances),
		"instances": instances,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || !s.config.Store.Enabled {
		s.writeError(w, http.StatusNotFound, "store not enabled", nil)
		return
	}

	events := s.store.GetRecentEvents(100)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(events),
		"events":    events,
	})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.config.Server.EnableAuth {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}

		if apiKey != s.config.Server.APIKey {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	s.writeJSON(w, statusCode, response)
}
