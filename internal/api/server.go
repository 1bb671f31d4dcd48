// Package api exposes the recovery engine over HTTP: failover status
// and execution, association listings, and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/FleetForge/bastion/internal/config"
	"github.com/FleetForge/bastion/internal/failover"
	"github.com/FleetForge/bastion/internal/fleet"
	"github.com/FleetForge/bastion/internal/metrics"
	"github.com/FleetForge/bastion/internal/store"
	"github.com/FleetForge/bastion/internal/warmpool"
)

type Server struct {
	config       *config.Config
	logger       *zap.Logger
	router       *mux.Router
	httpServer   *http.Server
	store        store.Store
	orchestrator *failover.Orchestrator
	warmPool     *warmpool.Manager
	metrics      *metrics.Metrics

	requestCount int64
	startTime    time.Time
}

func NewServer(cfg *config.Config, logger *zap.Logger, st store.Store,
	orch *failover.Orchestrator, wp *warmpool.Manager, m *metrics.Metrics) *Server {
	s := &Server{
		config:       cfg,
		logger:       logger,
		router:       mux.NewRouter(),
		store:        st,
		orchestrator: orch,
		warmPool:     wp,
		metrics:      m,
		startTime:    time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	s.router.HandleFunc("/api/v1/units", s.handleListUnits).Methods("GET")
	s.router.HandleFunc("/api/v1/units/{unitId}", s.handleGetUnit).Methods("GET")
	s.router.HandleFunc("/api/v1/failover/status/{unitId}", s.handleFailoverStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/failover/execute/{unitId}", s.handleFailoverExecute).Methods("POST")
	s.router.HandleFunc("/api/v1/failover/cancel/{eventId}", s.handleFailoverCancel).Methods("POST")
	s.router.HandleFunc("/api/v1/failover/history/{unitId}", s.handleFailoverHistory).Methods("GET")
	s.router.HandleFunc("/api/v1/associations", s.handleListAssociations).Methods("GET")
	s.router.HandleFunc("/api/v1/warmpool/status/{unitId}", s.handleWarmPoolState).Methods("GET")
	s.router.HandleFunc("/api/v1/snapshots/{unitId}", s.handleListSnapshots).Methods("GET")

	s.router.Use(s.loggingMiddleware)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListUnits(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	units, err := s.store.ListUnits(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, units)
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := s.store.GetUnit(r.Context(), mux.Vars(r)["unitId"])
	if errors.Is(err, fleet.ErrUnitNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, unit)
}

func (s *Server) handleFailoverStatus(w http.ResponseWriter, r *http.Request) {
	event, err := s.orchestrator.Status(r.Context(), mux.Vars(r)["unitId"])
	if errors.Is(err, fleet.ErrFailoverNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleFailoverExecute(w http.ResponseWriter, r *http.Request) {
	unitID := mux.Vars(r)["unitId"]
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "manual"
	}

	event, err := s.orchestrator.Execute(r.Context(), unitID, body.Reason)
	if errors.Is(err, fleet.ErrNoRecoveryPath) || errors.Is(err, fleet.ErrStrategiesExhausted) {
		s.writeJSON(w, http.StatusConflict, event)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleFailoverCancel(w http.ResponseWriter, r *http.Request) {
	err := s.orchestrator.Cancel(mux.Vars(r)["eventId"])
	switch {
	case errors.Is(err, fleet.ErrFailoverNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, fleet.ErrCancelTooLate):
		s.writeError(w, http.StatusConflict, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func (s *Server) handleFailoverHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListEvents(r.Context(), mux.Vars(r)["unitId"])
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListAssociations(w http.ResponseWriter, r *http.Request) {
	assocs, err := s.store.ListAssociations(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, assocs)
}

func (s *Server) handleWarmPoolState(w http.ResponseWriter, r *http.Request) {
	unitID := mux.Vars(r)["unitId"]
	assoc, err := s.store.ActiveAssociation(r.Context(), unitID)
	if err != nil {
		if errors.Is(err, fleet.ErrAssociationNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if assoc.Kind != fleet.AssociationWarmPool {
		s.writeError(w, http.StatusNotFound, fleet.ErrAssociationNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"unit":        unitID,
		"association": assoc.ID,
		"sibling":     assoc.StandbyID,
		"state":       string(s.warmPool.State(assoc.ID)),
	})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.store.ListSnapshots(r.Context(), mux.Vars(r)["unitId"])
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&s.requestCount, 1)
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		if s.metrics != nil {
			s.metrics.RequestCounter.WithLabelValues(
				r.Method, r.URL.Path, fmt.Sprintf("%d", rec.status)).Inc()
		}
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) Start() error {
	s.logger.Info("server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
