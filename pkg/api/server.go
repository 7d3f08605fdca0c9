// Package api exposes the membership view over HTTP for dashboards,
// operators and routing.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/codecot/proxy-stone-sub002/pkg/cluster"
	pkgerrors "github.com/codecot/proxy-stone-sub002/pkg/errors"
	"github.com/codecot/proxy-stone-sub002/pkg/health"
	"github.com/codecot/proxy-stone-sub002/pkg/metrics"
	"github.com/codecot/proxy-stone-sub002/pkg/registry"
)

// Server bundles the handlers of the read surface.
type Server struct {
	reg     registry.Registry
	manager *cluster.Manager
	monitor *health.Monitor
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Options configures a Server.
type Options struct {
	Registry registry.Registry
	Manager  *cluster.Manager
	Monitor  *health.Monitor
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// NewServer builds the HTTP surface.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		reg:     opts.Registry,
		manager: opts.Manager,
		monitor: opts.Monitor,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Router mounts all routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/cluster", func(r chi.Router) {
		r.Get("/health", s.handleClusterHealth)
		r.Get("/node", s.handleCurrentNode)
		r.Get("/nodes", s.handleListNodes)
		r.Get("/nodes/{id}", s.handleGetNode)
		r.Post("/nodes/{id}/disable", s.handleDisable)
		r.Post("/nodes/{id}/enable", s.handleEnable)
		r.Delete("/nodes/{id}", s.handleDeregister)
		r.Get("/pick", s.handlePick)
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

// handleHealthz answers the probe contract for the local node.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if s.manager != nil && s.manager.IsDraining() {
		status = "draining"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleClusterHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := s.manager.ClusterHealth(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCurrentNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.manager.CurrentNodeStatus(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	f := registry.Filter{
		ClusterID: r.URL.Query().Get("cluster"),
		Status:    registry.Status(r.URL.Query().Get("status")),
		Tag:       r.URL.Query().Get("tag"),
	}
	instances, err := s.reg.List(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, instances)
}

// nodeDetail pairs the stored record with the monitor's latest probe
// outcome.
type nodeDetail struct {
	Instance  *registry.Instance          `json:"instance"`
	LastProbe *registry.HealthCheckResult `json:"last_probe,omitempty"`
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, err := s.reg.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	detail := nodeDetail{Instance: inst}
	if s.monitor != nil {
		if res, ok := s.monitor.LastResult(id); ok {
			detail.LastProbe = &res
		}
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.setStatus(w, r, registry.StatusDisabled)
}

// handleEnable re-enters the instance into monitoring; the next probe
// settles its real state.
func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.setStatus(w, r, registry.StatusStarting)
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request, status registry.Status) {
	id := chi.URLParam(r, "id")
	inst, err := s.reg.Update(r.Context(), id, registry.Patch{Status: &status})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("operator status change",
		zap.String("instance_id", id),
		zap.String("status", string(status)),
	)
	s.writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reg.Deregister(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePick(w http.ResponseWriter, r *http.Request) {
	inst, err := s.manager.SelectInstance(r.Context(), r.URL.Query().Get("tag"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, inst)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encoding failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, pkgerrors.ErrInstanceNotFound):
		code = http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrNoInstancesAvailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, pkgerrors.ErrBackendUnavailable):
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
