package apiserver

import (
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerHandlers registers all HTTP handlers
func (s *Server) registerHandlers() {
	s.router.HandleFunc("/health", s.withMethod(http.MethodGet, s.handleHealth))
	s.router.HandleFunc("/ready", s.withMethod(http.MethodGet, s.handleReady))

	if s.cfg.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.cfg.Approvals != nil {
		s.router.HandleFunc("/v1/approvals", s.withMethod(http.MethodGet, s.handleApprovals))
	}
	if s.cfg.MCP != nil {
		s.router.Handle(s.cfg.MCPPath, s.cfg.MCP)
		s.logger.Info("MCP endpoint registered at %s", s.cfg.MCPPath)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy"})
}

// handleReady handles readiness check requests
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.cfg.Readiness.IsReady()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{"ready": ready})
}

type pendingPlan struct {
	PlanID    string    `json:"plan_id"`
	Mode      string    `json:"mode"`
	Round     int       `json:"round"`
	Tasks     int       `json:"tasks"`
	Devices   []string  `json:"devices"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.cfg.Approvals.Pending(r.Context())
	if err != nil {
		s.logger.Error("Failed to list pending approvals: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list pending approvals")
		return
	}
	out := make([]pendingPlan, 0, len(pending))
	for _, cp := range pending {
		out = append(out, pendingPlan{
			PlanID:    cp.PlanID,
			Mode:      string(cp.Mode),
			Round:     cp.Plan.Round,
			Tasks:     len(cp.Plan.Tasks),
			Devices:   cp.Plan.Devices(),
			CreatedAt: cp.CreatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": out, "count": len(out)})
}
