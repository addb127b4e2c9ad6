package handler

import (
	"context"
	"net/http"

	"github.com/aditya/go-carpool/internal/cache"
	"github.com/aditya/go-carpool/pkg/utils"
	"github.com/sirupsen/logrus"
)

// HealthChecker is a dependency that can report whether it is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type HealthHandler struct {
	checks map[string]HealthChecker
	sweeps cache.SweepStateCache
	jobs   []string
	log    logrus.FieldLogger
}

// NewHealthHandler reports each named dependency and, when sweeps is set, the last run
// of every job.
func NewHealthHandler(checks map[string]HealthChecker, sweeps cache.SweepStateCache, jobs []string, log logrus.FieldLogger) *HealthHandler {
	return &HealthHandler{checks: checks, sweeps: sweeps, jobs: jobs, log: log}
}

type healthResponse struct {
	Status   string                    `json:"status"`
	Services map[string]string         `json:"services"`
	Sweeps   map[string]*cache.LastRun `json:"sweeps,omitempty"`
}

// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{Status: "ok", Services: map[string]string{}}

	for name, check := range h.checks {
		if err := check.Health(ctx); err != nil {
			h.log.WithError(err).WithField("service", name).Warn("health check failed")
			resp.Services[name] = "down"
			resp.Status = "degraded"
			continue
		}
		resp.Services[name] = "up"
	}

	if h.sweeps != nil {
		resp.Sweeps = map[string]*cache.LastRun{}
		for _, job := range h.jobs {
			if last, err := h.sweeps.GetLastRun(ctx, job); err == nil && last != nil {
				resp.Sweeps[job] = last
			}
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	utils.JSON(w, status, resp)
}
