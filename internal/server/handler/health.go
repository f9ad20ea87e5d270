package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyamm/internal/domain"
)

// StatusCounter reports how many markets are in each status.
type StatusCounter interface {
	Counts(ctx context.Context) (map[domain.MarketStatus]int64, error)
}

// Check tests one dependency.
type Check func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	counter StatusCounter
	checks  map[string]Check
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler. checks are run on every call
// and any failure turns the response into a 503.
func NewHealthHandler(counter StatusCounter, checks map[string]Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{counter: counter, checks: checks, started: time.Now(), logger: logger}
}

type healthResponse struct {
	Status        string                        `json:"status"`
	Timestamp     string                        `json:"timestamp"`
	UptimeSeconds int64                         `json:"uptime_seconds"`
	Markets       map[domain.MarketStatus]int64 `json:"markets,omitempty"`
	Checks        map[string]string             `json:"checks,omitempty"`
}

// HealthCheck responds with liveness, dependency state and market counts.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:        "ok",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	status := http.StatusOK

	if len(h.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.checks))
		for name, check := range h.checks {
			if err := check(ctx); err != nil {
				h.logger.WarnContext(ctx, "health check failed",
					slog.String("check", name),
					slog.String("error", err.Error()),
				)
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	if h.counter != nil {
		counts, err := h.counter.Counts(ctx)
		if err != nil {
			h.logger.WarnContext(ctx, "health: count markets failed", slog.String("error", err.Error()))
		} else {
			resp.Markets = counts
		}
	}
	writeJSON(w, status, resp)
}
