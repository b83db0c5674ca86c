package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/hongminglow/usersync/internal/http/respond"
)

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) error

// HealthHandler returns uptime and the state of each dependency.
type HealthHandler struct {
	startedAt time.Time
	checks    map[string]Check
	timeout   time.Duration
}

// NewHealthHandler creates a health endpoint handler.
func NewHealthHandler(startedAt time.Time, checks map[string]Check) *HealthHandler {
	return &HealthHandler{startedAt: startedAt, checks: checks, timeout: 2 * time.Second}
}

// Register wires the handler into a ServeMux.
func (h *HealthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handle)
}

type healthReport struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *HealthHandler) handle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	report := healthReport{
		Status: "ok",
		Uptime: time.Since(h.startedAt).Truncate(time.Second).String(),
		Checks: make(map[string]string, len(names)),
	}
	status := http.StatusOK
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			report.Checks[name] = "error: " + err.Error()
			report.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		report.Checks[name] = "ok"
	}
	respond.JSON(w, status, report.Status, report)
}
