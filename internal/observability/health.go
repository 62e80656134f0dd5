package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates health from the storage backend, the confirmation
// channels and any other registered dependency.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	anomaly *AnomalyDetector
	logger  *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`

	// FlaggedTools lists tools above the failure-rate threshold. Informational;
	// it does not degrade readiness.
	FlaggedTools []string `json:"flagged_tools,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named health check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
	h.mu.Unlock()
}

// WatchAnomalies includes the detector's flagged tools in readiness reports.
func (h *HealthChecker) WatchAnomalies(a *AnomalyDetector) {
	h.mu.Lock()
	h.anomaly = a
	h.mu.Unlock()
}

// CheckHealth returns liveness status. Always returns "ok" if the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs all registered checks and returns aggregate readiness.
// Returns "ok" only if all checks pass; "degraded" if any fail.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	anomaly := h.anomaly
	h.mu.RUnlock()

	status := HealthStatus{Status: "ok", FlaggedTools: anomaly.Flagged()}
	if len(checks) == 0 {
		return status
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status.Checks = make(map[string]CheckResult, len(checks))
	for _, c := range checks {
		if err := c.Check(checkCtx); err != nil {
			status.Status = "degraded"
			status.Checks[c.Name] = CheckResult{
				Status:  "fail",
				Message: err.Error(),
			}
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", c.Name),
					slog.String("error", err.Error()),
				)
			}
		} else {
			status.Checks[c.Name] = CheckResult{Status: "ok"}
		}
	}

	return status
}
