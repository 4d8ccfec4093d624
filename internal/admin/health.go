package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ReadinessChecker is implemented by components that take part in
// readiness checks, such as the backing stores.
type ReadinessChecker interface {
	// Name returns the name of the component for display in health status.
	Name() string

	// CheckReady returns nil if the component is ready, or an error
	// describing why it is not.
	CheckReady(ctx context.Context) error
}

// ReadinessFunc adapts a function to ReadinessChecker.
type ReadinessFunc struct {
	Component string
	Check     func(ctx context.Context) error
}

func (f ReadinessFunc) Name() string                         { return f.Component }
func (f ReadinessFunc) CheckReady(ctx context.Context) error { return f.Check(ctx) }

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// DefaultReadinessTimeout is the default timeout for readiness checks.
const DefaultReadinessTimeout = 5 * time.Second

// Health serves /healthz for liveness and /readyz for readiness probes.
type Health struct {
	mu       sync.RWMutex
	checks   []ReadinessChecker
	timeout  time.Duration
	shutDown atomic.Bool
}

// NewHealth creates a Health with no readiness checks.
func NewHealth() *Health {
	return &Health{timeout: DefaultReadinessTimeout}
}

// RegisterReadinessCheck adds a component to the readiness checks.
func (h *Health) RegisterReadinessCheck(c ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// SetReadinessTimeout sets the timeout of each readiness check.
func (h *Health) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeout = d
}

// SetShuttingDown makes both probes fail from now on.
func (h *Health) SetShuttingDown() {
	h.shutDown.Store(true)
}

func (h *Health) shutdownStatus() (HealthStatus, bool) {
	if h.shutDown.Load() {
		return HealthStatus{
			Status: "shutting_down",
			Checks: map[string]CheckResult{"shutdown": {Healthy: false, Message: "node store is shutting down"}},
		}, true
	}
	return HealthStatus{
		Status: "ok",
		Checks: map[string]CheckResult{"shutdown": {Healthy: true, Message: "node store is running"}},
	}, false
}

// CheckLiveness returns the liveness status.
func (h *Health) CheckLiveness() HealthStatus {
	status, _ := h.shutdownStatus()
	return status
}

// CheckReadiness runs every registered readiness check.
func (h *Health) CheckReadiness(ctx context.Context) HealthStatus {
	status, down := h.shutdownStatus()
	if down {
		return status
	}

	h.mu.RLock()
	checks := append([]ReadinessChecker(nil), h.checks...)
	timeout := h.timeout
	h.mu.RUnlock()

	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := c.CheckReady(checkCtx)
		cancel()
		if err != nil {
			status.Status = "not_ready"
			status.Checks[c.Name()] = CheckResult{Healthy: false, Message: err.Error()}
			continue
		}
		status.Checks[c.Name()] = CheckResult{Healthy: true, Message: "healthy"}
	}
	return status
}

func (h *Health) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, r, h.CheckLiveness())
}

func (h *Health) handleReadyz(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, r, h.CheckReadiness(r.Context()))
}

func writeHealth(w http.ResponseWriter, r *http.Request, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if r.Method != http.MethodHead {
		_ = json.NewEncoder(w).Encode(status)
	}
}
