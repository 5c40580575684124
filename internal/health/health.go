// Package health provides health check endpoints for the rdmaperf daemon.
//
//   - /health: overall status for load balancers and scripts
//   - /health/live: liveness check (is the process running?)
//   - /health/ready: readiness check (can a new test start right now?)
//   - /health/detailed: every check with its message
//
// The detailed check returns JSON status with component health details:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "listener": {"status": "healthy", "message": "accepting control connections"},
//	    "backend": {"status": "healthy", "message": "2 RDMA devices"},
//	    "test": {"status": "healthy", "message": "idle"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but tests can still run.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the daemon.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// DeviceLister is the part of the verbs backend the checker queries.
type DeviceLister interface {
	GetDeviceList() ([]rdma.VerbsDeviceInfo, error)
}

// DaemonState reports what the control loop is doing.
type DaemonState interface {
	// Accepting is false once the listener has been closed.
	Accepting() bool
	// RunningTest names the test being served, or "" when idle.
	RunningTest() string
}

// Checker performs health checks on the daemon.
type Checker struct {
	cacheExpiry  time.Time
	backend      DeviceLister
	state        DaemonState
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker(backend DeviceLister, state DaemonState) *Checker {
	return &Checker{
		backend:  backend,
		state:    state,
		cacheTTL: time.Second,
	}
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	c.mu.RUnlock()

	checks := map[string]Check{
		"listener": c.CheckListener(ctx),
		"backend":  c.CheckBackend(ctx),
		"test":     c.CheckTest(ctx),
	}

	healthStatus := &HealthStatus{
		Status:    c.determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckListener checks that control connections are still accepted.
func (c *Checker) CheckListener(_ context.Context) Check {
	if c.state == nil {
		return Check{Status: StatusUnhealthy, Message: "daemon not initialized"}
	}

	if !c.state.Accepting() {
		return Check{Status: StatusUnhealthy, Message: "listener closed"}
	}

	return Check{Status: StatusHealthy, Message: "accepting control connections"}
}

// CheckBackend checks that the verbs backend can enumerate devices.
func (c *Checker) CheckBackend(_ context.Context) Check {
	if c.backend == nil {
		return Check{Status: StatusUnhealthy, Message: "verbs backend not initialized"}
	}

	devices, err := c.backend.GetDeviceList()
	if err != nil {
		return Check{Status: StatusUnhealthy, Message: "device query failed: " + err.Error()}
	}

	if len(devices) == 0 {
		return Check{Status: StatusDegraded, Message: "no RDMA devices"}
	}

	return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d RDMA devices", len(devices))}
}

// CheckTest reports the test being served. A running test is healthy.
func (c *Checker) CheckTest(_ context.Context) Check {
	if c.state == nil {
		return Check{Status: StatusUnhealthy, Message: "daemon not initialized"}
	}

	if name := c.state.RunningTest(); name != "" {
		return Check{Status: StatusHealthy, Message: "running " + name}
	}

	return Check{Status: StatusHealthy, Message: "idle"}
}

// IsReady reports whether a new test would start immediately. Tests are
// served one at a time.
func (c *Checker) IsReady(_ context.Context) bool {
	if c.state == nil || c.backend == nil {
		return false
	}

	return c.state.Accepting() && c.state.RunningTest() == ""
}

// IsLive checks if the service is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	return true
}

func (c *Checker) determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HealthHandler handles basic health check requests.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{"status": string(status.Status)})
}

// LivenessHandler handles liveness check requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsLive(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ok"})
}

// ReadinessHandler handles readiness check requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsReady(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

// DetailedHandler handles detailed health check requests. Degraded still
// answers 200 with the status in the body.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to write health response")
	}
}
