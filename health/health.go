// Package health runs named health checks concurrently and serves the
// combined result over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/glimte/mmate-consumer/monitor"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    monitor.Status         `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// OverallHealth is the worst status of all checks together with each result
type OverallHealth struct {
	Status    monitor.Status         `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Registry manages health checks
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates a new health check registry
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds a checker, replacing any checker with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Check runs every checker concurrently. Checks still running when ctx is
// done are reported unhealthy.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	start := time.Now()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	results := make(chan CheckResult, len(checkers))
	for _, c := range checkers {
		go func(c Checker) {
			result := c.Check(ctx)
			result.Name = c.Name()
			results <- result
		}(c)
	}

	overall := OverallHealth{
		Status: monitor.StatusHealthy,
		Checks: make(map[string]CheckResult, len(checkers)),
	}

collect:
	for range checkers {
		select {
		case result := <-results:
			overall.Checks[result.Name] = result
			overall.Status = worst(overall.Status, result.Status)
		case <-ctx.Done():
			break collect
		}
	}

	for _, c := range checkers {
		if _, ok := overall.Checks[c.Name()]; !ok {
			overall.Checks[c.Name()] = CheckResult{
				Name:      c.Name(),
				Status:    monitor.StatusUnhealthy,
				Message:   "check timed out",
				Duration:  time.Since(start),
				Timestamp: time.Now(),
				Error:     ctx.Err().Error(),
			}
			overall.Status = monitor.StatusUnhealthy
		}
	}

	overall.Timestamp = time.Now()
	overall.Duration = time.Since(start)
	return overall
}

func worst(a, b monitor.Status) monitor.Status {
	rank := func(s monitor.Status) int {
		switch s {
		case monitor.StatusHealthy:
			return 0
		case monitor.StatusDegraded:
			return 1
		default:
			return 2
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Handler serves the registry as JSON; unhealthy answers 503
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a new health check HTTP handler
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{registry: registry, timeout: timeout}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	health := h.registry.Check(ctx)

	statusCode := http.StatusOK
	if health.Status == monitor.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(health)
}
