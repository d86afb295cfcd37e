package services

import (
	"context"
	"sync"
	"time"
)

// CheckResult is the outcome of one health check
type CheckResult struct {
	Status  string        `json:"status"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency_ms"`
}

// HealthStatus is the aggregate health report
type HealthStatus struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

// HealthChecker probes one dependency
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker
type HealthCheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (f HealthCheckFunc) Name() string                    { return f.CheckName }
func (f HealthCheckFunc) Check(ctx context.Context) error { return f.Fn(ctx) }

// HealthService runs registered dependency checks on demand. The durable
// store check is the only one that can mark the engine unhealthy; cache tier
// checks report degraded, because the engine answers without them.
type HealthService struct {
	mu       sync.RWMutex
	critical []HealthChecker
	optional []HealthChecker
	logger   Logger
}

// NewHealthService creates an empty health service
func NewHealthService(logger Logger) *HealthService {
	if logger == nil {
		logger = NewDefaultLogger()
	}
	return &HealthService{
		logger: logger.With(String("component", "health")),
	}
}

// RegisterCritical adds a checker whose failure makes the engine unhealthy
func (h *HealthService) RegisterCritical(checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.critical = append(h.critical, checker)
}

// RegisterOptional adds a checker whose failure only degrades the engine
func (h *HealthService) RegisterOptional(checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.optional = append(h.optional, checker)
}

// CheckHealth runs every registered check
func (h *HealthService) CheckHealth(ctx context.Context) HealthStatus {
	h.mu.RLock()
	critical := append([]HealthChecker(nil), h.critical...)
	optional := append([]HealthChecker(nil), h.optional...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Checks:    make(map[string]CheckResult, len(critical)+len(optional)),
		Timestamp: time.Now(),
	}

	for _, checker := range critical {
		result := h.runCheck(ctx, checker)
		status.Checks[checker.Name()] = result
		if result.Status != "healthy" {
			status.Status = "unhealthy"
		}
	}

	for _, checker := range optional {
		result := h.runCheck(ctx, checker)
		if result.Status != "healthy" {
			result.Status = "degraded"
			if status.Status == "healthy" {
				status.Status = "degraded"
			}
		}
		status.Checks[checker.Name()] = result
	}

	return status
}

func (h *HealthService) runCheck(ctx context.Context, checker HealthChecker) CheckResult {
	started := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := checker.Check(checkCtx)
	result := CheckResult{
		Status:  "healthy",
		Latency: time.Since(started) / time.Millisecond,
	}
	if err != nil {
		result.Status = "unhealthy"
		result.Error = err.Error()
		h.logger.Warn("health check failed",
			String("check", checker.Name()),
			String("error", err.Error()))
	}

	return result
}
