package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"opsdeck/internal/core/ports"
)

// HealthChecker runs named dependency probes. CheckAll answers the readiness
// endpoint on demand; StartBackgroundChecks re-runs each probe on its own
// interval so a dependency going down is logged when it happens, not when the
// next readiness poll arrives.
type HealthChecker struct {
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	checks []HealthCheck
	last   map[string]string
}

// HealthCheck is a single named probe. Probe returns nil when the dependency
// is usable; the per-check Timeout bounds every run.
type HealthCheck struct {
	Name     string
	Probe    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker(logger *zap.SugaredLogger) *HealthChecker {
	return &HealthChecker{
		logger: logger,
		last:   make(map[string]string),
	}
}

func (h *HealthChecker) AddCheck(name string, probe func(ctx context.Context) error, interval, timeout time.Duration) {
	h.mu.Lock()
	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Probe:    probe,
		Interval: interval,
		Timeout:  timeout,
	})
	h.mu.Unlock()
}

// AddRedisCheck probes the Redis backend with a ping.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// AddHistoryCheck verifies the history store answers queries.
func (h *HealthChecker) AddHistoryCheck(repo ports.HistoryRepository, interval, timeout time.Duration) {
	h.AddCheck("history", func(ctx context.Context) error {
		_, err := repo.Snapshot(ctx)
		return err
	}, interval, timeout)
}

// CheckAll runs every probe once and reports the combined verdict: unhealthy
// when any probe fails.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	checks := h.snapshot()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}
	for _, check := range checks {
		verdict := h.run(ctx, check)
		status.Checks[check.Name] = verdict
		if verdict != "healthy" {
			status.Status = "unhealthy"
		}
	}
	return status
}

// StartBackgroundChecks repeats each registered probe on its interval until
// the context is cancelled. Checks added afterwards are only seen by CheckAll.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	for _, check := range h.snapshot() {
		go h.loop(ctx, check)
	}
}

// LastResults returns the latest background verdict per check. Empty until
// the first background run of each probe completes.
func (h *HealthChecker) LastResults() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string, len(h.last))
	for name, verdict := range h.last {
		out[name] = verdict
	}
	return out
}

func (h *HealthChecker) loop(ctx context.Context, check HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			verdict := h.run(ctx, check)

			h.mu.Lock()
			previous := h.last[check.Name]
			h.last[check.Name] = verdict
			h.mu.Unlock()

			if verdict == previous {
				continue
			}
			if verdict == "healthy" {
				if previous != "" {
					h.logger.Infow("dependency recovered", "check", check.Name)
				}
			} else {
				h.logger.Warnw("dependency check failed",
					"check", check.Name, "verdict", verdict)
			}
		}
	}
}

func (h *HealthChecker) run(ctx context.Context, check HealthCheck) string {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	if err := check.Probe(checkCtx); err != nil {
		return err.Error()
	}
	return "healthy"
}

func (h *HealthChecker) snapshot() []HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	return checks
}
