// Package health aggregates component probes into one readiness report
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"position_ledger/internal/core"
	apperrors "position_ledger/pkg/errors"

	"golang.org/x/sync/errgroup"
)

// Check probes one component
type Check func(ctx context.Context) error

var _ core.IHealthMonitor = (*HealthManager)(nil)

// HealthManager runs registered checks concurrently, each bounded by a
// timeout
type HealthManager struct {
	logger  core.ILogger
	timeout time.Duration
	mu      sync.RWMutex
	checks  map[string]Check
}

func NewHealthManager(logger core.ILogger, timeout time.Duration) *HealthManager {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	hm := &HealthManager{
		timeout: timeout,
		checks:  make(map[string]Check),
	}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds or replaces the check of a component
func (hm *HealthManager) Register(component string, check func(ctx context.Context) error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// GetStatus returns "Healthy" or "Unhealthy: <reason>" per component
func (hm *HealthManager) GetStatus(ctx context.Context) map[string]string {
	hm.mu.RLock()
	checks := make(map[string]Check, len(hm.checks))
	for name, c := range hm.checks {
		checks[name] = c
	}
	hm.mu.RUnlock()

	var mu sync.Mutex
	status := make(map[string]string, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, hm.timeout)
			defer cancel()

			result := "Healthy"
			if err := check(cctx); err != nil {
				result = "Unhealthy: " + err.Error()
				if hm.logger != nil {
					hm.logger.Warn("Health check failed", "check", name, "error", err)
				}
			}
			mu.Lock()
			status[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return status
}

// IsHealthy reports whether every check passes
func (hm *HealthManager) IsHealthy(ctx context.Context) bool {
	healthy, _ := hm.Report(ctx)
	return healthy
}

// Report returns overall health and the per-component status. Its shape
// matches liveserver.HealthFunc.
func (hm *HealthManager) Report(ctx context.Context) (bool, map[string]any) {
	status := hm.GetStatus(ctx)
	healthy := true
	details := make(map[string]any, len(status))
	for name, s := range status {
		details[name] = s
		if s != "Healthy" {
			healthy = false
		}
	}
	return healthy, details
}

// GatewayCheck fails while the gateway link is down
func GatewayCheck(connected func() bool) Check {
	return func(context.Context) error {
		if !connected() {
			return apperrors.ErrNotConnected
		}
		return nil
	}
}

// Pinger is satisfied by store.Store
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck pings the persistence backend
func StoreCheck(p Pinger) Check {
	return func(ctx context.Context) error {
		if p == nil {
			return errors.New("store not configured")
		}
		return p.Ping(ctx)
	}
}
