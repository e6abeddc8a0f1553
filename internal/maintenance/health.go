package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/houbamydar/ahojauth/internal/kvstore"
)

const (
	defaultProbeTimeout = 2 * time.Second
	probeKey            = "ahoj.health.probe"
)

type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusDown     HealthStatus = "down"
)

type HealthCheckResult struct {
	Backend   string
	Status    HealthStatus
	Message   string
	LatencyMS int64
	CheckedAt time.Time
}

// CheckStore writes, reads back and removes a probe entry. A store that
// works but was opened as a fallback reports degraded.
func CheckStore(ctx context.Context, store kvstore.Store, opened kvstore.OpenResult, timeout time.Duration) HealthCheckResult {
	checkedAt := time.Now().UTC()
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startedAt := time.Now()
	err := probeStore(probeCtx, store)
	latency := time.Since(startedAt).Milliseconds()
	if latency < 0 {
		latency = 0
	}

	result := HealthCheckResult{Backend: opened.Backend, LatencyMS: latency, CheckedAt: checkedAt}
	switch {
	case err != nil:
		result.Status = HealthStatusDown
		result.Message = strings.TrimSpace(err.Error())
	case opened.Degraded:
		result.Status = HealthStatusDegraded
		result.Message = strings.TrimSpace(opened.Reason)
	default:
		result.Status = HealthStatusOK
		result.Message = "store round trip ok"
	}
	return result
}

func probeStore(ctx context.Context, store kvstore.Store) error {
	if store == nil {
		return fmt.Errorf("no store")
	}
	value := checkedValue()
	if err := store.Set(ctx, probeKey, value); err != nil {
		return fmt.Errorf("probe write: %w", err)
	}
	got, ok, err := store.Get(ctx, probeKey)
	if err != nil {
		return fmt.Errorf("probe read: %w", err)
	}
	if !ok || got != value {
		return fmt.Errorf("probe read back %q", got)
	}
	if err := store.Remove(ctx, probeKey); err != nil {
		return fmt.Errorf("probe remove: %w", err)
	}
	return nil
}

func checkedValue() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
