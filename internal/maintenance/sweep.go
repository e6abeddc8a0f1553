package maintenance

import (
	"context"
	"log"
	"time"

	"github.com/houbamydar/ahojauth/internal/cachekey"
	"github.com/houbamydar/ahojauth/internal/correlation"
)

const (
	DefaultMaxAge = 24 * time.Hour
	// kindUnknown groups stubs whose state no longer decodes. They can never
	// be resumed, so they are swept whatever their age.
	kindUnknown = "unknown"
)

type SweepStore interface {
	PendingRequests(ctx context.Context) ([]correlation.PendingSummary, error)
	Cleanup(ctx context.Context, id string) (int, error)
	ReleaseInteractionLock(ctx context.Context) error
}

type Logger interface {
	Printf(format string, v ...any)
}

type SweepConfig struct {
	MaxAge            time.Duration
	IncludeRedirect   bool
	IncludePopup      bool
	IncludeSilent     bool
	SelectionExplicit bool
	Logger            Logger
	Now               func() time.Time
}

type SweepKindResult struct {
	Kind           string
	Cutoff         time.Time
	EligibleCount  int
	SweptCount     int
	EntriesRemoved int
	DryRun         bool
}

type SweepRunResult struct {
	DryRun        bool
	StartedAt     time.Time
	FinishedAt    time.Time
	TotalEligible int
	TotalSwept    int
	LockReleased  bool
	Results       []SweepKindResult
}

// RunStaleSweep removes pending requests older than MaxAge. Records of
// flows still in progress are younger than the cutoff and stay untouched.
func RunStaleSweep(ctx context.Context, store SweepStore, cfg SweepConfig, dryRun bool) (SweepRunResult, error) {
	cfg = normalizeSweepConfig(cfg)
	now := cfg.Now().UTC()
	cutoff := now.Add(-cfg.MaxAge)
	logger := cfg.Logger

	result := SweepRunResult{DryRun: dryRun, StartedAt: now}
	logger.Printf(
		"sweep.start dry_run=%t max_age=%s include_redirect=%t include_popup=%t include_silent=%t",
		dryRun, cfg.MaxAge, cfg.IncludeRedirect, cfg.IncludePopup, cfg.IncludeSilent,
	)

	pending, err := store.PendingRequests(ctx)
	if err != nil {
		logger.Printf("sweep.error phase=list err=%v", err)
		result.FinishedAt = cfg.Now().UTC()
		return result, err
	}

	kinds := selectedKinds(cfg)
	byKind := make(map[string][]correlation.PendingSummary, len(kinds))
	for _, p := range pending {
		kind := string(p.InteractionType)
		if !p.InteractionType.Valid() {
			kind = kindUnknown
		}
		byKind[kind] = append(byKind[kind], p)
	}

	sweptInteractive := false
	for _, kind := range kinds {
		kindResult, err := sweepKind(ctx, store, kind, byKind[kind], cutoff, dryRun, logger)
		result.Results = append(result.Results, kindResult)
		if err != nil {
			logger.Printf("sweep.error kind=%s err=%v", kind, err)
			finalizeSweepRunResult(&result, cfg.Now().UTC())
			return result, err
		}
		if kindResult.SweptCount > 0 && kind != string(cachekey.InteractionSilent) {
			sweptInteractive = true
		}
	}

	if sweptInteractive {
		released, err := releaseIfIdle(ctx, store)
		if err != nil {
			logger.Printf("sweep.error phase=release_lock err=%v", err)
			finalizeSweepRunResult(&result, cfg.Now().UTC())
			return result, err
		}
		result.LockReleased = released
	}

	finalizeSweepRunResult(&result, cfg.Now().UTC())
	logger.Printf(
		"sweep.done dry_run=%t eligible_total=%d swept_total=%d lock_released=%t",
		dryRun, result.TotalEligible, result.TotalSwept, result.LockReleased,
	)
	return result, nil
}

func sweepKind(ctx context.Context, store SweepStore, kind string, pending []correlation.PendingSummary, cutoff time.Time, dryRun bool, logger Logger) (SweepKindResult, error) {
	result := SweepKindResult{Kind: kind, Cutoff: cutoff, DryRun: dryRun}
	var stale []string
	for _, p := range pending {
		if kind == kindUnknown || p.CreatedAt.IsZero() || p.CreatedAt.Before(cutoff) {
			stale = append(stale, p.CorrelationID)
		}
	}
	result.EligibleCount = len(stale)
	logger.Printf("sweep.kind.start kind=%s cutoff=%s dry_run=%t eligible=%d", kind, cutoff.Format(time.RFC3339), dryRun, result.EligibleCount)

	if dryRun {
		logger.Printf("sweep.kind.done kind=%s dry_run=true eligible=%d swept=0", kind, result.EligibleCount)
		return result, nil
	}
	for _, id := range stale {
		removed, err := store.Cleanup(ctx, id)
		if err != nil {
			return result, err
		}
		result.SweptCount++
		result.EntriesRemoved += removed
	}
	logger.Printf("sweep.kind.done kind=%s dry_run=false eligible=%d swept=%d entries=%d", kind, result.EligibleCount, result.SweptCount, result.EntriesRemoved)
	return result, nil
}

// releaseIfIdle drops the interaction lock when no interactive request is
// left to own it.
func releaseIfIdle(ctx context.Context, store SweepStore) (bool, error) {
	pending, err := store.PendingRequests(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range pending {
		if p.InteractionType == cachekey.InteractionRedirect || p.InteractionType == cachekey.InteractionPopup {
			return false, nil
		}
	}
	if err := store.ReleaseInteractionLock(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func selectedKinds(cfg SweepConfig) []string {
	kinds := make([]string, 0, 4)
	if cfg.IncludeRedirect {
		kinds = append(kinds, string(cachekey.InteractionRedirect))
	}
	if cfg.IncludePopup {
		kinds = append(kinds, string(cachekey.InteractionPopup))
	}
	if cfg.IncludeSilent {
		kinds = append(kinds, string(cachekey.InteractionSilent))
	}
	if !cfg.SelectionExplicit {
		kinds = append(kinds, kindUnknown)
	}
	return kinds
}

func normalizeSweepConfig(cfg SweepConfig) SweepConfig {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if !cfg.SelectionExplicit || (!cfg.IncludeRedirect && !cfg.IncludePopup && !cfg.IncludeSilent) {
		cfg.SelectionExplicit = false
		cfg.IncludeRedirect = true
		cfg.IncludePopup = true
		cfg.IncludeSilent = true
	}
	return cfg
}

func finalizeSweepRunResult(result *SweepRunResult, finishedAt time.Time) {
	result.FinishedAt = finishedAt
	result.TotalEligible = 0
	result.TotalSwept = 0
	for _, item := range result.Results {
		result.TotalEligible += item.EligibleCount
		result.TotalSwept += item.SweptCount
	}
}
