package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultParallelism bounds concurrent verifications during a sweep.
const DefaultParallelism = 4

// Report summarizes a sweep over one tenant.
type Report struct {
	TenantID   string    `json:"tenant_id"`
	Checked    int       `json:"checked"`
	Mismatches []Result  `json:"mismatches"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Clean reports whether every checked aggregate matched.
func (r Report) Clean() bool {
	return len(r.Mismatches) == 0
}

// Sweep verifies every aggregate of a tenant with at most parallelism
// verifications in flight. Mismatches are quarantined as they are found. The
// first read error cancels the sweep.
func (v *Validator) Sweep(ctx context.Context, tenantID string, parallelism int) (Report, error) {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	report := Report{TenantID: tenantID, Mismatches: []Result{}, StartedAt: v.now()}

	// ids are collected first so no page is held open while verifying
	var ids []string
	for id, err := range v.store.AggregateIDs(ctx, tenantID) {
		if err != nil {
			return Report{}, fmt.Errorf("sweep %s: %w", tenantID, err)
		}
		ids = append(ids, id)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, id := range ids {
		g.Go(func() error {
			res, err := v.Verify(gctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			if !res.Match {
				report.Mismatches = append(report.Mismatches, res)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, fmt.Errorf("sweep %s: %w", tenantID, err)
	}

	report.FinishedAt = v.now()
	slog.Info("audit sweep finished",
		"event", "audit_sweep",
		"tenant_id", tenantID,
		"checked", report.Checked,
		"mismatches", len(report.Mismatches),
	)
	return report, nil
}

// SweepAll sweeps every tenant in the store.
func (v *Validator) SweepAll(ctx context.Context, parallelism int) ([]Report, error) {
	tenants, err := v.store.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}
	reports := make([]Report, 0, len(tenants))
	for _, t := range tenants {
		r, err := v.Sweep(ctx, t, parallelism)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Scheduler runs SweepAll on a fixed interval.
type Scheduler struct {
	validator   *Validator
	interval    time.Duration
	parallelism int
	onReport    func([]Report)
}

// NewScheduler creates a scheduler. onReport, if set, receives each run's
// reports.
func NewScheduler(v *Validator, interval time.Duration, parallelism int, onReport func([]Report)) *Scheduler {
	return &Scheduler{
		validator:   v,
		interval:    interval,
		parallelism: parallelism,
		onReport:    onReport,
	}
}

// Run sweeps once per interval until ctx is cancelled. A failed sweep is
// logged and retried at the next tick. Returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("audit scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("audit scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			reports, err := s.validator.SweepAll(ctx, s.parallelism)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("audit sweep failed", "event", "audit_sweep_failed", "error", err)
				continue
			}
			if s.onReport != nil {
				s.onReport(reports)
			}
		}
	}
}
