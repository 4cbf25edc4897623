package engine

import (
	"context"
	"log/slog"
)

// MaintenanceReport summarizes the operator maintenance pass.
type MaintenanceReport struct {
	DuplicatesMerged int64 `json:"duplicates_merged"`
	PoolsReconciled  int64 `json:"pools_reconciled"`
	OrphansCompleted int64 `json:"orphans_completed"`
	Abandoned        int64 `json:"abandoned"`
	WindowsRealigned int64 `json:"windows_realigned"`
}

// MergeDuplicateStakes collapses duplicate active stakes. Normal applies
// cannot produce them; interrupted legacy imports can.
func (e *Engine) MergeDuplicateStakes(ctx context.Context) (int64, error) {
	return e.contributions.MergeDuplicateActive(ctx)
}

// ReconcilePools recomputes pool totals from surviving stakes.
func (e *Engine) ReconcilePools(ctx context.Context) (int64, error) {
	return e.contributions.ReconcilePoolTotals(ctx)
}

// CleanupOrphanFeatures completes active auctions no live slot references.
func (e *Engine) CleanupOrphanFeatures(ctx context.Context) (int64, error) {
	slots, err := e.slots.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	liveIDs := make([]int64, len(slots))
	for i, s := range slots {
		liveIDs[i] = s.SourceAuctionID
	}
	return e.auctions.CompleteOrphanActive(ctx, liveIDs)
}

// PurgeAbandoned retires bidding windows that stayed empty past the
// abandonment cutoff instead of recycling them forever.
func (e *Engine) PurgeAbandoned(ctx context.Context) (int64, error) {
	return e.auctions.MarkAbandoned(ctx, e.now().Add(-AbandonedAfter))
}

// RealignWindows resets every open bidding window to the next daily
// deadline after a deadline-hour configuration change.
func (e *Engine) RealignWindows(ctx context.Context) (int64, error) {
	return e.auctions.RealignWindows(ctx, e.NextWindowDeadline(e.now()))
}

// RunMaintenance executes the full maintenance pass and reports per-step
// counts. Individual step failures abort the pass.
func (e *Engine) RunMaintenance(ctx context.Context) (*MaintenanceReport, error) {
	report := &MaintenanceReport{}
	var err error

	if report.DuplicatesMerged, err = e.MergeDuplicateStakes(ctx); err != nil {
		return report, err
	}
	if report.PoolsReconciled, err = e.ReconcilePools(ctx); err != nil {
		return report, err
	}
	if report.OrphansCompleted, err = e.CleanupOrphanFeatures(ctx); err != nil {
		return report, err
	}
	if report.Abandoned, err = e.PurgeAbandoned(ctx); err != nil {
		return report, err
	}
	if report.WindowsRealigned, err = e.RealignWindows(ctx); err != nil {
		return report, err
	}

	slog.Info("Maintenance pass finished",
		slog.String("type", "engine"),
		slog.Int64("duplicates_merged", report.DuplicatesMerged),
		slog.Int64("pools_reconciled", report.PoolsReconciled),
		slog.Int64("orphans_completed", report.OrphansCompleted),
		slog.Int64("abandoned", report.Abandoned),
		slog.Int64("windows_realigned", report.WindowsRealigned))

	return report, nil
}
