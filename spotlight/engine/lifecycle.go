package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/castboard/spotlight/spotlight/database/models"
)

// TickSummary reports what one lifecycle pass did.
type TickSummary struct {
	Finalized      int `json:"finalized"`
	LosersRefunded int `json:"losers_refunded"`
	Activated      int `json:"activated"`
	Completed      int `json:"completed"`
}

func rankAuctions(auctions []*models.Auction) {
	sort.SliceStable(auctions, func(i, j int) bool {
		if auctions[i].PoolTotal != auctions[j].PoolTotal {
			return auctions[i].PoolTotal > auctions[j].PoolTotal
		}
		return auctions[i].CreatedAt.Before(auctions[j].CreatedAt)
	})
}

// RunLifecycleTick executes one settlement pass. Every step transitions
// rows through status-guarded updates, so a crashed or doubled tick simply
// resumes where the previous one stopped.
func (e *Engine) RunLifecycleTick(ctx context.Context) (*TickSummary, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	now := e.now()
	summary := &TickSummary{}

	start := time.Now()
	slog.Info("Lifecycle tick started", slog.String("type", "engine"))

	if err := e.settleExpiredWindows(ctx, now, summary); err != nil {
		return summary, err
	}
	if err := e.activatePendingFeatures(ctx, now, summary); err != nil {
		return summary, err
	}
	if err := e.completeExpiredFeatures(ctx, now, summary); err != nil {
		return summary, err
	}

	slog.Info("Lifecycle tick finished",
		slog.String("type", "engine"),
		slog.Int("finalized", summary.Finalized),
		slog.Int("losers_refunded", summary.LosersRefunded),
		slog.Int("activated", summary.Activated),
		slog.Int("completed", summary.Completed),
		slog.Duration("took", time.Since(start)))

	return summary, nil
}

// settleExpiredWindows ranks every expired bidding window, promotes the top
// pool, schedules losers for refund and recycles empty windows.
func (e *Engine) settleExpiredWindows(ctx context.Context, now time.Time, summary *TickSummary) error {
	expired, err := e.auctions.ListExpiredBidding(ctx, now)
	if err != nil {
		return err
	}

	var withPool []*models.Auction
	for _, a := range expired {
		if a.PoolTotal > 0 {
			withPool = append(withPool, a)
			continue
		}

		// Empty window: restart it at the next deadline
		if _, err := e.auctions.RecycleWindow(ctx, a.ID, now, e.NextWindowDeadline(now)); err != nil {
			slog.Error("Failed to recycle empty auction",
				slog.String("type", "engine"),
				slog.Int64("auction_id", a.ID),
				slog.Any("error", err))
			continue
		}
		summary.Finalized++
	}

	rankAuctions(withPool)

	for rank, a := range withPool {
		e.openCache.Remove(a.ContentHash)

		if rank == 0 {
			if err := e.finalizeWinner(ctx, a); err != nil {
				slog.Error("Failed to finalize winning auction",
					slog.String("type", "engine"),
					slog.Int64("auction_id", a.ID),
					slog.Any("error", err))
				continue
			}
			summary.Finalized++
			continue
		}

		e.workers.enqueue(job{kind: jobMarkLost, id: a.ID})
		summary.LosersRefunded++
	}

	return nil
}

func (e *Engine) finalizeWinner(ctx context.Context, a *models.Auction) error {
	promoted, err := e.auctions.MarkPendingFeature(ctx, a.ID, a.LastContributorID, a.PoolTotal)
	if err != nil {
		return err
	}
	if !promoted {
		// A previous tick already moved it on
		return nil
	}

	if _, err := e.contributions.MarkWonByAuction(ctx, a.ID); err != nil {
		return err
	}

	slog.Info("Auction won",
		slog.String("type", "engine"),
		slog.Int64("auction_id", a.ID),
		slog.String("content_hash", a.ContentHash),
		slog.Int64("pool_total", a.PoolTotal))
	return nil
}

// activatePendingFeatures installs every pending winner into a featured
// slot, evicting the oldest occupant when all slots are taken.
func (e *Engine) activatePendingFeatures(ctx context.Context, now time.Time, summary *TickSummary) error {
	pending, err := e.auctions.ListByStatus(ctx, models.AuctionStatusPendingFeature)
	if err != nil {
		return err
	}

	for _, a := range pending {
		if err := e.activateFeature(ctx, now, a); err != nil {
			slog.Error("Failed to activate featured content",
				slog.String("type", "engine"),
				slog.Int64("auction_id", a.ID),
				slog.Any("error", err))
			continue
		}
		summary.Activated++
	}
	return nil
}

func (e *Engine) activateFeature(ctx context.Context, now time.Time, a *models.Auction) error {
	slots, err := e.slots.ListActive(ctx)
	if err != nil {
		return err
	}

	slotIndex := -1
	if len(slots) < FeatureCapacity {
		taken := make(map[int]bool, len(slots))
		for _, s := range slots {
			taken[s.SlotIndex] = true
		}
		for i := 0; i < FeatureCapacity; i++ {
			if !taken[i] {
				slotIndex = i
				break
			}
		}
	} else {
		oldest := slots[0]
		for _, s := range slots[1:] {
			if s.AddedAt.Before(oldest.AddedAt) {
				oldest = s
			}
		}
		slotIndex = oldest.SlotIndex

		// Close out the evicted occupant's auction if it is still running
		if _, err := e.auctions.MarkCompleted(ctx, oldest.SourceAuctionID, models.AuctionStatusActive); err != nil {
			return err
		}
	}

	if err := e.slots.Place(ctx, &models.FeaturedSlot{
		SlotIndex:       slotIndex,
		ContentHash:     a.ContentHash,
		ContentURL:      a.ContentURL,
		AuthorName:      a.AuthorName,
		AuthorAvatar:    a.AuthorAvatar,
		SourceAuctionID: a.ID,
		Active:          true,
		AddedAt:         now,
	}); err != nil {
		return err
	}

	activated, err := e.auctions.MarkActive(ctx, a.ID, now, now.Add(e.opts.FeatureDuration))
	if err != nil {
		return err
	}
	if !activated {
		return nil
	}

	slog.Info("Featured content activated",
		slog.String("type", "engine"),
		slog.Int64("auction_id", a.ID),
		slog.Int("slot_index", slotIndex),
		slog.String("content_hash", a.ContentHash))

	go e.announceFeature(a)
	return nil
}

func (e *Engine) announceFeature(a *models.Auction) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTxTimeout)
	defer cancel()

	if err := e.notifier.NotifyFeatured(ctx, a); err != nil {
		slog.Warn("Featured notification failed",
			slog.String("type", "engine"),
			slog.Int64("auction_id", a.ID),
			slog.Any("error", err))
	}
	if err := e.notifier.NotifyWinner(ctx, a); err != nil {
		slog.Warn("Winner notification failed",
			slog.String("type", "engine"),
			slog.Int64("auction_id", a.ID),
			slog.Any("error", err))
	}
}

// completeExpiredFeatures retires features past their display window and
// reopens bidding for the same content.
func (e *Engine) completeExpiredFeatures(ctx context.Context, now time.Time, summary *TickSummary) error {
	expired, err := e.auctions.ListExpiredFeatures(ctx, now)
	if err != nil {
		return err
	}

	for _, a := range expired {
		completed, err := e.auctions.MarkCompleted(ctx, a.ID, models.AuctionStatusActive)
		if err != nil {
			slog.Error("Failed to complete expired feature",
				slog.String("type", "engine"),
				slog.Int64("auction_id", a.ID),
				slog.Any("error", err))
			continue
		}
		if !completed {
			continue
		}

		if _, err := e.slots.Deactivate(ctx, a.ID); err != nil {
			slog.Error("Failed to deactivate featured slot",
				slog.String("type", "engine"),
				slog.Int64("auction_id", a.ID),
				slog.Any("error", err))
		}

		next := &models.Auction{
			ContentHash:     a.ContentHash,
			ContentURL:      a.ContentURL,
			ContentText:     a.ContentText,
			AuthorID:        a.AuthorID,
			AuthorName:      a.AuthorName,
			AuthorAvatar:    a.AuthorAvatar,
			WindowStartedAt: now,
			WindowEndsAt:    e.NextWindowDeadline(now),
		}
		if err := e.auctions.Create(ctx, next); err != nil {
			slog.Error("Failed to reopen bidding window",
				slog.String("type", "engine"),
				slog.String("content_hash", a.ContentHash),
				slog.Any("error", err))
			continue
		}
		summary.Completed++
	}
	return nil
}
