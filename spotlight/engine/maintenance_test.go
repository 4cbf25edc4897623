package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/castboard/spotlight/spotlight/database/models"
)

func TestRunMaintenance(t *testing.T) {
	te := newTestEngine(Options{})
	ctx := context.Background()
	now := te.clock.Now()
	deadline := time.Date(2025, time.March, 10, 20, 0, 0, 0, time.UTC)

	// Duplicate active stakes on one auction, pool total out of sync
	a := te.store.addAuction(&models.Auction{
		ContentHash: "0xdup", Status: models.AuctionStatusBidding, PoolTotal: 100,
		WindowEndsAt: deadline, CreatedAt: now,
	})
	te.store.addContribution(&models.Contribution{
		AuctionID: a.ID, ContributorID: "alice", Amount: 3000,
		Status: models.ContributionStatusActive,
	})
	te.store.addContribution(&models.Contribution{
		AuctionID: a.ID, ContributorID: "alice", Amount: 2000,
		Status: models.ContributionStatusActive,
	})

	// Active auction that lost its featured slot
	orphan := te.store.addAuction(&models.Auction{
		ContentHash: "0xorphan", Status: models.AuctionStatusActive,
		FeatureEnds: now.Add(time.Hour), WindowEndsAt: deadline, CreatedAt: now,
	})

	// Empty window recycled for over a week
	stale := te.store.addAuction(&models.Auction{
		ContentHash: "0xstale", Status: models.AuctionStatusBidding, PoolTotal: 0,
		WindowEndsAt: deadline, CreatedAt: now.Add(-8 * 24 * time.Hour),
	})

	// Window pointing at a stale deadline
	drifted := te.store.addAuction(&models.Auction{
		ContentHash: "0xdrift", Status: models.AuctionStatusBidding, PoolTotal: 2000,
		WindowEndsAt: deadline.Add(-24 * time.Hour), CreatedAt: now,
	})
	te.store.addContribution(&models.Contribution{
		AuctionID: drifted.ID, ContributorID: "bob", Amount: 2000,
		Status: models.ContributionStatusActive,
	})

	report, err := te.engine.RunMaintenance(ctx)
	require.NoError(t, err)

	require.Equal(t, int64(1), report.DuplicatesMerged)
	require.Equal(t, int64(1), report.PoolsReconciled)
	require.Equal(t, int64(1), report.OrphansCompleted)
	require.Equal(t, int64(1), report.Abandoned)
	require.Equal(t, int64(1), report.WindowsRealigned)

	contributions, err := te.engine.contributions.ListActiveByAuction(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, contributions, 1)
	require.Equal(t, int64(5000), contributions[0].Amount)

	te.store.mu.Lock()
	require.Equal(t, int64(5000), te.store.auctions[a.ID].PoolTotal)
	require.Equal(t, deadline, te.store.auctions[drifted.ID].WindowEndsAt)
	te.store.mu.Unlock()

	require.Equal(t, models.AuctionStatusCompleted, te.store.auctionStatus(orphan.ID))
	require.Equal(t, models.AuctionStatusCompleted, te.store.auctionStatus(stale.ID))
}

func TestCleanupOrphanFeaturesKeepsSlottedAuctions(t *testing.T) {
	te := newTestEngine(Options{})
	ctx := context.Background()
	now := te.clock.Now()

	slotted := te.store.addAuction(&models.Auction{
		ContentHash: "0xslotted", Status: models.AuctionStatusActive,
		FeatureEnds: now.Add(time.Hour),
	})
	require.NoError(t, te.engine.slots.Place(ctx, &models.FeaturedSlot{
		SlotIndex: 0, ContentHash: "0xslotted", SourceAuctionID: slotted.ID, AddedAt: now,
	}))

	orphan := te.store.addAuction(&models.Auction{
		ContentHash: "0xorphan", Status: models.AuctionStatusActive,
		FeatureEnds: now.Add(time.Hour),
	})

	n, err := te.engine.CleanupOrphanFeatures(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.Equal(t, models.AuctionStatusActive, te.store.auctionStatus(slotted.ID))
	require.Equal(t, models.AuctionStatusCompleted, te.store.auctionStatus(orphan.ID))
}
