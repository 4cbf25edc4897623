package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/castboard/spotlight/spotlight/database/models"
)

func TestRefundParksOnLedgerFailure(t *testing.T) {
	te := newTestEngine(Options{})
	ctx := context.Background()

	c := te.store.addContribution(&models.Contribution{
		AuctionID: 1, ContributorID: "alice", Amount: 5000,
		Status: models.ContributionStatusLost,
	})

	te.store.failCredit = true
	te.engine.refundContribution(ctx, c.ID)
	require.Equal(t, models.ContributionStatusPendingRefund, te.store.contributionStatus(c.ID))
	require.Equal(t, int64(0), te.store.balance("alice"))

	// A later claim heals the parked stake once the ledger is back
	te.store.failCredit = false
	claim, err := te.engine.RequestRefund(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(5000), claim.TotalRefund)
	require.Equal(t, models.ContributionStatusRefunded, te.store.contributionStatus(c.ID))
	require.Equal(t, int64(5000), te.store.balance("alice"))
}

func TestRefundExternallyFundedAwaitsOperator(t *testing.T) {
	te := newTestEngine(Options{})
	ctx := context.Background()

	c := te.store.addContribution(&models.Contribution{
		AuctionID: 1, ContributorID: "alice", Amount: 5000,
		Status: models.ContributionStatusLost, PaymentProof: "0xdeadbeef",
	})

	te.engine.refundContribution(ctx, c.ID)

	// No internal credit; the stake waits for an operator payout
	require.Equal(t, models.ContributionStatusRefundRequested, te.store.contributionStatus(c.ID))
	require.Equal(t, int64(0), te.store.balance("alice"))
}

func TestRefundSkipsSettledContribution(t *testing.T) {
	te := newTestEngine(Options{})
	ctx := context.Background()

	c := te.store.addContribution(&models.Contribution{
		AuctionID: 1, ContributorID: "alice", Amount: 5000,
		Status: models.ContributionStatusRefunded,
	})

	te.engine.refundContribution(ctx, c.ID)
	require.Equal(t, models.ContributionStatusRefunded, te.store.contributionStatus(c.ID))
	require.Equal(t, int64(0), te.store.balance("alice"))
}

func TestMarkAuctionLostSkipsSettledAuction(t *testing.T) {
	te := newTestEngine(Options{})
	ctx := context.Background()

	a := te.store.addAuction(&models.Auction{
		ContentHash: "0xabc", Status: models.AuctionStatusCompleted,
	})
	c := te.store.addContribution(&models.Contribution{
		AuctionID: a.ID, ContributorID: "alice", Amount: 5000,
		Status: models.ContributionStatusActive,
	})

	te.engine.markAuctionLost(ctx, a.ID)

	// Already-completed auctions never re-settle their stakes
	require.Equal(t, models.ContributionStatusActive, te.store.contributionStatus(c.ID))
}

func TestWorkerPoolHonorsWorkerCount(t *testing.T) {
	te := newTestEngine(Options{})

	require.Equal(t, 5, newWorkerPool(te.engine, 5).workers)

	// Zero or negative falls back to the default
	require.Equal(t, workerCount, newWorkerPool(te.engine, 0).workers)
	require.Equal(t, workerCount, newWorkerPool(te.engine, -1).workers)
}

func TestEnqueueAfterStopDoesNotWedgeWait(t *testing.T) {
	te := newTestEngine(Options{})
	pool := newWorkerPool(te.engine, 1)

	// Fill the queue without workers running so the next enqueue spills
	// into the fallback path
	for i := 0; i < jobQueueSize; i++ {
		pool.jobs <- job{kind: jobRefund, id: int64(i)}
	}
	pool.enqueue(job{kind: jobRefund, id: 999})

	close(pool.stop)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.wait(ctx))
}

func TestShutdownDrainsQueuedRefunds(t *testing.T) {
	te := newTestEngine(Options{})
	te.engine.Start()
	ctx := context.Background()

	a := te.store.addAuction(&models.Auction{
		ContentHash: "0xabc", Status: models.AuctionStatusBidding,
		LastContributorID: "alice",
	})
	var ids []int64
	for _, who := range []string{"alice", "bob", "carol"} {
		c := te.store.addContribution(&models.Contribution{
			AuctionID: a.ID, ContributorID: who, Amount: 2000,
			Status: models.ContributionStatusActive,
		})
		ids = append(ids, c.ID)
	}

	te.engine.workers.enqueue(job{kind: jobMarkLost, id: a.ID})
	require.NoError(t, te.engine.Shutdown(ctx))

	for _, id := range ids {
		require.Equal(t, models.ContributionStatusRefunded, te.store.contributionStatus(id))
	}
	require.Equal(t, int64(2000), te.store.balance("alice"))
	require.Equal(t, int64(2000), te.store.balance("bob"))
	require.Equal(t, int64(2000), te.store.balance("carol"))
}
