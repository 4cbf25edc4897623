package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/castboard/spotlight/spotlight/database/models"
	"github.com/castboard/spotlight/spotlight/database/repositories"
	"golang.org/x/time/rate"
)

type jobKind int

const (
	jobMarkLost jobKind = iota
	jobRefund
)

type job struct {
	kind jobKind
	id   int64
}

// workerPool settles losers and refunds off the tick path. The rate limiter
// keeps ledger credits from bursting when a large pool loses.
type workerPool struct {
	engine  *Engine
	workers int
	jobs    chan job
	limiter *rate.Limiter
	pending sync.WaitGroup
	startMu sync.Once
	stop    chan struct{}
}

func newWorkerPool(e *Engine, workers int) *workerPool {
	if workers <= 0 {
		workers = workerCount
	}
	return &workerPool{
		engine:  e,
		workers: workers,
		jobs:    make(chan job, jobQueueSize),
		limiter: rate.NewLimiter(rate.Limit(refundsPerSecond), 1),
		stop:    make(chan struct{}),
	}
}

func (p *workerPool) start() {
	p.startMu.Do(func() {
		for i := 0; i < p.workers; i++ {
			go p.run()
		}
	})
}

func (p *workerPool) run() {
	for {
		select {
		case <-p.stop:
			return
		case j := <-p.jobs:
			p.process(j)
			p.pending.Done()
		}
	}
}

func (p *workerPool) enqueue(j job) {
	p.pending.Add(1)
	select {
	case p.jobs <- j:
	default:
		// Queue full: shed back onto the caller rather than block the tick.
		// A stopped pool releases the job so wait cannot wedge.
		go func() {
			select {
			case p.jobs <- j:
			case <-p.stop:
				p.pending.Done()
			}
		}()
	}
}

func (p *workerPool) process(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTxTimeout)
	defer cancel()

	if err := p.limiter.Wait(ctx); err != nil {
		slog.Error("Worker throttle wait failed",
			slog.String("type", "engine"),
			slog.Any("error", err))
		return
	}

	switch j.kind {
	case jobMarkLost:
		p.engine.markAuctionLost(ctx, j.id)
	case jobRefund:
		p.engine.refundContribution(ctx, j.id)
	}
}

// wait blocks until every queued job has been processed.
func (p *workerPool) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain waits for queued work, then stops the workers.
func (p *workerPool) drain(ctx context.Context) error {
	err := p.wait(ctx)
	close(p.stop)
	return err
}

// markAuctionLost completes a losing auction and schedules every stake for
// refund. Already-settled auctions are skipped.
func (e *Engine) markAuctionLost(ctx context.Context, auctionID int64) {
	lost, err := e.auctions.MarkCompleted(ctx, auctionID, models.AuctionStatusBidding)
	if err != nil {
		slog.Error("Failed to mark auction lost",
			slog.String("type", "engine"),
			slog.Int64("auction_id", auctionID),
			slog.Any("error", err))
		return
	}
	if !lost {
		return
	}

	ids, err := e.contributions.MarkLostByAuction(ctx, auctionID)
	if err != nil {
		slog.Error("Failed to mark contributions lost",
			slog.String("type", "engine"),
			slog.Int64("auction_id", auctionID),
			slog.Any("error", err))
		return
	}

	slog.Info("Auction lost, refunds scheduled",
		slog.String("type", "engine"),
		slog.Int64("auction_id", auctionID),
		slog.Int("contributions", len(ids)))

	for _, id := range ids {
		e.workers.enqueue(job{kind: jobRefund, id: id})
	}
}

func (e *Engine) refundContribution(ctx context.Context, contributionID int64) {
	result, err := e.contributions.RefundContribution(ctx, contributionID)
	if err != nil {
		if errors.Is(err, repositories.ErrRefundNotEligible) || errors.Is(err, repositories.ErrNotFound) {
			return
		}

		slog.Error("Refund failed, parking for claim",
			slog.String("type", "engine"),
			slog.Int64("contribution_id", contributionID),
			slog.Any("error", err))

		if _, parkErr := e.contributions.MarkPendingRefund(ctx, contributionID); parkErr != nil {
			slog.Error("Failed to park contribution for claim",
				slog.String("type", "engine"),
				slog.Int64("contribution_id", contributionID),
				slog.Any("error", parkErr))
		}
		return
	}

	if result.Requested {
		slog.Info("Refund awaiting operator payout",
			slog.String("type", "engine"),
			slog.Int64("contribution_id", contributionID),
			slog.Int64("amount", result.Amount))
	}
}
