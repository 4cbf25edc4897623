package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/castboard/spotlight/spotlight/database/models"
	"github.com/castboard/spotlight/spotlight/database/repositories"
)

// ContributeRequest is one contribution attempt against a content item.
type ContributeRequest struct {
	ContentHash   string
	ContentURL    string
	ContentText   string
	AuthorID      string
	AuthorName    string
	AuthorAvatar  string
	ContributorID string
	Amount        int64
	PaymentProof  string
}

// ContributeResult reports the pool state after a successful apply.
type ContributeResult struct {
	AuctionID    int64
	PoolTotal    int64
	WindowEndsAt time.Time
	Merged       bool
	Extended     bool
}

// RefundClaim summarizes a contributor's claimed refunds.
type RefundClaim struct {
	TotalRefund int64
	Count       int
}

type cachedAuction struct {
	auction   *models.Auction
	fetchedAt time.Time
}

// Contribute validates, funds and applies one contribution. A first
// contribution for unseen content opens a fresh bidding window ending at
// the next daily deadline.
func (e *Engine) Contribute(ctx context.Context, req ContributeRequest) (*ContributeResult, error) {
	if req.ContentHash == "" {
		return nil, ErrInvalidContentRef
	}
	if req.ContributorID == "" {
		return nil, ErrInvalidContributor
	}
	if req.Amount < MinContribution {
		return nil, ErrAmountTooLow
	}
	if req.Amount > MaxContribution {
		return nil, ErrAmountTooHigh
	}

	now := e.now()

	if req.PaymentProof != "" {
		if err := e.verifier.Verify(ctx, req.PaymentProof, req.ContributorID, req.Amount); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrPaymentRejected, err.Error())
		}
		used, err := e.contributions.ProofUsed(ctx, req.PaymentProof)
		if err != nil {
			return nil, fmt.Errorf("failed to check payment proof: %w", err)
		}
		if used {
			return nil, repositories.ErrDuplicatePaymentProof
		}
	}

	auction, err := e.auctions.GetOpenByContent(ctx, req.ContentHash)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			return nil, err
		}
		auction = &models.Auction{
			ContentHash:     req.ContentHash,
			ContentURL:      req.ContentURL,
			ContentText:     req.ContentText,
			AuthorID:        req.AuthorID,
			AuthorName:      req.AuthorName,
			AuthorAvatar:    req.AuthorAvatar,
			WindowStartedAt: now,
			WindowEndsAt:    e.NextWindowDeadline(now),
		}
		if err := e.auctions.Create(ctx, auction); err != nil {
			return nil, err
		}

		slog.Info("Opened bidding window",
			slog.String("type", "engine"),
			slog.Int64("auction_id", auction.ID),
			slog.String("content_hash", req.ContentHash),
			slog.Time("window_ends_at", auction.WindowEndsAt))
	}

	if auction.Status != models.AuctionStatusBidding {
		return nil, repositories.ErrAuctionClosed
	}

	applied, err := e.contributions.ApplyContribution(ctx, repositories.ApplyParams{
		AuctionID:      auction.ID,
		ContributorID:  req.ContributorID,
		Amount:         req.Amount,
		PaymentProof:   req.PaymentProof,
		Now:            now,
		SnipeGuard:     e.opts.SnipeGuard,
		SnipeExtension: e.opts.SnipeExtension,
	})
	if err != nil {
		return nil, err
	}

	e.openCache.Remove(req.ContentHash)

	slog.Info("Contribution applied",
		slog.String("type", "engine"),
		slog.Int64("auction_id", auction.ID),
		slog.String("contributor_id", req.ContributorID),
		slog.Int64("amount", req.Amount),
		slog.Int64("pool_total", applied.PoolTotal),
		slog.Bool("merged", applied.Merged),
		slog.Bool("extended", applied.Extended))

	return &ContributeResult{
		AuctionID:    auction.ID,
		PoolTotal:    applied.PoolTotal,
		WindowEndsAt: applied.WindowEndsAt,
		Merged:       applied.Merged,
		Extended:     applied.Extended,
	}, nil
}

// GetOpenAuction returns the open auction for a content item, serving hot
// display reads from a short-lived cache.
func (e *Engine) GetOpenAuction(ctx context.Context, contentHash string) (*models.Auction, error) {
	if contentHash == "" {
		return nil, ErrInvalidContentRef
	}

	if v, ok := e.openCache.Get(contentHash); ok {
		entry := v.(cachedAuction)
		if e.now().Sub(entry.fetchedAt) < openCacheTTL {
			return entry.auction, nil
		}
		e.openCache.Remove(contentHash)
	}

	auction, err := e.auctions.GetOpenByContent(ctx, contentHash)
	if err != nil {
		return nil, err
	}

	e.openCache.Add(contentHash, cachedAuction{auction: auction, fetchedAt: e.now()})
	return auction, nil
}

// ListOpenAuctionsRanked returns every bidding auction ordered by pool size,
// earliest first on ties.
func (e *Engine) ListOpenAuctionsRanked(ctx context.Context) ([]*models.Auction, error) {
	auctions, err := e.auctions.ListOpenRanked(ctx)
	if err != nil {
		return nil, err
	}
	rankAuctions(auctions)
	return auctions, nil
}

// GetFeaturedSlots returns the currently displayed content.
func (e *Engine) GetFeaturedSlots(ctx context.Context) ([]*models.FeaturedSlot, error) {
	return e.slots.ListActive(ctx)
}

// PendingRefunds lists a contributor's stakes still awaiting settlement.
func (e *Engine) PendingRefunds(ctx context.Context, contributorID string) ([]*models.Contribution, error) {
	if contributorID == "" {
		return nil, ErrInvalidContributor
	}
	return e.contributions.ListPendingByContributor(ctx, contributorID)
}

// RequestRefund claims every internally funded stake of a contributor that
// got stuck before its automatic refund landed.
func (e *Engine) RequestRefund(ctx context.Context, contributorID string) (*RefundClaim, error) {
	if contributorID == "" {
		return nil, ErrInvalidContributor
	}

	total, count, err := e.contributions.ClaimPendingRefunds(ctx, contributorID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNoPendingRefunds
	}

	slog.Info("Refunds claimed",
		slog.String("type", "engine"),
		slog.String("contributor_id", contributorID),
		slog.Int64("total", total),
		slog.Int("count", count))

	return &RefundClaim{TotalRefund: total, Count: count}, nil
}

// ProcessOperatorRefund settles an externally funded stake with the payout
// reference the operator produced off-platform.
func (e *Engine) ProcessOperatorRefund(ctx context.Context, contributionID int64, payoutRef string) (bool, error) {
	if payoutRef == "" {
		return false, ErrPaymentRejected
	}
	return e.contributions.ProcessRequestedRefund(ctx, contributionID, payoutRef)
}

// AdminCredit grants ledger balance to a contributor.
func (e *Engine) AdminCredit(ctx context.Context, contributorID string, amount int64, reference string) error {
	if contributorID == "" {
		return ErrInvalidContributor
	}
	if amount <= 0 {
		return ErrAmountTooLow
	}
	return e.ledger.Credit(ctx, contributorID, amount, models.LedgerEntryAdminCredit, reference)
}

// GetLedger returns a contributor's account with recent transactions.
func (e *Engine) GetLedger(ctx context.Context, contributorID string) (*models.LedgerAccount, []*models.LedgerTransaction, error) {
	if contributorID == "" {
		return nil, nil, ErrInvalidContributor
	}

	account, err := e.ledger.GetAccount(ctx, contributorID)
	if err != nil {
		return nil, nil, err
	}

	transactions, err := e.ledger.ListTransactions(ctx, contributorID, 50)
	if err != nil {
		return nil, nil, err
	}
	return account, transactions, nil
}
