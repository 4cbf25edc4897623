package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/castboard/spotlight/spotlight/database/models"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ApplyParams carries one contribution attempt into the atomic apply.
type ApplyParams struct {
	AuctionID      int64
	ContributorID  string
	Amount         int64
	PaymentProof   string
	Now            time.Time
	SnipeGuard     time.Duration
	SnipeExtension time.Duration
}

// ApplyResult reports the post-apply auction state.
type ApplyResult struct {
	ContributionID int64
	PoolTotal      int64
	WindowEndsAt   time.Time
	Merged         bool
	Extended       bool
}

// RefundResult reports the outcome of a single refund attempt.
type RefundResult struct {
	Amount    int64
	Requested bool // parked as refund_requested for operator payout
}

type ContributionRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Contribution, error)
	ApplyContribution(ctx context.Context, params ApplyParams) (*ApplyResult, error)
	ProofUsed(ctx context.Context, proof string) (bool, error)
	ListActiveByAuction(ctx context.Context, auctionID int64) ([]*models.Contribution, error)
	MarkWonByAuction(ctx context.Context, auctionID int64) (int64, error)
	MarkLostByAuction(ctx context.Context, auctionID int64) ([]int64, error)
	MarkPendingRefund(ctx context.Context, id int64) (bool, error)
	RefundContribution(ctx context.Context, id int64) (*RefundResult, error)
	ListPendingByContributor(ctx context.Context, contributorID string) ([]*models.Contribution, error)
	ClaimPendingRefunds(ctx context.Context, contributorID string) (int64, int, error)
	ProcessRequestedRefund(ctx context.Context, id int64, payoutRef string) (bool, error)
	MergeDuplicateActive(ctx context.Context) (int64, error)
	ReconcilePoolTotals(ctx context.Context) (int64, error)
}

type contributionRepository struct {
	db *bun.DB
}

func NewContributionRepository(db *bun.DB) ContributionRepository {
	return &contributionRepository{db: db}
}

func (r *contributionRepository) GetByID(ctx context.Context, id int64) (*models.Contribution, error) {
	contribution := new(models.Contribution)
	err := r.db.NewSelect().
		Model(contribution).
		Where("id = ?", id).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get contribution: %w", err)
	}
	return contribution, nil
}

// ApplyContribution is the single atomic unit behind every accepted
// contribution: window check, anti-snipe extension, ledger debit, stake
// upsert and pool bump all commit or roll back together. Ledger-funded
// repeats merge into one active stake; proof-funded stakes keep one row
// per proof.
func (r *contributionRepository) ApplyContribution(ctx context.Context, params ApplyParams) (*ApplyResult, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	auction := new(models.Auction)
	err = tx.NewSelect().
		Model(auction).
		Where("id = ?", params.AuctionID).
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get auction for update: %w", err)
	}

	if auction.Status != models.AuctionStatusBidding || !params.Now.Before(auction.WindowEndsAt) {
		return nil, ErrAuctionClosed
	}

	if params.PaymentProof != "" {
		used, err := proofUsedTx(ctx, tx, params.PaymentProof)
		if err != nil {
			return nil, err
		}
		if used {
			return nil, ErrDuplicatePaymentProof
		}
	} else {
		if err := debitAccountTx(ctx, tx, params.ContributorID, params.Amount, fmt.Sprintf("auction:%d", params.AuctionID)); err != nil {
			return nil, err
		}
	}

	result := &ApplyResult{WindowEndsAt: auction.WindowEndsAt}

	if params.PaymentProof != "" {
		// Proof-funded stakes always get their own row. Every proof must
		// stay recorded against exactly one contribution, so it can never
		// be overwritten by a later merge and replayed.
		contribution := &models.Contribution{
			AuctionID:     params.AuctionID,
			ContributorID: params.ContributorID,
			Amount:        params.Amount,
			Status:        models.ContributionStatusActive,
			PaymentProof:  params.PaymentProof,
			CreatedAt:     params.Now,
			UpdatedAt:     params.Now,
		}
		if _, err = tx.NewInsert().Model(contribution).Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to create contribution: %w", err)
		}
		result.ContributionID = contribution.ID
	} else {
		// Merge into the contributor's ledger-funded active stake when one
		// exists. Proof-funded rows are never merge targets, so ledger and
		// external amounts settle independently on loss.
		updateRes, err := tx.NewUpdate().
			Model((*models.Contribution)(nil)).
			Set("amount = amount + ?", params.Amount).
			Set("updated_at = ?", params.Now).
			Where("auction_id = ?", params.AuctionID).
			Where("contributor_id = ?", params.ContributorID).
			Where("status = ?", models.ContributionStatusActive).
			Where("payment_proof IS NULL").
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to merge contribution: %w", err)
		}

		if affected, _ := updateRes.RowsAffected(); affected > 0 {
			result.Merged = true

			contribution := new(models.Contribution)
			err = tx.NewSelect().
				Model(contribution).
				Where("auction_id = ?", params.AuctionID).
				Where("contributor_id = ?", params.ContributorID).
				Where("status = ?", models.ContributionStatusActive).
				Where("payment_proof IS NULL").
				Scan(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to reload merged contribution: %w", err)
			}
			result.ContributionID = contribution.ID
		} else {
			contribution := &models.Contribution{
				AuctionID:     params.AuctionID,
				ContributorID: params.ContributorID,
				Amount:        params.Amount,
				Status:        models.ContributionStatusActive,
				CreatedAt:     params.Now,
				UpdatedAt:     params.Now,
			}
			if _, err = tx.NewInsert().Model(contribution).Exec(ctx); err != nil {
				return nil, fmt.Errorf("failed to create contribution: %w", err)
			}
			result.ContributionID = contribution.ID
		}
	}

	// Extend the window when the contribution lands inside the snipe guard.
	// The window never shrinks.
	newEnd := auction.WindowEndsAt
	remaining := auction.WindowEndsAt.Sub(params.Now)
	if remaining <= params.SnipeGuard {
		extended := params.Now.Add(params.SnipeExtension)
		if extended.After(newEnd) {
			newEnd = extended
			result.Extended = true
		}
	}

	auctionUpdate := tx.NewUpdate().
		Model((*models.Auction)(nil)).
		Set("pool_total = pool_total + ?", params.Amount).
		Set("last_contributor_id = ?", params.ContributorID).
		Set("updated_at = ?", params.Now).
		Where("id = ?", params.AuctionID)
	if result.Extended {
		auctionUpdate = auctionUpdate.Set("window_ends_at = ?", newEnd)
	}
	if _, err = auctionUpdate.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to update auction pool: %w", err)
	}

	result.PoolTotal = auction.PoolTotal + params.Amount
	result.WindowEndsAt = newEnd

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

func proofUsedTx(ctx context.Context, tx bun.Tx, proof string) (bool, error) {
	count, err := tx.NewSelect().
		Model((*models.Contribution)(nil)).
		Where("payment_proof = ?", proof).
		Count(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check payment proof: %w", err)
	}
	return count > 0, nil
}

func debitAccountTx(ctx context.Context, tx bun.Tx, contributorID string, amount int64, reference string) error {
	var account models.LedgerAccount
	err := tx.NewSelect().
		Model(&account).
		Where("contributor_id = ?", contributorID).
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("failed to get ledger account: %w", err)
	}

	if account.Balance < amount {
		return ErrInsufficientBalance
	}

	result, err := tx.NewUpdate().
		Model((*models.LedgerAccount)(nil)).
		Set("balance = balance - ?", amount).
		Set("lifetime_spent = lifetime_spent + ?", amount).
		Set("updated_at = ?", time.Now()).
		Where("contributor_id = ?", contributorID).
		Where("balance >= ?", amount).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to debit ledger account: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrInsufficientBalance
	}

	entry := &models.LedgerTransaction{
		ID:            uuid.NewString(),
		ContributorID: contributorID,
		Amount:        -amount,
		Kind:          models.LedgerEntryContribution,
		Reference:     reference,
		BalanceBefore: account.Balance,
		BalanceAfter:  account.Balance - amount,
		CreatedAt:     time.Now(),
	}
	if _, err = tx.NewInsert().Model(entry).Exec(ctx); err != nil {
		return fmt.Errorf("failed to record ledger transaction: %w", err)
	}
	return nil
}

func creditAccountTx(ctx context.Context, tx bun.Tx, contributorID string, amount int64, kind models.LedgerEntryKind, reference string) error {
	var account models.LedgerAccount
	err := tx.NewSelect().
		Model(&account).
		Where("contributor_id = ?", contributorID).
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			account = models.LedgerAccount{
				ContributorID: contributorID,
				Balance:       0,
				CreatedAt:     time.Now(),
				UpdatedAt:     time.Now(),
			}
			if _, err = tx.NewInsert().Model(&account).Exec(ctx); err != nil {
				return fmt.Errorf("failed to create ledger account: %w", err)
			}
		} else {
			return fmt.Errorf("failed to get ledger account: %w", err)
		}
	}

	_, err = tx.NewUpdate().
		Model((*models.LedgerAccount)(nil)).
		Set("balance = balance + ?", amount).
		Set("updated_at = ?", time.Now()).
		Where("contributor_id = ?", contributorID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to credit ledger account: %w", err)
	}

	entry := &models.LedgerTransaction{
		ID:            uuid.NewString(),
		ContributorID: contributorID,
		Amount:        amount,
		Kind:          kind,
		Reference:     reference,
		BalanceBefore: account.Balance,
		BalanceAfter:  account.Balance + amount,
		CreatedAt:     time.Now(),
	}
	if _, err = tx.NewInsert().Model(entry).Exec(ctx); err != nil {
		return fmt.Errorf("failed to record ledger transaction: %w", err)
	}
	return nil
}

func (r *contributionRepository) ProofUsed(ctx context.Context, proof string) (bool, error) {
	count, err := r.db.NewSelect().
		Model((*models.Contribution)(nil)).
		Where("payment_proof = ?", proof).
		Count(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check payment proof: %w", err)
	}
	return count > 0, nil
}

func (r *contributionRepository) ListActiveByAuction(ctx context.Context, auctionID int64) ([]*models.Contribution, error) {
	var contributions []*models.Contribution
	err := r.db.NewSelect().
		Model(&contributions).
		Where("auction_id = ?", auctionID).
		Where("status = ?", models.ContributionStatusActive).
		Order("created_at ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("failed to list active contributions: %w", err)
	}
	return contributions, nil
}

// MarkWonByAuction settles every active stake of the winning auction. Won
// stakes are spent, never refunded.
func (r *contributionRepository) MarkWonByAuction(ctx context.Context, auctionID int64) (int64, error) {
	result, err := r.db.NewUpdate().
		Model((*models.Contribution)(nil)).
		Set("status = ?", models.ContributionStatusWon).
		Set("updated_at = ?", time.Now()).
		Where("auction_id = ?", auctionID).
		Where("status = ?", models.ContributionStatusActive).
		Exec(ctx)

	if err != nil {
		return 0, fmt.Errorf("failed to mark contributions won: %w", err)
	}
	return result.RowsAffected()
}

// MarkLostByAuction flips every remaining active stake of a lost auction to
// lost and returns their ids so refunds can be scheduled.
func (r *contributionRepository) MarkLostByAuction(ctx context.Context, auctionID int64) ([]int64, error) {
	var ids []int64
	err := r.db.NewUpdate().
		Model((*models.Contribution)(nil)).
		Set("status = ?", models.ContributionStatusLost).
		Set("updated_at = ?", time.Now()).
		Where("auction_id = ?", auctionID).
		Where("status = ?", models.ContributionStatusActive).
		Returning("id").
		Scan(ctx, &ids)

	if err != nil {
		return nil, fmt.Errorf("failed to mark contributions lost: %w", err)
	}
	return ids, nil
}

func (r *contributionRepository) MarkPendingRefund(ctx context.Context, id int64) (bool, error) {
	result, err := r.db.NewUpdate().
		Model((*models.Contribution)(nil)).
		Set("status = ?", models.ContributionStatusPendingRefund).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Where("status = ?", models.ContributionStatusLost).
		Exec(ctx)

	if err != nil {
		return false, fmt.Errorf("failed to mark contribution pending refund: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows > 0, nil
}

// RefundContribution returns one losing stake in full. Internally funded
// stakes credit the ledger; externally funded ones are parked as
// refund_requested for operator payout.
func (r *contributionRepository) RefundContribution(ctx context.Context, id int64) (*RefundResult, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	contribution := new(models.Contribution)
	err = tx.NewSelect().
		Model(contribution).
		Where("id = ?", id).
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get contribution for update: %w", err)
	}

	if contribution.Status != models.ContributionStatusLost &&
		contribution.Status != models.ContributionStatusPendingRefund {
		return nil, ErrRefundNotEligible
	}

	if contribution.ExternallyFunded() {
		_, err = tx.NewUpdate().
			Model((*models.Contribution)(nil)).
			Set("status = ?", models.ContributionStatusRefundRequested).
			Set("refund_amount = ?", contribution.Amount).
			Set("updated_at = ?", time.Now()).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to park refund request: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return &RefundResult{Amount: contribution.Amount, Requested: true}, nil
	}

	if err := creditAccountTx(ctx, tx, contribution.ContributorID, contribution.Amount,
		models.LedgerEntryRefund, fmt.Sprintf("contribution:%d", contribution.ID)); err != nil {
		return nil, err
	}

	_, err = tx.NewUpdate().
		Model((*models.Contribution)(nil)).
		Set("status = ?", models.ContributionStatusRefunded).
		Set("refund_amount = ?", contribution.Amount).
		Set("refunded_at = ?", time.Now()).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to mark contribution refunded: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("Contribution refunded",
		slog.String("type", "db"),
		slog.Int64("contribution_id", id),
		slog.String("contributor_id", contribution.ContributorID),
		slog.Int64("amount", contribution.Amount))

	return &RefundResult{Amount: contribution.Amount}, nil
}

func (r *contributionRepository) ListPendingByContributor(ctx context.Context, contributorID string) ([]*models.Contribution, error) {
	var contributions []*models.Contribution
	err := r.db.NewSelect().
		Model(&contributions).
		Where("contributor_id = ?", contributorID).
		Where("status IN (?)", bun.In([]models.ContributionStatus{
			models.ContributionStatusLost,
			models.ContributionStatusPendingRefund,
			models.ContributionStatusRefundRequested,
		})).
		Order("created_at ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("failed to list pending refunds: %w", err)
	}
	return contributions, nil
}

// ClaimPendingRefunds credits every internally funded stake stuck in lost or
// pending_refund for one contributor, as a single ledger credit.
func (r *contributionRepository) ClaimPendingRefunds(ctx context.Context, contributorID string) (int64, int, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var contributions []*models.Contribution
	err = tx.NewSelect().
		Model(&contributions).
		Where("contributor_id = ?", contributorID).
		Where("status IN (?)", bun.In([]models.ContributionStatus{
			models.ContributionStatusLost,
			models.ContributionStatusPendingRefund,
		})).
		Where("payment_proof IS NULL").
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list claimable refunds: %w", err)
	}

	if len(contributions) == 0 {
		return 0, 0, nil
	}

	var total int64
	ids := make([]int64, len(contributions))
	for i, c := range contributions {
		total += c.Amount
		ids[i] = c.ID
	}

	if err := creditAccountTx(ctx, tx, contributorID, total,
		models.LedgerEntryRefund, fmt.Sprintf("refund_claim:%d", len(ids))); err != nil {
		return 0, 0, err
	}

	_, err = tx.NewUpdate().
		Model((*models.Contribution)(nil)).
		Set("status = ?", models.ContributionStatusRefunded).
		Set("refund_amount = amount").
		Set("refunded_at = ?", time.Now()).
		Set("updated_at = ?", time.Now()).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to mark claims refunded: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return total, len(ids), nil
}

func (r *contributionRepository) ProcessRequestedRefund(ctx context.Context, id int64, payoutRef string) (bool, error) {
	result, err := r.db.NewUpdate().
		Model((*models.Contribution)(nil)).
		Set("status = ?", models.ContributionStatusRefunded).
		Set("refund_proof = ?", payoutRef).
		Set("refunded_at = ?", time.Now()).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Where("status = ?", models.ContributionStatusRefundRequested).
		Exec(ctx)

	if err != nil {
		return false, fmt.Errorf("failed to process requested refund: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows > 0, nil
}

// MergeDuplicateActive collapses duplicate ledger-funded active stakes left
// behind by interrupted applies. The earliest row survives with the summed
// amount. Proof-funded rows are never touched; each proof stays on its own
// row.
func (r *contributionRepository) MergeDuplicateActive(ctx context.Context) (int64, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var contributions []*models.Contribution
	err = tx.NewSelect().
		Model(&contributions).
		Where("status = ?", models.ContributionStatusActive).
		Where("payment_proof IS NULL").
		Order("auction_id ASC", "contributor_id ASC", "created_at ASC").
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active contributions: %w", err)
	}

	type stakeKey struct {
		auctionID     int64
		contributorID string
	}

	keepers := make(map[stakeKey]*models.Contribution)
	extra := make(map[stakeKey][]*models.Contribution)
	for _, c := range contributions {
		key := stakeKey{c.AuctionID, c.ContributorID}
		if _, ok := keepers[key]; !ok {
			keepers[key] = c
			continue
		}
		extra[key] = append(extra[key], c)
	}

	var merged int64
	for key, dupes := range extra {
		keeper := keepers[key]
		var sum int64
		ids := make([]int64, len(dupes))
		for i, d := range dupes {
			sum += d.Amount
			ids[i] = d.ID
		}

		_, err = tx.NewUpdate().
			Model((*models.Contribution)(nil)).
			Set("amount = amount + ?", sum).
			Set("updated_at = ?", time.Now()).
			Where("id = ?", keeper.ID).
			Exec(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to merge duplicate stakes: %w", err)
		}

		_, err = tx.NewDelete().
			Model((*models.Contribution)(nil)).
			Where("id IN (?)", bun.In(ids)).
			Exec(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to delete duplicate stakes: %w", err)
		}
		merged += int64(len(ids))
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return merged, nil
}

// ReconcilePoolTotals recomputes pool_total of every bidding auction from
// its surviving stakes.
func (r *contributionRepository) ReconcilePoolTotals(ctx context.Context) (int64, error) {
	result, err := r.db.NewUpdate().
		Model((*models.Auction)(nil)).
		TableExpr("(SELECT auction_id, SUM(amount) AS total FROM contributions WHERE status IN ('active', 'won') GROUP BY auction_id) AS pools").
		Set("pool_total = pools.total").
		Where("a.id = pools.auction_id").
		Where("a.status = ?", models.AuctionStatusBidding).
		Where("a.pool_total != pools.total").
		Exec(ctx)

	if err != nil {
		return 0, fmt.Errorf("failed to reconcile pool totals: %w", err)
	}
	return result.RowsAffected()
}
