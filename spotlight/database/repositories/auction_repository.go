package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/castboard/spotlight/spotlight/database/models"
	"github.com/uptrace/bun"
)

type AuctionRepository interface {
	Create(ctx context.Context, auction *models.Auction) error
	GetByID(ctx context.Context, id int64) (*models.Auction, error)
	GetOpenByContent(ctx context.Context, contentHash string) (*models.Auction, error)
	ListOpenRanked(ctx context.Context) ([]*models.Auction, error)
	ListExpiredBidding(ctx context.Context, now time.Time) ([]*models.Auction, error)
	ListByStatus(ctx context.Context, status models.AuctionStatus) ([]*models.Auction, error)
	ListExpiredFeatures(ctx context.Context, now time.Time) ([]*models.Auction, error)
	MarkPendingFeature(ctx context.Context, id int64, winnerID string, winningAmount int64) (bool, error)
	MarkActive(ctx context.Context, id int64, start, end time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id int64, from models.AuctionStatus) (bool, error)
	RecycleWindow(ctx context.Context, id int64, start, end time.Time) (bool, error)
	RealignWindows(ctx context.Context, end time.Time) (int64, error)
	MarkAbandoned(ctx context.Context, cutoff time.Time) (int64, error)
	CompleteOrphanActive(ctx context.Context, liveIDs []int64) (int64, error)
}

type auctionRepository struct {
	db *bun.DB
}

func NewAuctionRepository(db *bun.DB) AuctionRepository {
	return &auctionRepository{db: db}
}

func (r *auctionRepository) Create(ctx context.Context, auction *models.Auction) error {
	auction.CreatedAt = time.Now()
	auction.UpdatedAt = time.Now()
	auction.Status = models.AuctionStatusBidding
	auction.PoolTotal = 0

	_, err := r.db.NewInsert().Model(auction).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create auction: %w", err)
	}
	return nil
}

func (r *auctionRepository) GetByID(ctx context.Context, id int64) (*models.Auction, error) {
	auction := new(models.Auction)
	err := r.db.NewSelect().
		Model(auction).
		Where("id = ?", id).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	return auction, nil
}

func (r *auctionRepository) GetOpenByContent(ctx context.Context, contentHash string) (*models.Auction, error) {
	auction := new(models.Auction)
	err := r.db.NewSelect().
		Model(auction).
		Where("content_hash = ?", contentHash).
		Where("status IN (?)", bun.In([]models.AuctionStatus{
			models.AuctionStatusBidding,
			models.AuctionStatusPendingFeature,
			models.AuctionStatusActive,
		})).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get open auction: %w", err)
	}
	return auction, nil
}

func (r *auctionRepository) ListOpenRanked(ctx context.Context) ([]*models.Auction, error) {
	var auctions []*models.Auction

	err := r.db.NewSelect().
		Model(&auctions).
		Where("status = ?", models.AuctionStatusBidding).
		Order("pool_total DESC", "created_at ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("failed to list open auctions: %w", err)
	}
	return auctions, nil
}

func (r *auctionRepository) ListExpiredBidding(ctx context.Context, now time.Time) ([]*models.Auction, error) {
	var auctions []*models.Auction

	err := r.db.NewSelect().
		Model(&auctions).
		Where("status = ?", models.AuctionStatusBidding).
		Where("window_ends_at <= ?", now).
		Order("pool_total DESC", "created_at ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("failed to list expired auctions: %w", err)
	}
	return auctions, nil
}

func (r *auctionRepository) ListByStatus(ctx context.Context, status models.AuctionStatus) ([]*models.Auction, error) {
	var auctions []*models.Auction

	err := r.db.NewSelect().
		Model(&auctions).
		Where("status = ?", status).
		Order("created_at ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("failed to list auctions by status: %w", err)
	}
	return auctions, nil
}

func (r *auctionRepository) ListExpiredFeatures(ctx context.Context, now time.Time) ([]*models.Auction, error) {
	var auctions []*models.Auction

	err := r.db.NewSelect().
		Model(&auctions).
		Where("status = ?", models.AuctionStatusActive).
		Where("feature_ends_at <= ?", now).
		Order("feature_ends_at ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("failed to list expired features: %w", err)
	}
	return auctions, nil
}

// MarkPendingFeature promotes a bidding auction to pending_feature. Returns
// false when the auction already moved on, which makes tick retries safe.
func (r *auctionRepository) MarkPendingFeature(ctx context.Context, id int64, winnerID string, winningAmount int64) (bool, error) {
	result, err := r.db.NewUpdate().
		Model((*models.Auction)(nil)).
		Set("status = ?", models.AuctionStatusPendingFeature).
		Set("winner_id = ?", winnerID).
		Set("winning_amount = ?", winningAmount).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Where("status = ?", models.AuctionStatusBidding).
		Exec(ctx)

	if err != nil {
		return false, fmt.Errorf("failed to mark auction pending feature: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows > 0, nil
}

func (r *auctionRepository) MarkActive(ctx context.Context, id int64, start, end time.Time) (bool, error) {
	result, err := r.db.NewUpdate().
		Model((*models.Auction)(nil)).
		Set("status = ?", models.AuctionStatusActive).
		Set("feature_starts_at = ?", start).
		Set("feature_ends_at = ?", end).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Where("status = ?", models.AuctionStatusPendingFeature).
		Exec(ctx)

	if err != nil {
		return false, fmt.Errorf("failed to mark auction active: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows > 0, nil
}

func (r *auctionRepository) MarkCompleted(ctx context.Context, id int64, from models.AuctionStatus) (bool, error) {
	result, err := r.db.NewUpdate().
		Model((*models.Auction)(nil)).
		Set("status = ?", models.AuctionStatusCompleted).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Where("status = ?", from).
		Exec(ctx)

	if err != nil {
		return false, fmt.Errorf("failed to complete auction: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows > 0 {
		slog.Info("Auction completed",
			slog.String("type", "db"),
			slog.Int64("auction_id", id),
			slog.String("old_status", string(from)))
	}
	return rows > 0, nil
}

// RecycleWindow restarts the bidding window of an empty expired auction.
func (r *auctionRepository) RecycleWindow(ctx context.Context, id int64, start, end time.Time) (bool, error) {
	result, err := r.db.NewUpdate().
		Model((*models.Auction)(nil)).
		Set("window_started_at = ?", start).
		Set("window_ends_at = ?", end).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", id).
		Where("status = ?", models.AuctionStatusBidding).
		Where("pool_total = 0").
		Exec(ctx)

	if err != nil {
		return false, fmt.Errorf("failed to recycle auction window: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows > 0, nil
}

func (r *auctionRepository) RealignWindows(ctx context.Context, end time.Time) (int64, error) {
	result, err := r.db.NewUpdate().
		Model((*models.Auction)(nil)).
		Set("window_ends_at = ?", end).
		Set("updated_at = ?", time.Now()).
		Where("status = ?", models.AuctionStatusBidding).
		Where("window_ends_at != ?", end).
		Exec(ctx)

	if err != nil {
		return 0, fmt.Errorf("failed to realign auction windows: %w", err)
	}
	return result.RowsAffected()
}

// MarkAbandoned retires empty bidding auctions that have been recycled past
// the cutoff without attracting a single contribution.
func (r *auctionRepository) MarkAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.NewUpdate().
		Model((*models.Auction)(nil)).
		Set("status = ?", models.AuctionStatusCompleted).
		Set("updated_at = ?", time.Now()).
		Where("status = ?", models.AuctionStatusBidding).
		Where("pool_total = 0").
		Where("created_at < ?", cutoff).
		Exec(ctx)

	if err != nil {
		return 0, fmt.Errorf("failed to mark abandoned auctions: %w", err)
	}
	return result.RowsAffected()
}

// CompleteOrphanActive completes active auctions that no live featured slot
// references anymore.
func (r *auctionRepository) CompleteOrphanActive(ctx context.Context, liveIDs []int64) (int64, error) {
	query := r.db.NewUpdate().
		Model((*models.Auction)(nil)).
		Set("status = ?", models.AuctionStatusCompleted).
		Set("updated_at = ?", time.Now()).
		Where("status = ?", models.AuctionStatusActive)

	if len(liveIDs) > 0 {
		query = query.Where("id NOT IN (?)", bun.In(liveIDs))
	}

	result, err := query.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to complete orphan auctions: %w", err)
	}
	return result.RowsAffected()
}
