package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/castboard/spotlight/spotlight/database/models"
	"github.com/uptrace/bun"
)

type FeaturedSlotRepository interface {
	ListActive(ctx context.Context) ([]*models.FeaturedSlot, error)
	Place(ctx context.Context, slot *models.FeaturedSlot) error
	Deactivate(ctx context.Context, sourceAuctionID int64) (bool, error)
}

type featuredSlotRepository struct {
	db *bun.DB
}

func NewFeaturedSlotRepository(db *bun.DB) FeaturedSlotRepository {
	return &featuredSlotRepository{db: db}
}

func (r *featuredSlotRepository) ListActive(ctx context.Context) ([]*models.FeaturedSlot, error) {
	var slots []*models.FeaturedSlot
	err := r.db.NewSelect().
		Model(&slots).
		Where("active = true").
		Order("slot_index ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("failed to list featured slots: %w", err)
	}
	return slots, nil
}

// Place installs content at slot.SlotIndex, overwriting whatever currently
// occupies the index.
func (r *featuredSlotRepository) Place(ctx context.Context, slot *models.FeaturedSlot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.NewUpdate().
		Model((*models.FeaturedSlot)(nil)).
		Set("content_hash = ?", slot.ContentHash).
		Set("content_url = ?", slot.ContentURL).
		Set("author_name = ?", slot.AuthorName).
		Set("author_avatar = ?", slot.AuthorAvatar).
		Set("source_auction_id = ?", slot.SourceAuctionID).
		Set("added_at = ?", slot.AddedAt).
		Set("updated_at = ?", time.Now()).
		Where("slot_index = ?", slot.SlotIndex).
		Where("active = true").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update featured slot: %w", err)
	}

	if affected, _ := result.RowsAffected(); affected == 0 {
		slot.Active = true
		slot.UpdatedAt = time.Now()
		if _, err = tx.NewInsert().Model(slot).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert featured slot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Deactivate frees the slot displaying the given auction's content. Returns
// false when no live slot references it.
func (r *featuredSlotRepository) Deactivate(ctx context.Context, sourceAuctionID int64) (bool, error) {
	result, err := r.db.NewUpdate().
		Model((*models.FeaturedSlot)(nil)).
		Set("active = false").
		Set("updated_at = ?", time.Now()).
		Where("source_auction_id = ?", sourceAuctionID).
		Where("active = true").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate featured slot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows > 0, nil
}
