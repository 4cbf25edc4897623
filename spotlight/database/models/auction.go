package models

import (
	"time"

	"github.com/uptrace/bun"
)

type AuctionStatus string

const (
	AuctionStatusBidding        AuctionStatus = "bidding"
	AuctionStatusPendingFeature AuctionStatus = "pending_feature"
	AuctionStatusActive         AuctionStatus = "active"
	AuctionStatusCompleted      AuctionStatus = "completed"
)

// Auction is one pooled bidding window for a single content item. Exactly
// one non-completed auction may exist per content hash at a time.
type Auction struct {
	bun.BaseModel `bun:"table:auctions,alias:a"`

	ID                int64         `bun:"id,pk,autoincrement"`
	ContentHash       string        `bun:"content_hash,notnull"`
	ContentURL        string        `bun:"content_url"`
	ContentText       string        `bun:"content_text"`
	AuthorID          string        `bun:"author_id"`
	AuthorName        string        `bun:"author_name"`
	AuthorAvatar      string        `bun:"author_avatar"`
	PoolTotal         int64         `bun:"pool_total,notnull,default:0"`
	LastContributorID string        `bun:"last_contributor_id"`
	Status            AuctionStatus `bun:"status,notnull"`
	WindowStartedAt   time.Time     `bun:"window_started_at,notnull"`
	WindowEndsAt      time.Time     `bun:"window_ends_at,notnull"`

	WinnerID      string    `bun:"winner_id"`
	WinningAmount int64     `bun:"winning_amount"`
	FeatureStarts time.Time `bun:"feature_starts_at,nullzero"`
	FeatureEnds   time.Time `bun:"feature_ends_at,nullzero"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// Open reports whether the auction still accepts contributions.
func (a *Auction) Open(now time.Time) bool {
	return a.Status == AuctionStatusBidding && now.Before(a.WindowEndsAt)
}
