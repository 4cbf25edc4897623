package models

import (
	"time"

	"github.com/uptrace/bun"
)

// FeaturedSlot is one of the fixed display positions. There are exactly
// FeatureCapacity slot indexes; an inactive row means the index is free.
type FeaturedSlot struct {
	bun.BaseModel `bun:"table:featured_slots,alias:fs"`

	ID              int64     `bun:"id,pk,autoincrement"`
	SlotIndex       int       `bun:"slot_index,notnull"`
	ContentHash     string    `bun:"content_hash,notnull"`
	ContentURL      string    `bun:"content_url"`
	AuthorName      string    `bun:"author_name"`
	AuthorAvatar    string    `bun:"author_avatar"`
	SourceAuctionID int64     `bun:"source_auction_id,notnull"`
	Active          bool      `bun:"active,notnull,default:true"`
	AddedAt         time.Time `bun:"added_at,notnull"`

	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}
