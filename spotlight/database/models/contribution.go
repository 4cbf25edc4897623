package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ContributionStatus string

const (
	ContributionStatusActive          ContributionStatus = "active"
	ContributionStatusWon             ContributionStatus = "won"
	ContributionStatusLost            ContributionStatus = "lost"
	ContributionStatusPendingRefund   ContributionStatus = "pending_refund"
	ContributionStatusRefundRequested ContributionStatus = "refund_requested"
	ContributionStatusRefunded        ContributionStatus = "refunded"
)

// Contribution is a single contributor's stake in an auction pool. Repeat
// contributions by the same contributor merge into one active row.
type Contribution struct {
	bun.BaseModel `bun:"table:contributions,alias:c"`

	ID            int64              `bun:"id,pk,autoincrement"`
	AuctionID     int64              `bun:"auction_id,notnull"`
	ContributorID string             `bun:"contributor_id,notnull"`
	Amount        int64              `bun:"amount,notnull"`
	Status        ContributionStatus `bun:"status,notnull"`
	PaymentProof  string             `bun:"payment_proof,nullzero"`

	RefundAmount int64     `bun:"refund_amount"`
	RefundProof  string    `bun:"refund_proof"`
	RefundedAt   time.Time `bun:"refunded_at,nullzero"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// ExternallyFunded reports whether the stake was paid by an external
// transfer rather than ledger balance. Those cannot be refunded by an
// internal credit.
func (c *Contribution) ExternallyFunded() bool {
	return c.PaymentProof != ""
}
