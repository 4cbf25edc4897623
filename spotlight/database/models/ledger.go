package models

import (
	"time"

	"github.com/uptrace/bun"
)

type LedgerEntryKind string

const (
	LedgerEntryContribution LedgerEntryKind = "contribution"
	LedgerEntryRefund       LedgerEntryKind = "refund"
	LedgerEntryAdminCredit  LedgerEntryKind = "admin_credit"
)

// LedgerAccount holds a contributor's spendable credit balance.
type LedgerAccount struct {
	bun.BaseModel `bun:"table:ledger_accounts,alias:la"`

	ContributorID string    `bun:"contributor_id,pk"`
	Balance       int64     `bun:"balance,notnull,default:0"`
	LifetimeSpent int64     `bun:"lifetime_spent,notnull,default:0"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// LedgerTransaction is an append-only record of a balance movement. Amount
// is negative for debits, positive for credits.
type LedgerTransaction struct {
	bun.BaseModel `bun:"table:ledger_transactions,alias:lt"`

	ID            string          `bun:"id,pk"`
	ContributorID string          `bun:"contributor_id,notnull"`
	Amount        int64           `bun:"amount,notnull"`
	Kind          LedgerEntryKind `bun:"kind,notnull"`
	Reference     string          `bun:"reference"`
	BalanceBefore int64           `bun:"balance_before,notnull"`
	BalanceAfter  int64           `bun:"balance_after,notnull"`
	CreatedAt     time.Time       `bun:"created_at,notnull,default:current_timestamp"`
}
