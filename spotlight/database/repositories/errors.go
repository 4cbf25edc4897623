package repositories

import "errors"

// Storage-level failures surfaced to callers. The engine and the web layer
// match on these with errors.Is.
var (
	ErrNotFound              = errors.New("record not found")
	ErrAuctionClosed         = errors.New("auction window is closed")
	ErrInsufficientBalance   = errors.New("insufficient ledger balance")
	ErrDuplicatePaymentProof = errors.New("payment proof already used")
	ErrRefundNotEligible     = errors.New("contribution is not eligible for refund")
)
