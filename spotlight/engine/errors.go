package engine

import "errors"

// Validation failures surfaced by Contribute and the refund operations. The
// web layer maps these onto HTTP status codes.
var (
	ErrAmountTooLow       = errors.New("contribution below minimum")
	ErrAmountTooHigh      = errors.New("contribution above maximum")
	ErrInvalidContentRef  = errors.New("missing or invalid content reference")
	ErrInvalidContributor = errors.New("missing contributor id")
	ErrPaymentRejected    = errors.New("payment proof verification failed")
	ErrNoPendingRefunds   = errors.New("no pending refunds to claim")
)
