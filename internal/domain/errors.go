package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure detail.
// Every failure returned by the economy core wraps exactly one of these.

var (
	// Ledger errors
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrUnknownAccount      = errors.New("unknown account")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different payload")

	// State machine errors
	ErrNotAuthorized = errors.New("actor not authorized for this transition")
	ErrInvalidState  = errors.New("invalid state for this operation")
	ErrNotFound      = errors.New("not found")

	// Creation-time constraint errors
	ErrInvalidAuction = errors.New("invalid auction")
	ErrInvalidTrade   = errors.New("invalid trade")
	ErrInvalidPromo   = errors.New("invalid promotion")

	// Storage errors
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Code returns the stable machine-readable code for err, or "internal"
// when err does not wrap a known sentinel.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, ErrIdempotencyConflict):
		return "idempotency_conflict"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidAuction):
		return "invalid_auction"
	case errors.Is(err, ErrInvalidTrade):
		return "invalid_trade"
	case errors.Is(err, ErrInvalidPromo):
		return "invalid_promotion"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "internal"
	}
}
