// Package errs defines the engine's error taxonomy (spec §7). Callers use
// errors.Is/As against these sentinels rather than matching on strings.
package errs

import "errors"

var (
	// ErrValidation covers malformed inputs: bad price grid, unknown
	// outcome, empty identifiers, expiry in the past, unknown market.
	// Reported to the caller; nothing is persisted; never retried.
	ErrValidation = errors.New("validation error")

	// ErrInsufficientFunds is returned when the reservation step fails.
	// Reported to the caller; nothing is persisted; never retried.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotAuthorized is returned on a cancel attempted by a non-owner.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotFound is returned for operations on a missing order or trade.
	ErrNotFound = errors.New("not found")

	// ErrComplementaryPriceViolation guards against a late race where
	// price+maker.price exceeds 100000; the order falls through to resting
	// instead of being matched complementarily.
	ErrComplementaryPriceViolation = errors.New("complementary price violation")

	// ErrSettlementFailure covers an external contract call failure, or a
	// swap's step B failing after step A committed.
	ErrSettlementFailure = errors.New("settlement failure")

	// ErrSettlementStuck marks an atomic swap whose compensating rollback
	// itself failed: manual intervention is required.
	ErrSettlementStuck = errors.New("settlement stuck, manual intervention required")

	// ErrBridgeVerifyFailure covers signature/format/replay/rate-limit/
	// whitelist/emergency-pause rejections in the cross-chain verifier.
	ErrBridgeVerifyFailure = errors.New("bridge verify failure")

	// ErrTransient covers nonce collisions and RPC timeouts; callers retry
	// with bounded exponential backoff before escalating.
	ErrTransient = errors.New("transient error")
)
