package exchange

import "errors"

// Engine error taxonomy. Callers branch on these with errors.Is; the API
// layer maps them to response codes.
var (
	// ErrInsufficientBalance rejects a request that asks for more funds
	// than the available bucket holds. User-caused, never retried.
	ErrInsufficientBalance = errors.New("insufficient available balance")

	// ErrReservationMismatch means the reserved bucket disagrees with the
	// engine's own reservation accounting. This is an integrity fault, not
	// a user error: it is logged critical and propagated.
	ErrReservationMismatch = errors.New("reserved balance mismatch")

	// ErrAlreadyTerminal rejects cancellation of an executed or cancelled order.
	ErrAlreadyTerminal = errors.New("order already executed or cancelled")

	ErrOrderNotFound      = errors.New("order not found")
	ErrUnknownInstrument  = errors.New("unknown instrument")
	ErrInstrumentInactive = errors.New("instrument is not active")
	ErrUnknownUser        = errors.New("unknown user")
	ErrUserInactive       = errors.New("user is not active")
	ErrInvalidOrder       = errors.New("invalid order parameters")

	// ErrRetriesExhausted surfaces a write conflict that survived the full
	// retry budget. The caller must resubmit.
	ErrRetriesExhausted = errors.New("write conflict retries exhausted")
)

// Store-level sentinels. Implementations in pkg/storage map their driver
// errors onto these at the boundary; nothing above the store ever inspects
// a driver error directly.
var (
	// ErrNotFound reports a missing row where presence was required.
	ErrNotFound = errors.New("not found")

	// ErrConflict reports a transient serialization failure or deadlock
	// between two concurrent transactions. Only the retry coordinator
	// handles it; everything else propagates it untouched.
	ErrConflict = errors.New("write conflict")

	// ErrDuplicate reports a unique-constraint violation.
	ErrDuplicate = errors.New("duplicate key")
)
