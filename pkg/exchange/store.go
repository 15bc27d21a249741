package exchange

import (
	"context"

	"github.com/google/uuid"
)

// Store is the durable backing of the venue. Every engine operation runs
// inside exactly one transaction; RunInTx must roll back everything the
// callback did when it returns an error, and must surface serialization
// failures as ErrConflict so the retry coordinator can recognize them.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of operations available inside one transaction.
//
// Balance mutations are guard-conditioned: AdjustBalance applies both
// deltas in a single conditional statement and reports false when the
// guard (neither bucket may go negative) fails or the row is absent. The
// guard itself is the concurrency control; callers never read-then-write.
type Tx interface {
	// AdjustBalance atomically applies available += availDelta and
	// reserved += reservedDelta, guarded by both results staying >= 0.
	// Returns false without mutating anything when the guard fails.
	AdjustBalance(ctx context.Context, userID uuid.UUID, asset string, availDelta, reservedDelta int64) (bool, error)

	// CreditBalance upserts: creates the row with available = amount, or
	// adds amount to available. Never fails for a positive amount.
	CreditBalance(ctx context.Context, userID uuid.UUID, asset string, amount int64) error

	// DeleteBalanceIfZero removes the row when both buckets are zero.
	// Storage hygiene only; an absent row already reads as (0, 0).
	DeleteBalanceIfZero(ctx context.Context, userID uuid.UUID, asset string) error

	// GetBalance returns the row, or a zero-valued Balance when absent.
	GetBalance(ctx context.Context, userID uuid.UUID, asset string) (Balance, error)
	ListBalances(ctx context.Context, userID uuid.UUID) ([]Balance, error)

	InsertOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	// GetOrderForUpdate locks the order row for the rest of the
	// transaction so fill progress and cancellation cannot interleave.
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*Order, error)
	// UpdateOrder persists fill progress and status.
	UpdateOrder(ctx context.Context, o *Order) error
	ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]Order, error)
	// ListOpenOrders returns resting orders (status NEW or
	// PARTIALLY_EXECUTED, remaining > 0) for a ticker.
	ListOpenOrders(ctx context.Context, ticker string) ([]Order, error)
	ListOpenOrdersByUser(ctx context.Context, userID uuid.UUID) ([]Order, error)

	// LockCounterOrders returns resting orders on the given side of the
	// book that are price-compatible with priceLimit (counter price <=
	// limit when fetching sells, >= limit when fetching buys; nil accepts
	// any price), locked against concurrent match attempts. Row order is
	// NOT guaranteed; the matcher imposes price-time priority itself.
	LockCounterOrders(ctx context.Context, ticker string, side Side, priceLimit *int64) ([]*Order, error)

	InsertTrade(ctx context.Context, t *Trade) error
	// ListTrades returns up to limit trades for a ticker, most recent first.
	ListTrades(ctx context.Context, ticker string, limit int) ([]Trade, error)

	InsertInstrument(ctx context.Context, in *Instrument) error
	GetInstrument(ctx context.Context, ticker string) (*Instrument, error)
	SetInstrumentActive(ctx context.Context, ticker string, active bool) error
	ListInstruments(ctx context.Context, activeOnly bool) ([]Instrument, error)

	InsertUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByAPIKey(ctx context.Context, key string) (*User, error)
	SetUserActive(ctx context.Context, id uuid.UUID, active bool) error
}
