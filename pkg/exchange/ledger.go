package exchange

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger is the only component that mutates balance rows. Every mutation
// goes through Tx.AdjustBalance's guarded single-statement update, so two
// concurrent operations on the same (user, asset) key serialize at the
// store without the ledger holding any lock across round trips.
type Ledger struct {
	log *zap.SugaredLogger
}

func NewLedger(log *zap.SugaredLogger) *Ledger {
	return &Ledger{log: log}
}

// Reserve moves amount from available to reserved. A non-positive amount
// is a no-op. Fails with ErrInsufficientBalance when available < amount
// (including when no row exists).
func (l *Ledger) Reserve(ctx context.Context, tx Tx, userID uuid.UUID, asset string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	ok, err := tx.AdjustBalance(ctx, userID, asset, -amount, amount)
	if err != nil {
		return fmt.Errorf("reserve %d %s: %w", amount, asset, err)
	}
	if !ok {
		l.log.Warnw("reserve_rejected",
			"user_id", userID, "asset", asset, "amount", amount)
		return fmt.Errorf("reserve %d %s for %s: %w", amount, asset, userID, ErrInsufficientBalance)
	}
	return nil
}

// Unreserve moves amount from reserved back to available. A guard failure
// here means the caller's own reservation accounting was wrong, so it is
// reported as ErrReservationMismatch rather than a user error.
func (l *Ledger) Unreserve(ctx context.Context, tx Tx, userID uuid.UUID, asset string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	ok, err := tx.AdjustBalance(ctx, userID, asset, amount, -amount)
	if err != nil {
		return fmt.Errorf("unreserve %d %s: %w", amount, asset, err)
	}
	if !ok {
		l.log.Errorw("unreserve_rejected_integrity_fault",
			"user_id", userID, "asset", asset, "amount", amount)
		return fmt.Errorf("unreserve %d %s for %s: %w", amount, asset, userID, ErrReservationMismatch)
	}
	return tx.DeleteBalanceIfZero(ctx, userID, asset)
}

// Credit adds amount to the available bucket, creating the row if needed.
func (l *Ledger) Credit(ctx context.Context, tx Tx, userID uuid.UUID, asset string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if err := tx.CreditBalance(ctx, userID, asset, amount); err != nil {
		return fmt.Errorf("credit %d %s: %w", amount, asset, err)
	}
	return nil
}

// Debit removes amount from one bucket. fromReserved selects the bucket;
// guard failures map to ErrReservationMismatch for the reserved bucket and
// ErrInsufficientBalance for the available one.
func (l *Ledger) Debit(ctx context.Context, tx Tx, userID uuid.UUID, asset string, amount int64, fromReserved bool) error {
	if amount <= 0 {
		return nil
	}
	var availDelta, reservedDelta int64
	if fromReserved {
		reservedDelta = -amount
	} else {
		availDelta = -amount
	}
	ok, err := tx.AdjustBalance(ctx, userID, asset, availDelta, reservedDelta)
	if err != nil {
		return fmt.Errorf("debit %d %s: %w", amount, asset, err)
	}
	if !ok {
		if fromReserved {
			l.log.Errorw("debit_reserved_rejected_integrity_fault",
				"user_id", userID, "asset", asset, "amount", amount)
			return fmt.Errorf("debit %d reserved %s for %s: %w", amount, asset, userID, ErrReservationMismatch)
		}
		l.log.Warnw("debit_rejected",
			"user_id", userID, "asset", asset, "amount", amount)
		return fmt.Errorf("debit %d %s for %s: %w", amount, asset, userID, ErrInsufficientBalance)
	}
	return tx.DeleteBalanceIfZero(ctx, userID, asset)
}
