package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Administrative workflows. These reuse the same transaction and ledger
// discipline as the trading path; the cross-entity invariants (no open
// orders for a delisted ticker or deactivated user, no stranded balances)
// are enforced here, not by the matcher.

// RegisterUser creates a trader account with a generated api key.
func (e *Engine) RegisterUser(ctx context.Context, name string) (*User, error) {
	u := &User{
		ID:     uuid.New(),
		Name:   name,
		Role:   RoleUser,
		APIKey: fmt.Sprintf("key-%s", uuid.New()),
		Active: true,
	}
	err := e.runInTx(ctx, func(tx Tx) error {
		return tx.InsertUser(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	e.log.Infow("user_registered", "user_id", u.ID, "name", name)
	return u, nil
}

// DeactivateUser marks the user inactive, cancels every open order and
// zeroes out remaining balances, all in one transaction.
func (e *Engine) DeactivateUser(ctx context.Context, userID uuid.UUID) error {
	return e.runInTx(ctx, func(tx Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrUnknownUser
			}
			return err
		}
		if err := tx.SetUserActive(ctx, userID, false); err != nil {
			return err
		}

		open, err := tx.ListOpenOrdersByUser(ctx, userID)
		if err != nil {
			return err
		}
		for i := range open {
			locked, err := tx.GetOrderForUpdate(ctx, open[i].ID)
			if err != nil {
				return err
			}
			if locked.Status.Terminal() {
				continue
			}
			if err := e.cancelLocked(ctx, tx, locked); err != nil {
				return err
			}
		}

		// With all orders cancelled, every reservation is released;
		// whatever is left sits in available and can be swept.
		balances, err := tx.ListBalances(ctx, userID)
		if err != nil {
			return err
		}
		for _, b := range balances {
			if b.Reserved != 0 {
				e.log.Errorw("deactivate_stranded_reservation_integrity_fault",
					"user_id", userID, "asset", b.Asset, "reserved", b.Reserved)
				return fmt.Errorf("asset %s still has %d reserved: %w", b.Asset, b.Reserved, ErrReservationMismatch)
			}
			if err := e.ledger.Debit(ctx, tx, userID, b.Asset, b.Available, false); err != nil {
				return err
			}
		}
		e.log.Infow("user_deactivated", "user_id", userID, "orders_cancelled", len(open))
		return nil
	})
}

// Deposit credits a user's available balance.
func (e *Engine) Deposit(ctx context.Context, userID uuid.UUID, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive: %w", ErrInvalidOrder)
	}
	return e.runInTx(ctx, func(tx Tx) error {
		if err := e.checkUserActive(ctx, tx, userID); err != nil {
			return err
		}
		return e.ledger.Credit(ctx, tx, userID, asset, amount)
	})
}

// Withdraw debits a user's available balance; reserved funds stay put.
func (e *Engine) Withdraw(ctx context.Context, userID uuid.UUID, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be positive: %w", ErrInvalidOrder)
	}
	return e.runInTx(ctx, func(tx Tx) error {
		if err := e.checkUserActive(ctx, tx, userID); err != nil {
			return err
		}
		return e.ledger.Debit(ctx, tx, userID, asset, amount, false)
	})
}

// CreateInstrument lists a new ticker.
func (e *Engine) CreateInstrument(ctx context.Context, ticker, name string) error {
	err := e.runInTx(ctx, func(tx Tx) error {
		return tx.InsertInstrument(ctx, &Instrument{Ticker: ticker, Name: name, Active: true})
	})
	if err != nil {
		return err
	}
	e.log.Infow("instrument_listed", "ticker", ticker)
	return nil
}

// DelistInstrument deactivates the ticker and cancels all of its open
// orders so no reservation stays held against a dead market.
func (e *Engine) DelistInstrument(ctx context.Context, ticker string) error {
	return e.runInTx(ctx, func(tx Tx) error {
		if _, err := tx.GetInstrument(ctx, ticker); err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrUnknownInstrument
			}
			return err
		}
		if err := tx.SetInstrumentActive(ctx, ticker, false); err != nil {
			return err
		}

		open, err := tx.ListOpenOrders(ctx, ticker)
		if err != nil {
			return err
		}
		for i := range open {
			locked, err := tx.GetOrderForUpdate(ctx, open[i].ID)
			if err != nil {
				return err
			}
			if locked.Status.Terminal() {
				continue
			}
			if err := e.cancelLocked(ctx, tx, locked); err != nil {
				return err
			}
		}
		e.log.Infow("instrument_delisted", "ticker", ticker, "orders_cancelled", len(open))
		return nil
	})
}
