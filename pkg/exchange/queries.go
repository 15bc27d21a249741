package exchange

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
)

// Read-side operations. Each runs in its own transaction for a consistent
// snapshot but takes no row locks.

// BalanceAmounts is the per-asset view returned by GetBalances.
type BalanceAmounts struct {
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
}

// GetBalances returns every non-empty balance row of the user. Absent
// assets read as zero by convention and are simply not listed.
func (e *Engine) GetBalances(ctx context.Context, userID uuid.UUID) (map[string]BalanceAmounts, error) {
	out := make(map[string]BalanceAmounts)
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		balances, err := tx.ListBalances(ctx, userID)
		if err != nil {
			return err
		}
		for _, b := range balances {
			out[b.Asset] = BalanceAmounts{Available: b.Available, Reserved: b.Reserved}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrderBook aggregates resting orders into price levels: bids best
// (highest) first, asks best (lowest) first, capped at depth levels per
// side (engine maximum applies when depth is zero or out of range).
func (e *Engine) GetOrderBook(ctx context.Context, ticker string, depth int) (*OrderBook, error) {
	if depth <= 0 || depth > e.cfg.BookDepthLimit {
		depth = e.cfg.BookDepthLimit
	}

	var open []Order
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		var err error
		open, err = tx.ListOpenOrders(ctx, ticker)
		return err
	})
	if err != nil {
		return nil, err
	}

	bidQty := make(map[int64]int64)
	askQty := make(map[int64]int64)
	for i := range open {
		o := &open[i]
		if o.Price == nil || o.Remaining() <= 0 {
			continue
		}
		if o.Side == Buy {
			bidQty[*o.Price] += o.Remaining()
		} else {
			askQty[*o.Price] += o.Remaining()
		}
	}

	book := &OrderBook{
		Ticker: ticker,
		Bids:   levelsOf(bidQty, true, depth),
		Asks:   levelsOf(askQty, false, depth),
	}
	return book, nil
}

func levelsOf(qtyByPrice map[int64]int64, descending bool, depth int) []Level {
	levels := make([]Level, 0, len(qtyByPrice))
	for price, qty := range qtyByPrice {
		levels = append(levels, Level{Price: price, Qty: qty})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	if len(levels) > depth {
		levels = levels[:depth]
	}
	return levels
}

// GetTrades returns up to limit trades for a ticker, most recent first.
func (e *Engine) GetTrades(ctx context.Context, ticker string, limit int) ([]Trade, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	var trades []Trade
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		var err error
		trades, err = tx.ListTrades(ctx, ticker, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// GetOrder returns one of the user's orders.
func (e *Engine) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*Order, error) {
	var order *Order
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return ErrNotFound
		}
		order = o
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// ListOrders returns all of the user's orders, newest first.
func (e *Engine) ListOrders(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	var orders []Order
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		var err error
		orders, err = tx.ListOrdersByUser(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// GetUserByAPIKey resolves an api key to its user (API authentication).
func (e *Engine) GetUserByAPIKey(ctx context.Context, key string) (*User, error) {
	var user *User
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		u, err := tx.GetUserByAPIKey(ctx, key)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, err
	}
	return user, nil
}

// ListInstruments returns the instrument catalog.
func (e *Engine) ListInstruments(ctx context.Context, activeOnly bool) ([]Instrument, error) {
	var instruments []Instrument
	err := e.store.RunInTx(ctx, func(tx Tx) error {
		var err error
		instruments, err = tx.ListInstruments(ctx, activeOnly)
		return err
	})
	if err != nil {
		return nil, err
	}
	return instruments, nil
}
