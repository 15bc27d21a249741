package exchange

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// Matcher walks the resting book under price-time priority and produces
// trades. It runs entirely inside the caller's transaction; the counter
// orders it touches are row-locked for the duration of the attempt.
type Matcher struct {
	settlement *Settlement
	log        *zap.SugaredLogger
}

func NewMatcher(settlement *Settlement, log *zap.SugaredLogger) *Matcher {
	return &Matcher{settlement: settlement, log: log}
}

// Match fills order against price-compatible resting counter-orders and
// finalizes the order's status. The incoming order must already be
// persisted with Filled = 0 and Status = NEW, with funds reserved for
// limit orders.
func (m *Matcher) Match(ctx context.Context, tx Tx, order *Order) ([]*Trade, error) {
	candidates, err := tx.LockCounterOrders(ctx, order.Ticker, order.Side.Opposite(), order.Price)
	if err != nil {
		return nil, err
	}
	sortByPriceTime(candidates, order.Side)

	var trades []*Trade
	for _, counter := range candidates {
		if order.Remaining() <= 0 {
			break
		}
		if counter.Remaining() <= 0 {
			continue
		}
		if counter.Price == nil {
			// A resting order must carry a price; a market order can
			// never rest. Skip and flag rather than match at nothing.
			m.log.Errorw("resting_order_without_price",
				"order_id", counter.ID, "ticker", counter.Ticker)
			continue
		}

		qty := order.Remaining()
		if counter.Remaining() < qty {
			qty = counter.Remaining()
		}

		// The resting order's price sets the execution price; price
		// improvement accrues to the taker.
		trade, err := m.settlement.Execute(ctx, tx, order, counter, qty, *counter.Price)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)

		order.Filled += qty
		counter.Filled += qty
		if counter.Remaining() == 0 {
			counter.Status = StatusExecuted
		} else {
			counter.Status = StatusPartiallyExecuted
		}
		if err := tx.UpdateOrder(ctx, counter); err != nil {
			return nil, err
		}
	}

	finalizeStatus(order)
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	return trades, nil
}

// finalizeStatus applies the terminal rules after the walk: a fully filled
// order is EXECUTED; a limit order rests (PARTIALLY_EXECUTED or NEW); a
// market order never rests — its unfilled remainder evaporates, leaving it
// CANCELLED on zero fill and PARTIALLY_EXECUTED otherwise.
func finalizeStatus(order *Order) {
	switch {
	case order.Remaining() == 0:
		order.Status = StatusExecuted
	case order.IsLimit():
		if order.Filled > 0 {
			order.Status = StatusPartiallyExecuted
		} else {
			order.Status = StatusNew
		}
	case order.Filled > 0:
		order.Status = StatusPartiallyExecuted
	default:
		order.Status = StatusCancelled
	}
}

// sortByPriceTime imposes the matching order deterministically: best price
// for the taker first (ascending counter price for a buying taker,
// descending for a selling one), then strict FIFO by creation time. The
// store makes no ordering promise, so the sort always runs here.
func sortByPriceTime(orders []*Order, takerSide Side) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		ap, bp := priceOf(a), priceOf(b)
		if ap != bp {
			if takerSide == Buy {
				return ap < bp
			}
			return ap > bp
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

func priceOf(o *Order) int64 {
	if o.Price == nil {
		return 0
	}
	return *o.Price
}
