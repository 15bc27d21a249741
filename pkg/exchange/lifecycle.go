package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baisefuel/wintochka/pkg/metrics"
	"github.com/baisefuel/wintochka/pkg/util"
)

// Config carries the engine's injected settings. The quote asset is
// configuration, not a process-wide constant: every instrument trades
// against it.
type Config struct {
	QuoteAsset string

	// Retry coordinator parameters: bounded attempts with jittered
	// exponential backoff on write conflicts. Data, not control flow.
	MaxAttempts    int
	RetryBaseDelay time.Duration

	// Book depth cap for GetOrderBook.
	BookDepthLimit int
}

// DefaultConfig mirrors params.Default() for direct engine construction in
// tests and tools.
func DefaultConfig() Config {
	return Config{
		QuoteAsset:     "RUB",
		MaxAttempts:    5,
		RetryBaseDelay: 20 * time.Millisecond,
		BookDepthLimit: 25,
	}
}

// Engine is the order lifecycle coordinator: it wraps one logical
// operation (submit-and-match, cancel, admin workflow) in a single
// all-or-nothing transaction and transparently retries the whole
// operation on write conflicts.
type Engine struct {
	store   Store
	cfg     Config
	ledger  *Ledger
	matcher *Matcher
	clock   util.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	// OnTrade, when set, observes every committed trade (market data
	// fanout). Called after the transaction commits, never inside it.
	OnTrade func(Trade)
}

func NewEngine(store Store, cfg Config, clock util.Clock, m *metrics.Metrics, log *zap.SugaredLogger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 20 * time.Millisecond
	}
	if cfg.BookDepthLimit <= 0 {
		cfg.BookDepthLimit = 25
	}
	ledger := NewLedger(log)
	settlement := NewSettlement(cfg.QuoteAsset, ledger, clock, log)
	return &Engine{
		store:   store,
		cfg:     cfg,
		ledger:  ledger,
		matcher: NewMatcher(settlement, log),
		clock:   clock,
		log:     log,
		metrics: m,
	}
}

// SubmitOrder validates, reserves, persists and matches a new order in one
// retried transaction. On success the returned order carries its final
// fill state and status. InsufficientBalance aborts the whole attempt: a
// rejected order is never visible as open.
func (e *Engine) SubmitOrder(ctx context.Context, userID uuid.UUID, ticker string, side Side, qty int64, price *int64) (*Order, []Trade, error) {
	if qty <= 0 {
		return nil, nil, fmt.Errorf("qty must be positive: %w", ErrInvalidOrder)
	}
	if price != nil && *price <= 0 {
		return nil, nil, fmt.Errorf("price must be positive: %w", ErrInvalidOrder)
	}
	// qty*price must not wrap: a wrapped cost would reserve less than the
	// order can spend and corrupt the reservation accounting downstream.
	if price != nil && qty > math.MaxInt64/(*price) {
		return nil, nil, fmt.Errorf("qty*price overflows: %w", ErrInvalidOrder)
	}
	if side != Buy && side != Sell {
		return nil, nil, fmt.Errorf("side %q: %w", side, ErrInvalidOrder)
	}

	var (
		order  *Order
		trades []Trade
	)
	err := e.runInTx(ctx, func(tx Tx) error {
		// Each attempt starts from scratch: the previous attempt's
		// rollback discarded everything, order row included.
		order = nil
		trades = trades[:0]

		if err := e.checkUserActive(ctx, tx, userID); err != nil {
			return err
		}
		if err := e.checkInstrumentActive(ctx, tx, ticker); err != nil {
			return err
		}

		o := &Order{
			ID:        uuid.New(),
			UserID:    userID,
			Ticker:    ticker,
			Side:      side,
			Qty:       qty,
			Price:     price,
			Status:    StatusNew,
			CreatedAt: e.clock.Now(),
		}

		// Limit orders hold their worst-case cost up front; market
		// orders reserve nothing because the cost is unknown until
		// matched.
		if o.IsLimit() {
			if o.Side == Buy {
				if err := e.ledger.Reserve(ctx, tx, userID, e.cfg.QuoteAsset, qty**price); err != nil {
					return err
				}
			} else {
				if err := e.ledger.Reserve(ctx, tx, userID, ticker, qty); err != nil {
					return err
				}
			}
		}

		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}

		matched, err := e.matcher.Match(ctx, tx, o)
		if err != nil {
			return err
		}
		for _, t := range matched {
			trades = append(trades, *t)
		}
		order = o
		return nil
	})
	if err != nil {
		e.metrics.OrderRejected()
		return nil, nil, err
	}

	e.metrics.OrderAccepted(len(trades))
	e.log.Infow("order_processed",
		"order_id", order.ID,
		"ticker", ticker,
		"side", side,
		"qty", qty,
		"filled", order.Filled,
		"status", order.Status,
		"trades", len(trades))
	e.notifyTrades(trades)
	return order, trades, nil
}

// CancelOrder releases the unmatched remainder's reservation and marks the
// order CANCELLED. A cancel that loses the race against a concurrent match
// surfaces ErrAlreadyTerminal; it never corrupts balances.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) error {
	return e.runInTx(ctx, func(tx Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		if order.UserID != userID {
			return ErrOrderNotFound
		}
		return e.cancelLocked(ctx, tx, order)
	})
}

// cancelLocked finalizes a row-locked order as CANCELLED, returning the
// reservation held for its unmatched remainder. Shared by user
// cancellation and the administrative teardown paths.
func (e *Engine) cancelLocked(ctx context.Context, tx Tx, order *Order) error {
	if order.Status.Terminal() {
		return fmt.Errorf("order %s is %s: %w", order.ID, order.Status, ErrAlreadyTerminal)
	}

	// A market order never rested, so nothing was reserved for it.
	if order.IsLimit() {
		remainder := order.Remaining()
		asset := order.Ticker
		amount := remainder
		if order.Side == Buy {
			asset = e.cfg.QuoteAsset
			amount = remainder * *order.Price
		}
		if err := e.ledger.Unreserve(ctx, tx, order.UserID, asset, amount); err != nil {
			// The reservation bookkeeping at submission time disagrees
			// with the cancellation-time computation.
			e.log.Errorw("cancel_unreserve_failed_integrity_fault",
				"order_id", order.ID, "asset", asset, "amount", amount, "err", err)
			return err
		}
	}

	order.Status = StatusCancelled
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return err
	}
	e.log.Infow("order_cancelled", "order_id", order.ID, "user_id", order.UserID)
	return nil
}

// runInTx executes fn in one store transaction, retrying the entire
// operation on write conflicts: full rollback, jittered exponential
// backoff, bounded attempts. Only ErrConflict is retried; every other
// error propagates on the first occurrence.
func (e *Engine) runInTx(ctx context.Context, fn func(tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.cfg.RetryBaseDelay << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(e.cfg.RetryBaseDelay)))
			e.metrics.ConflictRetry()
			e.log.Warnw("write_conflict_retry",
				"attempt", attempt, "backoff", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.clock.After(delay):
			}
		}

		start := e.clock.Now()
		err := e.store.RunInTx(ctx, fn)
		e.metrics.TxDuration(e.clock.Now().Sub(start))
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, e.cfg.MaxAttempts, lastErr)
}

func (e *Engine) checkUserActive(ctx context.Context, tx Tx, userID uuid.UUID) error {
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUnknownUser
		}
		return err
	}
	if !u.Active {
		return ErrUserInactive
	}
	return nil
}

func (e *Engine) checkInstrumentActive(ctx context.Context, tx Tx, ticker string) error {
	in, err := tx.GetInstrument(ctx, ticker)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUnknownInstrument
		}
		return err
	}
	if !in.Active {
		return ErrInstrumentInactive
	}
	return nil
}

func (e *Engine) notifyTrades(trades []Trade) {
	if e.OnTrade == nil {
		return
	}
	for _, t := range trades {
		e.OnTrade(t)
	}
}
