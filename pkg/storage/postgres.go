// Package storage provides the durable stores behind the exchange engine:
// a Postgres store for production and an embedded Pebble store for devnet
// and tests. Both satisfy exchange.Store; driver errors are mapped to the
// exchange sentinels at this boundary.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/baisefuel/wintochka/pkg/exchange"
)

// PostgresStore backs the engine with a relational store. Balance
// mutations are single guarded UPDATE statements, so concurrent callers
// serialize on the row at the database without application locks;
// candidate selection locks order rows with FOR UPDATE for the duration
// of a match attempt.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *zap.SugaredLogger
}

func NewPostgresStore(ctx context.Context, databaseURL string, log *zap.SugaredLogger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, log: log}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// RunInTx executes fn inside one transaction. Serialization failures and
// deadlocks surface as exchange.ErrConflict so the retry coordinator can
// re-run the whole operation; everything else propagates unmodified.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx exchange.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapPgError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	committed = true
	return nil
}

// mapPgError translates driver errors to the shared sentinels. SQLSTATE
// 40001 (serialization_failure) and 40P01 (deadlock_detected) are the
// transient conflicts the retry coordinator recovers from; 23505 is a
// unique violation.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", exchange.ErrConflict, pgErr.Code)
		case "23505":
			return fmt.Errorf("%w: %s", exchange.ErrDuplicate, pgErr.ConstraintName)
		}
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

// AdjustBalance is the single-statement conditional update at the heart
// of the ledger: both deltas apply in one UPDATE whose WHERE clause is the
// non-negativity guard, with the affected-row count reporting the outcome.
func (t *pgTx) AdjustBalance(ctx context.Context, userID uuid.UUID, asset string, availDelta, reservedDelta int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE balances
		SET available = available + $3, reserved = reserved + $4
		WHERE user_id = $1 AND asset = $2
		  AND available + $3 >= 0 AND reserved + $4 >= 0
	`, userID, asset, availDelta, reservedDelta)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) CreditBalance(ctx context.Context, userID uuid.UUID, asset string, amount int64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO balances (user_id, asset, available, reserved)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (user_id, asset)
		DO UPDATE SET available = balances.available + EXCLUDED.available
	`, userID, asset, amount)
	return err
}

func (t *pgTx) DeleteBalanceIfZero(ctx context.Context, userID uuid.UUID, asset string) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM balances
		WHERE user_id = $1 AND asset = $2 AND available = 0 AND reserved = 0
	`, userID, asset)
	return err
}

func (t *pgTx) GetBalance(ctx context.Context, userID uuid.UUID, asset string) (exchange.Balance, error) {
	b := exchange.Balance{UserID: userID, Asset: asset}
	err := t.tx.QueryRow(ctx, `
		SELECT available, reserved FROM balances WHERE user_id = $1 AND asset = $2
	`, userID, asset).Scan(&b.Available, &b.Reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil // absent row reads as (0, 0)
	}
	return b, err
}

func (t *pgTx) ListBalances(ctx context.Context, userID uuid.UUID) ([]exchange.Balance, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT asset, available, reserved FROM balances WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []exchange.Balance
	for rows.Next() {
		b := exchange.Balance{UserID: userID}
		if err := rows.Scan(&b.Asset, &b.Available, &b.Reserved); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const orderColumns = `id, user_id, ticker, side, qty, price, filled, status, created_at`

func scanOrder(row pgx.Row) (*exchange.Order, error) {
	var o exchange.Order
	err := row.Scan(&o.ID, &o.UserID, &o.Ticker, &o.Side, &o.Qty, &o.Price, &o.Filled, &o.Status, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, exchange.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *exchange.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, ticker, side, qty, price, filled, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, o.ID, o.UserID, o.Ticker, o.Side, o.Qty, o.Price, o.Filled, o.Status, o.CreatedAt)
	return err
}

func (t *pgTx) GetOrder(ctx context.Context, id uuid.UUID) (*exchange.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*exchange.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *exchange.Order) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders SET filled = $2, status = $3 WHERE id = $1
	`, o.ID, o.Filled, o.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("order %s: %w", o.ID, exchange.ErrNotFound)
	}
	return nil
}

func (t *pgTx) listOrders(ctx context.Context, query string, args ...any) ([]exchange.Order, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []exchange.Order
	for rows.Next() {
		var o exchange.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Ticker, &o.Side, &o.Qty, &o.Price, &o.Filled, &o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *pgTx) ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]exchange.Order, error) {
	return t.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
}

func (t *pgTx) ListOpenOrders(ctx context.Context, ticker string) ([]exchange.Order, error) {
	return t.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE ticker = $1 AND status IN ('NEW', 'PARTIALLY_EXECUTED') AND filled < qty
	`, ticker)
}

func (t *pgTx) ListOpenOrdersByUser(ctx context.Context, userID uuid.UUID) ([]exchange.Order, error) {
	return t.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1 AND status IN ('NEW', 'PARTIALLY_EXECUTED') AND filled < qty
	`, userID)
}

// LockCounterOrders row-locks the price-compatible resting candidates.
// No ORDER BY: the matcher imposes price-time priority itself, and an
// unordered lock set keeps the query plan simple.
func (t *pgTx) LockCounterOrders(ctx context.Context, ticker string, side exchange.Side, priceLimit *int64) ([]*exchange.Order, error) {
	query := `
		SELECT ` + orderColumns + ` FROM orders
		WHERE ticker = $1 AND side = $2
		  AND status IN ('NEW', 'PARTIALLY_EXECUTED') AND filled < qty`
	args := []any{ticker, side}
	if priceLimit != nil {
		if side == exchange.Sell {
			query += ` AND price <= $3`
		} else {
			query += ` AND price >= $3`
		}
		args = append(args, *priceLimit)
	}
	query += ` FOR UPDATE`

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*exchange.Order
	for rows.Next() {
		var o exchange.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Ticker, &o.Side, &o.Qty, &o.Price, &o.Filled, &o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *exchange.Trade) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO trades (order_id, ticker, qty, price, executed_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, tr.OrderID, tr.Ticker, tr.Qty, tr.Price, tr.Timestamp).Scan(&tr.ID)
}

func (t *pgTx) ListTrades(ctx context.Context, ticker string, limit int) ([]exchange.Trade, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, ticker, qty, price, executed_at FROM trades
		WHERE ticker = $1 ORDER BY executed_at DESC, id DESC LIMIT $2
	`, ticker, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []exchange.Trade
	for rows.Next() {
		var tr exchange.Trade
		if err := rows.Scan(&tr.ID, &tr.OrderID, &tr.Ticker, &tr.Qty, &tr.Price, &tr.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertInstrument(ctx context.Context, in *exchange.Instrument) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO instruments (ticker, name, active) VALUES ($1, $2, $3)
	`, in.Ticker, in.Name, in.Active)
	return mapPgError(err)
}

func (t *pgTx) GetInstrument(ctx context.Context, ticker string) (*exchange.Instrument, error) {
	var in exchange.Instrument
	err := t.tx.QueryRow(ctx, `
		SELECT ticker, name, active FROM instruments WHERE ticker = $1
	`, ticker).Scan(&in.Ticker, &in.Name, &in.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, exchange.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (t *pgTx) SetInstrumentActive(ctx context.Context, ticker string, active bool) error {
	tag, err := t.tx.Exec(ctx, `UPDATE instruments SET active = $2 WHERE ticker = $1`, ticker, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("instrument %s: %w", ticker, exchange.ErrNotFound)
	}
	return nil
}

func (t *pgTx) ListInstruments(ctx context.Context, activeOnly bool) ([]exchange.Instrument, error) {
	query := `SELECT ticker, name, active FROM instruments`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY ticker`

	rows, err := t.tx.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []exchange.Instrument
	for rows.Next() {
		var in exchange.Instrument
		if err := rows.Scan(&in.Ticker, &in.Name, &in.Active); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertUser(ctx context.Context, u *exchange.User) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO users (id, name, role, api_key, active) VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.Name, u.Role, u.APIKey, u.Active)
	return mapPgError(err)
}

func scanUser(row pgx.Row) (*exchange.User, error) {
	var u exchange.User
	err := row.Scan(&u.ID, &u.Name, &u.Role, &u.APIKey, &u.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, exchange.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *pgTx) GetUser(ctx context.Context, id uuid.UUID) (*exchange.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `
		SELECT id, name, role, api_key, active FROM users WHERE id = $1
	`, id))
}

func (t *pgTx) GetUserByAPIKey(ctx context.Context, key string) (*exchange.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `
		SELECT id, name, role, api_key, active FROM users WHERE api_key = $1
	`, key))
}

func (t *pgTx) SetUserActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := t.tx.Exec(ctx, `UPDATE users SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("user %s: %w", id, exchange.ErrNotFound)
	}
	return nil
}
