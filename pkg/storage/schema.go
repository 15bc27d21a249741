package storage

import "context"

// ensureSchema bootstraps the tables on startup. Idempotent; the CHECK
// constraints back the ledger's non-negativity invariant at the lowest
// level even if a future code path bypasses the guarded update.
func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id       UUID PRIMARY KEY,
			name     TEXT NOT NULL,
			role     TEXT NOT NULL,
			api_key  TEXT NOT NULL UNIQUE,
			active   BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS instruments (
			ticker   TEXT PRIMARY KEY,
			name     TEXT NOT NULL,
			active   BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS balances (
			user_id   UUID NOT NULL REFERENCES users (id) ON DELETE CASCADE,
			asset     TEXT NOT NULL,
			available BIGINT NOT NULL DEFAULT 0 CHECK (available >= 0),
			reserved  BIGINT NOT NULL DEFAULT 0 CHECK (reserved >= 0),
			PRIMARY KEY (user_id, asset)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id         UUID PRIMARY KEY,
			user_id    UUID NOT NULL REFERENCES users (id) ON DELETE CASCADE,
			ticker     TEXT NOT NULL REFERENCES instruments (ticker) ON DELETE CASCADE,
			side       TEXT NOT NULL,
			qty        BIGINT NOT NULL CHECK (qty > 0),
			price      BIGINT,
			filled     BIGINT NOT NULL DEFAULT 0 CHECK (filled >= 0 AND filled <= qty),
			status     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS orders_book_idx
			ON orders (ticker, side, status) WHERE status IN ('NEW', 'PARTIALLY_EXECUTED')`,
		`CREATE INDEX IF NOT EXISTS orders_user_idx ON orders (user_id)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id          BIGSERIAL PRIMARY KEY,
			order_id    UUID NOT NULL REFERENCES orders (id) ON DELETE CASCADE,
			ticker      TEXT NOT NULL,
			qty         BIGINT NOT NULL CHECK (qty > 0),
			price       BIGINT NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS trades_ticker_idx ON trades (ticker, executed_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
