package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/baisefuel/wintochka/pkg/exchange"
)

// PebbleStore backs the engine with an embedded Pebble database for
// devnet and tests. Pebble has no conditional single-statement update, so
// this store uses the fallback concurrency discipline: one writer mutex
// imposes a total order over all transactions, which makes lost updates
// and lock cycles impossible by construction (and means it never reports
// exchange.ErrConflict). Each transaction stages its writes in an indexed
// batch — read-your-writes during the attempt, all-or-nothing commit.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{
		Cache:        pebble.NewCache(64 << 20),
		MemTableSize: 32 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) RunInTx(ctx context.Context, fn func(tx exchange.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewIndexedBatch()
	tx := &pebbleTx{batch: batch}
	if err := fn(tx); err != nil {
		_ = batch.Close()
		return err
	}
	return batch.Commit(pebble.Sync)
}

type pebbleTx struct {
	batch *pebble.Batch
}

// get loads and decodes one record, reporting found=false on a miss.
func (t *pebbleTx) get(key []byte, v any) (bool, error) {
	data, closer, err := t.batch.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	return true, decodeJSON(data, v)
}

func (t *pebbleTx) put(key []byte, v any) error {
	data, err := encodeJSON(v)
	if err != nil {
		return err
	}
	return t.batch.Set(key, data, nil)
}

type balanceRecord struct {
	Available int64 `json:"available"`
	Reserved  int64 `json:"reserved"`
}

func (t *pebbleTx) AdjustBalance(_ context.Context, userID uuid.UUID, asset string, availDelta, reservedDelta int64) (bool, error) {
	key := balanceKey(userID, asset)
	var rec balanceRecord
	if _, err := t.get(key, &rec); err != nil {
		return false, err
	}
	// Absent row reads as (0, 0); the guard below then decides.
	avail := rec.Available + availDelta
	reserved := rec.Reserved + reservedDelta
	if avail < 0 || reserved < 0 {
		return false, nil
	}
	return true, t.put(key, balanceRecord{Available: avail, Reserved: reserved})
}

func (t *pebbleTx) CreditBalance(_ context.Context, userID uuid.UUID, asset string, amount int64) error {
	key := balanceKey(userID, asset)
	var rec balanceRecord
	if _, err := t.get(key, &rec); err != nil {
		return err
	}
	rec.Available += amount
	return t.put(key, rec)
}

func (t *pebbleTx) DeleteBalanceIfZero(_ context.Context, userID uuid.UUID, asset string) error {
	key := balanceKey(userID, asset)
	var rec balanceRecord
	found, err := t.get(key, &rec)
	if err != nil {
		return err
	}
	if found && rec.Available == 0 && rec.Reserved == 0 {
		return t.batch.Delete(key, nil)
	}
	return nil
}

func (t *pebbleTx) GetBalance(_ context.Context, userID uuid.UUID, asset string) (exchange.Balance, error) {
	b := exchange.Balance{UserID: userID, Asset: asset}
	var rec balanceRecord
	if _, err := t.get(balanceKey(userID, asset), &rec); err != nil {
		return b, err
	}
	b.Available = rec.Available
	b.Reserved = rec.Reserved
	return b, nil
}

func (t *pebbleTx) ListBalances(_ context.Context, userID uuid.UUID) ([]exchange.Balance, error) {
	prefix := []byte("b/" + userID.String() + "/")
	iter, err := t.batch.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []exchange.Balance
	for iter.First(); iter.Valid(); iter.Next() {
		var rec balanceRecord
		if err := decodeJSON(iter.Value(), &rec); err != nil {
			return nil, err
		}
		out = append(out, exchange.Balance{
			UserID:    userID,
			Asset:     string(iter.Key()[len(prefix):]),
			Available: rec.Available,
			Reserved:  rec.Reserved,
		})
	}
	return out, iter.Error()
}

func orderIsOpen(o *exchange.Order) bool {
	return !o.Status.Terminal() && o.Remaining() > 0
}

func (t *pebbleTx) InsertOrder(_ context.Context, o *exchange.Order) error {
	if err := t.put(orderKey(o.ID), o); err != nil {
		return err
	}
	if err := t.batch.Set(userOrderKey(o.UserID, o.ID), nil, nil); err != nil {
		return err
	}
	if orderIsOpen(o) {
		return t.batch.Set(openOrderKey(o.Ticker, o.ID), nil, nil)
	}
	return nil
}

func (t *pebbleTx) GetOrder(_ context.Context, id uuid.UUID) (*exchange.Order, error) {
	var o exchange.Order
	found, err := t.get(orderKey(id), &o)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, exchange.ErrNotFound
	}
	return &o, nil
}

// GetOrderForUpdate equals GetOrder here: the store-wide writer mutex
// already gives every transaction exclusive access.
func (t *pebbleTx) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*exchange.Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *pebbleTx) UpdateOrder(_ context.Context, o *exchange.Order) error {
	if err := t.put(orderKey(o.ID), o); err != nil {
		return err
	}
	if orderIsOpen(o) {
		return t.batch.Set(openOrderKey(o.Ticker, o.ID), nil, nil)
	}
	return t.batch.Delete(openOrderKey(o.Ticker, o.ID), nil)
}

func (t *pebbleTx) loadOrdersByIndex(prefix []byte) ([]exchange.Order, error) {
	iter, err := t.batch.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []exchange.Order
	for iter.First(); iter.Valid(); iter.Next() {
		id, err := uuid.Parse(string(iter.Key()[len(prefix):]))
		if err != nil {
			return nil, fmt.Errorf("corrupt order index key %q: %w", iter.Key(), err)
		}
		var o exchange.Order
		found, err := t.get(orderKey(id), &o)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("order index points at missing order %s", id)
		}
		out = append(out, o)
	}
	return out, iter.Error()
}

func (t *pebbleTx) ListOrdersByUser(_ context.Context, userID uuid.UUID) ([]exchange.Order, error) {
	return t.loadOrdersByIndex([]byte("y/" + userID.String() + "/"))
}

func (t *pebbleTx) ListOpenOrders(_ context.Context, ticker string) ([]exchange.Order, error) {
	return t.loadOrdersByIndex([]byte("x/" + ticker + "/"))
}

func (t *pebbleTx) ListOpenOrdersByUser(ctx context.Context, userID uuid.UUID) ([]exchange.Order, error) {
	all, err := t.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []exchange.Order
	for i := range all {
		if orderIsOpen(&all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// LockCounterOrders returns the price-compatible resting candidates. No
// per-row locking is needed under the store-wide mutex. Index iteration
// order is by order id, not price-time — the matcher sorts.
func (t *pebbleTx) LockCounterOrders(ctx context.Context, ticker string, side exchange.Side, priceLimit *int64) ([]*exchange.Order, error) {
	open, err := t.ListOpenOrders(ctx, ticker)
	if err != nil {
		return nil, err
	}
	var out []*exchange.Order
	for i := range open {
		o := &open[i]
		if o.Side != side || o.Price == nil {
			continue
		}
		if priceLimit != nil {
			if side == exchange.Sell && *o.Price > *priceLimit {
				continue
			}
			if side == exchange.Buy && *o.Price < *priceLimit {
				continue
			}
		}
		out = append(out, o)
	}
	return out, nil
}

func (t *pebbleTx) InsertTrade(_ context.Context, tr *exchange.Trade) error {
	var seq uint64
	found, err := t.get(tradeSeqKey(), &seq)
	if err != nil {
		return err
	}
	if !found {
		seq = 0
	}
	seq++
	if err := t.put(tradeSeqKey(), seq); err != nil {
		return err
	}
	tr.ID = int64(seq)
	return t.put(tradeKey(tr.Ticker, seq), tr)
}

func (t *pebbleTx) ListTrades(_ context.Context, ticker string, limit int) ([]exchange.Trade, error) {
	prefix := []byte("t/" + ticker + "/")
	iter, err := t.batch.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []exchange.Trade
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		var tr exchange.Trade
		if err := decodeJSON(iter.Value(), &tr); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, iter.Error()
}

func (t *pebbleTx) InsertInstrument(_ context.Context, in *exchange.Instrument) error {
	key := instrumentKey(in.Ticker)
	var existing exchange.Instrument
	found, err := t.get(key, &existing)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("instrument %s: %w", in.Ticker, exchange.ErrDuplicate)
	}
	return t.put(key, in)
}

func (t *pebbleTx) GetInstrument(_ context.Context, ticker string) (*exchange.Instrument, error) {
	var in exchange.Instrument
	found, err := t.get(instrumentKey(ticker), &in)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, exchange.ErrNotFound
	}
	return &in, nil
}

func (t *pebbleTx) SetInstrumentActive(ctx context.Context, ticker string, active bool) error {
	in, err := t.GetInstrument(ctx, ticker)
	if err != nil {
		return err
	}
	in.Active = active
	return t.put(instrumentKey(ticker), in)
}

func (t *pebbleTx) ListInstruments(_ context.Context, activeOnly bool) ([]exchange.Instrument, error) {
	prefix := []byte("i/")
	iter, err := t.batch.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []exchange.Instrument
	for iter.First(); iter.Valid(); iter.Next() {
		var in exchange.Instrument
		if err := decodeJSON(iter.Value(), &in); err != nil {
			return nil, err
		}
		if activeOnly && !in.Active {
			continue
		}
		out = append(out, in)
	}
	return out, iter.Error()
}

func (t *pebbleTx) InsertUser(_ context.Context, u *exchange.User) error {
	key := userKey(u.ID)
	var existing exchange.User
	found, err := t.get(key, &existing)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("user %s: %w", u.ID, exchange.ErrDuplicate)
	}
	if err := t.put(key, u); err != nil {
		return err
	}
	return t.batch.Set(apiKeyKey(u.APIKey), []byte(u.ID.String()), nil)
}

func (t *pebbleTx) GetUser(_ context.Context, id uuid.UUID) (*exchange.User, error) {
	var u exchange.User
	found, err := t.get(userKey(id), &u)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, exchange.ErrNotFound
	}
	return &u, nil
}

func (t *pebbleTx) GetUserByAPIKey(ctx context.Context, key string) (*exchange.User, error) {
	data, closer, err := t.batch.Get(apiKeyKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, exchange.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	id, parseErr := uuid.Parse(string(data))
	closer.Close()
	if parseErr != nil {
		return nil, fmt.Errorf("corrupt api key index: %w", parseErr)
	}
	return t.GetUser(ctx, id)
}

func (t *pebbleTx) SetUserActive(ctx context.Context, id uuid.UUID, active bool) error {
	u, err := t.GetUser(ctx, id)
	if err != nil {
		return err
	}
	u.Active = active
	return t.put(userKey(id), u)
}
