package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/baisefuel/wintochka/pkg/exchange"
)

func newStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := NewPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAdjustBalanceGuard(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	user := uuid.New()

	tests := []struct {
		name          string
		seed          *exchange.Balance
		availDelta    int64
		reservedDelta int64
		wantOK        bool
		wantAvail     int64
		wantReserved  int64
	}{
		{
			name:       "credit into absent row",
			availDelta: 10, wantOK: true, wantAvail: 10,
		},
		{
			name:       "debit from absent row fails guard",
			availDelta: -1, wantOK: false,
		},
		{
			name: "reserve within available",
			seed: &exchange.Balance{Available: 10},
			availDelta: -7, reservedDelta: 7,
			wantOK: true, wantAvail: 3, wantReserved: 7,
		},
		{
			name: "reserve beyond available fails without mutating",
			seed: &exchange.Balance{Available: 10},
			availDelta: -11, reservedDelta: 11,
			wantOK: false, wantAvail: 10,
		},
		{
			name: "unreserve beyond reserved fails",
			seed: &exchange.Balance{Available: 0, Reserved: 5},
			availDelta: 6, reservedDelta: -6,
			wantOK: false, wantReserved: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user = uuid.New()
			err := s.RunInTx(ctx, func(tx exchange.Tx) error {
				if tt.seed != nil {
					if err := tx.CreditBalance(ctx, user, "RUB", tt.seed.Available); err != nil {
						return err
					}
					if tt.seed.Reserved > 0 {
						if err := tx.CreditBalance(ctx, user, "RUB", tt.seed.Reserved); err != nil {
							return err
						}
						if ok, err := tx.AdjustBalance(ctx, user, "RUB", -tt.seed.Reserved, tt.seed.Reserved); err != nil || !ok {
							t.Fatalf("seed reserve failed: ok=%v err=%v", ok, err)
						}
					}
				}
				ok, err := tx.AdjustBalance(ctx, user, "RUB", tt.availDelta, tt.reservedDelta)
				if err != nil {
					return err
				}
				if ok != tt.wantOK {
					t.Errorf("ok = %v, want %v", ok, tt.wantOK)
				}
				b, err := tx.GetBalance(ctx, user, "RUB")
				if err != nil {
					return err
				}
				if b.Available != tt.wantAvail || b.Reserved != tt.wantReserved {
					t.Errorf("balance = %d/%d, want %d/%d", b.Available, b.Reserved, tt.wantAvail, tt.wantReserved)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("tx: %v", err)
			}
		})
	}
}

// A callback error discards every staged write.
func TestRunInTxRollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	user := uuid.New()
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(tx exchange.Tx) error {
		if err := tx.CreditBalance(ctx, user, "RUB", 100); err != nil {
			return err
		}
		if err := tx.InsertInstrument(ctx, &exchange.Instrument{Ticker: "MEMCOIN", Name: "m", Active: true}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	err = s.RunInTx(ctx, func(tx exchange.Tx) error {
		b, err := tx.GetBalance(ctx, user, "RUB")
		if err != nil {
			return err
		}
		if b.Available != 0 {
			t.Errorf("balance = %d, want 0 after rollback", b.Available)
		}
		if _, err := tx.GetInstrument(ctx, "MEMCOIN"); !errors.Is(err, exchange.ErrNotFound) {
			t.Errorf("instrument err = %v, want ErrNotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify tx: %v", err)
	}
}

func TestDeleteBalanceIfZero(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	user := uuid.New()

	err := s.RunInTx(ctx, func(tx exchange.Tx) error {
		if err := tx.CreditBalance(ctx, user, "RUB", 10); err != nil {
			return err
		}
		// Non-zero row survives a cleanup request.
		if err := tx.DeleteBalanceIfZero(ctx, user, "RUB"); err != nil {
			return err
		}
		if rows, err := tx.ListBalances(ctx, user); err != nil || len(rows) != 1 {
			t.Fatalf("rows = %v err = %v, want 1 row", rows, err)
		}

		if ok, err := tx.AdjustBalance(ctx, user, "RUB", -10, 0); err != nil || !ok {
			t.Fatalf("drain failed: ok=%v err=%v", ok, err)
		}
		if err := tx.DeleteBalanceIfZero(ctx, user, "RUB"); err != nil {
			return err
		}
		rows, err := tx.ListBalances(ctx, user)
		if err != nil {
			return err
		}
		if len(rows) != 0 {
			t.Errorf("rows = %v, want none after cleanup", rows)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestOpenOrderIndexTracksStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	user := uuid.New()
	price := int64(5)
	order := &exchange.Order{
		ID:        uuid.New(),
		UserID:    user,
		Ticker:    "MEMCOIN",
		Side:      exchange.Buy,
		Qty:       10,
		Price:     &price,
		Status:    exchange.StatusNew,
		CreatedAt: time.Now().UTC(),
	}

	err := s.RunInTx(ctx, func(tx exchange.Tx) error {
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	assertOpen := func(want int) {
		t.Helper()
		err := s.RunInTx(ctx, func(tx exchange.Tx) error {
			open, err := tx.ListOpenOrders(ctx, "MEMCOIN")
			if err != nil {
				return err
			}
			if len(open) != want {
				t.Errorf("open orders = %d, want %d", len(open), want)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
	}

	assertOpen(1)

	// Partial fill keeps it on the book.
	order.Filled = 4
	order.Status = exchange.StatusPartiallyExecuted
	if err := s.RunInTx(ctx, func(tx exchange.Tx) error { return tx.UpdateOrder(ctx, order) }); err != nil {
		t.Fatalf("update: %v", err)
	}
	assertOpen(1)

	// Cancellation removes it.
	order.Status = exchange.StatusCancelled
	if err := s.RunInTx(ctx, func(tx exchange.Tx) error { return tx.UpdateOrder(ctx, order) }); err != nil {
		t.Fatalf("update: %v", err)
	}
	assertOpen(0)

	// The per-user history still sees it.
	err = s.RunInTx(ctx, func(tx exchange.Tx) error {
		all, err := tx.ListOrdersByUser(ctx, user)
		if err != nil {
			return err
		}
		if len(all) != 1 || all[0].Status != exchange.StatusCancelled {
			t.Errorf("history = %+v, want the cancelled order", all)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
}

func TestLockCounterOrdersPriceFilter(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	user := uuid.New()

	insert := func(side exchange.Side, price int64) {
		t.Helper()
		o := &exchange.Order{
			ID: uuid.New(), UserID: user, Ticker: "MEMCOIN",
			Side: side, Qty: 1, Price: &price,
			Status: exchange.StatusNew, CreatedAt: time.Now().UTC(),
		}
		if err := s.RunInTx(ctx, func(tx exchange.Tx) error { return tx.InsertOrder(ctx, o) }); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	insert(exchange.Sell, 8)
	insert(exchange.Sell, 10)
	insert(exchange.Buy, 5)

	err := s.RunInTx(ctx, func(tx exchange.Tx) error {
		limit := int64(9)
		sells, err := tx.LockCounterOrders(ctx, "MEMCOIN", exchange.Sell, &limit)
		if err != nil {
			return err
		}
		if len(sells) != 1 || *sells[0].Price != 8 {
			t.Errorf("sells under 9 = %+v, want the single 8 ask", sells)
		}

		buys, err := tx.LockCounterOrders(ctx, "MEMCOIN", exchange.Buy, nil)
		if err != nil {
			return err
		}
		if len(buys) != 1 || *buys[0].Price != 5 {
			t.Errorf("buys = %+v, want the single 5 bid", buys)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestTradesSequenceAndOrdering(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	orderID := uuid.New()

	err := s.RunInTx(ctx, func(tx exchange.Tx) error {
		for i := int64(1); i <= 3; i++ {
			tr := &exchange.Trade{
				OrderID: orderID, Ticker: "MEMCOIN",
				Qty: i, Price: 10 + i, Timestamp: time.Now().UTC(),
			}
			if err := tx.InsertTrade(ctx, tr); err != nil {
				return err
			}
			if tr.ID != i {
				t.Errorf("trade id = %d, want %d", tr.ID, i)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = s.RunInTx(ctx, func(tx exchange.Tx) error {
		trades, err := tx.ListTrades(ctx, "MEMCOIN", 2)
		if err != nil {
			return err
		}
		if len(trades) != 2 || trades[0].Qty != 3 || trades[1].Qty != 2 {
			t.Errorf("trades = %+v, want newest first limited to 2", trades)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
}

func TestUserAPIKeyLookup(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := &exchange.User{
		ID: uuid.New(), Name: "alice", Role: exchange.RoleUser,
		APIKey: "key-test", Active: true,
	}

	err := s.RunInTx(ctx, func(tx exchange.Tx) error {
		if err := tx.InsertUser(ctx, u); err != nil {
			return err
		}
		got, err := tx.GetUserByAPIKey(ctx, "key-test")
		if err != nil {
			return err
		}
		if got.ID != u.ID {
			t.Errorf("resolved %s, want %s", got.ID, u.ID)
		}
		if _, err := tx.GetUserByAPIKey(ctx, "key-nope"); !errors.Is(err, exchange.ErrNotFound) {
			t.Errorf("unknown key err = %v, want ErrNotFound", err)
		}
		return tx.SetUserActive(ctx, u.ID, false)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	err = s.RunInTx(ctx, func(tx exchange.Tx) error {
		got, err := tx.GetUser(ctx, u.ID)
		if err != nil {
			return err
		}
		if got.Active {
			t.Error("user still active after SetUserActive(false)")
		}
		if err := tx.InsertUser(ctx, u); !errors.Is(err, exchange.ErrDuplicate) {
			t.Errorf("duplicate insert err = %v, want ErrDuplicate", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}
