package exchange_test

import (
	"context"
	"testing"

	"github.com/baisefuel/wintochka/pkg/exchange"
)

func TestOrderBookAggregation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	buyer := registerUser(t, e, "alice")
	seller := registerUser(t, e, "bob")
	mustInstrument(t, e, "MEMCOIN")
	mustDeposit(t, e, buyer, "RUB", 1000)
	mustDeposit(t, e, seller, "MEMCOIN", 100)

	// Two bids at 5 aggregate into one level; one bid at 6; asks at 8, 9.
	for _, sub := range []struct {
		side  exchange.Side
		qty   int64
		price int64
	}{
		{exchange.Buy, 3, 5},
		{exchange.Buy, 4, 5},
		{exchange.Buy, 2, 6},
		{exchange.Sell, 7, 8},
		{exchange.Sell, 1, 9},
	} {
		user := buyer
		if sub.side == exchange.Sell {
			user = seller
		}
		if _, _, err := e.SubmitOrder(ctx, user, "MEMCOIN", sub.side, sub.qty, ptr(sub.price)); err != nil {
			t.Fatalf("submit %+v: %v", sub, err)
		}
	}

	book, err := e.GetOrderBook(ctx, "MEMCOIN", 0)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}

	wantBids := []exchange.Level{{Price: 6, Qty: 2}, {Price: 5, Qty: 7}}
	wantAsks := []exchange.Level{{Price: 8, Qty: 7}, {Price: 9, Qty: 1}}
	assertLevels(t, "bids", book.Bids, wantBids)
	assertLevels(t, "asks", book.Asks, wantAsks)
}

func assertLevels(t *testing.T, side string, got, want []exchange.Level) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s = %+v, want %+v", side, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s[%d] = %+v, want %+v", side, i, got[i], want[i])
		}
	}
}

// A partially filled resting order contributes only its remainder, and
// depth truncates to the best levels.
func TestOrderBookRemainderAndDepth(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	buyer := registerUser(t, e, "alice")
	seller := registerUser(t, e, "bob")
	mustInstrument(t, e, "MEMCOIN")
	mustDeposit(t, e, buyer, "RUB", 1000)
	mustDeposit(t, e, seller, "MEMCOIN", 100)

	if _, _, err := e.SubmitOrder(ctx, seller, "MEMCOIN", exchange.Sell, 10, ptr(8)); err != nil {
		t.Fatalf("submit ask: %v", err)
	}
	// Takes 4 of the resting 10.
	if _, _, err := e.SubmitOrder(ctx, buyer, "MEMCOIN", exchange.Buy, 4, ptr(8)); err != nil {
		t.Fatalf("submit taker: %v", err)
	}

	book, err := e.GetOrderBook(ctx, "MEMCOIN", 0)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	assertLevels(t, "asks", book.Asks, []exchange.Level{{Price: 8, Qty: 6}})

	// Three more ask levels, then ask for depth 2: best two only.
	for _, price := range []int64{10, 11, 12} {
		if _, _, err := e.SubmitOrder(ctx, seller, "MEMCOIN", exchange.Sell, 1, ptr(price)); err != nil {
			t.Fatalf("submit ask @ %d: %v", price, err)
		}
	}
	book, err = e.GetOrderBook(ctx, "MEMCOIN", 2)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	assertLevels(t, "asks", book.Asks, []exchange.Level{{Price: 8, Qty: 6}, {Price: 10, Qty: 1}})
}

func TestTradeHistoryMostRecentFirst(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	buyer := registerUser(t, e, "alice")
	seller := registerUser(t, e, "bob")
	mustInstrument(t, e, "MEMCOIN")
	mustDeposit(t, e, buyer, "RUB", 1000)
	mustDeposit(t, e, seller, "MEMCOIN", 100)

	for _, price := range []int64{5, 6, 7} {
		if _, _, err := e.SubmitOrder(ctx, seller, "MEMCOIN", exchange.Sell, 1, ptr(price)); err != nil {
			t.Fatalf("submit ask: %v", err)
		}
		if _, _, err := e.SubmitOrder(ctx, buyer, "MEMCOIN", exchange.Buy, 1, ptr(price)); err != nil {
			t.Fatalf("submit taker: %v", err)
		}
	}

	trades, err := e.GetTrades(ctx, "MEMCOIN", 2)
	if err != nil {
		t.Fatalf("get trades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(trades))
	}
	if trades[0].Price != 7 || trades[1].Price != 6 {
		t.Errorf("trade prices = %d, %d, want 7, 6 (most recent first)", trades[0].Price, trades[1].Price)
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	user := registerUser(t, e, "alice")
	mustInstrument(t, e, "MEMCOIN")
	mustDeposit(t, e, user, "RUB", 1000)

	var ids []string
	for _, price := range []int64{4, 5, 6} {
		o, _, err := e.SubmitOrder(ctx, user, "MEMCOIN", exchange.Buy, 1, ptr(price))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, o.ID.String())
	}

	orders, err := e.ListOrders(ctx, user)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("got %d orders, want 3", len(orders))
	}
	for i := range orders {
		if orders[i].ID.String() != ids[len(ids)-1-i] {
			t.Errorf("orders[%d] = %s, want %s", i, orders[i].ID, ids[len(ids)-1-i])
		}
	}
}
