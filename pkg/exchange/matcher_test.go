package exchange

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func restingOrder(price int64, createdAt time.Time) *Order {
	return &Order{
		ID:        uuid.New(),
		Side:      Sell,
		Qty:       10,
		Price:     &price,
		Status:    StatusNew,
		CreatedAt: createdAt,
	}
}

func TestSortByPriceTime(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cheapOld := restingOrder(5, t0)
	cheapNew := restingOrder(5, t0.Add(time.Second))
	mid := restingOrder(7, t0.Add(2*time.Second))
	dear := restingOrder(9, t0)

	tests := []struct {
		name      string
		takerSide Side
		in        []*Order
		want      []*Order
	}{
		{
			name:      "buying taker wants cheapest asks first",
			takerSide: Buy,
			in:        []*Order{dear, mid, cheapNew, cheapOld},
			want:      []*Order{cheapOld, cheapNew, mid, dear},
		},
		{
			name:      "selling taker wants highest bids first",
			takerSide: Sell,
			in:        []*Order{cheapNew, cheapOld, dear, mid},
			want:      []*Order{dear, mid, cheapOld, cheapNew},
		},
		{
			name:      "same price falls back to arrival time",
			takerSide: Buy,
			in:        []*Order{cheapNew, cheapOld},
			want:      []*Order{cheapOld, cheapNew},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := append([]*Order(nil), tt.in...)
			sortByPriceTime(orders, tt.takerSide)
			for i := range tt.want {
				if orders[i] != tt.want[i] {
					t.Errorf("position %d: got %s @ %d, want %s @ %d",
						i, orders[i].ID, *orders[i].Price, tt.want[i].ID, *tt.want[i].Price)
				}
			}
		})
	}
}

func TestSortByPriceTimeEqualTimestampsDeterministic(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := restingOrder(5, t0)
	b := restingOrder(5, t0)

	first := []*Order{a, b}
	second := []*Order{b, a}
	sortByPriceTime(first, Buy)
	sortByPriceTime(second, Buy)
	if first[0] != second[0] || first[1] != second[1] {
		t.Error("sort is not deterministic for equal price and timestamp")
	}
}

func TestFinalizeStatus(t *testing.T) {
	price := int64(5)
	tests := []struct {
		name  string
		order Order
		want  OrderStatus
	}{
		{"limit fully filled", Order{Qty: 10, Filled: 10, Price: &price}, StatusExecuted},
		{"limit partially filled rests", Order{Qty: 10, Filled: 4, Price: &price}, StatusPartiallyExecuted},
		{"limit unfilled rests", Order{Qty: 10, Filled: 0, Price: &price}, StatusNew},
		{"market fully filled", Order{Qty: 10, Filled: 10}, StatusExecuted},
		{"market partially filled never rests", Order{Qty: 10, Filled: 4}, StatusPartiallyExecuted},
		{"market unfilled is cancelled", Order{Qty: 10, Filled: 0}, StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			finalizeStatus(&tt.order)
			if tt.order.Status != tt.want {
				t.Errorf("status = %s, want %s", tt.order.Status, tt.want)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	for status, want := range map[OrderStatus]bool{
		StatusNew:               false,
		StatusPartiallyExecuted: false,
		StatusExecuted:          true,
		StatusCancelled:         true,
	} {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}
