package exchange

import (
	"time"

	"github.com/google/uuid"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the counter side for matching.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus is the lifecycle state of an order.
// Transitions only move forward:
//
//	NEW -> PARTIALLY_EXECUTED -> EXECUTED | CANCELLED
//	NEW -> EXECUTED
//	NEW -> CANCELLED
type OrderStatus string

const (
	StatusNew               OrderStatus = "NEW"
	StatusPartiallyExecuted OrderStatus = "PARTIALLY_EXECUTED"
	StatusExecuted          OrderStatus = "EXECUTED"
	StatusCancelled         OrderStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// Order is a buy or sell request against an instrument.
// Price is nil for market orders. CreatedAt is the time-priority tie-break.
type Order struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Ticker    string
	Side      Side
	Qty       int64
	Price     *int64
	Filled    int64
	Status    OrderStatus
	CreatedAt time.Time
}

// IsLimit reports whether the order carries a price.
func (o *Order) IsLimit() bool { return o.Price != nil }

// Remaining returns the unmatched quantity.
func (o *Order) Remaining() int64 { return o.Qty - o.Filled }

// Trade is one execution between a taker and a maker order.
// Price is always the maker's price. Immutable once written.
type Trade struct {
	ID        int64
	OrderID   uuid.UUID // taker order
	Ticker    string
	Qty       int64
	Price     int64
	Timestamp time.Time
}

// Balance holds one user's funds in one asset, split between the
// available and reserved buckets. An absent row means (0, 0).
type Balance struct {
	UserID    uuid.UUID
	Asset     string
	Available int64
	Reserved  int64
}

// Instrument is a tradable ticker. Inactive instruments reject new orders.
type Instrument struct {
	Ticker string
	Name   string
	Active bool
}

// UserRole separates regular traders from venue administrators.
type UserRole string

const (
	RoleUser  UserRole = "USER"
	RoleAdmin UserRole = "ADMIN"
)

// User is an account holder. Inactive users reject new orders.
type User struct {
	ID     uuid.UUID
	Name   string
	Role   UserRole
	APIKey string
	Active bool
}

// Level is one aggregated price level of the open book.
type Level struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// OrderBook is the aggregated view of resting orders for one ticker.
// Bids are sorted best (highest) first, asks best (lowest) first.
type OrderBook struct {
	Ticker string  `json:"ticker"`
	Bids   []Level `json:"bid_levels"`
	Asks   []Level `json:"ask_levels"`
}
