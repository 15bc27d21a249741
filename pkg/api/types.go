package api

// Request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Request Types
// ==============================

// RegisterRequest is the payload for POST /api/v1/public/register
type RegisterRequest struct {
	Name string `json:"name"`
}

// CreateOrderRequest is the payload for POST /api/v1/order.
// A present price makes it a limit order; absent price makes it a
// market order.
type CreateOrderRequest struct {
	Direction string `json:"direction"` // "BUY" or "SELL"
	Ticker    string `json:"ticker"`
	Qty       int64  `json:"qty"`
	Price     *int64 `json:"price,omitempty"`
}

// DepositRequest is the payload for POST /api/v1/admin/balance/deposit
type DepositRequest struct {
	UserID string `json:"user_id"`
	Ticker string `json:"ticker"` // asset symbol
	Amount int64  `json:"amount"`
}

// WithdrawRequest is the payload for POST /api/v1/admin/balance/withdraw
type WithdrawRequest struct {
	UserID string `json:"user_id"`
	Ticker string `json:"ticker"`
	Amount int64  `json:"amount"`
}

// InstrumentRequest is the payload for POST /api/v1/admin/instrument
type InstrumentRequest struct {
	Name   string `json:"name"`
	Ticker string `json:"ticker"`
}

// ==============================
// REST Response Types
// ==============================

// UserResponse is returned from registration (includes the api key —
// shown once, the caller must store it)
type UserResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	APIKey string `json:"api_key"`
}

// InstrumentInfo represents a listed instrument
type InstrumentInfo struct {
	Name   string `json:"name"`
	Ticker string `json:"ticker"`
}

// CreateOrderResponse is the response from order submission
type CreateOrderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id"`
}

// OkResponse is returned by operations with no payload
type OkResponse struct {
	Success bool `json:"success"`
}

// OrderBody echoes the order parameters inside OrderResponse
type OrderBody struct {
	Direction string `json:"direction"`
	Ticker    string `json:"ticker"`
	Qty       int64  `json:"qty"`
	Price     *int64 `json:"price,omitempty"`
}

// OrderResponse represents an order (open or historical)
type OrderResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	UserID    string    `json:"user_id"`
	Timestamp string    `json:"timestamp"` // RFC 3339
	Body      OrderBody `json:"body"`
	Filled    int64     `json:"filled"`
}

// TransactionInfo represents an executed trade
type TransactionInfo struct {
	Ticker    string `json:"ticker"`
	Amount    int64  `json:"amount"`
	Price     int64  `json:"price"`
	Timestamp string `json:"timestamp"` // RFC 3339
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["trades:MEMCOIN", "orderbook:MEMCOIN"]
}

// TradeUpdate is broadcast on the trades:<ticker> channel when a trade
// executes
type TradeUpdate struct {
	Type      string `json:"type"` // "trade"
	Ticker    string `json:"ticker"`
	Qty       int64  `json:"qty"`
	Price     int64  `json:"price"`
	Timestamp string `json:"timestamp"`
}

// OrderbookUpdate is broadcast on the orderbook:<ticker> channel after
// each trade
type OrderbookUpdate struct {
	Type   string      `json:"type"` // "orderbook"
	Ticker string      `json:"ticker"`
	Bids   interface{} `json:"bid_levels"`
	Asks   interface{} `json:"ask_levels"`
}
