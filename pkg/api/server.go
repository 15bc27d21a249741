package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/baisefuel/wintochka/pkg/exchange"
	"github.com/baisefuel/wintochka/pkg/metrics"
)

// Server handles REST API and WebSocket connections
type Server struct {
	engine  *exchange.Engine
	router  *mux.Router
	hub     *Hub
	metrics *metrics.Metrics
	log     *zap.SugaredLogger

	allowedOrigins []string
	srv            *http.Server
}

// NewServer creates a new API server and wires the engine's trade hook
// into the WebSocket fanout.
func NewServer(engine *exchange.Engine, m *metrics.Metrics, allowedOrigins []string, log *zap.SugaredLogger) *Server {
	s := &Server{
		engine:         engine,
		router:         mux.NewRouter(),
		hub:            NewHub(log),
		metrics:        m,
		log:            log,
		allowedOrigins: allowedOrigins,
	}

	engine.OnTrade = s.broadcastTrade

	s.setupRoutes()
	return s
}

type contextKey string

const userContextKey contextKey = "user"

func (s *Server) setupRoutes() {
	// Public endpoints: no authentication
	public := s.router.PathPrefix("/api/v1/public").Subrouter()
	public.HandleFunc("/register", s.handleRegister).Methods("POST")
	public.HandleFunc("/instrument", s.handleListInstruments).Methods("GET")
	public.HandleFunc("/orderbook/{ticker}", s.handleGetOrderbook).Methods("GET")
	public.HandleFunc("/transactions/{ticker}", s.handleGetTransactions).Methods("GET")

	// Admin endpoints: authenticated + ADMIN role
	admin := s.router.PathPrefix("/api/v1/admin").Subrouter()
	admin.Use(s.authMiddleware, s.adminMiddleware)
	admin.HandleFunc("/user/{user_id}", s.handleDeactivateUser).Methods("DELETE")
	admin.HandleFunc("/balance/deposit", s.handleDeposit).Methods("POST")
	admin.HandleFunc("/balance/withdraw", s.handleWithdraw).Methods("POST")
	admin.HandleFunc("/instrument", s.handleCreateInstrument).Methods("POST")
	admin.HandleFunc("/instrument/{ticker}", s.handleDelistInstrument).Methods("DELETE")

	// Trading endpoints: authenticated
	authed := s.router.PathPrefix("/api/v1").Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc("/balance", s.handleGetBalances).Methods("GET")
	authed.HandleFunc("/order", s.handleCreateOrder).Methods("POST")
	authed.HandleFunc("/order", s.handleListOrders).Methods("GET")
	authed.HandleFunc("/order/{order_id}", s.handleGetOrder).Methods("GET")
	authed.HandleFunc("/order/{order_id}", s.handleCancelOrder).Methods("DELETE")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Operational endpoints
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

// Start starts the API server and blocks until it stops.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	s.log.Infow("api_server_starting", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ==============================
// Middleware
// ==============================

// authMiddleware resolves "Authorization: TOKEN key-..." to a user and
// stores it in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		key, ok := strings.CutPrefix(header, "TOKEN ")
		if !ok || key == "" {
			respondError(w, http.StatusUnauthorized, "unauthorized", "expected header: Authorization: TOKEN <api-key>")
			return
		}

		user, err := s.engine.GetUserByAPIKey(r.Context(), key)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", "unknown api key")
			return
		}
		if !user.Active {
			respondError(w, http.StatusUnauthorized, "unauthorized", "account deactivated")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := requestUser(r)
		if user == nil || user.Role != exchange.RoleAdmin {
			respondError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestUser(r *http.Request) *exchange.User {
	user, _ := r.Context().Value(userContextKey).(*exchange.User)
	return user
}

// ==============================
// Public Handlers
// ==============================

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(w, http.StatusBadRequest, "invalid request body", "name is required")
		return
	}

	user, err := s.engine.RegisterUser(r.Context(), req.Name)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	respondJSON(w, UserResponse{
		ID:     user.ID.String(),
		Name:   user.Name,
		Role:   string(user.Role),
		APIKey: user.APIKey,
	})
}

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.engine.ListInstruments(r.Context(), true)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	response := make([]InstrumentInfo, len(instruments))
	for i, in := range instruments {
		response[i] = InstrumentInfo{Name: in.Name, Ticker: in.Ticker}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	depth := queryInt(r, "limit", 0)

	book, err := s.engine.GetOrderBook(r.Context(), ticker, depth)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, book)
}

func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	limit := queryInt(r, "limit", 0)

	trades, err := s.engine.GetTrades(r.Context(), ticker, limit)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	response := make([]TransactionInfo, len(trades))
	for i, t := range trades {
		response[i] = TransactionInfo{
			Ticker:    t.Ticker,
			Amount:    t.Qty,
			Price:     t.Price,
			Timestamp: t.Timestamp.Format(time.RFC3339),
		}
	}
	respondJSON(w, response)
}

// ==============================
// Trading Handlers
// ==============================

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	balances, err := s.engine.GetBalances(r.Context(), user.ID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, balances)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	order, _, err := s.engine.SubmitOrder(r.Context(), user.ID, req.Ticker, exchange.Side(req.Direction), req.Qty, req.Price)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	respondJSON(w, CreateOrderResponse{Success: true, OrderID: order.ID.String()})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	orders, err := s.engine.ListOrders(r.Context(), user.ID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	response := make([]OrderResponse, len(orders))
	for i := range orders {
		response[i] = toOrderResponse(&orders[i])
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	orderID, err := uuid.Parse(mux.Vars(r)["order_id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}

	order, err := s.engine.GetOrder(r.Context(), user.ID, orderID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, toOrderResponse(order))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	orderID, err := uuid.Parse(mux.Vars(r)["order_id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}

	if err := s.engine.CancelOrder(r.Context(), user.ID, orderID); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, OkResponse{Success: true})
}

// ==============================
// Admin Handlers
// ==============================

func (s *Server) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(mux.Vars(r)["user_id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user id", err.Error())
		return
	}

	if err := s.engine.DeactivateUser(r.Context(), userID); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, OkResponse{Success: true})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user id", err.Error())
		return
	}

	if err := s.engine.Deposit(r.Context(), userID, req.Ticker, req.Amount); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, OkResponse{Success: true})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user id", err.Error())
		return
	}

	if err := s.engine.Withdraw(r.Context(), userID, req.Ticker, req.Amount); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, OkResponse{Success: true})
}

func (s *Server) handleCreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req InstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Ticker == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "invalid request body", "name and ticker are required")
		return
	}

	if err := s.engine.CreateInstrument(r.Context(), req.Ticker, req.Name); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, OkResponse{Success: true})
}

func (s *Server) handleDelistInstrument(w http.ResponseWriter, r *http.Request) {
	ticker := mux.Vars(r)["ticker"]
	if err := s.engine.DelistInstrument(r.Context(), ticker); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, OkResponse{Success: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast
// ==============================

// broadcastTrade fans a committed trade out to subscribers, followed by
// a fresh book snapshot for the same ticker.
func (s *Server) broadcastTrade(t exchange.Trade) {
	s.hub.BroadcastToChannel("trades:"+t.Ticker, TradeUpdate{
		Type:      "trade",
		Ticker:    t.Ticker,
		Qty:       t.Qty,
		Price:     t.Price,
		Timestamp: t.Timestamp.Format(time.RFC3339),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	book, err := s.engine.GetOrderBook(ctx, t.Ticker, 0)
	if err != nil {
		s.log.Warnw("book_broadcast_failed", "ticker", t.Ticker, "err", err)
		return
	}
	s.hub.BroadcastToChannel("orderbook:"+t.Ticker, OrderbookUpdate{
		Type:   "orderbook",
		Ticker: t.Ticker,
		Bids:   book.Bids,
		Asks:   book.Asks,
	})
}

// ==============================
// Helper Functions
// ==============================

func toOrderResponse(o *exchange.Order) OrderResponse {
	return OrderResponse{
		ID:        o.ID.String(),
		Status:    string(o.Status),
		UserID:    o.UserID.String(),
		Timestamp: o.CreatedAt.Format(time.RFC3339),
		Body: OrderBody{
			Direction: string(o.Side),
			Ticker:    o.Ticker,
			Qty:       o.Qty,
			Price:     o.Price,
		},
		Filled: o.Filled,
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// respondEngineError maps engine sentinels onto HTTP statuses.
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, exchange.ErrOrderNotFound),
		errors.Is(err, exchange.ErrUnknownInstrument),
		errors.Is(err, exchange.ErrUnknownUser),
		errors.Is(err, exchange.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, exchange.ErrInsufficientBalance),
		errors.Is(err, exchange.ErrInvalidOrder),
		errors.Is(err, exchange.ErrInstrumentInactive),
		errors.Is(err, exchange.ErrUserInactive):
		respondError(w, http.StatusBadRequest, "rejected", err.Error())
	case errors.Is(err, exchange.ErrAlreadyTerminal),
		errors.Is(err, exchange.ErrDuplicate):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, exchange.ErrRetriesExhausted):
		respondError(w, http.StatusServiceUnavailable, "busy", err.Error())
	default:
		s.log.Errorw("request_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "internal error", "")
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
