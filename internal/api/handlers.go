package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kitadi/exchange/internal/analytics"
	"github.com/kitadi/exchange/internal/auth"
	"github.com/kitadi/exchange/internal/engine"
	"github.com/kitadi/exchange/internal/models"
)

type contextKey string

const userIDKey contextKey = "user_id"

// HistoryStore is the read/funding surface the handlers need beyond the
// engine itself.
type HistoryStore interface {
	Balances(ctx context.Context, userID int64) ([]*models.Wallet, error)
	Deposit(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error
	UserOrders(ctx context.Context, userID int64) ([]*models.Order, error)
	UserTrades(ctx context.Context, userID int64) ([]*models.Trade, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Engine      *engine.Engine
	Analytics   *analytics.Service
	Auth        *auth.Service
	Store       HistoryStore
	DefaultPair models.Pair
	Log         *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(eng *engine.Engine, an *analytics.Service, authService *auth.Service, store HistoryStore, defaultPair models.Pair, log *zap.Logger) *Handler {
	return &Handler{
		Engine:      eng,
		Analytics:   an,
		Auth:        authService,
		Store:       store,
		DefaultPair: defaultPair,
		Log:         log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error taxonomy onto HTTP statuses. Raw
// storage errors never reach the caller.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
	case errors.Is(err, models.ErrOrderNotCancellable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "order not cancellable"})
	case errors.Is(err, models.ErrInsufficientFunds):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "insufficient funds"})
	case errors.Is(err, models.ErrInsufficientLiquidity):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "insufficient liquidity"})
	case errors.Is(err, models.ErrSlippageExceeded):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "slippage exceeded"})
	default:
		h.Log.Error("internal error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to register user"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authorization header required"})
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.Auth.UserFromToken(tokenString)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerID(r *http.Request) (int64, bool) {
	id, ok := r.Context().Value(userIDKey).(int64)
	return id, ok
}

type placeOrderRequest struct {
	Kind               string          `json:"kind"`
	Side               string          `json:"side"`
	Pair               string          `json:"pair"`
	Price              decimal.Decimal `json:"price"`
	Quantity           decimal.Decimal `json:"quantity"`
	MaxSlippagePercent decimal.Decimal `json:"max_slippage_percent"`
}

// PlaceOrder submits a limit or market order to the matching engine.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	side, err := models.ParseSide(req.Side)
	if err != nil {
		h.writeError(w, err)
		return
	}
	pair := h.DefaultPair
	if req.Pair != "" {
		if pair, err = models.ParsePair(req.Pair); err != nil {
			h.writeError(w, err)
			return
		}
	}

	switch models.OrderKind(req.Kind) {
	case models.KindLimit:
		result, err := h.Engine.PlaceLimitOrder(r.Context(), engine.PlaceLimitRequest{
			UserID:   userID,
			Side:     side,
			Pair:     pair,
			Quantity: req.Quantity,
			Price:    req.Price,
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	case models.KindMarket:
		result, err := h.Engine.ExecuteMarketOrder(r.Context(), engine.MarketOrderRequest{
			UserID:             userID,
			Side:               side,
			Pair:               pair,
			Quantity:           req.Quantity,
			MaxSlippagePercent: req.MaxSlippagePercent,
		})
		if err != nil && result == nil {
			h.writeError(w, err)
			return
		}
		if err != nil {
			// partial execution: committed trades stand, remainder rejected
			writeJSON(w, http.StatusCreated, map[string]any{
				"order_id":          result.OrderID,
				"status":            result.Status,
				"executed_quantity": result.ExecutedQuantity,
				"executed_price":    result.ExecutedPrice,
				"error":             errorKind(err),
			})
			return
		}
		writeJSON(w, http.StatusCreated, result)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind must be 'limit' or 'market'"})
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, models.ErrSlippageExceeded):
		return "slippage_exceeded"
	case errors.Is(err, models.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	default:
		return "internal_error"
	}
}

// CancelOrder cancels an open order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order id"})
		return
	}

	result, err := h.Engine.CancelOrder(r.Context(), userID, orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetUserOrders retrieves the caller's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	orders, err := h.Store.UserOrders(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ordersResponse(orders))
}

// GetUserTrades retrieves the caller's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	trades, err := h.Store.UserTrades(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tradesResponse(trades))
}

// GetWallets returns the caller's balances per currency
func (h *Handler) GetWallets(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	wallets, err := h.Store.Balances(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(wallets))
	for _, wlt := range wallets {
		out = append(out, map[string]any{
			"currency":  wlt.Currency,
			"available": wlt.Available,
			"reserved":  wlt.Reserved,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Deposit credits the caller's available balance in one currency
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req struct {
		Currency string          `json:"currency"`
		Amount   decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Currency == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := h.Store.Deposit(r.Context(), userID, req.Currency, req.Amount); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "deposit credited"})
}

func (h *Handler) pairFromQuery(r *http.Request) (models.Pair, error) {
	raw := r.URL.Query().Get("pair")
	if raw == "" {
		return h.DefaultPair, nil
	}
	return models.ParsePair(raw)
}

// GetTicker returns the 24h market summary
func (h *Handler) GetTicker(w http.ResponseWriter, r *http.Request) {
	pair, err := h.pairFromQuery(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	ticker, err := h.Analytics.Ticker(r.Context(), pair)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticker)
}

// GetDepth returns aggregated order book depth. With a band query
// parameter it returns quantity within that percentage of the midpoint.
func (h *Handler) GetDepth(w http.ResponseWriter, r *http.Request) {
	pair, err := h.pairFromQuery(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if band := r.URL.Query().Get("band"); band != "" {
		pct, err := decimal.NewFromString(band)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid band percent"})
			return
		}
		depth, err := h.Analytics.DepthWithinBand(r.Context(), pair, pct)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, depth)
		return
	}

	levels := 20
	if raw := r.URL.Query().Get("levels"); raw != "" {
		if levels, err = strconv.Atoi(raw); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid levels"})
			return
		}
	}
	depth, err := h.Analytics.Depth(r.Context(), pair, levels)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

// GetCandles returns OHLCV candles for a pair and interval
func (h *Handler) GetCandles(w http.ResponseWriter, r *http.Request) {
	pair, err := h.pairFromQuery(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1h"
	}
	limit := 24
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
	}

	series, err := h.Analytics.Candles(r.Context(), pair, interval, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func ordersResponse(orders []*models.Order) []map[string]any {
	out := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		entry := map[string]any{
			"id":              o.ID,
			"side":            o.Side,
			"kind":            o.Kind,
			"pair":            o.Pair().String(),
			"quantity":        o.Quantity,
			"filled_quantity": o.FilledQuantity,
			"status":          o.Status,
			"created_at":      o.CreatedAt,
		}
		if o.Kind == models.KindLimit {
			entry["price"] = o.Price
		}
		out = append(out, entry)
	}
	return out
}

func tradesResponse(trades []*models.Trade) []map[string]any {
	out := make([]map[string]any, 0, len(trades))
	for _, t := range trades {
		out = append(out, map[string]any{
			"id":            t.ID,
			"buy_order_id":  t.BuyOrderID,
			"sell_order_id": t.SellOrderID,
			"pair":          t.Base + "/" + t.Quote,
			"price":         t.Price,
			"quantity":      t.Quantity,
			"executed_at":   t.ExecutedAt,
		})
	}
	return out
}
