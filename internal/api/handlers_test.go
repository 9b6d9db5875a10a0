package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kitadi/exchange/internal/analytics"
	"github.com/kitadi/exchange/internal/auth"
	"github.com/kitadi/exchange/internal/db"
	"github.com/kitadi/exchange/internal/engine"
	"github.com/kitadi/exchange/internal/models"
)

var testPair = models.Pair{Base: "EUR", Quote: "AOA"}

func newTestEnv(t *testing.T) (*chi.Mux, *db.MemStore) {
	t.Helper()
	store := db.NewMemStore()
	log := zap.NewNop()
	eng := engine.New(store, log, []models.Pair{testPair})
	authService := auth.NewService(store, "test-secret", time.Hour)
	market := analytics.New(store, eng, time.Second, log)
	handler := NewHandler(eng, market, authService, store, testPair, log)

	r := chi.NewRouter()
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/market/ticker", handler.GetTicker)
	r.Get("/market/depth", handler.GetDepth)
	r.Get("/market/candles", handler.GetCandles)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Get("/trades", handler.GetUserTrades)
		r.Get("/wallets", handler.GetWallets)
		r.Post("/wallets/deposit", handler.Deposit)
	})
	return r, store
}

func doRequest(t *testing.T, router *chi.Mux, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func registerAndLogin(t *testing.T, router *chi.Mux, username string) string {
	t.Helper()
	creds := map[string]string{"username": username, "password": "password123"}
	rec := doRequest(t, router, http.MethodPost, "/auth/register", "", creds)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doRequest(t, router, http.MethodPost, "/auth/login", "", creds)
	require.Equal(t, http.StatusOK, rec.Code)
	return decodeBody(t, rec)["token"].(string)
}

func depositFor(t *testing.T, router *chi.Mux, token, currency, amount string) {
	t.Helper()
	rec := doRequest(t, router, http.MethodPost, "/wallets/deposit", token,
		map[string]string{"currency": currency, "amount": amount})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_Register(t *testing.T) {
	router, _ := newTestEnv(t)

	tests := []struct {
		name           string
		requestBody    map[string]any
		expectedStatus int
	}{
		{
			name:           "Success",
			requestBody:    map[string]any{"username": "alice", "password": "password123"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "EmptyUsername",
			requestBody:    map[string]any{"username": "", "password": "password123"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "DuplicateUsername",
			requestBody:    map[string]any{"username": "alice", "password": "password123"},
			expectedStatus: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/auth/register", "", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, rec.Code)
		})
	}
}

func TestHandler_Login(t *testing.T) {
	router, _ := newTestEnv(t)
	registerAndLogin(t, router, "alice")

	rec := doRequest(t, router, http.MethodPost, "/auth/login", "",
		map[string]string{"username": "alice", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_AuthRequired(t *testing.T) {
	router, _ := newTestEnv(t)

	for _, path := range []string{"/orders", "/trades", "/wallets"} {
		rec := doRequest(t, router, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	rec := doRequest(t, router, http.MethodGet, "/orders", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_DepositAndWallets(t *testing.T) {
	router, _ := newTestEnv(t)
	token := registerAndLogin(t, router, "alice")

	depositFor(t, router, token, "AOA", "100000")

	rec := doRequest(t, router, http.MethodGet, "/wallets", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var wallets []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wallets))
	require.Len(t, wallets, 1)
	assert.Equal(t, "AOA", wallets[0]["currency"])
	assert.Equal(t, "100000", wallets[0]["available"])

	rec = doRequest(t, router, http.MethodPost, "/wallets/deposit", token,
		map[string]string{"currency": "AOA", "amount": "-5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_PlaceLimitOrder(t *testing.T) {
	router, _ := newTestEnv(t)
	token := registerAndLogin(t, router, "alice")
	depositFor(t, router, token, "AOA", "100000")

	rec := doRequest(t, router, http.MethodPost, "/orders", token, map[string]any{
		"kind":     "limit",
		"side":     "buy",
		"price":    "1020",
		"quantity": "10",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "0", body["filled_quantity"])

	rec = doRequest(t, router, http.MethodGet, "/orders", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var orders []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, "EUR/AOA", orders[0]["pair"])
}

func TestHandler_PlaceOrderErrors(t *testing.T) {
	router, _ := newTestEnv(t)
	token := registerAndLogin(t, router, "alice")
	depositFor(t, router, token, "AOA", "100")

	tests := []struct {
		name           string
		requestBody    map[string]any
		expectedStatus int
	}{
		{
			name: "InsufficientFunds",
			requestBody: map[string]any{
				"kind": "limit", "side": "buy", "price": "1020", "quantity": "10",
			},
			expectedStatus: http.StatusUnprocessableEntity,
		},
		{
			name: "InvalidSide",
			requestBody: map[string]any{
				"kind": "limit", "side": "hold", "price": "1020", "quantity": "10",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "InvalidKind",
			requestBody: map[string]any{
				"kind": "stop", "side": "buy", "price": "1020", "quantity": "10",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "UnsupportedPair",
			requestBody: map[string]any{
				"kind": "limit", "side": "buy", "pair": "USD/AOA", "price": "1020", "quantity": "10",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "MarketAgainstEmptyBook",
			requestBody: map[string]any{
				"kind": "market", "side": "buy", "quantity": "1", "max_slippage_percent": "5",
			},
			expectedStatus: http.StatusUnprocessableEntity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/orders", token, tt.requestBody)
			assert.Equal(t, tt.expectedStatus, rec.Code)
		})
	}
}

func TestHandler_MarketOrderAgainstRestingLiquidity(t *testing.T) {
	router, _ := newTestEnv(t)
	sellerToken := registerAndLogin(t, router, "bob")
	depositFor(t, router, sellerToken, "EUR", "10")
	rec := doRequest(t, router, http.MethodPost, "/orders", sellerToken, map[string]any{
		"kind": "limit", "side": "sell", "price": "1050", "quantity": "10",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	buyerToken := registerAndLogin(t, router, "alice")
	depositFor(t, router, buyerToken, "AOA", "20000")
	rec = doRequest(t, router, http.MethodPost, "/orders", buyerToken, map[string]any{
		"kind": "market", "side": "buy", "quantity": "4", "max_slippage_percent": "5",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "filled", body["status"])
	assert.Equal(t, "4", body["executed_quantity"])
	assert.Equal(t, "1050", body["executed_price"])

	// Both sides see the trade.
	for _, token := range []string{sellerToken, buyerToken} {
		rec = doRequest(t, router, http.MethodGet, "/trades", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var trades []map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
		assert.Len(t, trades, 1)
	}
}

func TestHandler_CancelOrder(t *testing.T) {
	router, _ := newTestEnv(t)
	token := registerAndLogin(t, router, "alice")
	depositFor(t, router, token, "AOA", "10200")

	rec := doRequest(t, router, http.MethodPost, "/orders", token, map[string]any{
		"kind": "limit", "side": "buy", "price": "1020", "quantity": "10",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	orderID := decodeBody(t, rec)["order_id"].(float64)

	path := fmt.Sprintf("/orders/%d", int64(orderID))
	rec = doRequest(t, router, http.MethodDelete, path, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeBody(t, rec)["status"])

	// Terminal orders cannot be cancelled again.
	rec = doRequest(t, router, http.MethodDelete, path, token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/orders/9999", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/orders/abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_MarketEndpoints(t *testing.T) {
	router, store := newTestEnv(t)
	token := registerAndLogin(t, router, "alice")
	depositFor(t, router, token, "AOA", "100000")
	rec := doRequest(t, router, http.MethodPost, "/orders", token, map[string]any{
		"kind": "limit", "side": "buy", "price": "1020", "quantity": "10",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/market/ticker", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ticker := decodeBody(t, rec)
	assert.Equal(t, "EUR/AOA", ticker["pair"])
	assert.Equal(t, "1020", ticker["best_bid"])

	rec = doRequest(t, router, http.MethodGet, "/market/depth?levels=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/market/depth?band=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/market/candles?interval=1m&limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var series analytics.CandleSeries
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &series))
	assert.Len(t, series.Candles, 5)

	rec = doRequest(t, router, http.MethodGet, "/market/ticker?pair=USD/AOA", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/market/candles?interval=2h", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// No trades happened; the ticker came purely from the book.
	trades, err := store.TradesBetween(context.Background(), testPair, time.Time{}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, trades)
}
