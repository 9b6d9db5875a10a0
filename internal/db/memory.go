package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kitadi/exchange/internal/models"
)

// MemStore is an in-memory models.Store with the same transactional
// behavior as the postgres store: InTx works on a cloned state and only
// publishes it on success, so a failed matching pass leaves nothing behind.
// It backs engine and handler tests that should not need a live database.
type MemStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	users        map[int64]*models.User
	wallets      map[string]*models.Wallet
	reservations map[int64]*models.FundReservation
	orders       map[int64]*models.Order
	trades       []*models.Trade

	nextUser  int64
	nextOrder int64
	nextRes   int64
	nextTrade int64
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{state: &memState{
		users:        make(map[int64]*models.User),
		wallets:      make(map[string]*models.Wallet),
		reservations: make(map[int64]*models.FundReservation),
		orders:       make(map[int64]*models.Order),
	}}
}

func walletKey(userID int64, currency string) string {
	return fmt.Sprintf("%d/%s", userID, currency)
}

func (st *memState) clone() *memState {
	out := &memState{
		users:        make(map[int64]*models.User, len(st.users)),
		wallets:      make(map[string]*models.Wallet, len(st.wallets)),
		reservations: make(map[int64]*models.FundReservation, len(st.reservations)),
		orders:       make(map[int64]*models.Order, len(st.orders)),
		trades:       make([]*models.Trade, len(st.trades)),
		nextUser:     st.nextUser,
		nextOrder:    st.nextOrder,
		nextRes:      st.nextRes,
		nextTrade:    st.nextTrade,
	}
	for id, u := range st.users {
		cp := *u
		out.users[id] = &cp
	}
	for k, w := range st.wallets {
		cp := *w
		out.wallets[k] = &cp
	}
	for id, r := range st.reservations {
		cp := *r
		out.reservations[id] = &cp
	}
	for id, o := range st.orders {
		cp := *o
		out.orders[id] = &cp
	}
	copy(out.trades, st.trades)
	return out
}

// InTx clones the state, runs fn against the clone and publishes it only
// when fn succeeds.
func (m *MemStore) InTx(ctx context.Context, fn func(tx models.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// OrderByID fetches an order; nil if unknown.
func (m *MemStore) OrderByID(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.state.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

// OpenOrders returns resting limit orders for a pair in creation order.
func (m *MemStore) OpenOrders(ctx context.Context, pair models.Pair) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var orders []*models.Order
	for _, o := range m.state.orders {
		if o.Base == pair.Base && o.Quote == pair.Quote && o.Kind == models.KindLimit && o.IsOpen() {
			cp := *o
			orders = append(orders, &cp)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

// CreateUser inserts a new user
func (m *MemStore) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.state.users {
		if u.Username == username {
			return nil, fmt.Errorf("failed to create user: username taken")
		}
	}
	m.state.nextUser++
	u := &models.User{
		ID:           m.state.nextUser,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	m.state.users[u.ID] = u
	cp := *u
	return &cp, nil
}

// UserByUsername retrieves a user by username; nil if unknown.
func (m *MemStore) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.state.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

// Balances returns all wallets for a user.
func (m *MemStore) Balances(ctx context.Context, userID int64) ([]*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var wallets []*models.Wallet
	for _, w := range m.state.wallets {
		if w.UserID == userID {
			cp := *w
			wallets = append(wallets, &cp)
		}
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].Currency < wallets[j].Currency })
	return wallets, nil
}

// Deposit credits a user's available balance.
func (m *MemStore) Deposit(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit amount must be positive", models.ErrValidation)
	}
	if !amount.Equal(amount.Truncate(amountScale)) {
		return fmt.Errorf("%w: deposit amount supports at most %d decimal places", models.ErrValidation, amountScale)
	}
	return m.InTx(ctx, func(tx models.Tx) error {
		return tx.CreditAvailable(ctx, userID, currency, amount)
	})
}

// UserOrders retrieves all orders for a user, newest first.
func (m *MemStore) UserOrders(ctx context.Context, userID int64) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var orders []*models.Order
	for _, o := range m.state.orders {
		if o.UserID == userID {
			cp := *o
			orders = append(orders, &cp)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

// UserTrades retrieves all trades touching a user's orders, newest first.
func (m *MemStore) UserTrades(ctx context.Context, userID int64) ([]*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var trades []*models.Trade
	for _, t := range m.state.trades {
		buy, buyOK := m.state.orders[t.BuyOrderID]
		sell, sellOK := m.state.orders[t.SellOrderID]
		if (buyOK && buy.UserID == userID) || (sellOK && sell.UserID == userID) {
			cp := *t
			trades = append(trades, &cp)
		}
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].ID > trades[j].ID })
	return trades, nil
}

// TradesBetween returns a pair's trades with executedAt in [from, to).
func (m *MemStore) TradesBetween(ctx context.Context, pair models.Pair, from, to time.Time) ([]*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var trades []*models.Trade
	for _, t := range m.state.trades {
		if t.Base != pair.Base || t.Quote != pair.Quote {
			continue
		}
		if t.ExecutedAt.Before(from) || !t.ExecutedAt.Before(to) {
			continue
		}
		cp := *t
		trades = append(trades, &cp)
	}
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].ExecutedAt.Equal(trades[j].ExecutedAt) {
			return trades[i].ID < trades[j].ID
		}
		return trades[i].ExecutedAt.Before(trades[j].ExecutedAt)
	})
	return trades, nil
}

// LastTradeBefore returns the most recent trade strictly before t, or nil.
func (m *MemStore) LastTradeBefore(ctx context.Context, pair models.Pair, at time.Time) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *models.Trade
	for _, t := range m.state.trades {
		if t.Base != pair.Base || t.Quote != pair.Quote || !t.ExecutedAt.Before(at) {
			continue
		}
		if last == nil || t.ExecutedAt.After(last.ExecutedAt) || (t.ExecutedAt.Equal(last.ExecutedAt) && t.ID > last.ID) {
			last = t
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

// memTx applies models.Tx against a cloned state.
type memTx struct {
	st *memState
}

func (t *memTx) wallet(userID int64, currency string) *models.Wallet {
	key := walletKey(userID, currency)
	w, ok := t.st.wallets[key]
	if !ok {
		w = &models.Wallet{
			UserID:    userID,
			Currency:  currency,
			Available: decimal.Zero,
			Reserved:  decimal.Zero,
		}
		t.st.wallets[key] = w
	}
	return w
}

func (t *memTx) Wallet(ctx context.Context, userID int64, currency string) (*models.Wallet, error) {
	cp := *t.wallet(userID, currency)
	return &cp, nil
}

func (t *memTx) DebitAvailable(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error {
	w := t.wallet(userID, currency)
	if w.Available.LessThan(amount) {
		return fmt.Errorf("%w: %s %s available for user %d", models.ErrInsufficientFunds, amount, currency, userID)
	}
	w.Available = w.Available.Sub(amount)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) CreditAvailable(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error {
	w := t.wallet(userID, currency)
	w.Available = w.Available.Add(amount)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) CreditReserved(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error {
	w := t.wallet(userID, currency)
	w.Reserved = w.Reserved.Add(amount)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) DebitReserved(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error {
	w := t.wallet(userID, currency)
	if w.Reserved.LessThan(amount) {
		return fmt.Errorf("%w: reserved balance below %s %s for user %d", models.ErrInternalInconsistency, amount, currency, userID)
	}
	w.Reserved = w.Reserved.Sub(amount)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) InsertReservation(ctx context.Context, r *models.FundReservation) error {
	t.st.nextRes++
	r.ID = t.st.nextRes
	r.CreatedAt = time.Now().UTC()
	cp := *r
	t.st.reservations[r.ID] = &cp
	return nil
}

func (t *memTx) ReservationForUpdate(ctx context.Context, id int64) (*models.FundReservation, error) {
	r, ok := t.st.reservations[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (t *memTx) UpdateReservation(ctx context.Context, r *models.FundReservation) error {
	if _, ok := t.st.reservations[r.ID]; !ok {
		return fmt.Errorf("%w: reservation %d vanished mid-update", models.ErrInternalInconsistency, r.ID)
	}
	cp := *r
	t.st.reservations[r.ID] = &cp
	return nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *models.Order) error {
	t.st.nextOrder++
	o.ID = t.st.nextOrder
	o.CreatedAt = time.Now().UTC()
	cp := *o
	t.st.orders[o.ID] = &cp
	return nil
}

func (t *memTx) OrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) UpdateOrder(ctx context.Context, o *models.Order) error {
	if _, ok := t.st.orders[o.ID]; !ok {
		return fmt.Errorf("%w: order %d vanished mid-update", models.ErrInternalInconsistency, o.ID)
	}
	cp := *o
	t.st.orders[o.ID] = &cp
	return nil
}

func (t *memTx) InsertTrade(ctx context.Context, trade *models.Trade) error {
	t.st.nextTrade++
	trade.ID = t.st.nextTrade
	cp := *trade
	t.st.trades = append(t.st.trades, &cp)
	return nil
}
