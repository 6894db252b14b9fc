// Package memstore is an in-process store with the same contract as the
// PostgreSQL one. Every operation runs under a single mutex, so the order
// claim is one compare-and-set and a settlement is all-or-nothing.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/ledger"
	"github.com/xtrntr/papertrade/internal/models"
)

type positionKey struct {
	userID       int
	instrumentID int
}

// Store keeps users, wallets, instruments, positions, orders and trades in maps
type Store struct {
	mu sync.Mutex

	users       map[int]models.User
	usernames   map[string]int
	wallets     map[int]models.Wallet
	instruments map[int]models.Instrument
	symbols     map[string]int
	positions   map[positionKey]models.Position
	orders      map[int]models.Order
	trades      []models.Trade

	nextUser, nextInstrument, nextOrder, nextTrade int

	now func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		users:       make(map[int]models.User),
		usernames:   make(map[string]int),
		wallets:     make(map[int]models.Wallet),
		instruments: make(map[int]models.Instrument),
		symbols:     make(map[string]int),
		positions:   make(map[positionKey]models.Position),
		orders:      make(map[int]models.Order),
		now:         time.Now,
	}
}

// CreateUserWithWallet inserts a user and its funded wallet
func (s *Store) CreateUserWithWallet(ctx context.Context, username, passwordHash string, balance decimal.Decimal) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.usernames[username]; ok {
		return nil, models.ErrUserExists
	}
	s.nextUser++
	user := models.User{ID: s.nextUser, Username: username, PasswordHash: passwordHash, CreatedAt: s.now()}
	s.users[user.ID] = user
	s.usernames[username] = user.ID
	s.wallets[user.ID] = models.Wallet{UserID: user.ID, Balance: balance, UpdatedAt: user.CreatedAt}
	return &user, nil
}

// GetUserByUsername retrieves a user by username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.usernames[username]
	if !ok {
		return nil, models.ErrInvalidCredentials
	}
	user := s.users[id]
	return &user, nil
}

// GetUser retrieves a user by id
func (s *Store) GetUser(ctx context.Context, userID int) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	return &user, nil
}

// UpsertInstrument returns the instrument for symbol, creating it on first sight
func (s *Store) UpsertInstrument(ctx context.Context, symbol string) (*models.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.symbols[symbol]; ok {
		inst := s.instruments[id]
		return &inst, nil
	}
	s.nextInstrument++
	inst := models.Instrument{ID: s.nextInstrument, Symbol: symbol, Name: symbol}
	s.instruments[inst.ID] = inst
	s.symbols[symbol] = inst.ID
	return &inst, nil
}

// GetWallet retrieves a user's wallet
func (s *Store) GetWallet(ctx context.Context, userID int) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, models.ErrWalletNotFound
	}
	return &w, nil
}

// GetPositions retrieves all positions held by a user, ordered by symbol
func (s *Store) GetPositions(ctx context.Context, userID int) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions := []models.Position{}
	for key, p := range s.positions {
		if key.userID == userID {
			positions = append(positions, p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// CreateOrder inserts a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[order.UserID]; !ok {
		return nil, fmt.Errorf("failed to create order: user %d not found", order.UserID)
	}
	inst, ok := s.instruments[order.InstrumentID]
	if !ok {
		return nil, fmt.Errorf("failed to create order: instrument %d not found", order.InstrumentID)
	}

	s.nextOrder++
	created := *order
	created.ID = s.nextOrder
	created.Symbol = inst.Symbol
	created.CreatedAt = s.now()
	if created.Status == "" {
		created.Status = models.OrderStatusPending
	}
	if order.LimitPrice != nil {
		lp := *order.LimitPrice
		created.LimitPrice = &lp
	}
	s.orders[created.ID] = created
	return &created, nil
}

// GetOrder retrieves an order
func (s *Store) GetOrder(ctx context.Context, orderID int) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	return &o, nil
}

// GetUserOrders retrieves all orders for a user, newest first
func (s *Store) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := []models.Order{}
	for _, o := range s.orders {
		if o.UserID == userID {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

// ListPendingLimitOrders retrieves every PENDING LIMIT order, oldest first
func (s *Store) ListPendingLimitOrders(ctx context.Context) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := []models.Order{}
	for _, o := range s.orders {
		if o.Status == models.OrderStatusPending && o.Type == models.OrderTypeLimit {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

// ClaimOrder flips an order from PENDING to EXECUTING, reporting false when
// it was no longer PENDING
func (s *Store) ClaimOrder(ctx context.Context, orderID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.Status != models.OrderStatusPending {
		return false, nil
	}
	o.Status = models.OrderStatusExecuting
	s.orders[orderID] = o
	return true, nil
}

// ReleaseOrder flips a claimed order back to PENDING
func (s *Store) ReleaseOrder(ctx context.Context, orderID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.Status != models.OrderStatusExecuting {
		return false, nil
	}
	o.Status = models.OrderStatusPending
	s.orders[orderID] = o
	return true, nil
}

// CancelOrder cancels a PENDING order owned by userID; other statuses are returned unchanged
func (s *Store) CancelOrder(ctx context.Context, orderID, userID int) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.UserID != userID {
		return nil, models.ErrOrderNotFound
	}
	if o.Status == models.OrderStatusPending {
		o.Status = models.OrderStatusCancelled
		s.orders[orderID] = o
	}
	return &o, nil
}

// Settle fills order at price. The whole unit runs under the store lock.
func (s *Store) Settle(ctx context.Context, order models.Order, price decimal.Decimal) (*models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[order.ID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	if !current.Status.Settleable() {
		return nil, fmt.Errorf("order %d is %s: %w", order.ID, current.Status, models.ErrOrderNotSettleable)
	}

	wallet, ok := s.wallets[order.UserID]
	if !ok {
		return nil, models.ErrWalletNotFound
	}

	key := positionKey{order.UserID, order.InstrumentID}
	var pos *models.Position
	if p, ok := s.positions[key]; ok {
		pos = &p
	}

	res, err := ledger.Apply(order, price, wallet.Balance, pos)
	if errors.Is(err, models.ErrInsufficientBalance) || errors.Is(err, models.ErrInsufficientShares) {
		current.Status = models.OrderStatusCancelled
		s.orders[order.ID] = current
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	wallet.Balance = res.Balance
	wallet.UpdatedAt = now
	s.wallets[order.UserID] = wallet

	res.Position.Symbol = s.instruments[order.InstrumentID].Symbol
	s.positions[key] = res.Position

	s.nextTrade++
	trade := ledger.NewTrade(order, price)
	trade.ID = s.nextTrade
	trade.Symbol = res.Position.Symbol
	trade.CreatedAt = now
	s.trades = append(s.trades, trade)

	current.Status = models.OrderStatusExecuted
	s.orders[order.ID] = current
	return &trade, nil
}

// GetUserTrades retrieves all trades for a user, newest first
func (s *Store) GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trades := []models.Trade{}
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].UserID == userID {
			trades = append(trades, s.trades[i])
		}
	}
	return trades, nil
}

// GetAllTrades retrieves every trade, oldest first
func (s *Store) GetAllTrades(ctx context.Context) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.Trade{}, s.trades...), nil
}

// SetPosition overwrites a position; used to seed holdings
func (s *Store) SetPosition(userID, instrumentID int, quantity int64, avg decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[positionKey{userID, instrumentID}] = models.Position{
		UserID:       userID,
		InstrumentID: instrumentID,
		Symbol:       s.instruments[instrumentID].Symbol,
		Quantity:     quantity,
		AvgBuyPrice:  avg,
	}
}
