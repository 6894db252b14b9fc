package db

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/papertrade/internal/models"
)

var testDB *DB

func TestMain(m *testing.M) {
	connString := os.Getenv("PAPERTRADE_TEST_DATABASE_URL")
	if connString == "" {
		fmt.Println("PAPERTRADE_TEST_DATABASE_URL not set, skipping postgres tests")
		os.Exit(0)
	}

	ctx := context.Background()
	var err error
	testDB, err = NewDB(ctx, connString)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}

	migration, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to read migration: %v\n", err)
		os.Exit(1)
	}
	if err := testDB.Migrate(ctx, string(migration)); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(ctx)
	os.Exit(code)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// reset truncates every table and creates user 1 (alice) with the given balance
// and instrument 1 (AAPL).
func reset(t *testing.T, balance string) (*models.User, *models.Instrument) {
	t.Helper()
	ctx := context.Background()
	_, err := testDB.Pool.Exec(ctx, "TRUNCATE TABLE trades, orders, positions, wallets, instruments, users RESTART IDENTITY CASCADE")
	require.NoError(t, err)

	user, err := testDB.CreateUserWithWallet(ctx, "alice", "hash", d(balance))
	require.NoError(t, err)
	inst, err := testDB.UpsertInstrument(ctx, "AAPL")
	require.NoError(t, err)
	return user, inst
}

func placeOrder(t *testing.T, userID int, inst *models.Instrument, side models.Side, typ models.OrderType, qty int64, limit string) *models.Order {
	t.Helper()
	order := &models.Order{UserID: userID, InstrumentID: inst.ID, Symbol: inst.Symbol, Side: side, Type: typ, Quantity: qty}
	if limit != "" {
		lp := d(limit)
		order.LimitPrice = &lp
	}
	created, err := testDB.CreateOrder(context.Background(), order)
	require.NoError(t, err)
	return created
}

func TestDB_CreateOrder(t *testing.T) {
	user, inst := reset(t, "1000")
	fifty := d("50")
	zero := decimal.Zero

	tests := []struct {
		name        string
		order       *models.Order
		expectError bool
	}{
		{"Market", &models.Order{UserID: user.ID, InstrumentID: inst.ID, Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: 1}, false},
		{"Limit", &models.Order{UserID: user.ID, InstrumentID: inst.ID, Side: models.SideSell, Type: models.OrderTypeLimit, Quantity: 1, LimitPrice: &fifty}, false},
		{"InvalidSide", &models.Order{UserID: user.ID, InstrumentID: inst.ID, Side: "HOLD", Type: models.OrderTypeMarket, Quantity: 1}, true},
		{"ZeroQuantity", &models.Order{UserID: user.ID, InstrumentID: inst.ID, Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: 0}, true},
		{"LimitWithoutPrice", &models.Order{UserID: user.ID, InstrumentID: inst.ID, Side: models.SideBuy, Type: models.OrderTypeLimit, Quantity: 1}, true},
		{"LimitZeroPrice", &models.Order{UserID: user.ID, InstrumentID: inst.ID, Side: models.SideBuy, Type: models.OrderTypeLimit, Quantity: 1, LimitPrice: &zero}, true},
		{"MarketWithPrice", &models.Order{UserID: user.ID, InstrumentID: inst.ID, Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: 1, LimitPrice: &fifty}, true},
		{"NonExistentUser", &models.Order{UserID: 999, InstrumentID: inst.ID, Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			created, err := testDB.CreateOrder(context.Background(), tt.order)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.OrderStatusPending, created.Status)
			assert.NotZero(t, created.ID)
		})
	}
}

func TestDB_UpsertInstrument(t *testing.T) {
	reset(t, "0")
	ctx := context.Background()

	first, err := testDB.UpsertInstrument(ctx, "MSFT")
	require.NoError(t, err)
	second, err := testDB.UpsertInstrument(ctx, "MSFT")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestDB_CreateUserWithWallet_Duplicate(t *testing.T) {
	reset(t, "0")
	_, err := testDB.CreateUserWithWallet(context.Background(), "alice", "hash", d("10"))
	assert.ErrorIs(t, err, models.ErrUserExists)
}

func TestDB_GetUser(t *testing.T) {
	user, _ := reset(t, "0")

	got, err := testDB.GetUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	_, err = testDB.GetUser(context.Background(), user.ID+1)
	assert.ErrorIs(t, err, models.ErrUserNotFound)
}

func TestDB_ClaimOrder_Concurrent(t *testing.T) {
	user, inst := reset(t, "1000")
	order := placeOrder(t, user.ID, inst, models.SideBuy, models.OrderTypeLimit, 1, "50")

	var wg sync.WaitGroup
	n := 10
	wg.Add(n)
	successCount := 0
	mu := sync.Mutex{}

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			claimed, err := testDB.ClaimOrder(context.Background(), order.ID)
			if err == nil && claimed {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successCount)
	got, err := testDB.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExecuting, got.Status)
}

func TestDB_ReleaseOrder(t *testing.T) {
	user, inst := reset(t, "1000")
	ctx := context.Background()
	order := placeOrder(t, user.ID, inst, models.SideBuy, models.OrderTypeLimit, 1, "50")

	released, err := testDB.ReleaseOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, released, "a PENDING order has no claim to release")

	claimed, err := testDB.ClaimOrder(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	released, err = testDB.ReleaseOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, released)

	got, err := testDB.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
}

func TestDB_CancelOrder(t *testing.T) {
	user, inst := reset(t, "1000")
	ctx := context.Background()
	pending := placeOrder(t, user.ID, inst, models.SideBuy, models.OrderTypeLimit, 1, "50")
	claimed := placeOrder(t, user.ID, inst, models.SideBuy, models.OrderTypeLimit, 1, "50")
	ok, err := testDB.ClaimOrder(ctx, claimed.ID)
	require.NoError(t, err)
	require.True(t, ok)

	tests := []struct {
		name         string
		orderID      int
		userID       int
		expectError  error
		expectStatus models.OrderStatus
	}{
		{"Pending", pending.ID, user.ID, nil, models.OrderStatusCancelled},
		{"AlreadyCancelled", pending.ID, user.ID, nil, models.OrderStatusCancelled},
		{"ClaimedIsUnaffected", claimed.ID, user.ID, nil, models.OrderStatusExecuting},
		{"NonExistentOrder", 999, user.ID, models.ErrOrderNotFound, ""},
		{"WrongUser", pending.ID, 999, models.ErrOrderNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := testDB.CancelOrder(ctx, tt.orderID, tt.userID)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectStatus, order.Status)
		})
	}
}

func TestDB_Settle_MarketBuy(t *testing.T) {
	user, inst := reset(t, "2000")
	ctx := context.Background()
	order := placeOrder(t, user.ID, inst, models.SideBuy, models.OrderTypeMarket, 10, "")

	trade, err := testDB.Settle(ctx, *order, d("100"))
	require.NoError(t, err)
	assert.True(t, d("1000").Equal(trade.Amount))
	assert.Equal(t, int64(10), trade.Quantity)

	wallet, err := testDB.GetWallet(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, d("1000").Equal(wallet.Balance), "balance %s", wallet.Balance)

	positions, err := testDB.GetPositions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(10), positions[0].Quantity)
	assert.True(t, d("100").Equal(positions[0].AvgBuyPrice))

	got, err := testDB.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExecuted, got.Status)

	// settling again must not produce a second trade
	_, err = testDB.Settle(ctx, *order, d("100"))
	assert.ErrorIs(t, err, models.ErrOrderNotSettleable)
	trades, err := testDB.GetUserTrades(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestDB_Settle_ExactBalance(t *testing.T) {
	user, inst := reset(t, "1000")
	order := placeOrder(t, user.ID, inst, models.SideBuy, models.OrderTypeMarket, 10, "")

	_, err := testDB.Settle(context.Background(), *order, d("100"))
	require.NoError(t, err)

	wallet, err := testDB.GetWallet(context.Background(), user.ID)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.IsZero())
}

func TestDB_Settle_InsufficientShares(t *testing.T) {
	user, inst := reset(t, "1000")
	ctx := context.Background()

	buy := placeOrder(t, user.ID, inst, models.SideBuy, models.OrderTypeMarket, 3, "")
	_, err := testDB.Settle(ctx, *buy, d("10"))
	require.NoError(t, err)

	sell := placeOrder(t, user.ID, inst, models.SideSell, models.OrderTypeMarket, 5, "")
	_, err = testDB.Settle(ctx, *sell, d("10"))
	assert.ErrorIs(t, err, models.ErrInsufficientShares)

	got, err := testDB.GetOrder(ctx, sell.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)

	wallet, err := testDB.GetWallet(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, d("970").Equal(wallet.Balance))

	positions, err := testDB.GetPositions(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), positions[0].Quantity)

	trades, err := testDB.GetUserTrades(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestDB_Settle_InsufficientBalance(t *testing.T) {
	user, inst := reset(t, "99")
	ctx := context.Background()
	order := placeOrder(t, user.ID, inst, models.SideBuy, models.OrderTypeLimit, 1, "120")
	ok, err := testDB.ClaimOrder(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = testDB.Settle(ctx, *order, d("100"))
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	got, err := testDB.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)

	positions, err := testDB.GetPositions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestDB_Settle_ConcurrentSameWallet(t *testing.T) {
	user, inst := reset(t, "1000")
	ctx := context.Background()

	n := 20
	orders := make([]*models.Order, n)
	for i := range orders {
		orders[i] = placeOrder(t, user.ID, inst, models.SideBuy, models.OrderTypeMarket, 1, "")
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for _, order := range orders {
		go func(o models.Order) {
			defer wg.Done()
			_, _ = testDB.Settle(ctx, o, d("75"))
		}(*order)
	}
	wg.Wait()

	// 1000 / 75 -> 13 fills, 7 rejections, no lost update
	trades, err := testDB.GetUserTrades(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 13)

	wallet, err := testDB.GetWallet(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, d("25").Equal(wallet.Balance), "balance %s", wallet.Balance)

	positions, err := testDB.GetPositions(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(13), positions[0].Quantity)
}

func TestDB_ListPendingLimitOrders(t *testing.T) {
	user, inst := reset(t, "1000")
	ctx := context.Background()

	placeOrder(t, user.ID, inst, models.SideBuy, models.OrderTypeMarket, 1, "")
	first := placeOrder(t, user.ID, inst, models.SideBuy, models.OrderTypeLimit, 1, "50")
	second := placeOrder(t, user.ID, inst, models.SideSell, models.OrderTypeLimit, 1, "60")
	cancelled := placeOrder(t, user.ID, inst, models.SideSell, models.OrderTypeLimit, 1, "70")
	_, err := testDB.CancelOrder(ctx, cancelled.ID, user.ID)
	require.NoError(t, err)

	orders, err := testDB.ListPendingLimitOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, first.ID, orders[0].ID)
	assert.Equal(t, second.ID, orders[1].ID)
	assert.Equal(t, "AAPL", orders[0].Symbol)
	assert.True(t, d("50").Equal(*orders[0].LimitPrice))
}

func TestDB_GetUserOrders(t *testing.T) {
	user, inst := reset(t, "1000")
	ctx := context.Background()
	placeOrder(t, user.ID, inst, models.SideBuy, models.OrderTypeLimit, 1, "50")
	placeOrder(t, user.ID, inst, models.SideBuy, models.OrderTypeMarket, 2, "")

	tests := []struct {
		name        string
		userID      int
		expectCount int
	}{
		{"UserWithOrders", user.ID, 2},
		{"UserWithNoOrders", 999, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders, err := testDB.GetUserOrders(ctx, tt.userID)
			require.NoError(t, err)
			assert.Len(t, orders, tt.expectCount)
		})
	}
}
