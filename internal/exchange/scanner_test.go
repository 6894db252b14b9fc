package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/papertrade/internal/models"
)

// A LIMIT BUY at 50 fills at the observed 49, not at its limit.
func TestScan_LimitBuyFillsAtObservedPrice(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()
	order := h.limit(t, models.SideBuy, 10, "50")

	h.tick(t, "AAPL", "49")
	res, err := h.ex.Scan(ctx, nil)
	require.NoError(t, err)
	h.ex.Wait()
	assert.Equal(t, ScanResult{Evaluated: 1, Triggered: 1, Executed: 1}, res)

	assert.Equal(t, models.OrderStatusExecuted, h.order(t, order.ID).Status)
	trades, err := h.store.GetUserTrades(ctx, h.user.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, d("49").Equal(trades[0].Price))
	assert.True(t, d("510").Equal(h.balance(t)))
	assert.Len(t, h.publisher.Trades(), 1)
}

func TestScan_Triggers(t *testing.T) {
	tests := []struct {
		name      string
		side      models.Side
		limit     string
		tick      string
		wantFired bool
	}{
		{"BuyBelowLimit", models.SideBuy, "50", "49.99", true},
		{"BuyAtLimit", models.SideBuy, "50", "50", true},
		{"BuyAboveLimit", models.SideBuy, "50", "50.01", false},
		{"SellAboveLimit", models.SideSell, "50", "50.01", true},
		{"SellAtLimit", models.SideSell, "50", "50", true},
		{"SellBelowLimit", models.SideSell, "50", "49.99", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "1000")
			inst, err := h.store.UpsertInstrument(context.Background(), "AAPL")
			require.NoError(t, err)
			h.store.SetPosition(h.user.ID, inst.ID, 1, d("40"))
			order := h.limit(t, tt.side, 1, tt.limit)

			h.tick(t, "AAPL", tt.tick)
			res, err := h.ex.Scan(context.Background(), nil)
			require.NoError(t, err)

			want := models.OrderStatusPending
			if tt.wantFired {
				want = models.OrderStatusExecuted
				assert.Equal(t, 1, res.Executed)
			}
			assert.Equal(t, want, h.order(t, order.ID).Status)
		})
	}
}

func TestScan_SkipsWithoutCachedPrice(t *testing.T) {
	h := newHarness(t, "1000")
	h.source.set("AAPL", "1")
	order := h.limit(t, models.SideBuy, 1, "50")

	res, err := h.ex.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, h.source.calls, "the scanner never calls the quote source")
	assert.Equal(t, models.OrderStatusPending, h.order(t, order.ID).Status)
}

func TestScan_RejectionCancels(t *testing.T) {
	h := newHarness(t, "100")
	order := h.limit(t, models.SideBuy, 10, "50")

	h.tick(t, "AAPL", "40")
	res, err := h.ex.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, models.OrderStatusCancelled, h.order(t, order.ID).Status)
	assert.True(t, d("100").Equal(h.balance(t)))

	// a cancelled order is never claimed again
	res, err = h.ex.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Triggered)
}

func TestScan_StorageFailureReleasesClaim(t *testing.T) {
	h := newHarness(t, "1000")
	store := &failingSettleStore{Store: h.store, failures: 1}
	h.ex = NewExchange(store, h.prices, h.registry, h.publisher, nil)
	order := h.limit(t, models.SideBuy, 1, "50")

	h.tick(t, "AAPL", "45")
	res, err := h.ex.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Executed)
	assert.Equal(t, models.OrderStatusPending, h.order(t, order.ID).Status)

	res, err = h.ex.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, models.OrderStatusExecuted, h.order(t, order.ID).Status)
}

func TestScan_OverlappingPassesFillOnce(t *testing.T) {
	h := newHarness(t, "100000")
	ctx := context.Background()
	var ids []int
	for i := 0; i < 20; i++ {
		ids = append(ids, h.limit(t, models.SideBuy, 1, "50").ID)
	}
	h.tick(t, "AAPL", "10")

	var wg sync.WaitGroup
	var mu sync.Mutex
	executed := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.ex.Scan(ctx, nil)
			if err == nil {
				mu.Lock()
				executed += res.Executed
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	h.ex.Wait()

	assert.Equal(t, 20, executed)
	trades, err := h.store.GetUserTrades(ctx, h.user.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 20)
	for _, id := range ids {
		assert.Equal(t, models.OrderStatusExecuted, h.order(t, id).Status)
	}
	assert.True(t, d("99800").Equal(h.balance(t)))
}

func TestScan_SymbolFilter(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()
	aapl := h.limit(t, models.SideBuy, 1, "50")
	msft, err := h.ex.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: h.user.ID, Symbol: "MSFT", Side: models.SideBuy, Type: models.OrderTypeLimit,
		Quantity: 1, LimitPrice: dp("50"),
	})
	require.NoError(t, err)
	h.tick(t, "AAPL", "10")
	h.tick(t, "MSFT", "10")

	res, err := h.ex.Scan(ctx, []string{"MSFT"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, models.OrderStatusPending, h.order(t, aapl.ID).Status)
	assert.Equal(t, models.OrderStatusExecuted, h.order(t, msft.Order.ID).Status)
}

func TestScan_PrunesRegistry(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()
	order := h.limit(t, models.SideBuy, 1, "50")
	require.NoError(t, h.registry.Add(ctx, "STALE"))

	_, err := h.ex.Scan(ctx, nil)
	require.NoError(t, err)
	symbols, err := h.registry.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, symbols)

	_, err = h.ex.CancelOrder(ctx, h.user.ID, order.ID)
	require.NoError(t, err)
	_, err = h.ex.Scan(ctx, nil)
	require.NoError(t, err)
	symbols, err = h.registry.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, symbols)
}

func TestScan_ReregistersLostSymbols(t *testing.T) {
	h := newHarness(t, "1000")
	ctx := context.Background()
	h.limit(t, models.SideBuy, 1, "50")
	h.mr.FlushAll()

	_, err := h.ex.Scan(ctx, nil)
	require.NoError(t, err)
	symbols, err := h.registry.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, symbols)
}

func TestScanner_NudgeTriggersPass(t *testing.T) {
	h := newHarness(t, "1000")
	order := h.limit(t, models.SideBuy, 1, "50")
	scanner := NewScanner(h.ex, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scanner.Run(ctx) }()

	h.tick(t, "AAPL", "45")
	scanner.Nudge([]string{"AAPL"})

	assert.Eventually(t, func() bool {
		o, err := h.store.GetOrder(context.Background(), order.ID)
		return err == nil && o.Status == models.OrderStatusExecuted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scanner did not stop")
	}
	h.ex.Wait()
}

func TestScanner_IntervalPass(t *testing.T) {
	h := newHarness(t, "1000")
	order := h.limit(t, models.SideSell, 1, "50")
	inst, err := h.store.UpsertInstrument(context.Background(), "AAPL")
	require.NoError(t, err)
	h.store.SetPosition(h.user.ID, inst.ID, 1, d("40"))
	h.tick(t, "AAPL", "55")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewScanner(h.ex, 20*time.Millisecond, nil).Run(ctx)

	assert.Eventually(t, func() bool {
		o, err := h.store.GetOrder(context.Background(), order.ID)
		return err == nil && o.Status == models.OrderStatusExecuted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScanner_NudgeCoalesces(t *testing.T) {
	s := NewScanner(nil, time.Hour, nil)
	s.Nudge([]string{"AAPL"})
	s.Nudge([]string{"MSFT", "AAPL"})
	s.Nudge(nil)

	assert.Len(t, s.wake, 1)
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, s.drain())
	assert.Empty(t, s.drain())
}
