package memstore

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/models"
	"pgregory.net/rapid"
)

var statusRank = map[models.OrderStatus]int{
	models.OrderStatusPending:   0,
	models.OrderStatusExecuting: 1,
	models.OrderStatusExecuted:  2,
	models.OrderStatusCancelled: 2,
}

// Random interleavings of claim, cancel and settle keep every order moving
// forward, and every EXECUTED order owns exactly one matching trade.
func TestProperty_OrderLifecycle(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		s := New()
		user, _ := s.CreateUserWithWallet(ctx, "u", "h", decimal.New(rapid.Int64Range(0, 100_000).Draw(t, "balance"), 0))
		inst, _ := s.UpsertInstrument(ctx, "AAPL")
		s.SetPosition(user.ID, inst.ID, rapid.Int64Range(0, 50).Draw(t, "held"), decimal.NewFromInt(10))

		n := rapid.IntRange(1, 6).Draw(t, "orders")
		ids := make([]int, n)
		for i := range ids {
			o := &models.Order{
				UserID:       user.ID,
				InstrumentID: inst.ID,
				Side:         rapid.SampledFrom([]models.Side{models.SideBuy, models.SideSell}).Draw(t, "side"),
				Type:         models.OrderTypeLimit,
				Quantity:     rapid.Int64Range(1, 40).Draw(t, "qty"),
			}
			lp := decimal.NewFromInt(100)
			o.LimitPrice = &lp
			created, err := s.CreateOrder(ctx, o)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			ids[i] = created.ID
		}

		last := map[int]models.OrderStatus{}
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(ids).Draw(t, "id")
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				_, _ = s.ClaimOrder(ctx, id)
			case 1:
				_, _ = s.CancelOrder(ctx, id, user.ID)
			case 2:
				o, _ := s.GetOrder(ctx, id)
				_, _ = s.Settle(ctx, *o, decimal.NewFromInt(rapid.Int64Range(1, 500).Draw(t, "price")))
			}

			for _, oid := range ids {
				o, _ := s.GetOrder(ctx, oid)
				prev, seen := last[oid]
				if seen && statusRank[o.Status] < statusRank[prev] {
					t.Fatalf("order %d moved back from %s to %s", oid, prev, o.Status)
				}
				if seen && prev.Terminal() && o.Status != prev {
					t.Fatalf("order %d left terminal %s for %s", oid, prev, o.Status)
				}
				last[oid] = o.Status
			}
		}

		trades, _ := s.GetAllTrades(ctx)
		perOrder := map[int]int{}
		for _, tr := range trades {
			perOrder[tr.OrderID]++
		}
		for _, oid := range ids {
			o, _ := s.GetOrder(ctx, oid)
			want := 0
			if o.Status == models.OrderStatusExecuted {
				want = 1
			}
			if perOrder[oid] != want {
				t.Fatalf("order %d is %s with %d trades", oid, o.Status, perOrder[oid])
			}
		}
		for _, tr := range trades {
			o, _ := s.GetOrder(ctx, tr.OrderID)
			if tr.Quantity != o.Quantity {
				t.Fatalf("trade quantity %d != order quantity %d", tr.Quantity, o.Quantity)
			}
		}

		wallet, _ := s.GetWallet(ctx, user.ID)
		if wallet.Balance.IsNegative() {
			t.Fatalf("negative balance %s", wallet.Balance)
		}
		positions, _ := s.GetPositions(ctx, user.ID)
		for _, p := range positions {
			if p.Quantity < 0 {
				t.Fatalf("negative position %d", p.Quantity)
			}
		}
	})
}
