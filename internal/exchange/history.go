package exchange

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/models"
)

// Holding is an open position with its cost basis
type Holding struct {
	models.Position
	InvestedAmount decimal.Decimal `json:"invested_amount"`
}

// Portfolio is a user's cash and holdings
type Portfolio struct {
	Balance  decimal.Decimal `json:"balance"`
	Holdings []Holding       `json:"holdings"`
	Invested decimal.Decimal `json:"invested"`
}

// OrderView is an order with its fills
type OrderView struct {
	models.Order
	Trades           []models.Trade   `json:"trades"`
	FilledQuantity   int64            `json:"filled_quantity"`
	AvgExecutedPrice *decimal.Decimal `json:"avg_executed_price"`
}

// Account is a user's identity and cash balance
type Account struct {
	UserID   int             `json:"user_id"`
	Username string          `json:"username"`
	Balance  decimal.Decimal `json:"balance"`
}

// Account returns the user's name and wallet balance
func (e *Exchange) Account(ctx context.Context, userID int) (*Account, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	wallet, err := e.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Account{UserID: user.ID, Username: user.Username, Balance: wallet.Balance}, nil
}

// Portfolio returns the user's wallet balance and positions with a non-zero quantity
func (e *Exchange) Portfolio(ctx context.Context, userID int) (*Portfolio, error) {
	wallet, err := e.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := e.store.GetPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := &Portfolio{Balance: wallet.Balance, Holdings: []Holding{}, Invested: decimal.Zero}
	for _, pos := range positions {
		if pos.Quantity == 0 {
			continue
		}
		h := Holding{Position: pos, InvestedAmount: pos.InvestedAmount()}
		p.Holdings = append(p.Holdings, h)
		p.Invested = p.Invested.Add(h.InvestedAmount)
	}
	return p, nil
}

// OrderHistory returns the user's orders, newest first, each with its trades
func (e *Exchange) OrderHistory(ctx context.Context, userID int) ([]OrderView, error) {
	orders, err := e.store.GetUserOrders(ctx, userID)
	if err != nil {
		return nil, err
	}
	trades, err := e.store.GetUserTrades(ctx, userID)
	if err != nil {
		return nil, err
	}

	byOrder := make(map[int][]models.Trade, len(trades))
	for _, t := range trades {
		byOrder[t.OrderID] = append(byOrder[t.OrderID], t)
	}

	views := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		v := OrderView{Order: o, Trades: byOrder[o.ID]}
		if v.Trades == nil {
			v.Trades = []models.Trade{}
		}
		var amount decimal.Decimal
		for _, t := range v.Trades {
			v.FilledQuantity += t.Quantity
			amount = amount.Add(t.Amount)
		}
		if v.FilledQuantity > 0 {
			avg := amount.Div(decimal.NewFromInt(v.FilledQuantity))
			v.AvgExecutedPrice = &avg
		}
		views = append(views, v)
	}
	return views, nil
}

// TradeHistory returns the user's trades, newest first
func (e *Exchange) TradeHistory(ctx context.Context, userID int) ([]models.Trade, error) {
	return e.store.GetUserTrades(ctx, userID)
}
