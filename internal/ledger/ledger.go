// Package ledger holds the arithmetic of a settlement: what a single fill does
// to a wallet and a position. Stores run it inside their own atomic unit.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/models"
)

// AvgPricePlaces is the scale kept for weighted average cost
const AvgPricePlaces = 8

// Result is the post-settlement state of the wallet and position touched by one order
type Result struct {
	Amount   decimal.Decimal
	Balance  decimal.Decimal
	Position models.Position
	// NewPosition is set when the fill opens a position that did not exist
	NewPosition bool
}

// Apply computes the effect of filling order at price against the current
// balance and position (nil when the user holds none of the instrument).
// It never mutates its inputs. On rejection it returns ErrInsufficientBalance
// or ErrInsufficientShares and a zero Result.
func Apply(order models.Order, price, balance decimal.Decimal, pos *models.Position) (Result, error) {
	if order.Quantity <= 0 {
		return Result{}, fmt.Errorf("order %d: quantity must be positive", order.ID)
	}
	if !price.IsPositive() {
		return Result{}, fmt.Errorf("order %d: price must be positive", order.ID)
	}

	qty := decimal.NewFromInt(order.Quantity)
	amount := price.Mul(qty)

	switch order.Side {
	case models.SideBuy:
		// Equal balance is enough; only strictly less is rejected.
		if balance.LessThan(amount) {
			return Result{}, models.ErrInsufficientBalance
		}
		res := Result{Amount: amount, Balance: balance.Sub(amount)}
		if pos == nil {
			res.NewPosition = true
			res.Position = models.Position{
				UserID:       order.UserID,
				InstrumentID: order.InstrumentID,
				Symbol:       order.Symbol,
				Quantity:     order.Quantity,
				AvgBuyPrice:  price,
			}
			return res, nil
		}
		newQty := pos.Quantity + order.Quantity
		cost := pos.AvgBuyPrice.Mul(decimal.NewFromInt(pos.Quantity)).Add(amount)
		res.Position = *pos
		res.Position.Quantity = newQty
		res.Position.AvgBuyPrice = cost.Div(decimal.NewFromInt(newQty)).Round(AvgPricePlaces)
		return res, nil

	case models.SideSell:
		if pos == nil || pos.Quantity < order.Quantity {
			return Result{}, models.ErrInsufficientShares
		}
		res := Result{Amount: amount, Balance: balance.Add(amount), Position: *pos}
		res.Position.Quantity = pos.Quantity - order.Quantity
		return res, nil
	}

	return Result{}, fmt.Errorf("order %d: unknown side %q", order.ID, order.Side)
}

// NewTrade builds the trade row for a settled order; ID and CreatedAt are
// left for the store to assign.
func NewTrade(order models.Order, price decimal.Decimal) models.Trade {
	return models.Trade{
		OrderID:      order.ID,
		UserID:       order.UserID,
		InstrumentID: order.InstrumentID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		Quantity:     order.Quantity,
		Price:        price,
		Amount:       price.Mul(decimal.NewFromInt(order.Quantity)),
	}
}
