package db

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/models"
)

const (
	orderColumns          = "id, user_id, instrument_id, side, type, quantity, limit_price::text, status, created_at"
	orderColumnsQualified = "o.id, o.user_id, o.instrument_id, o.side, o.type, o.quantity, o.limit_price::text, o.status, o.created_at"
	tradeColumnsQualified = "t.id, t.order_id, t.user_id, t.instrument_id, t.side, t.quantity, t.price::text, t.amount::text, t.created_at"
)

// scanOrder reads orderColumns, followed by the instrument symbol when withSymbol is set
func scanOrder(row pgx.Row, order *models.Order, withSymbol bool) error {
	var limit *string
	dest := []any{
		&order.ID, &order.UserID, &order.InstrumentID, &order.Side, &order.Type,
		&order.Quantity, &limit, &order.Status, &order.CreatedAt,
	}
	if withSymbol {
		dest = append(dest, &order.Symbol)
	}
	if err := row.Scan(dest...); err != nil {
		return err
	}
	if limit != nil {
		price, err := decimal.NewFromString(*limit)
		if err != nil {
			return fmt.Errorf("failed to parse limit price: %w", err)
		}
		order.LimitPrice = &price
	}
	return nil
}

func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var order models.Order
		if err := scanOrder(rows, &order, true); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func scanTrade(row pgx.Row, trade *models.Trade) error {
	var price, amount string
	if err := row.Scan(
		&trade.ID, &trade.OrderID, &trade.UserID, &trade.InstrumentID, &trade.Side,
		&trade.Quantity, &price, &amount, &trade.CreatedAt, &trade.Symbol,
	); err != nil {
		return err
	}
	var err error
	if trade.Price, err = decimal.NewFromString(price); err != nil {
		return fmt.Errorf("failed to parse trade price: %w", err)
	}
	if trade.Amount, err = decimal.NewFromString(amount); err != nil {
		return fmt.Errorf("failed to parse trade amount: %w", err)
	}
	return nil
}

func collectTrades(rows pgx.Rows) ([]models.Trade, error) {
	defer rows.Close()

	trades := []models.Trade{}
	for rows.Next() {
		var trade models.Trade
		if err := scanTrade(rows, &trade); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trades, nil
}
