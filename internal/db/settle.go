package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/ledger"
	"github.com/xtrntr/papertrade/internal/models"
)

// Settle fills order at price as one transaction: wallet, position, trade
// and order status commit together or not at all.
//
// Rows are locked in a fixed order (order, wallet, position) so concurrent
// settlements for the same user serialize instead of losing updates. When the
// ledger rejects the fill the order is marked CANCELLED, that single change is
// committed, and the ledger error is returned.
func (db *DB) Settle(ctx context.Context, order models.Order, price decimal.Decimal) (*models.Trade, error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status models.OrderStatus
	err = tx.QueryRow(ctx, "SELECT status FROM orders WHERE id = $1 FOR UPDATE", order.ID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	if !status.Settleable() {
		return nil, fmt.Errorf("order %d is %s: %w", order.ID, status, models.ErrOrderNotSettleable)
	}

	balance, err := lockWallet(ctx, tx, order.UserID)
	if err != nil {
		return nil, err
	}

	pos, err := lockPosition(ctx, tx, order.UserID, order.InstrumentID)
	if err != nil {
		return nil, err
	}

	res, err := ledger.Apply(order, price, balance, pos)
	if errors.Is(err, models.ErrInsufficientBalance) || errors.Is(err, models.ErrInsufficientShares) {
		if _, cerr := tx.Exec(ctx, "UPDATE orders SET status = 'CANCELLED' WHERE id = $1", order.ID); cerr != nil {
			return nil, fmt.Errorf("failed to cancel order: %w", cerr)
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", cerr)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		"UPDATE wallets SET balance = $1, updated_at = NOW() WHERE user_id = $2",
		res.Balance, order.UserID); err != nil {
		return nil, fmt.Errorf("failed to update wallet: %w", err)
	}

	if res.NewPosition {
		_, err = tx.Exec(ctx,
			"INSERT INTO positions (user_id, instrument_id, quantity, avg_buy_price) VALUES ($1, $2, $3, $4)",
			order.UserID, order.InstrumentID, res.Position.Quantity, res.Position.AvgBuyPrice)
	} else {
		_, err = tx.Exec(ctx,
			"UPDATE positions SET quantity = $1, avg_buy_price = $2 WHERE user_id = $3 AND instrument_id = $4",
			res.Position.Quantity, res.Position.AvgBuyPrice, order.UserID, order.InstrumentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update position: %w", err)
	}

	trade := ledger.NewTrade(order, price)
	err = tx.QueryRow(ctx, `
		INSERT INTO trades (order_id, user_id, instrument_id, side, quantity, price, amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		trade.OrderID, trade.UserID, trade.InstrumentID, trade.Side, trade.Quantity, trade.Price, trade.Amount,
	).Scan(&trade.ID, &trade.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}

	if _, err := tx.Exec(ctx, "UPDATE orders SET status = 'EXECUTED' WHERE id = $1", order.ID); err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &trade, nil
}

func lockWallet(ctx context.Context, tx pgx.Tx, userID int) (decimal.Decimal, error) {
	var balance string
	err := tx.QueryRow(ctx, "SELECT balance::text FROM wallets WHERE user_id = $1 FOR UPDATE", userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, models.ErrWalletNotFound
		}
		return decimal.Zero, fmt.Errorf("failed to lock wallet: %w", err)
	}
	b, err := decimal.NewFromString(balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse wallet balance: %w", err)
	}
	return b, nil
}

// lockPosition returns nil when the user holds no row for the instrument
func lockPosition(ctx context.Context, tx pgx.Tx, userID, instrumentID int) (*models.Position, error) {
	pos := &models.Position{UserID: userID, InstrumentID: instrumentID}
	var avg string
	err := tx.QueryRow(ctx, `
		SELECT quantity, avg_buy_price::text FROM positions
		WHERE user_id = $1 AND instrument_id = $2
		FOR UPDATE`,
		userID, instrumentID).Scan(&pos.Quantity, &avg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock position: %w", err)
	}
	if pos.AvgBuyPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("failed to parse avg buy price: %w", err)
	}
	return pos, nil
}
