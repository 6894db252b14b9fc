package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/models"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate applies the schema in migration (idempotent DDL)
func (db *DB) Migrate(ctx context.Context, migration string) error {
	if _, err := db.Pool.Exec(ctx, migration); err != nil {
		return fmt.Errorf("failed to apply migration: %w", err)
	}
	return nil
}

// CreateUserWithWallet inserts a user and its wallet in one transaction
func (db *DB) CreateUserWithWallet(ctx context.Context, username, passwordHash string, balance decimal.Decimal) (*models.User, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	user := &models.User{}
	err = tx.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, models.ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if _, err := tx.Exec(ctx, "INSERT INTO wallets (user_id, balance) VALUES ($1, $2)", user.ID, balance); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, userID int) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE id = $1",
		userID).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpsertInstrument returns the instrument for symbol, creating it on first sight
func (db *DB) UpsertInstrument(ctx context.Context, symbol string) (*models.Instrument, error) {
	inst := &models.Instrument{}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO instruments (symbol, name) VALUES ($1, $1)
		ON CONFLICT (symbol) DO UPDATE SET symbol = EXCLUDED.symbol
		RETURNING id, symbol, name`,
		symbol).Scan(&inst.ID, &inst.Symbol, &inst.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert instrument: %w", err)
	}
	return inst, nil
}

// GetWallet retrieves a user's wallet
func (db *DB) GetWallet(ctx context.Context, userID int) (*models.Wallet, error) {
	wallet := &models.Wallet{UserID: userID}
	var balance string
	err := db.Pool.QueryRow(ctx,
		"SELECT balance::text, updated_at FROM wallets WHERE user_id = $1",
		userID).Scan(&balance, &wallet.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	if wallet.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("failed to parse wallet balance: %w", err)
	}
	return wallet, nil
}

// GetPositions retrieves all positions held by a user
func (db *DB) GetPositions(ctx context.Context, userID int) ([]models.Position, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT p.user_id, p.instrument_id, i.symbol, p.quantity, p.avg_buy_price::text
		FROM positions p JOIN instruments i ON i.id = p.instrument_id
		WHERE p.user_id = $1
		ORDER BY i.symbol`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	defer rows.Close()

	positions := []models.Position{}
	for rows.Next() {
		var p models.Position
		var avg string
		if err := rows.Scan(&p.UserID, &p.InstrumentID, &p.Symbol, &p.Quantity, &avg); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		if p.AvgBuyPrice, err = decimal.NewFromString(avg); err != nil {
			return nil, fmt.Errorf("failed to parse avg buy price: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// CreateOrder inserts a new order. Symbol is carried over from the input.
func (db *DB) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	status := order.Status
	if status == "" {
		status = models.OrderStatusPending
	}

	newOrder := &models.Order{Symbol: order.Symbol}
	row := db.Pool.QueryRow(ctx, `
		INSERT INTO orders (user_id, instrument_id, side, type, quantity, limit_price, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+orderColumns,
		order.UserID, order.InstrumentID, order.Side, order.Type, order.Quantity, order.LimitPrice, status)
	if err := scanOrder(row, newOrder, false); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return newOrder, nil
}

// GetOrder retrieves an order with its instrument symbol
func (db *DB) GetOrder(ctx context.Context, orderID int) (*models.Order, error) {
	order := &models.Order{}
	row := db.Pool.QueryRow(ctx, `
		SELECT `+orderColumnsQualified+`, i.symbol
		FROM orders o JOIN instruments i ON i.id = o.instrument_id
		WHERE o.id = $1`,
		orderID)
	if err := scanOrder(row, order, true); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// GetUserOrders retrieves all orders for a user, newest first
func (db *DB) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+orderColumnsQualified+`, i.symbol
		FROM orders o JOIN instruments i ON i.id = o.instrument_id
		WHERE o.user_id = $1
		ORDER BY o.created_at DESC, o.id DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	return collectOrders(rows)
}

// ListPendingLimitOrders retrieves every PENDING LIMIT order, oldest first
func (db *DB) ListPendingLimitOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+orderColumnsQualified+`, i.symbol
		FROM orders o JOIN instruments i ON i.id = o.instrument_id
		WHERE o.status = 'PENDING' AND o.type = 'LIMIT'
		ORDER BY o.created_at ASC, o.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending limit orders: %w", err)
	}
	return collectOrders(rows)
}

// ClaimOrder flips an order from PENDING to EXECUTING. It reports false when
// the row was no longer PENDING, meaning someone else claimed or cancelled it.
func (db *DB) ClaimOrder(ctx context.Context, orderID int) (bool, error) {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE orders SET status = 'EXECUTING' WHERE id = $1 AND status = 'PENDING'",
		orderID)
	if err != nil {
		return false, fmt.Errorf("failed to claim order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseOrder returns a claimed order to PENDING after its settlement failed
// for reasons unrelated to funds, so a later pass can retry it.
func (db *DB) ReleaseOrder(ctx context.Context, orderID int) (bool, error) {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE orders SET status = 'PENDING' WHERE id = $1 AND status = 'EXECUTING'",
		orderID)
	if err != nil {
		return false, fmt.Errorf("failed to release order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelOrder cancels an order if it belongs to the user and is still PENDING.
// Orders in any other status are returned unchanged.
func (db *DB) CancelOrder(ctx context.Context, orderID, userID int) (*models.Order, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the row for update to prevent concurrent modifications
	order := &models.Order{}
	row := tx.QueryRow(ctx, `
		SELECT `+orderColumnsQualified+`, i.symbol
		FROM orders o JOIN instruments i ON i.id = o.instrument_id
		WHERE o.id = $1 AND o.user_id = $2
		FOR UPDATE OF o`,
		orderID, userID)
	if err := scanOrder(row, order, true); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	if order.Status != models.OrderStatusPending {
		return order, nil
	}

	tag, err := tx.Exec(ctx,
		"UPDATE orders SET status = 'CANCELLED' WHERE id = $1 AND status = 'PENDING'",
		orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}
	if tag.RowsAffected() == 1 {
		order.Status = models.OrderStatusCancelled
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return order, nil
}

// GetUserTrades retrieves all trades for a user, newest first
func (db *DB) GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+tradeColumnsQualified+`, i.symbol
		FROM trades t JOIN instruments i ON i.id = t.instrument_id
		WHERE t.user_id = $1
		ORDER BY t.created_at DESC, t.id DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	return collectTrades(rows)
}

// GetAllTrades retrieves every trade, oldest first
func (db *DB) GetAllTrades(ctx context.Context) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+tradeColumnsQualified+`, i.symbol
		FROM trades t JOIN instruments i ON i.id = t.instrument_id
		ORDER BY t.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	return collectTrades(rows)
}
