package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType distinguishes immediate from price-conditional orders
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus moves forward only: PENDING -> EXECUTING -> EXECUTED | CANCELLED.
// MARKET orders skip EXECUTING.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusExecuting OrderStatus = "EXECUTING"
	OrderStatusExecuted  OrderStatus = "EXECUTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusExecuted || s == OrderStatusCancelled
}

// Settleable reports whether an order in this status may still be settled
func (s OrderStatus) Settleable() bool {
	return s == OrderStatusPending || s == OrderStatusExecuting
}

// User represents a registered user
type User struct {
	ID           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Wallet holds a user's cash balance
type Wallet struct {
	UserID    int             `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Instrument is a tradable symbol
type Instrument struct {
	ID     int    `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// Position is a user's holding in one instrument
type Position struct {
	UserID       int             `json:"user_id"`
	InstrumentID int             `json:"instrument_id"`
	Symbol       string          `json:"symbol"`
	Quantity     int64           `json:"quantity"`
	AvgBuyPrice  decimal.Decimal `json:"avg_buy_price"`
}

// InvestedAmount is the position's cost basis
func (p Position) InvestedAmount() decimal.Decimal {
	return p.AvgBuyPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// Order represents a buy or sell order against the reference price
type Order struct {
	ID           int              `json:"id"`
	UserID       int              `json:"user_id"`
	InstrumentID int              `json:"instrument_id"`
	Symbol       string           `json:"symbol"`
	Side         Side             `json:"side"`
	Type         OrderType        `json:"type"`
	Quantity     int64            `json:"quantity"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	Status       OrderStatus      `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Triggered reports whether a LIMIT order fires at the given price.
// BUY fires at or below the limit, SELL at or above it.
func (o Order) Triggered(price decimal.Decimal) bool {
	if o.Type != OrderTypeLimit || o.LimitPrice == nil {
		return false
	}
	switch o.Side {
	case SideBuy:
		return price.LessThanOrEqual(*o.LimitPrice)
	case SideSell:
		return price.GreaterThanOrEqual(*o.LimitPrice)
	}
	return false
}

// Trade is the immutable record of a settled order
type Trade struct {
	ID           int             `json:"id"`
	OrderID      int             `json:"order_id"`
	UserID       int             `json:"user_id"`
	InstrumentID int             `json:"instrument_id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Tick is one price observation for an instrument
type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"` // unix millis
}

// Validate checks the order's shape: a known side and type, a positive
// quantity, and a positive limit price present iff the order is LIMIT.
func (o *Order) Validate() error {
	if o.Side != SideBuy && o.Side != SideSell {
		return NewValidationError("side must be 'BUY' or 'SELL'")
	}
	if o.Quantity <= 0 {
		return NewValidationError("quantity must be positive")
	}
	switch o.Type {
	case OrderTypeMarket:
		if o.LimitPrice != nil {
			return NewValidationError("limit price is only allowed on LIMIT orders")
		}
	case OrderTypeLimit:
		if o.LimitPrice == nil || !o.LimitPrice.IsPositive() {
			return NewValidationError("limit price must be positive")
		}
	default:
		return NewValidationError("type must be 'MARKET' or 'LIMIT'")
	}
	return nil
}
