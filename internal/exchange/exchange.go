// Package exchange is the order engine: it validates and places orders,
// settles market orders immediately and leaves limit orders for the scanner.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/events"
	"github.com/xtrntr/papertrade/internal/models"
)

// Store is the transactional persistence the engine runs on
type Store interface {
	GetUser(ctx context.Context, userID int) (*models.User, error)
	UpsertInstrument(ctx context.Context, symbol string) (*models.Instrument, error)
	GetWallet(ctx context.Context, userID int) (*models.Wallet, error)
	GetPositions(ctx context.Context, userID int) ([]models.Position, error)
	CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	GetUserOrders(ctx context.Context, userID int) ([]models.Order, error)
	ListPendingLimitOrders(ctx context.Context) ([]models.Order, error)
	ClaimOrder(ctx context.Context, orderID int) (bool, error)
	ReleaseOrder(ctx context.Context, orderID int) (bool, error)
	CancelOrder(ctx context.Context, orderID, userID int) (*models.Order, error)
	Settle(ctx context.Context, order models.Order, price decimal.Decimal) (*models.Trade, error)
	GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error)
}

// Prices supplies reference prices. GetPrice may fetch from the source;
// Cached only reads what the live feed has recorded.
type Prices interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Cached(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PendingSymbols is the registry of symbols with open limit orders
type PendingSymbols interface {
	Add(ctx context.Context, symbol string) error
	Prune(ctx context.Context, keep []string) ([]string, error)
}

// Exchange places, cancels and settles orders against reference prices
type Exchange struct {
	store     Store
	prices    Prices
	pending   PendingSymbols
	publisher events.Publisher
	logger    *slog.Logger

	publishing sync.WaitGroup
}

// NewExchange creates an order engine. publisher may be nil.
func NewExchange(store Store, prices Prices, pending PendingSymbols, publisher events.Publisher, logger *slog.Logger) *Exchange {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{
		store:     store,
		prices:    prices,
		pending:   pending,
		publisher: publisher,
		logger:    logger,
	}
}

// PlaceOrderRequest is a user's order ticket
type PlaceOrderRequest struct {
	UserID     int
	Symbol     string
	Side       models.Side
	Type       models.OrderType
	Quantity   int64
	LimitPrice *decimal.Decimal
}

// PlaceOrderResult carries the order and, for an immediate fill, its trade
type PlaceOrderResult struct {
	Order models.Order  `json:"order"`
	Trade *models.Trade `json:"trade,omitempty"`
}

// PlaceOrder validates and records an order. A MARKET order is settled in
// the same call; if settlement is rejected the result holds the CANCELLED
// order alongside the error. A LIMIT order is left PENDING for the scanner
// and its symbol is registered so ticks keep flowing.
func (e *Exchange) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, models.NewValidationError("symbol is required")
	}
	order := models.Order{
		UserID:     req.UserID,
		Symbol:     symbol,
		Side:       req.Side,
		Type:       req.Type,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}

	// A market order needs a price before anything is written, so an
	// unavailable price leaves no trace.
	var price decimal.Decimal
	if order.Type == models.OrderTypeMarket {
		p, err := e.prices.GetPrice(ctx, symbol)
		if err != nil {
			return nil, err
		}
		price = p
	}

	inst, err := e.store.UpsertInstrument(ctx, symbol)
	if err != nil {
		return nil, err
	}
	order.InstrumentID = inst.ID

	created, err := e.store.CreateOrder(ctx, &order)
	if err != nil {
		return nil, err
	}

	if created.Type == models.OrderTypeLimit {
		if err := e.pending.Add(ctx, symbol); err != nil {
			// the next scanner pass re-registers every pending symbol
			e.logger.Warn("failed to register pending symbol", "symbol", symbol, "error", err)
		}
		e.logger.Info("limit order placed", "order_id", created.ID, "user_id", created.UserID,
			"symbol", symbol, "side", created.Side, "limit", created.LimitPrice)
		return &PlaceOrderResult{Order: *created}, nil
	}

	trade, err := e.store.Settle(ctx, *created, price)
	if err != nil {
		if isRejection(err) {
			created.Status = models.OrderStatusCancelled
			e.logger.Info("market order rejected", "order_id", created.ID, "reason", err)
			return &PlaceOrderResult{Order: *created}, err
		}
		// market orders are never scanned, so a failed settlement must not leave one PENDING
		settleErr := fmt.Errorf("failed to settle order %d: %w", created.ID, err)
		cancelled, cerr := e.store.CancelOrder(ctx, created.ID, created.UserID)
		if cerr != nil {
			e.logger.Error("failed to cancel unsettled market order", "order_id", created.ID, "error", cerr)
			return nil, settleErr
		}
		e.logger.Error("market order settlement failed", "order_id", created.ID, "error", err)
		return &PlaceOrderResult{Order: *cancelled}, settleErr
	}

	created.Status = models.OrderStatusExecuted
	e.logger.Info("market order executed", "order_id", created.ID, "symbol", symbol,
		"side", created.Side, "quantity", created.Quantity, "price", price)
	e.publish(*trade)
	return &PlaceOrderResult{Order: *created, Trade: trade}, nil
}

// CancelOrder cancels a PENDING order owned by userID. Orders already
// claimed, executed or cancelled are returned unchanged.
func (e *Exchange) CancelOrder(ctx context.Context, userID, orderID int) (*models.Order, error) {
	order, err := e.store.CancelOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("cancel requested", "order_id", orderID, "status", order.Status)
	return order, nil
}

// Quote returns the current reference price of symbol
func (e *Exchange) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return decimal.Zero, models.NewValidationError("symbol is required")
	}
	return e.prices.GetPrice(ctx, symbol)
}

// Instrument returns the instrument for symbol, creating it on first sight
func (e *Exchange) Instrument(ctx context.Context, symbol string) (*models.Instrument, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, models.NewValidationError("symbol is required")
	}
	return e.store.UpsertInstrument(ctx, symbol)
}

// Wait blocks until in-flight trade events are published
func (e *Exchange) Wait() {
	e.publishing.Wait()
}

// publish announces a committed trade. It runs detached from the request:
// a publishing failure is logged and never undoes the settlement.
func (e *Exchange) publish(trade models.Trade) {
	e.publishing.Add(1)
	go func() {
		defer e.publishing.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.publisher.PublishTrade(ctx, trade); err != nil {
			e.logger.Error("failed to publish trade", "trade_id", trade.ID, "error", err)
		}
	}()
}

func isRejection(err error) bool {
	return errors.Is(err, models.ErrInsufficientBalance) || errors.Is(err, models.ErrInsufficientShares)
}
