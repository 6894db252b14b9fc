package exchange

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xtrntr/papertrade/internal/models"
)

// ScanResult summarises one scanner pass
type ScanResult struct {
	Evaluated int
	Triggered int
	Executed  int
	Rejected  int
	Skipped   int
}

// Scan evaluates PENDING limit orders against cached prices and settles the
// ones that trigger. With a nil symbol list every pending order is evaluated
// and the pending-symbol registry is trimmed to the symbols still in use;
// otherwise only orders on the given symbols are.
//
// Each triggered order is claimed before it is settled, so overlapping
// passes, here or on other replicas, fill an order at most once.
func (e *Exchange) Scan(ctx context.Context, symbols []string) (ScanResult, error) {
	var res ScanResult

	orders, err := e.store.ListPendingLimitOrders(ctx)
	if err != nil {
		return res, err
	}

	var only map[string]bool
	if symbols != nil {
		only = make(map[string]bool, len(symbols))
		for _, s := range symbols {
			only[s] = true
		}
	}

	bySymbol := make(map[string][]models.Order)
	for _, o := range orders {
		if only != nil && !only[o.Symbol] {
			continue
		}
		bySymbol[o.Symbol] = append(bySymbol[o.Symbol], o)
	}

	if symbols == nil {
		e.syncPending(ctx, bySymbol)
	}

	for symbol, group := range bySymbol {
		price, err := e.prices.Cached(ctx, symbol)
		if err != nil {
			if !errors.Is(err, models.ErrPriceUnavailable) {
				e.logger.Warn("failed to read cached price", "symbol", symbol, "error", err)
			}
			res.Skipped += len(group)
			continue
		}

		for _, order := range group {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Evaluated++
			if !order.Triggered(price) {
				continue
			}
			res.Triggered++

			claimed, err := e.store.ClaimOrder(ctx, order.ID)
			if err != nil {
				e.logger.Error("failed to claim order", "order_id", order.ID, "error", err)
				continue
			}
			if !claimed {
				continue
			}

			trade, err := e.store.Settle(ctx, order, price)
			switch {
			case err == nil:
				res.Executed++
				e.logger.Info("limit order executed", "order_id", order.ID, "symbol", symbol,
					"side", order.Side, "limit", order.LimitPrice, "price", price)
				e.publish(*trade)
			case isRejection(err):
				res.Rejected++
				e.logger.Info("limit order rejected", "order_id", order.ID, "reason", err)
			case errors.Is(err, models.ErrOrderNotSettleable):
				e.logger.Debug("limit order no longer settleable", "order_id", order.ID)
			default:
				e.logger.Error("failed to settle limit order", "order_id", order.ID, "error", err)
				if _, rerr := e.store.ReleaseOrder(ctx, order.ID); rerr != nil {
					e.logger.Error("failed to release order", "order_id", order.ID, "error", rerr)
				}
			}
		}
	}
	return res, nil
}

// syncPending re-registers every symbol with pending orders and drops the rest
func (e *Exchange) syncPending(ctx context.Context, bySymbol map[string][]models.Order) {
	keep := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		keep = append(keep, s)
	}
	sort.Strings(keep)

	for _, s := range keep {
		if err := e.pending.Add(ctx, s); err != nil {
			e.logger.Warn("failed to register pending symbol", "symbol", s, "error", err)
		}
	}
	removed, err := e.pending.Prune(ctx, keep)
	if err != nil {
		e.logger.Warn("failed to prune pending symbols", "error", err)
		return
	}
	if len(removed) > 0 {
		e.logger.Debug("pruned pending symbols", "symbols", removed)
	}
}

// Scanner runs Scan on a fixed interval and, between ticks, for symbols
// that were nudged by fresh prices.
type Scanner struct {
	ex       *Exchange
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	nudged map[string]struct{}
	wake   chan struct{}
}

// NewScanner creates a scanner
func NewScanner(ex *Exchange, interval time.Duration, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		ex:       ex,
		interval: interval,
		logger:   logger,
		nudged:   make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Nudge schedules an out-of-band pass over symbols. It never blocks.
func (s *Scanner) Nudge(symbols []string) {
	if len(symbols) == 0 {
		return
	}
	s.mu.Lock()
	for _, sym := range symbols {
		s.nudged[sym] = struct{}{}
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run scans until ctx is done
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("limit order scanner started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("limit order scanner stopped")
			return nil
		case <-ticker.C:
			s.scan(ctx, nil)
		case <-s.wake:
			if symbols := s.drain(); len(symbols) > 0 {
				s.scan(ctx, symbols)
			}
		}
	}
}

func (s *Scanner) drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.nudged))
	for sym := range s.nudged {
		out = append(out, sym)
	}
	clear(s.nudged)
	return out
}

func (s *Scanner) scan(ctx context.Context, symbols []string) {
	res, err := s.ex.Scan(ctx, symbols)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("scan failed", "error", err)
		}
		return
	}
	if res.Triggered > 0 {
		s.logger.Info("scan complete", "evaluated", res.Evaluated, "triggered", res.Triggered,
			"executed", res.Executed, "rejected", res.Rejected, "skipped", res.Skipped)
	}
}
