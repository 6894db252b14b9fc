// Package pricing provides freshness-bounded reference prices: a Redis cache
// in front of an external quote source, fed mostly by the live tick relay.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/models"
)

// Service answers price lookups from the cache, refetching from the source
// on a miss or when the cached quote is older than the freshness window.
//
// Concurrent stale lookups may each refetch; the source call is idempotent
// so no single-flight is attempted.
type Service struct {
	cache     *Cache
	source    Source
	freshness time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a price service
func NewService(cache *Cache, source Source, freshness time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cache:     cache,
		source:    source,
		freshness: freshness,
		logger:    logger,
		now:       time.Now,
	}
}

// GetPrice returns a price no older than the freshness window
func (s *Service) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q, ok, err := s.cache.Get(ctx, symbol)
	if err != nil {
		s.logger.Warn("price cache read failed", slog.String("symbol", symbol), slog.String("error", err.Error()))
	}
	if ok && q.Age(s.now()) <= s.freshness {
		return q.Price, nil
	}

	price, err := s.source.Quote(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("quote %s: %w", symbol, models.ErrPriceUnavailable)
	}

	if err := s.cache.Set(ctx, symbol, Quote{Price: price, ObservedAt: s.now().UnixMilli()}); err != nil {
		s.logger.Warn("price cache write failed", slog.String("symbol", symbol), slog.String("error", err.Error()))
	}
	return price, nil
}

// Cached returns the latest cached price without touching the source.
// A miss is ErrPriceUnavailable.
func (s *Service) Cached(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q, ok, err := s.cache.Get(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("no cached price for %s: %w", symbol, models.ErrPriceUnavailable)
	}
	return q.Price, nil
}

// Record stores a live tick. Older ticks than the cached one are ignored.
func (s *Service) Record(ctx context.Context, tick models.Tick) error {
	if !tick.Price.IsPositive() {
		return nil
	}
	if q, ok, err := s.cache.Get(ctx, tick.Symbol); err == nil && ok && q.ObservedAt > tick.Timestamp {
		return nil
	}
	return s.cache.Set(ctx, tick.Symbol, Quote{Price: tick.Price, ObservedAt: tick.Timestamp})
}
