package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const priceKeyPrefix = "price:"

// Quote is a cached price observation
type Quote struct {
	Price      decimal.Decimal `json:"price"`
	ObservedAt int64           `json:"ts"` // unix millis
}

// Age returns how old the quote is at now
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(q.ObservedAt))
}

// Cache stores the latest quote per symbol in Redis with a short expiry
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewCache creates a price cache whose entries expire after ttl
func NewCache(client redis.UniversalClient, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached quote for symbol. ok is false on a miss.
func (c *Cache) Get(ctx context.Context, symbol string) (q Quote, ok bool, err error) {
	data, err := c.client.Get(ctx, priceKeyPrefix+symbol).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Quote{}, false, nil
		}
		return Quote{}, false, fmt.Errorf("failed to get price from redis: %w", err)
	}
	if err := json.Unmarshal(data, &q); err != nil {
		return Quote{}, false, fmt.Errorf("failed to unmarshal price: %w", err)
	}
	return q, true, nil
}

// Set stores q for symbol with the cache expiry
func (c *Cache) Set(ctx context.Context, symbol string, q Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal price: %w", err)
	}
	if err := c.client.Set(ctx, priceKeyPrefix+symbol, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set price in redis: %w", err)
	}
	return nil
}
