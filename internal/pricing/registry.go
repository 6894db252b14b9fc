package pricing

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const pendingSymbolsKey = "subscribed:stocks"

// SymbolRegistry is the set of symbols referenced by open limit orders.
// Those symbols must keep receiving upstream ticks with no live viewers.
type SymbolRegistry struct {
	client redis.UniversalClient
}

// NewSymbolRegistry creates a registry backed by a Redis set
func NewSymbolRegistry(client redis.UniversalClient) *SymbolRegistry {
	return &SymbolRegistry{client: client}
}

// Add registers symbol
func (r *SymbolRegistry) Add(ctx context.Context, symbol string) error {
	if err := r.client.SAdd(ctx, pendingSymbolsKey, symbol).Err(); err != nil {
		return fmt.Errorf("failed to register symbol: %w", err)
	}
	return nil
}

// List returns every registered symbol, sorted
func (r *SymbolRegistry) List(ctx context.Context) ([]string, error) {
	symbols, err := r.client.SMembers(ctx, pendingSymbolsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// Prune removes every registered symbol not in keep and returns the removed ones
func (r *SymbolRegistry) Prune(ctx context.Context, keep []string) ([]string, error) {
	current, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(keep))
	for _, s := range keep {
		wanted[s] = struct{}{}
	}
	var stale []any
	var removed []string
	for _, s := range current {
		if _, ok := wanted[s]; !ok {
			stale = append(stale, s)
			removed = append(removed, s)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	if err := r.client.SRem(ctx, pendingSymbolsKey, stale...).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune symbols: %w", err)
	}
	return removed, nil
}
