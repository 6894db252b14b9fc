package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/models"
)

// Source fetches the current reference price of a symbol
type Source interface {
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// finnhubQuote is the subset of Finnhub's /quote response we read
type finnhubQuote struct {
	Current json.Number `json:"c"`
}

// FinnhubSource reads current prices from Finnhub's REST quote endpoint
type FinnhubSource struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewFinnhubSource creates a quote source for baseURL (e.g. https://finnhub.io/api/v1)
func NewFinnhubSource(baseURL, apiKey string) *FinnhubSource {
	return &FinnhubSource{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Quote fetches the current price. An empty or zero price is ErrPriceUnavailable.
func (s *FinnhubSource) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("token", s.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to build quote request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote %s: %v: %w", symbol, err, models.ErrPriceUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return decimal.Zero, fmt.Errorf("quote %s: status %d: %w", symbol, resp.StatusCode, models.ErrPriceUnavailable)
	}

	var body finnhubQuote
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("quote %s: decode: %v: %w", symbol, err, models.ErrPriceUnavailable)
	}
	if body.Current == "" {
		return decimal.Zero, fmt.Errorf("quote %s: empty price: %w", symbol, models.ErrPriceUnavailable)
	}
	price, err := decimal.NewFromString(body.Current.String())
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("quote %s: unusable price %q: %w", symbol, body.Current, models.ErrPriceUnavailable)
	}
	return price, nil
}
