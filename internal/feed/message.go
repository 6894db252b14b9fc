package feed

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/models"
)

type controlMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

type envelope struct {
	Type string       `json:"type"`
	Data []tradePrint `json:"data"`
	Msg  string       `json:"msg"`
}

type tradePrint struct {
	Symbol    string      `json:"s"`
	Price     json.Number `json:"p"`
	Timestamp int64       `json:"t"`
	Volume    json.Number `json:"v"`
}

// ParseTrades decodes an upstream message. Messages other than trades yield
// no ticks; an upstream error message is returned as an error. Prints with
// no symbol or an unparsable price are skipped.
func ParseTrades(raw []byte) ([]models.Tick, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode feed message: %w", err)
	}

	switch env.Type {
	case "trade":
	case "error":
		return nil, fmt.Errorf("feed error: %s", env.Msg)
	default:
		return nil, nil
	}

	ticks := make([]models.Tick, 0, len(env.Data))
	for _, p := range env.Data {
		symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
		if symbol == "" {
			continue
		}
		price, err := decimal.NewFromString(p.Price.String())
		if err != nil || !price.IsPositive() {
			continue
		}
		ticks = append(ticks, models.Tick{Symbol: symbol, Price: price, Timestamp: p.Timestamp})
	}
	return ticks, nil
}
