// Package relay multiplexes one upstream trade feed to many downstream
// subscribers. Upstream subscriptions follow demand: a symbol is subscribed
// upstream while it has a live subscriber or a pending limit order.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/xtrntr/papertrade/internal/models"
)

// Subscriber is one downstream connection. Send must not block.
type Subscriber interface {
	ID() string
	Send(msg []byte)
}

// Upstream is the single feed connection shared by all subscribers
type Upstream interface {
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
}

// PriceRecorder stores the latest tick of a symbol
type PriceRecorder interface {
	Record(ctx context.Context, tick models.Tick) error
}

// ErrUnknownMessage is returned for client messages the relay does not understand
var ErrUnknownMessage = errors.New("unknown message")

// ClientMessage is a downstream control message
type ClientMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// TradeMessage is the downstream message for one symbol's batch of ticks
type TradeMessage struct {
	Type   string       `json:"type"`
	Symbol string       `json:"symbol"`
	Data   []TradePoint `json:"data"`
}

// TradePoint is one tick as sent downstream
type TradePoint struct {
	Symbol    string      `json:"symbol"`
	Price     json.Number `json:"price"`
	Timestamp int64       `json:"timestamp"`
}

// Relay routes ticks to subscribers and keeps the upstream subscription set in
// step with demand.
type Relay struct {
	registry *Registry
	prices   PriceRecorder
	logger   *slog.Logger

	// control serializes registry mutations with the upstream calls they
	// trigger so subscribe and unsubscribe for a symbol reach the feed in order.
	control  sync.Mutex
	upstream Upstream

	onTick func(symbols []string)
}

// Option configures a Relay
type Option func(*Relay)

// WithTickObserver registers fn to be called with the symbols of every tick batch
func WithTickObserver(fn func(symbols []string)) Option {
	return func(r *Relay) { r.onTick = fn }
}

// New creates a relay. upstream may be attached later with SetUpstream.
func New(registry *Registry, prices PriceRecorder, logger *slog.Logger, opts ...Option) *Relay {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{registry: registry, prices: prices, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetUpstream attaches the feed connection
func (r *Relay) SetUpstream(u Upstream) {
	r.control.Lock()
	defer r.control.Unlock()
	r.upstream = u
}

// Registry returns the relay's subscription registry
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Subscribe records sub's interest in symbol. The upstream subscribe is
// issued only when symbol was not already wanted.
func (r *Relay) Subscribe(sub Subscriber, symbol string) {
	symbol = normalize(symbol)
	if symbol == "" {
		return
	}
	r.control.Lock()
	defer r.control.Unlock()

	if r.registry.Add(sub, symbol) {
		r.upstreamSubscribe(symbol)
	}
}

// Unsubscribe drops sub's interest in symbol
func (r *Relay) Unsubscribe(sub Subscriber, symbol string) {
	symbol = normalize(symbol)
	if symbol == "" {
		return
	}
	r.control.Lock()
	defer r.control.Unlock()

	if r.registry.Remove(sub.ID(), symbol) {
		r.upstreamUnsubscribe(symbol)
	}
}

// Close drops every subscription of sub
func (r *Relay) Close(sub Subscriber) {
	r.control.Lock()
	defer r.control.Unlock()

	for _, symbol := range r.registry.RemoveSubscriber(sub.ID()) {
		r.upstreamUnsubscribe(symbol)
	}
}

// Pin replaces the set of symbols kept alive by pending limit orders
func (r *Relay) Pin(symbols []string) {
	norm := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = normalize(s); s != "" {
			norm = append(norm, s)
		}
	}

	r.control.Lock()
	defer r.control.Unlock()

	start, stop := r.registry.SetPinned(norm)
	for _, s := range start {
		r.upstreamSubscribe(s)
	}
	for _, s := range stop {
		r.upstreamUnsubscribe(s)
	}
}

// HandleMessage applies a raw client control message on behalf of sub
func (r *Relay) HandleMessage(sub Subscriber, raw []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("failed to decode client message: %w", err)
	}
	if normalize(msg.Symbol) == "" {
		return fmt.Errorf("%w: missing symbol", ErrUnknownMessage)
	}
	switch msg.Type {
	case "subscribe":
		r.Subscribe(sub, msg.Symbol)
	case "unsubscribe":
		r.Unsubscribe(sub, msg.Symbol)
	default:
		return fmt.Errorf("%w: type %q", ErrUnknownMessage, msg.Type)
	}
	return nil
}

// UpstreamSymbols returns every symbol that should be live upstream. The feed
// resubscribes these after reconnecting.
func (r *Relay) UpstreamSymbols() []string {
	return r.registry.Upstream()
}

// OnUpstreamTick fans a batch of ticks out to subscribers, one message per
// symbol, and records each symbol's latest tick in the price cache.
func (r *Relay) OnUpstreamTick(ctx context.Context, batch []models.Tick) {
	if len(batch) == 0 {
		return
	}

	var order []string
	bySymbol := make(map[string][]models.Tick)
	for _, t := range batch {
		t.Symbol = normalize(t.Symbol)
		if t.Symbol == "" {
			continue
		}
		if _, ok := bySymbol[t.Symbol]; !ok {
			order = append(order, t.Symbol)
		}
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}

	for _, symbol := range order {
		ticks := bySymbol[symbol]
		r.record(ctx, latest(ticks))

		subs := r.registry.Subscribers(symbol)
		if len(subs) == 0 {
			continue
		}
		payload, err := json.Marshal(newTradeMessage(symbol, ticks))
		if err != nil {
			r.logger.Error("failed to encode trade message", "symbol", symbol, "error", err)
			continue
		}
		for _, s := range subs {
			s.Send(payload)
		}
	}

	if r.onTick != nil && len(order) > 0 {
		r.onTick(order)
	}
}

func (r *Relay) record(ctx context.Context, t models.Tick) {
	if r.prices == nil {
		return
	}
	if err := r.prices.Record(ctx, t); err != nil {
		r.logger.Warn("failed to cache tick", "symbol", t.Symbol, "error", err)
	}
}

// upstreamSubscribe and upstreamUnsubscribe are called with control held.
// A failed send is logged; the feed resubscribes from the registry on reconnect.
func (r *Relay) upstreamSubscribe(symbol string) {
	if r.upstream == nil {
		return
	}
	if err := r.upstream.Subscribe(symbol); err != nil {
		r.logger.Warn("upstream subscribe failed", "symbol", symbol, "error", err)
		return
	}
	r.logger.Debug("upstream subscribed", "symbol", symbol)
}

func (r *Relay) upstreamUnsubscribe(symbol string) {
	if r.upstream == nil {
		return
	}
	if err := r.upstream.Unsubscribe(symbol); err != nil {
		r.logger.Warn("upstream unsubscribe failed", "symbol", symbol, "error", err)
		return
	}
	r.logger.Debug("upstream unsubscribed", "symbol", symbol)
}

func newTradeMessage(symbol string, ticks []models.Tick) TradeMessage {
	msg := TradeMessage{Type: "trade", Symbol: symbol, Data: make([]TradePoint, 0, len(ticks))}
	for _, t := range ticks {
		msg.Data = append(msg.Data, TradePoint{
			Symbol:    symbol,
			Price:     json.Number(t.Price.String()),
			Timestamp: t.Timestamp,
		})
	}
	return msg
}

func latest(ticks []models.Tick) models.Tick {
	best := ticks[0]
	for _, t := range ticks[1:] {
		if t.Timestamp >= best.Timestamp {
			best = t
		}
	}
	return best
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
