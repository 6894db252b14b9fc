// Package events publishes settled trades to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/papertrade/internal/models"
)

// Publisher announces settled trades
type Publisher interface {
	PublishTrade(ctx context.Context, trade models.Trade) error
	Close() error
}

// TradeEvent is the published form of a settled trade
type TradeEvent struct {
	TradeID  int             `json:"trade_id"`
	OrderID  int             `json:"order_id"`
	UserID   int             `json:"user_id"`
	Symbol   string          `json:"symbol"`
	Side     models.Side     `json:"side"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	Executed time.Time       `json:"executed_at"`
}

// NewTradeEvent converts a trade to its event form
func NewTradeEvent(t models.Trade) TradeEvent {
	return TradeEvent{
		TradeID:  t.ID,
		OrderID:  t.OrderID,
		UserID:   t.UserID,
		Symbol:   t.Symbol,
		Side:     t.Side,
		Quantity: t.Quantity,
		Price:    t.Price,
		Amount:   t.Amount,
		Executed: t.CreatedAt,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes trade events to a Kafka topic keyed by symbol, so
// events of one symbol stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher for brokers and topic
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
		BatchTimeout:           50 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w, topic: topic}
}

// PublishTrade writes one trade event
func (p *KafkaPublisher) PublishTrade(ctx context.Context, trade models.Trade) error {
	value, err := json.Marshal(NewTradeEvent(trade))
	if err != nil {
		return fmt.Errorf("failed to marshal trade event: %w", err)
	}
	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(trade.Symbol),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish trade %d: %w", trade.ID, err)
	}
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop discards every event
type Nop struct{}

// PublishTrade drops the trade
func (Nop) PublishTrade(context.Context, models.Trade) error { return nil }

// Close is a no-op
func (Nop) Close() error { return nil }
