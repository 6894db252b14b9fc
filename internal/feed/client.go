// Package feed maintains the single upstream trade websocket. It reconnects
// with backoff and, on every connect, resubscribes all symbols the relay
// still wants.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xtrntr/papertrade/internal/models"
)

// ErrNotConnected is returned by writes while the upstream socket is down
var ErrNotConnected = errors.New("feed not connected")

// TickHandler receives each decoded batch of trade ticks
type TickHandler func(ctx context.Context, ticks []models.Tick)

// Config holds feed client settings
type Config struct {
	URL          string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Backoff      Backoff
}

// Client is the upstream websocket connection. It satisfies relay.Upstream.
type Client struct {
	cfg     Config
	onTicks TickHandler
	wanted  func() []string
	logger  *slog.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewClient creates a feed client. wanted reports the symbols to subscribe
// after each (re)connect.
func NewClient(cfg Config, onTicks TickHandler, wanted func() []string, logger *slog.Logger) *Client {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if wanted == nil {
		wanted = func() []string { return nil }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, onTicks: onTicks, wanted: wanted, logger: logger}
}

// Run connects and reads until ctx is done, reconnecting after every failure
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := c.connect(ctx); err != nil {
			attempt++
			delay := c.cfg.Backoff.Next(attempt)
			c.logger.Warn("feed connect failed", "error", err, "attempt", attempt, "retry_in", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		c.read(ctx)
	}
}

// Subscribe asks upstream for symbol's trades. While disconnected the request
// is dropped; the next connect resubscribes from wanted.
func (c *Client) Subscribe(symbol string) error {
	return c.send(controlMessage{Type: "subscribe", Symbol: symbol})
}

// Unsubscribe stops symbol's trades upstream
func (c *Client) Unsubscribe(symbol string) error {
	return c.send(controlMessage{Type: "unsubscribe", Symbol: symbol})
}

// Connected reports whether the upstream socket is open
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("failed to parse feed url: %w", err)
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) connect(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("failed to dial feed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	symbols := c.wanted()
	for _, s := range symbols {
		if err := c.Subscribe(s); err != nil {
			c.close()
			return fmt.Errorf("failed to resubscribe %s: %w", s, err)
		}
	}
	c.logger.Info("feed connected", "resubscribed", len(symbols))
	return nil
}

func (c *Client) read(ctx context.Context) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("feed read failed", "error", err)
			}
			c.close()
			return
		}

		ticks, err := ParseTrades(raw)
		if err != nil {
			c.logger.Warn("bad feed message", "error", err)
			continue
		}
		if len(ticks) > 0 && c.onTicks != nil {
			c.onTicks(ctx, ticks)
		}
	}
}

func (c *Client) send(msg controlMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode feed request: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to write feed request: %w", err)
	}
	return nil
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
