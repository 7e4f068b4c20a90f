package pricefeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"auxite/internal/model"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 16 * time.Second
)

// Stream produces live price ticks until its context is cancelled.
type Stream interface {
	StartStream(ctx context.Context, out chan<- model.PriceTick) error
}

// Client streams metal prices from the platform's websocket feed.
type Client struct {
	logger *slog.Logger
	url    string
	metals []model.Metal
	dialer *websocket.Dialer
}

// NewClient creates a Client subscribing to every metal.
func NewClient(logger *slog.Logger, url string) *Client {
	return &Client{
		logger: logger,
		url:    url,
		metals: model.Metals,
		dialer: websocket.DefaultDialer,
	}
}

type subscribeMessage struct {
	Event  string        `json:"event"`
	Metals []model.Metal `json:"metals"`
}

type feedMessage struct {
	Event string          `json:"event"`
	Type  string          `json:"type"`
	Metal string          `json:"metal"`
	Bid   decimal.Decimal `json:"bid"`
	Ask   decimal.Decimal `json:"ask"`
	TS    int64           `json:"ts"`
}

// StartStream connects, subscribes and forwards ticks to out. Every reconnect waits a
// doubling backoff capped at 16s; the backoff resets only after a connection has
// delivered a tick. It returns nil once ctx is cancelled.
func (c *Client) StartStream(ctx context.Context, out chan<- model.PriceTick) error {
	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("PriceFeed: context cancelled, shutting down")
			return nil
		default:
		}

		c.logger.Info("PriceFeed: connecting to WebSocket", "url", c.url, "backoff", backoff)
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Error("PriceFeed: WebSocket connection failed", "error", err)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if err := conn.WriteJSON(subscribeMessage{Event: "subscribe", Metals: c.metals}); err != nil {
			c.logger.Error("PriceFeed: failed to send subscription", "error", err)
			conn.Close()
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}

		c.logger.Info("PriceFeed: connected and subscribed", "metals", len(c.metals))

		delivered, reconnect := c.readLoop(ctx, conn, out)
		if !reconnect {
			return nil
		}
		if delivered {
			backoff = initialBackoff
		}
		c.logger.Warn("PriceFeed: connection dropped, reconnecting", "backoff", backoff)
		if !sleep(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff)
	}
}

// readLoop forwards ticks until the connection drops. delivered reports whether any
// tick reached out; reconnect is false when ctx ended.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- model.PriceTick) (delivered, reconnect bool) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("PriceFeed: context cancelled, closing connection")
				return delivered, false
			}
			c.logger.Error("PriceFeed: failed to read message", "error", err)
			return delivered, true
		}

		tick, ok := c.parse(message)
		if !ok {
			continue
		}
		select {
		case out <- tick:
			delivered = true
			c.logger.Debug("PriceFeed: sent price tick", "metal", tick.Metal, "bid", tick.Bid, "ask", tick.Ask)
		case <-ctx.Done():
			return delivered, false
		}
	}
}

func (c *Client) parse(message []byte) (model.PriceTick, bool) {
	var msg feedMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("PriceFeed: failed to parse message", "error", err)
		return model.PriceTick{}, false
	}
	if msg.Event == "subscriptionStatus" {
		c.logger.Info("PriceFeed: subscription confirmed")
		return model.PriceTick{}, false
	}
	if msg.Type != "price" {
		return model.PriceTick{}, false
	}
	metal, err := model.ParseMetal(msg.Metal)
	if err != nil {
		c.logger.Warn("PriceFeed: unknown metal in tick", "metal", msg.Metal)
		return model.PriceTick{}, false
	}
	if !msg.Bid.IsPositive() || !msg.Ask.IsPositive() {
		c.logger.Warn("PriceFeed: non-positive price in tick", "metal", metal)
		return model.PriceTick{}, false
	}
	ts := time.Now().UTC()
	if msg.TS > 0 {
		ts = time.UnixMilli(msg.TS).UTC()
	}
	return model.PriceTick{Metal: metal, Bid: msg.Bid, Ask: msg.Ask, Timestamp: ts}, true
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// sleep waits d or until ctx ends, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
