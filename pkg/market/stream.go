package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamClient reads mark-price ticks from a websocket endpoint published by
// the market-data pipeline. Message format is one JSON Tick per frame.
type StreamClient struct {
	URL    string
	Log    *zap.Logger
	dialer *websocket.Dialer
}

// NewStreamClient builds a websocket client for the given stream URL.
func NewStreamClient(url string, log *zap.Logger) *StreamClient {
	return &StreamClient{
		URL:    url,
		Log:    log,
		dialer: websocket.DefaultDialer,
	}
}

// Subscribe connects and pushes parsed ticks into the returned channel until
// the context ends or the connection drops. It returns the channel and a
// stop function.
func (c *StreamClient) Subscribe(ctx context.Context) (<-chan Tick, func(), error) {
	conn, _, err := c.dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial price stream: %w", err)
	}

	out := make(chan Tick, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			close(out)
		})
	}

	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					return
				}
				c.Log.Warn("price stream read error", zap.Error(err))
				return
			}

			var tick Tick
			if err := json.Unmarshal(msg, &tick); err != nil {
				c.Log.Warn("price stream parse error", zap.Error(err))
				continue
			}
			if tick.Symbol == "" || tick.Price <= 0 {
				continue
			}
			out <- tick
		}
	}()

	return out, stop, nil
}

// Run keeps a subscription alive with reconnect backoff, feeding the cache.
func (c *StreamClient) Run(ctx context.Context, cache *Cache) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ticks, stop, err := c.Subscribe(ctx)
		if err != nil {
			c.Log.Warn("price stream connect failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		for tick := range ticks {
			cache.Set(tick.Symbol, tick.Price)
		}
		stop()
	}
}
