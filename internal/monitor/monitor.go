// Package monitor turns bus events into operator-facing alert lines. The
// delivery channel (log, webhook, chat) is pluggable through AlertFn.
package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/lifecycle"
	"execution-core/internal/position"
	"execution-core/internal/router"
)

// Sink subscribes to the event bus and forwards formatted alerts.
type Sink struct {
	Bus     *events.Bus
	Log     *zap.Logger
	AlertFn func(string)
}

// Start launches the listener goroutines. They stop when ctx is cancelled.
func (s *Sink) Start(ctx context.Context) {
	if s.Bus == nil {
		s.Log.Warn("alert sink not configured; skipping")
		return
	}
	if s.AlertFn == nil {
		s.AlertFn = func(line string) { s.Log.Warn(line) }
	}

	for _, topic := range []events.Topic{
		events.TopicLifecycleAlert,
		events.TopicOrderRejected,
		events.TopicPositionClosed,
	} {
		stream, unsub := s.Bus.Subscribe(topic, 64)
		go s.drain(ctx, stream, unsub)
	}
}

func (s *Sink) drain(ctx context.Context, stream <-chan any, unsub func()) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			s.AlertFn(formatAlert(msg))
		}
	}
}

func formatAlert(msg any) string {
	ts := time.Now().Format(time.RFC3339)
	switch v := msg.(type) {
	case lifecycle.Alert:
		return fmt.Sprintf("[%s] %s %s %s/%s: %s",
			ts, v.Kind, v.Key.UserID, v.Key.Exchange, v.Key.Symbol, v.Message)
	case position.Position:
		return fmt.Sprintf("[%s] position closed %s %s/%s size %.8f",
			ts, v.UserID, v.Exchange, v.Symbol, v.Size)
	case router.Result:
		return fmt.Sprintf("[%s] order rejected on %s (%s): %s",
			ts, v.Exchange, v.Env, v.Error)
	case string:
		return fmt.Sprintf("[%s] %s", ts, v)
	default:
		return fmt.Sprintf("[%s] %v", ts, v)
	}
}
