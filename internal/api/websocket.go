package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"execution-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams position lifecycle events and alerts to the client.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	opened, unsubOpened := s.Bus.Subscribe(events.TopicPositionOpened, 100)
	defer unsubOpened()
	closed, unsubClosed := s.Bus.Subscribe(events.TopicPositionClosed, 100)
	defer unsubClosed()
	alerts, unsubAlerts := s.Bus.Subscribe(events.TopicLifecycleAlert, 100)
	defer unsubAlerts()

	write := func(topic events.Topic, msg any) error {
		return conn.WriteJSON(gin.H{"topic": topic, "payload": msg})
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case msg, ok := <-opened:
			if !ok || write(events.TopicPositionOpened, msg) != nil {
				return
			}
		case msg, ok := <-closed:
			if !ok || write(events.TopicPositionClosed, msg) != nil {
				return
			}
		case msg, ok := <-alerts:
			if !ok || write(events.TopicLifecycleAlert, msg) != nil {
				return
			}
		}
	}
}
