package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/slsolucije/astlog/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsEvent is the wire form of a live event update.
type wsEvent struct {
	Timestamp string       `json:"timestamp"`
	Kind      model.Kind   `json:"kind"`
	Key       string       `json:"key,omitempty"`
	Summary   string       `json:"summary"`
	Event     *model.Event `json:"event"`
}

// handleWebSocket upgrades the connection and streams every newly
// ingested event to the client until it disconnects.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.eng.Subscribe()

	// Read pump, only to detect client disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for ev := range events {
		msg := wsEvent{
			Timestamp: ev.Timestamp.Format(time.RFC3339Nano),
			Kind:      ev.Kind,
			Key:       ev.Key,
			Summary:   ev.Summary(),
			Event:     ev,
		}
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
