package server

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/HedgeQuantX/HedgeQuantX-sub003/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The daemon binds to loopback; clients are local processes.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamedEvents are the bus topics pushed to websocket clients.
var streamedEvents = []events.Event{
	events.EventConnectionStatus,
	events.EventStatus,
	events.EventLog,
	events.EventSignal,
	events.EventTrade,
	events.EventPnL,
	events.EventPosition,
	events.EventSummary,
	events.EventStopped,
	events.EventOrderSubmitted,
	events.EventOrderFilled,
	events.EventOrderRejected,
}

// pushMessage is the envelope for server-initiated traffic.
type pushMessage struct {
	Type  string       `json:"type"`
	Event events.Event `json:"event"`
	Data  any          `json:"data"`
}

// wsConn serializes writes; gorilla allows one concurrent writer only.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

// handleWS upgrades the connection, streams bus events, and answers the same
// requests as /rpc over the socket.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("server: websocket upgrade: %v", err)
		return
	}
	wc := &wsConn{conn: conn}
	defer conn.Close()

	sub := s.bus.Subscribe(256, streamedEvents...)
	defer sub.Close()
	go func() {
		for msg := range sub.C {
			if err := wc.writeJSON(pushMessage{Type: "event", Event: msg.Topic, Data: msg.Payload}); err != nil {
				return
			}
		}
	}()

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("server: websocket read: %v", err)
			}
			return
		}
		resp := s.dispatch(c.Request.Context(), req)
		if err := wc.writeJSON(resp); err != nil {
			return
		}
	}
}
