package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 64,
	WriteBufferSize: 1024 * 64,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy belongs to the embedding layer; the core serves
		// whatever reaches it.
		return true
	},
}

// Message is the wire format for websocket consumers.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// wsConn serializes writes; gorilla connections allow only one writer at a
// time and both pumps respond on the same connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) writeJSON(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return err
	}
	return c.writeMessage(websocket.TextMessage, data)
}

// HandleWebSocket upgrades the request and bridges the connection to a hub
// subscriber with read/write pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	conn := &wsConn{conn: raw}
	sub := h.Subscribe()
	log.Info().Str("subscriber", sub.ID()).Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	go writePump(conn, sub)
	go readPump(conn, sub, h)
}

func readPump(conn *wsConn, sub *Subscriber, h *Hub) {
	defer func() {
		sub.Close()
		conn.conn.Close()
	}()

	conn.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.conn.SetPongHandler(func(string) error {
		conn.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("subscriber", sub.ID()).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn().Err(err).Str("subscriber", sub.ID()).Msg("Malformed WebSocket message")
			continue
		}

		switch msg.Type {
		case "ping":
			conn.writeJSON(Message{Type: "pong", Data: map[string]int64{"timestamp": time.Now().Unix()}})
		case "requestData":
			conn.writeJSON(Message{Type: "snapshot", Data: h.Snapshot()})
		default:
			log.Debug().Str("subscriber", sub.ID()).Str("type", msg.Type).Msg("Unhandled WebSocket message")
		}
	}
}

func writePump(conn *wsConn, sub *Subscriber) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		conn.conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				conn.writeMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.writeJSON(Message{Type: string(event.Type), Data: event}); err != nil {
				log.Debug().Err(err).Str("subscriber", sub.ID()).Msg("WebSocket write failed")
				return
			}

		case <-ticker.C:
			if err := conn.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
