package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/csuduan/qtrader/internal/events"
)

// wsTopics are the bus topics streamed to websocket clients, mirroring the
// trader push whitelist.
var wsTopics = []events.Topic{
	events.TopicAccountUpdate,
	events.TopicAccountStatus,
	events.TopicPositionUpdate,
	events.TopicOrderUpdate,
	events.TopicTradeCreated,
	events.TopicOrderCmdUpdate,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token auth already ran in the middleware chain.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsEvent is one streamed frame.
type wsEvent struct {
	Topic string          `json:"topic"`
	TS    string          `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// wsHub broadcasts manager bus events to connected websocket clients. A slow
// client is dropped rather than backing up the bus.
type wsHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

func newWSHub() *wsHub {
	return &wsHub{clients: make(map[*wsClient]struct{})}
}

// subscribe registers a broadcast handler for each streamed topic.
func (h *wsHub) subscribe(bus *events.Bus) {
	for _, topic := range wsTopics {
		bus.Register(topic, h.broadcast)
	}
}

func (h *wsHub) broadcast(topic events.Topic, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame, err := json.Marshal(wsEvent{
		Topic: string(topic),
		TS:    time.Now().Format(time.RFC3339Nano),
		Data:  data,
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			// Slow consumer: disconnect rather than block.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *wsHub) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade: %v", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *wsHub) writeLoop(c *wsClient) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	defer c.conn.Close()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.drop(c)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readLoop drains client frames so pings and close handshakes are processed.
func (h *wsHub) readLoop(c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *wsHub) drop(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *wsHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
