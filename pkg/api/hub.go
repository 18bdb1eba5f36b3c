package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dimesh-project/dim/pkg/objectstore"
)

// Message types streamed to WebSocket clients.
const (
	MessageTypeHeartbeat = "heartbeat"
	MessageTypeJobUpdate = "job_update"
	MessageTypeError     = "error"
)

// Message is the envelope pushed over the WebSocket connection.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Subscriber is the pub/sub seam the hub needs from the object store.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan objectstore.Message, func(), error)
}

// JobEventHub bridges the objectstore's job-update topic to every
// connected WebSocket client. One subscription per process; fan-out to
// clients happens in memory, mirroring the hub/broadcast shape the
// teacher's websocket layer uses for node/model events.
type JobEventHub struct {
	sub    Subscriber
	topic  string
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]bool

	register   chan *wsClient
	unregister chan *wsClient

	cancel context.CancelFunc
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan Message
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func NewJobEventHub(sub Subscriber, topic string, logger *slog.Logger) *JobEventHub {
	return &JobEventHub{
		sub:        sub,
		topic:      topic,
		logger:     logger,
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run subscribes to the job-update topic and drives the broadcast loop
// until ctx is cancelled.
func (h *JobEventHub) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	msgs, unsub, err := h.sub.Subscribe(ctx, h.topic)
	if err != nil {
		h.logger.Error("job event hub: subscribe failed", "topic", h.topic, "error", err)
		msgs = nil
	} else {
		defer unsub()
	}

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			var payload interface{}
			if err := json.Unmarshal(m.Payload, &payload); err != nil {
				payload = string(m.Payload)
			}
			h.fanout(Message{Type: MessageTypeJobUpdate, Timestamp: time.Now(), Data: payload})

		case <-heartbeat.C:
			h.fanout(Message{Type: MessageTypeHeartbeat, Timestamp: time.Now()})
		}
	}
}

func (h *JobEventHub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *JobEventHub) fanout(m Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- m:
		default:
			h.logger.Warn("job event hub: client send buffer full, dropping message", "client_id", client.id)
		}
	}
}

func (h *JobEventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.conn.Close()
		close(client.send)
		delete(h.clients, client)
	}
}

// ServeWS upgrades the request and registers a new client on the hub.
func (h *JobEventHub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("job event hub: upgrade failed", "error", err)
		return
	}

	client := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan Message, 64)}
	h.register <- client

	go client.writePump()
	go client.readPump(h)
}

func (c *wsClient) readPump(h *JobEventHub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
