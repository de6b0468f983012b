package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tunebytes/bid-engine/internal/metrics"
	"github.com/tunebytes/bid-engine/internal/model"
	"github.com/tunebytes/bid-engine/internal/pipeline"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Message is one aggregate update pushed to a WebSocket client.
type Message struct {
	Type  string                  `json:"type"`
	Event string                  `json:"event"`
	BidID string                  `json:"bid_id,omitempty"`
	Sets  []model.OwnerAggregates `json:"aggregates"`
}

type client struct {
	conn *websocket.Conn
	// owners restricts the feed to these owner keys; empty means everything.
	owners map[string]bool
	send   chan []byte
}

func (c *client) wants(key string) bool {
	return len(c.owners) == 0 || c.owners[key]
}

// Hub fans cached aggregate updates out to WebSocket clients. It implements
// pipeline.Notifier.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan pipeline.Update
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan pipeline.Update, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case c := <-h.unregister:
			h.drop(c)

		case u := <-h.broadcast:
			h.mu.RLock()
			var slow []*client
			for c := range h.clients {
				data, ok := encodeFor(c, u)
				if !ok {
					continue
				}
				select {
				case c.send <- data:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.drop(c)
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// encodeFor renders the part of u the client subscribed to.
func encodeFor(c *client, u pipeline.Update) ([]byte, bool) {
	msg := Message{Type: "aggregates", Event: u.Event, BidID: u.BidID}
	for _, set := range u.Sets {
		if c.wants(set.Owner.Key()) {
			msg.Sets = append(msg.Sets, set)
		}
	}
	if len(msg.Sets) == 0 {
		return nil, false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws encode failed", "err", err)
		return nil, false
	}
	return data, true
}

// Publish queues an update for broadcast. It never blocks: updates are
// dropped when the buffer is full.
func (h *Hub) Publish(u pipeline.Update) {
	select {
	case h.broadcast <- u:
	default:
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles GET /api/v1/ws. The optional owners query parameter is a
// comma-separated list of owner keys (media:M, party:P, user:U,
// party:P:media:M) to subscribe to.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, owners: make(map[string]bool), send: make(chan []byte, 16)}
	for _, key := range strings.Split(r.URL.Query().Get("owners"), ",") {
		if key = strings.TrimSpace(key); key != "" {
			c.owners[key] = true
		}
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- c:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Write pump: the only writer on the connection.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer func() {
			ticker.Stop()
			conn.Close()
		}()
		for {
			select {
			case data, ok := <-c.send:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if !ok {
					conn.WriteMessage(websocket.CloseMessage, nil)
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}
