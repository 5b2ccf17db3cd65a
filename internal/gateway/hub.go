package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/powermarket/internal/metrics"
	"github.com/atmx/powermarket/internal/model"
	"github.com/atmx/powermarket/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Submitter accepts decoded inbound broker messages.
type Submitter interface {
	Submit(msg model.Message) error
}

type outbound struct {
	broker string // empty for broadcast
	data   []byte
}

type client struct {
	conn   *websocket.Conn
	broker string
}

// Hub manages WebSocket connections. A connection opened with
// ?broker=<username> receives that broker's messages and may submit orders
// and tariff messages; every connection receives broadcasts.
type Hub struct {
	dir    wire.Directory
	sink   Submitter
	logger *slog.Logger

	clients    map[*websocket.Conn]string
	send       chan outbound
	register   chan client
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub. sink may be nil for a read-only feed.
func NewHub(dir wire.Directory, sink Submitter, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		dir:        dir,
		sink:       sink,
		logger:     logger.With("component", "ws_hub"),
		clients:    make(map[*websocket.Conn]string),
		send:       make(chan outbound, 1024),
		register:   make(chan client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and returns when ctx is done, closing
// every connection. Must be called in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.broker
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "broker", c.broker, "total", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.send:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn, broker := range h.clients {
				if msg.broker != "" && msg.broker != broker {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.drop(conn)
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	broker, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		metrics.WebSocketClients.Set(float64(n))
		h.logger.Info("ws client disconnected", "broker", broker, "total", n)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) enqueue(b *model.Broker, msg model.Message) {
	data, err := wire.Encode(b, msg)
	if err != nil {
		h.logger.Error("encode outbound message", "type", msg.MessageType(), "error", err)
		return
	}
	o := outbound{data: data}
	if b != nil {
		o.broker = b.Username
	}
	select {
	case h.send <- o:
	default:
		metrics.OutboundDropped.WithLabelValues("websocket").Inc()
	}
}

func (h *Hub) SendMessage(b *model.Broker, msg model.Message) {
	h.enqueue(b, msg)
}

func (h *Hub) SendMessages(b *model.Broker, msgs []model.Message) {
	for _, msg := range msgs {
		h.enqueue(b, msg)
	}
}

func (h *Hub) BroadcastMessage(msg model.Message) {
	h.enqueue(nil, msg)
}

func (h *Hub) BroadcastMessages(msgs []model.Message) {
	for _, msg := range msgs {
		h.enqueue(nil, msg)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("broker")
	if username != "" && h.dir.Find(username) == nil {
		http.Error(w, "unknown broker", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}
	select {
	case h.register <- client{conn: conn, broker: username}:
	case <-h.done:
		conn.Close()
		return
	}

	go h.readPump(conn, username)
	go h.pingPump(conn)
}

func (h *Hub) readPump(conn *websocket.Conn, username string) {
	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.done:
		}
	}()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.receive(username, data)
	}
}

// receive decodes one inbound frame. Frames from an anonymous connection
// are ignored.
func (h *Hub) receive(username string, data []byte) {
	if username == "" || h.sink == nil {
		return
	}
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Warn("malformed ws frame", "broker", username, "error", err)
		return
	}
	msg, err := wire.DecodePayload(env.Type, username, env.Payload, h.dir)
	if err != nil {
		h.logger.Warn("rejected ws message", "broker", username, "type", env.Type, "error", err)
		return
	}
	if err := h.sink.Submit(msg); err != nil {
		h.logger.Warn("ws message not accepted", "broker", username, "type", env.Type, "error", err)
	}
}

// pingPump keeps the connection alive through proxies. Control frames may
// be written concurrently with the hub's data frames.
func (h *Hub) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		h.mu.RLock()
		_, ok := h.clients[conn]
		h.mu.RUnlock()
		if !ok {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			return
		}
	}
}
