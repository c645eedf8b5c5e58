// Package realtime pushes record and summary deltas to websocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/matheus3301/wpphook/internal/bus"
	"go.uber.org/zap"
)

// Frame events.
const (
	EventMessageChanged = "message_changed"
	EventChatSummary    = "chat_summary"
	EventHello          = "hello"
	EventTestResponse   = "test_response"

	EventPending  = "message:pending"
	EventReceived = "message:received"
	EventTest     = "test"
)

const (
	defaultSendBuffer = 64
	writeTimeout      = 5 * time.Second
)

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Options configure the hub.
type Options struct {
	// Origin allowed for browser clients; "*" or empty allows any.
	Origin string
	// SendBuffer is the number of frames queued per client before it is
	// considered slow and dropped.
	SendBuffer int
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID      string `json:"id"`
	Pending int    `json:"pending"`
}

// Hub is the subscriber registry. Broadcast never blocks on a client.
type Hub struct {
	logger     *zap.Logger
	accept     *websocket.AcceptOptions
	sendBuffer int

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]struct{}
}

func NewHub(logger *zap.Logger, opts Options) *Hub {
	accept := &websocket.AcceptOptions{}
	switch opts.Origin {
	case "", "*":
		accept.InsecureSkipVerify = true
	default:
		host := opts.Origin
		if u, err := url.Parse(opts.Origin); err == nil && u.Host != "" {
			host = u.Host
		}
		accept.OriginPatterns = []string{host}
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	return &Hub{
		logger:     logger,
		accept:     accept,
		sendBuffer: opts.SendBuffer,
		clients:    make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, h.sendBuffer),
		cancel:  cancel,
		pending: make(map[string]struct{}),
	}
	h.register(c)
	defer func() {
		h.unregister(c)
		_ = conn.CloseNow()
	}()

	h.logger.Info("socket connected", zap.String("client_id", c.id))
	h.enqueue(c, Frame{Event: EventHello, Data: map[string]string{"clientId": c.id}})

	go c.writeLoop(ctx)
	h.readLoop(ctx, c)
}

// Broadcast queues f for every connected client. Clients whose queue is full
// are disconnected.
func (h *Hub) Broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("encode frame", zap.String("event", f.Event), zap.Error(err))
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow client", zap.String("client_id", c.id))
		h.unregister(c)
		go func(c *client) { _ = c.conn.Close(websocket.StatusPolicyViolation, "slow consumer") }(c)
	}
}

// Name implements notify.Sink.
func (h *Hub) Name() string { return "websocket" }

// Deliver implements notify.Sink.
func (h *Hub) Deliver(_ context.Context, evt bus.Event) error {
	switch evt.Kind {
	case bus.KindRecordChanged:
		h.Broadcast(Frame{Event: EventMessageChanged, Data: evt.Payload})
	case bus.KindSummaryChanged:
		h.Broadcast(Frame{Event: EventChatSummary, Data: evt.Payload})
	default:
		return fmt.Errorf("unsupported event kind %q", evt.Kind)
	}
	return nil
}

// Clients lists connected clients.
func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ClientInfo, 0, len(h.clients))
	for c := range h.clients {
		c.mu.Lock()
		out = append(out, ClientInfo{ID: c.id, Pending: len(c.pending)})
		c.mu.Unlock()
	}
	return out
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.cancel()
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	c.cancel()
	if ok {
		c.mu.Lock()
		clear(c.pending)
		c.mu.Unlock()
		h.logger.Info("socket disconnected", zap.String("client_id", c.id))
	}
}

func (h *Hub) enqueue(c *client, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			h.logger.Debug("ignoring malformed frame", zap.String("client_id", c.id))
			continue
		}
		h.handle(c, f)
	}
}

func (h *Hub) handle(c *client, f inboundFrame) {
	switch f.Event {
	case EventPending, EventReceived:
		var id string
		if err := json.Unmarshal(f.Data, &id); err != nil || id == "" {
			return
		}
		c.mu.Lock()
		if f.Event == EventPending {
			c.pending[id] = struct{}{}
		} else {
			delete(c.pending, id)
		}
		c.mu.Unlock()
	case EventTest:
		h.enqueue(c, Frame{Event: EventTestResponse, Data: map[string]string{
			"message":   "Hello from backend!",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"clientId":  c.id,
		}})
	}
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}
