package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"biome-tales/internal/metrics"
	"biome-tales/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

// PageEvent is pushed to subscribers when a page is stored.
type PageEvent struct {
	Type    string           `json:"type"`
	StoryID uint             `json:"story_id"`
	Page    models.StoryPage `json:"page"`
	SentAt  int64            `json:"sent_at"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID      string
	StoryID uint
	Conn    *websocket.Conn
	Send    chan []byte
	Hub     *PageHub

	closeOnce sync.Once
}

// PageHub fans stored pages out to the websocket clients watching a story.
type PageHub struct {
	clients    map[uint]map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan models.StoryPage
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        *zap.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// NewPageHub creates a hub. allowedOrigins follows the CORS setting; an
// empty list or "*" accepts any origin.
func NewPageHub(allowedOrigins []string, log *zap.Logger) *PageHub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &PageHub{
		clients:    make(map[uint]map[string]*Client),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		broadcast:  make(chan models.StoryPage, 256),
		done:       make(chan struct{}),
		log:        log.With(zap.String("component", "page_hub")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Run starts the hub's event loop. It returns when ctx is done, closing all
// client send channels. A hub cannot be restarted.
func (h *PageHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.stopOnce.Do(func() { close(h.done) })
			h.closeAll()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case page := <-h.broadcast:
			h.broadcastPage(page)
		}
	}
}

func (h *PageHub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	watchers, ok := h.clients[client.StoryID]
	if !ok {
		watchers = make(map[string]*Client)
		h.clients[client.StoryID] = watchers
	}
	watchers[client.ID] = client
	metrics.WebsocketClients.Inc()
	h.log.Debug("client connected", zap.String("client_id", client.ID), zap.Uint("story_id", client.StoryID))
}

func (h *PageHub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	watchers := h.clients[client.StoryID]
	if _, ok := watchers[client.ID]; !ok {
		return
	}
	delete(watchers, client.ID)
	if len(watchers) == 0 {
		delete(h.clients, client.StoryID)
	}
	close(client.Send)
	metrics.WebsocketClients.Dec()
	h.log.Debug("client disconnected", zap.String("client_id", client.ID), zap.Uint("story_id", client.StoryID))
}

func (h *PageHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for storyID, watchers := range h.clients {
		for _, c := range watchers {
			close(c.Send)
			metrics.WebsocketClients.Dec()
		}
		delete(h.clients, storyID)
	}
}

func (h *PageHub) broadcastPage(page models.StoryPage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	watchers := h.clients[page.StoryID]
	if len(watchers) == 0 {
		return
	}

	data, err := json.Marshal(PageEvent{
		Type:    "page_created",
		StoryID: page.StoryID,
		Page:    page,
		SentAt:  time.Now().Unix(),
	})
	if err != nil {
		h.log.Error("failed to marshal page event", zap.Error(err))
		return
	}

	for _, client := range watchers {
		select {
		case client.Send <- data:
		default:
			h.dropped.Inc()
			h.log.Warn("client send buffer full", zap.String("client_id", client.ID))
		}
	}
}

// PublishPage queues a page for its story's watchers without blocking the
// pipeline.
func (h *PageHub) PublishPage(page models.StoryPage) {
	select {
	case h.broadcast <- page:
		h.published.Inc()
	default:
		h.dropped.Inc()
		h.log.Warn("broadcast channel full, dropping page event", zap.Uint("story_id", page.StoryID))
	}
}

// Done is closed once Run has returned.
func (h *PageHub) Done() <-chan struct{} {
	return h.done
}

// ClientCount returns the number of watchers of storyID.
func (h *PageHub) ClientCount(storyID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[storyID])
}

// Stats returns how many events were queued and dropped.
func (h *PageHub) Stats() (published, dropped int64) {
	return h.published.Load(), h.dropped.Load()
}

// Serve upgrades the request and subscribes the connection to storyID.
func (h *PageHub) Serve(w http.ResponseWriter, r *http.Request, storyID uint) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:      uuid.NewString(),
		StoryID: storyID,
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer),
		Hub:     h,
	}

	select {
	case <-h.done:
		client.shutdown()
		return
	default:
	}
	select {
	case h.register <- client:
	case <-h.done:
		client.shutdown()
		return
	}

	go client.writePump()
	client.readPump()
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub stopped or already dropped this client.
				c.shutdown()
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Hub.log.Debug("write failed", zap.String("client_id", c.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.Hub.done:
			c.shutdown()
			return
		}
	}
}

// readPump only drains control frames; clients never send data.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Close()
	}()

	c.Conn.SetReadLimit(512)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.Hub.log.Debug("unexpected close", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
	}
}

// shutdown tells the peer the server is going away and closes the connection.
func (c *Client) shutdown() {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = c.Conn.WriteMessage(websocket.CloseMessage, msg)
	c.Close()
}

// Close closes the client connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.Conn.Close()
	})
}
