// Package streaming pushes live invocation output and phase transitions to
// WebSocket subscribers, keyed by conversation id rather than task id.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

// Message is a single update pushed to subscribers of a conversation.
type Message struct {
	ConversationID string    `json:"conversationId"`
	Type           string    `json:"type"`
	Phase          string    `json:"phase,omitempty"`
	Output         string    `json:"output,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID              string
	conn            *websocket.Conn
	conversationIDs map[string]bool
	send            chan []byte
	hub             *Hub
	mu              sync.RWMutex
	logger          *logger.Logger
}

// NewClient creates a Client bound to hub.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:              id,
		conn:            conn,
		conversationIDs: make(map[string]bool),
		send:            make(chan []byte, 256),
		hub:             hub,
		logger:          log.WithFields(zap.String("client_id", id)),
	}
}

// subscriptionMessage is sent by a client to subscribe/unsubscribe from
// conversations over an all-conversations stream.
type subscriptionMessage struct {
	Action          string   `json:"action"`
	ConversationIDs []string `json:"conversationIds"`
}

// ReadPump drains inbound subscription control messages until the
// connection closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		var sub subscriptionMessage
		if err := json.Unmarshal(message, &sub); err != nil {
			c.logger.Warn("invalid subscription message", zap.Error(err))
			continue
		}

		switch sub.Action {
		case "subscribe":
			for _, id := range sub.ConversationIDs {
				c.Subscribe(id)
			}
		case "unsubscribe":
			for _, id := range sub.ConversationIDs {
				c.Unsubscribe(id)
			}
		default:
			c.logger.Warn("unknown subscription action", zap.String("action", sub.Action))
		}
	}
}

// WritePump flushes queued messages and keeps the connection alive with
// periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Subscribe adds the client to a conversation's broadcast set.
func (c *Client) Subscribe(conversationID string) {
	c.mu.Lock()
	c.conversationIDs[conversationID] = true
	c.mu.Unlock()
	c.hub.subscribeClient(c, conversationID)
}

// Unsubscribe removes the client from a conversation's broadcast set.
func (c *Client) Unsubscribe(conversationID string) {
	c.mu.Lock()
	delete(c.conversationIDs, conversationID)
	c.mu.Unlock()
	c.hub.unsubscribeClient(c, conversationID)
}

// Hub fans Message values out to the clients subscribed to each
// conversation id.
type Hub struct {
	clients             map[*Client]bool
	conversationClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub builds an unstarted Hub; call Run to start its processing loop.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:             make(map[*Client]bool),
		conversationClients: make(map[string]map[*Client]bool),
		register:            make(chan *Client),
		unregister:          make(chan *Client),
		broadcast:           make(chan Message, 256),
		logger:              log.WithFields(zap.String("component", "streaming_hub")),
	}
}

// Run processes registrations, unregistrations, and broadcasts until ctx is
// canceled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("streaming hub started")
	defer h.logger.Info("streaming hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.conversationClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
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
				for id := range client.conversationIDs {
					if clients, ok := h.conversationClients[id]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.conversationClients, id)
						}
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := h.conversationClients[msg.ConversationID]
			h.mu.RUnlock()
			if len(clients) == 0 {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("failed to marshal streaming message", zap.Error(err))
				continue
			}
			for client := range clients {
				select {
				case client.send <- data:
				default:
					h.Unregister(client)
				}
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

func (h *Hub) subscribeClient(client *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conversationClients[conversationID]; !ok {
		h.conversationClients[conversationID] = make(map[*Client]bool)
	}
	h.conversationClients[conversationID][client] = true
}

func (h *Hub) unsubscribeClient(client *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.conversationClients[conversationID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.conversationClients, conversationID)
		}
	}
}

// Broadcast publishes msg to every client subscribed to msg.ConversationID.
// Safe to call with a nil Hub (no-op), so callers don't need to guard every
// call site.
func (h *Hub) Broadcast(msg Message) {
	if h == nil {
		return
	}
	msg.Timestamp = time.Now().UTC()
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("streaming broadcast buffer full, dropping message", zap.String("conversation_id", msg.ConversationID))
	}
}

// ClientCount reports how many clients are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
