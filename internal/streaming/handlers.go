package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP connections to WebSocket streams of invocation
// output for one or all conversations.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler builds a streaming Handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{hub: hub, logger: log.WithFields(zap.String("component", "streaming_handler"))}
}

// StreamConversation handles GET /stream/:conversationId, subscribing the
// new connection to a single conversation's updates.
func (h *Handler) StreamConversation(c *gin.Context) {
	conversationID := c.Param("conversationId")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)
	client.Subscribe(conversationID)

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll handles GET /stream, where clients subscribe to individual
// conversation ids over the same connection via subscribe/unsubscribe
// control messages.
func (h *Handler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// RegisterRoutes adds the streaming routes to router.
func RegisterRoutes(router gin.IRouter, h *Handler) {
	router.GET("/stream/:conversationId", h.StreamConversation)
	router.GET("/stream", h.StreamAll)
}
