package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentrunner/agentrunner/internal/common/logger"
	"github.com/agentrunner/agentrunner/internal/streaming"
)

// NewRouter builds the gin engine: ambient middleware plus the routes from
// the service's HTTP surface. streamHandler is optional; pass nil to
// disable the live-streaming WebSocket routes.
func NewRouter(h *Handler, streamHandler *streaming.Handler, log *logger.Logger, requestsPerSecond int) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log), ErrorHandler(log), CORS())
	if requestsPerSecond > 0 {
		router.Use(RateLimit(requestsPerSecond))
	}

	router.GET("/health", h.Health)
	router.POST("/conversation/new", h.NewConversation)
	router.POST("/execute", h.Execute)
	router.POST("/execute/async", h.ExecuteAsync)
	router.POST("/iterate", h.Iterate)
	router.POST("/iterate/async", h.IterateAsync)

	if streamHandler != nil {
		streaming.RegisterRoutes(router, streamHandler)
	}

	return router
}
