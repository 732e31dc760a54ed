package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loopdev/loopdev/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// WSHandler handles WebSocket connections
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// StreamLoop handles WebSocket connection for a specific loop
// WS /api/v1/loops/:id/stream
func (h *WSHandler) StreamLoop(c *gin.Context) {
	loopID := c.Param("id")
	if loopID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "MISSING_LOOP_ID",
				"message": "Loop ID is required",
			},
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection",
			zap.String("loop_id", loopID),
			zap.Error(err),
		)
		return
	}

	clientID := uuid.New().String()

	h.logger.Info("WebSocket connection established for loop",
		zap.String("client_id", clientID),
		zap.String("loop_id", loopID),
	)

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)
	client.Subscribe(loopID)

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll handles WebSocket connection for all loops (with subscription)
// WS /api/v1/stream
func (h *WSHandler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()

	h.logger.Info("WebSocket connection established",
		zap.String("client_id", clientID),
	)

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	// The ReadPump handles subscription messages from the client
	go client.WritePump()
	go client.ReadPump()
}

// SetupWebSocketRoutes adds WebSocket routes to the router
func SetupWebSocketRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/loops/:id/stream", handler.StreamLoop)
	router.GET("/stream", handler.StreamAll)
}
