package handlers

import (
	"net/http"

	"echo-vault/internal/services"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketHandler streams transfer record transitions
type WebSocketHandler struct {
	pushService *services.WebSocketPushService
	upgrader    websocket.Upgrader
	logger      *logrus.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(pushService *services.WebSocketPushService, logger *logrus.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		pushService: pushService,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

// HandleWebSocket upgrades and serves one subscriber.
// Optional ?from=<address> limits the stream to transfers from that sender.
// GET /api/ws
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	from := c.Query("from")
	if from != "" && !common.IsHexAddress(from) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid from address",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("❌ [WebSocket] upgrade failed")
		return
	}
	h.pushService.Serve(services.NewConnection(conn, from))
}
