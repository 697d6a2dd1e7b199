package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/backplane/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkWebSocketOrigin,
}

// Handler handles WebSocket connections
type Handler struct {
	hub          *Hub
	logger       *logger.Logger
	onDisconnect func(c *Client)
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// SetOnDisconnect registers a callback invoked for every client that
// disconnects, used to release any PTY session it held.
func (h *Handler) SetOnDisconnect(f func(c *Client)) {
	h.onDisconnect = f
}

// HandleConnection upgrades HTTP to WebSocket and handles messages. The
// tenant identity is whatever is supplied as userId/token; validating it
// against an identity provider is the job of whatever sits in front of this
// gateway, not this package.
func (h *Handler) HandleConnection(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		userID = c.Query("token")
	}
	if userID == "" {
		userID = c.GetHeader("Authorization")
	}
	if userID == "" {
		h.logger.Warn("rejecting websocket connection with no user identity")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("user_id", userID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, userID, conn, h.hub, h.logger)
	client.SetOnDisconnect(h.onDisconnect)

	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
