package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kandev/backplane/internal/common/logger"
	ws "github.com/kandev/backplane/pkg/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client represents a single WebSocket connection multiplexing the chat and
// shell channels for one authenticated user. UserID is trusted as supplied
// by whatever sits in front of the gateway (auth middleware is out of scope
// here) and is what every component downstream (container manager, agent
// broker, pty broker) keys its work by.
type Client struct {
	ID     string
	UserID string

	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	mu     sync.RWMutex
	closed bool
	logger *logger.Logger

	ptyMu  sync.Mutex
	ptyKey string
	hasPTY bool

	onDisconnect func(c *Client)
}

// NewClient creates a new WebSocket client.
func NewClient(id, userID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id), zap.String("user_id", userID)),
	}
}

// SetOnDisconnect registers a callback invoked once, from ReadPump's
// cleanup, when this connection closes; used to release the client's PTY
// session so its idle timer starts counting down.
func (c *Client) SetOnDisconnect(f func(c *Client)) {
	c.onDisconnect = f
}

// SetPTYKey records the PTY session key this connection's shell channel is
// currently attached to. A connection has at most one live shell session at
// a time, matching the wire protocol's single-target input/resize messages.
func (c *Client) SetPTYKey(key string) {
	c.ptyMu.Lock()
	defer c.ptyMu.Unlock()
	c.ptyKey = key
	c.hasPTY = true
}

// PTYKey returns the connection's current PTY session key, if any.
func (c *Client) PTYKey() (string, bool) {
	c.ptyMu.Lock()
	defer c.ptyMu.Unlock()
	return c.ptyKey, c.hasPTY
}

// WriteJSON implements ws.Writer, letting handlers address this client
// without knowing it's backed by a WebSocket connection.
func (c *Client) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.sendBytes(data)
	return nil
}

// ReadPump pumps messages from the WebSocket connection to the dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		if c.onDisconnect != nil {
			c.onDisconnect(c)
		}
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("failed to set read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var env ws.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Error("failed to parse message", zap.Error(err))
			c.sendError("", "invalid message format")
			continue
		}

		// Dispatch in a goroutine so a long-running handler (an agent query)
		// never blocks the read pump from servicing other message types
		// (a resize, an abort) on the same connection.
		go c.handleMessage(ctx, &env)
	}
}

func (c *Client) handleMessage(ctx context.Context, env *ws.Envelope) {
	c.logger.Debug("received message", zap.String("type", env.Type))

	if err := c.hub.dispatcher.Dispatch(ctx, env, c); err != nil {
		c.logger.Error("handler error", zap.String("type", env.Type), zap.Error(err))
		c.sendError("", err.Error())
	}
}

func (c *Client) sendBytes(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("client send buffer full")
		return false
	}
}

func (c *Client) sendError(sessionID, message string) {
	_ = c.WriteJSON(ws.ErrorMessage{
		Type:      "error",
		SessionID: sessionID,
		Error:     message,
	})
}

// WritePump pumps messages from the send channel to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("failed to set write deadline", zap.Error(err))
			}
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.logger.Debug("failed to write close message", zap.Error(err))
				}
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				c.logger.Debug("failed to write websocket message", zap.Error(err))
				_ = w.Close()
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				if _, err := w.Write([]byte{'\n'}); err != nil {
					c.logger.Debug("failed to write websocket delimiter", zap.Error(err))
					_ = w.Close()
					return
				}
				if _, err := w.Write(<-c.send); err != nil {
					c.logger.Debug("failed to write queued websocket message", zap.Error(err))
					_ = w.Close()
					return
				}
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("failed to set write deadline", zap.Error(err))
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
