package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/kandev/backplane/internal/agentsession"
	"github.com/kandev/backplane/internal/common/logger"
	"github.com/kandev/backplane/internal/eventbus"
	"github.com/kandev/backplane/internal/ptysession"
	ws "github.com/kandev/backplane/pkg/websocket"
)

// Gateway is the composition root for the WebSocket multiplex: one hub
// fanning inbound messages out to the chat (4.D) and shell (4.E) handlers,
// and inbound Event Bus publications out to every connected client.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	bus        *eventbus.Bus
	logger     *logger.Logger
}

// NewGateway wires the dispatcher, hub, and HTTP upgrade handler together,
// registering the chat and shell routes itself via RegisterChatHandlers and
// RegisterShellHandlers with the brokers it is given.
func NewGateway(brokers ChatBrokers, ptyBroker *ptysession.Broker, bus *eventbus.Bus, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()

	RegisterChatHandlers(dispatcher, brokers, bus, log)
	RegisterShellHandlers(dispatcher, ptyBroker, log)

	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)
	handler.SetOnDisconnect(func(c *Client) {
		if key, ok := c.PTYKey(); ok {
			ptyBroker.HandleClose(key)
		}
	})

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		bus:        bus,
		logger:     log,
	}
}

// RunBroadcastBridge drains the Event Bus's broadcast topic into the hub's
// per-client fan-out until ctx is cancelled. Run alongside Hub.Run so that a
// component publishing a broadcast never needs a hub reference.
func (g *Gateway) RunBroadcastBridge(ctx context.Context) {
	ch, cancel := g.bus.Subscribe(eventbus.TopicBroadcast)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			g.Hub.Broadcast(msg)
		}
	}
}

// SetupRoutes adds the WebSocket upgrade route to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}

// BroadcastTaskmaster publishes a taskmaster-* typed event to every
// connected client. Delivery rides the event bus's broadcast topic
// (picked up by RunBroadcastBridge, mirrored to NATS when configured);
// per-client failures are isolated by the Hub and never surface to the caller.
func (g *Gateway) BroadcastTaskmaster(eventType string, payload any) {
	g.bus.Publish(eventbus.TopicBroadcast, ws.TaskmasterMessage{Type: eventType, Payload: payload})
}

// AgentChatBrokers bundles the three provider brokers used by RunQuery's
// router-side dispatch, keyed by the wire provider name.
func AgentChatBrokers(claude, cursor, codex *agentsession.Broker) ChatBrokers {
	brokers := make(ChatBrokers, 3)
	if claude != nil {
		brokers[ws.ProviderClaude] = claude
	}
	if cursor != nil {
		brokers[ws.ProviderCursor] = cursor
	}
	if codex != nil {
		brokers[ws.ProviderCodex] = codex
	}
	return brokers
}
