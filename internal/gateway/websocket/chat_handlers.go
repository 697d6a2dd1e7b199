package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/backplane/internal/agentsession"
	"github.com/kandev/backplane/internal/common/logger"
	"github.com/kandev/backplane/internal/eventbus"
	ws "github.com/kandev/backplane/pkg/websocket"
)

// ChatBrokers holds one Agent Session Broker per provider, keyed by the
// provider name used on the wire (claude/cursor/codex).
type ChatBrokers map[string]*agentsession.Broker

// RegisterChatHandlers wires the chat channel's command/abort/status message
// types to their provider broker.
func RegisterChatHandlers(d *ws.Dispatcher, brokers ChatBrokers, bus *eventbus.Bus, log *logger.Logger) {
	l := log.WithFields(zap.String("component", "chat-handlers"))

	d.RegisterFunc(ws.TypeClaudeCommand, commandHandler(brokers, ws.ProviderClaude, l))
	d.RegisterFunc(ws.TypeCursorCommand, commandHandler(brokers, ws.ProviderCursor, l))
	d.RegisterFunc(ws.TypeCodexCommand, commandHandler(brokers, ws.ProviderCodex, l))

	d.RegisterFunc(ws.TypeCursorResume, resumeHandler(brokers, l))

	d.RegisterFunc(ws.TypeAbortSession, abortHandler(brokers, l))
	d.RegisterFunc(ws.TypeCursorAbort, func(ctx context.Context, env *ws.Envelope, w ws.Writer) error {
		var msg ws.AbortMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		msg.Provider = ws.ProviderCursor
		return doAbort(brokers, msg, w, l)
	})

	d.RegisterFunc(ws.TypeCheckSessionStatus, statusHandler(brokers, l))
	d.RegisterFunc(ws.TypeGetActiveSessions, activeSessionsHandler(brokers, bus, l))
}

func commandHandler(brokers ChatBrokers, provider string, log *logger.Logger) ws.HandlerFunc {
	return func(ctx context.Context, env *ws.Envelope, w ws.Writer) error {
		var msg ws.CommandMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		broker, ok := brokers[provider]
		if !ok {
			return writeError(w, "", "no broker configured for provider "+provider)
		}
		userID := userIDFromWriter(w)

		opts := agentsession.ParseQueryOptions(msg.Options)
		sessionID, err := broker.RunQuery(ctx, userID, msg.Command, opts, w)
		if err != nil {
			log.WithError(err).Warn("agent query failed to start", zap.String("provider", provider))
			return writeError(w, sessionID, err.Error())
		}
		return nil
	}
}

func resumeHandler(brokers ChatBrokers, log *logger.Logger) ws.HandlerFunc {
	return func(ctx context.Context, env *ws.Envelope, w ws.Writer) error {
		var msg ws.ResumeMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		broker, ok := brokers[ws.ProviderCursor]
		if !ok {
			return writeError(w, msg.SessionID, "no broker configured for provider cursor")
		}
		userID := userIDFromWriter(w)

		opts := agentsession.QueryOptions{
			SessionID:  msg.SessionID,
			Cwd:        msg.Options.Cwd,
			SDKOptions: map[string]any{"resume": msg.SessionID},
		}
		sessionID, err := broker.RunQuery(ctx, userID, "", opts, w)
		if err != nil {
			log.WithError(err).Warn("cursor resume failed to start")
			return writeError(w, sessionID, err.Error())
		}
		return nil
	}
}

func abortHandler(brokers ChatBrokers, log *logger.Logger) ws.HandlerFunc {
	return func(ctx context.Context, env *ws.Envelope, w ws.Writer) error {
		var msg ws.AbortMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		return doAbort(brokers, msg, w, log)
	}
}

func doAbort(brokers ChatBrokers, msg ws.AbortMessage, w ws.Writer, log *logger.Logger) error {
	provider := msg.Provider
	if provider == "" {
		provider = ws.ProviderClaude
	}
	broker, ok := brokers[provider]
	if !ok {
		return writeError(w, msg.SessionID, "no broker configured for provider "+provider)
	}
	success := broker.AbortSession(msg.SessionID)
	return w.WriteJSON(ws.SessionAbortedMessage{
		Type:      ws.TypeSessionAborted,
		SessionID: msg.SessionID,
		Provider:  provider,
		Success:   success,
	})
}

func statusHandler(brokers ChatBrokers, log *logger.Logger) ws.HandlerFunc {
	return func(ctx context.Context, env *ws.Envelope, w ws.Writer) error {
		var msg ws.StatusQueryMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		provider := msg.Provider
		if provider == "" {
			provider = ws.ProviderClaude
		}
		broker, ok := brokers[provider]
		if !ok {
			return writeError(w, msg.SessionID, "no broker configured for provider "+provider)
		}
		return w.WriteJSON(ws.SessionStatusMessage{
			Type:         ws.TypeSessionStatus,
			SessionID:    msg.SessionID,
			Provider:     provider,
			IsProcessing: broker.IsSessionActive(msg.SessionID),
		})
	}
}

func activeSessionsHandler(brokers ChatBrokers, bus *eventbus.Bus, log *logger.Logger) ws.HandlerFunc {
	return func(ctx context.Context, env *ws.Envelope, w ws.Writer) error {
		sessions := make(map[string][]string)
		for provider, broker := range brokers {
			var ids []string
			for _, s := range broker.ListActive() {
				ids = append(ids, s.SessionID)
			}
			sessions[provider] = ids
		}
		msg := ws.ActiveSessionsMessage{Type: ws.TypeActiveSessions, Sessions: sessions}
		if bus != nil {
			bus.Publish("active-sessions", msg)
		}
		return w.WriteJSON(msg)
	}
}

func writeError(w ws.Writer, sessionID, message string) error {
	return w.WriteJSON(ws.ErrorMessage{Type: ws.TypeError, SessionID: sessionID, Error: message})
}

// userIDFromWriter recovers the trusted user ID bound to a connection. Every
// Writer handed to a chat/shell handler in this gateway is backed by a
// *Client; a Writer from any other transport would have no user identity to
// offer, which is a programming error, not a runtime condition to recover
// from.
func userIDFromWriter(w ws.Writer) string {
	if c, ok := w.(*Client); ok {
		return c.UserID
	}
	return ""
}
