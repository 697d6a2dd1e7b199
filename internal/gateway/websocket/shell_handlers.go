package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/backplane/internal/common/logger"
	"github.com/kandev/backplane/internal/ptysession"
	ws "github.com/kandev/backplane/pkg/websocket"
)

// RegisterShellHandlers wires the shell channel's init/input/resize/close
// message types to the PTY session broker.
func RegisterShellHandlers(d *ws.Dispatcher, broker *ptysession.Broker, log *logger.Logger) {
	l := log.WithFields(zap.String("component", "shell-handlers"))

	d.RegisterFunc(ws.TypeInit, func(ctx context.Context, env *ws.Envelope, w ws.Writer) error {
		var msg ws.ShellInitMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		c, ok := w.(*Client)
		if !ok {
			return nil
		}
		key, err := broker.HandleInit(ctx, c.UserID, ptysession.InitData{
			ProjectPath:    msg.ProjectPath,
			SessionID:      msg.SessionID,
			HasSession:     msg.HasSession,
			Provider:       msg.Provider,
			InitialCommand: msg.InitialCommand,
			Cols:           msg.Cols,
			Rows:           msg.Rows,
			IsPlainShell:   msg.IsPlainShell,
			IsLogin:        msg.IsLogin,
		}, w)
		if err != nil {
			l.WithError(err).Warn("shell init failed", zap.String("user_id", c.UserID))
			return writeError(w, "", err.Error())
		}
		c.SetPTYKey(key)
		return nil
	})

	d.RegisterFunc(ws.TypeInput, func(ctx context.Context, env *ws.Envelope, w ws.Writer) error {
		var msg ws.ShellInputMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		c, ok := w.(*Client)
		if !ok {
			return nil
		}
		key, ok := c.PTYKey()
		if !ok {
			return nil
		}
		if err := broker.HandleInput(key, msg.Data); err != nil {
			l.Debug("shell input dropped, no active session for key", zap.String("key", key))
		}
		return nil
	})

	d.RegisterFunc(ws.TypeResize, func(ctx context.Context, env *ws.Envelope, w ws.Writer) error {
		var msg ws.ShellResizeMessage
		if err := env.Decode(&msg); err != nil {
			return err
		}
		c, ok := w.(*Client)
		if !ok {
			return nil
		}
		if key, ok := c.PTYKey(); ok {
			broker.HandleResize(key, msg.Cols, msg.Rows)
		}
		return nil
	})

	// A client may detach from just the shell channel while keeping the same
	// multiplexed connection alive for chat traffic. This runs the same
	// idle-timer path as a full WebSocket disconnect; the session stays
	// reconnectable until the timer fires.
	d.RegisterFunc(ws.TypeClose, func(ctx context.Context, env *ws.Envelope, w ws.Writer) error {
		c, ok := w.(*Client)
		if !ok {
			return nil
		}
		if key, ok := c.PTYKey(); ok {
			broker.HandleClose(key)
		}
		return nil
	})
}
