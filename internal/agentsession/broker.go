// Package agentsession implements the agent session broker: it runs a
// single in-container AI SDK query, tracks its lifecycle, and supports
// abort/status/list across the lifetime of one running query. A separate
// Broker instance exists per provider (claude/cursor/codex); each owns its
// own session registry but shares this same implementation.
package agentsession

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/backplane/internal/common/apperr"
	"github.com/kandev/backplane/internal/common/config"
	"github.com/kandev/backplane/internal/common/constants"
	"github.com/kandev/backplane/internal/common/logger"
	"github.com/kandev/backplane/internal/container"
	"github.com/kandev/backplane/internal/container/demux"
	"github.com/kandev/backplane/internal/container/docker"
	ws "github.com/kandev/backplane/pkg/websocket"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusError     Status = "error"
)

// Session is the broker's record of one agent query.
type Session struct {
	SessionID   string
	UserID      string
	ContainerID string
	Command     string
	Status      Status
	StartTime   time.Time
	EndTime     time.Time
	Error       string
}

// session is the internal bookkeeping record, carrying the cancel func and
// live exec connection Session itself must not expose to callers.
type session struct {
	info   Session
	cancel context.CancelFunc
	conn   execCloser
}

type execCloser interface {
	Close() error
}

// QueryOptions carries the caller-supplied inputs for one agent query.
// SDKOptions is the opaque remainder of the client's options object (resume
// flags, allow/deny tool lists, model, ...) after the non-SDK fields below
// have been stripped out of it.
type QueryOptions struct {
	SessionID          string
	ProjectPath        string
	IsContainerProject bool
	Cwd                string
	SDKOptions         map[string]any
}

// ParseQueryOptions decodes a raw C→S options payload, splitting out the
// fields this broker consumes from the opaque SDK option bag, and drops
// "model":"custom" so the container's own env selects the model instead.
func ParseQueryOptions(raw json.RawMessage) QueryOptions {
	opts := QueryOptions{SDKOptions: map[string]any{}}
	if len(raw) == 0 {
		return opts
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return opts
	}

	if v, ok := fields["sessionId"].(string); ok {
		opts.SessionID = v
	}
	if v, ok := fields["projectPath"].(string); ok {
		opts.ProjectPath = v
	}
	if v, ok := fields["isContainerProject"].(bool); ok {
		opts.IsContainerProject = v
	}
	if v, ok := fields["cwd"].(string); ok {
		opts.Cwd = v
	}

	delete(fields, "sessionId")
	delete(fields, "isContainerProject")
	delete(fields, "projectPath")
	delete(fields, "userId")
	if model, ok := fields["model"].(string); ok && model == "custom" {
		delete(fields, "model")
	}
	opts.SDKOptions = fields
	return opts
}

// Broker runs queries for one provider against containers owned by the
// shared Container Manager.
type Broker struct {
	provider   string
	entrypoint string // in-container path to the SDK runtime module for this provider
	manager    *container.Manager
	agentCfg   config.AgentConfig
	logger     *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewBroker constructs a Broker for one provider. entrypoint is the
// in-container command invoked with the base64 payload (e.g.
// "/opt/agent-runtime/claude-sdk.js").
func NewBroker(provider, entrypoint string, mgr *container.Manager, agentCfg config.AgentConfig, log *logger.Logger) *Broker {
	return &Broker{
		provider:   provider,
		entrypoint: entrypoint,
		manager:    mgr,
		agentCfg:   agentCfg,
		logger:     log.WithFields(zap.String("component", "agent-session-broker"), zap.String("provider", provider)),
		sessions:   make(map[string]*session),
	}
}

// resolveCwd picks the in-container working directory: the project folder
// under the projects root for container-native projects, the basename of the
// caller's cwd re-rooted under /workspace otherwise, /workspace as the
// fallback.
func (b *Broker) resolveCwd(opts QueryOptions) string {
	if opts.IsContainerProject && opts.ProjectPath != "" {
		root := b.agentCfg.ProjectsRoot
		if root == "" {
			root = "/home/node/.claude/projects"
		}
		return path.Join(root, opts.ProjectPath)
	}
	if opts.Cwd != "" {
		return path.Join("/workspace", filepath.Base(opts.Cwd))
	}
	return "/workspace"
}

// RunQuery obtains a container, resolves cwd, registers a running session,
// execs the provider's SDK entrypoint with a base64-encoded payload, and
// streams demuxed events to w until the stream ends, errors, is aborted, or
// the hard timeout fires.
func (b *Broker) RunQuery(ctx context.Context, userID, command string, opts QueryOptions, w ws.Writer) (string, error) {
	info, err := b.manager.GetOrCreateContainer(ctx, userID, container.UserConfig{})
	if err != nil {
		return "", err
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if b.hasRunning(sessionID) {
		return "", apperr.ExecFailed(fmt.Sprintf("session %s is already running", sessionID), nil)
	}

	cwd := b.resolveCwd(opts)

	timeout := b.agentCfg.QueryTimeout
	if timeout <= 0 {
		timeout = constants.AgentQueryTimeout
	}
	sessionCtx, cancel := context.WithTimeout(ctx, timeout)

	rec := &session{
		info: Session{
			SessionID:   sessionID,
			UserID:      userID,
			ContainerID: info.ContainerID,
			Command:     command,
			Status:      StatusRunning,
			StartTime:   time.Now().UTC(),
		},
		cancel: cancel,
	}
	b.register(sessionID, rec)

	if err := w.WriteJSON(ws.SessionStartMessage{
		Type:        ws.TypeSessionStart,
		SessionID:   sessionID,
		ContainerID: info.ContainerID,
	}); err != nil {
		b.logger.Warn("failed to write session_start", zap.String("session_id", sessionID), zap.Error(err))
	}

	payload, err := encodePayload(command, opts.SDKOptions)
	if err != nil {
		cancel()
		b.finish(sessionID, StatusError, err.Error())
		return sessionID, apperr.ExecFailed("failed to encode agent payload", err)
	}

	execResult, err := b.manager.ExecInContainer(sessionCtx, userID,
		[]string{"node", b.entrypoint, "--payload-base64", payload},
		container.ExecOptions{Cwd: cwd})
	if err != nil {
		cancel()
		b.finish(sessionID, StatusError, err.Error())
		return sessionID, err
	}
	b.setConn(sessionID, execResult.Conn)

	go b.stream(sessionCtx, cancel, sessionID, execResult, w)

	return sessionID, nil
}

func encodePayload(command string, sdkOptions map[string]any) (string, error) {
	payload := map[string]any{
		"prompt":  command,
		"options": sdkOptions,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (b *Broker) stream(ctx context.Context, cancel context.CancelFunc, sessionID string, execResult *docker.ExecResult, w ws.Writer) {
	defer cancel()
	defer func() {
		if execResult.Conn != nil {
			_ = execResult.Conn.Close()
		}
	}()

	var sawError string
	err := demux.Run(ctx, execResult.Reader, demux.Handlers{
		OnEvent: func(ev demux.Event) {
			b.forward(sessionID, ev, w)
		},
	})

	if ctx.Err() == context.DeadlineExceeded {
		b.finish(sessionID, StatusError, "timeout")
		_ = w.WriteJSON(ws.ErrorMessage{Type: ws.TypeError, SessionID: sessionID, Error: "agent query timed out"})
		return
	}
	if ctx.Err() == context.Canceled {
		// Either an explicit abort (already recorded) or cancellation of the
		// caller's context.
		if b.currentStatus(sessionID) == StatusRunning {
			b.finish(sessionID, StatusAborted, "")
		}
		return
	}
	if err != nil {
		sawError = err.Error()
		b.finish(sessionID, StatusError, sawError)
		_ = w.WriteJSON(ws.ErrorMessage{Type: ws.TypeError, SessionID: sessionID, Error: sawError})
		return
	}

	b.finish(sessionID, StatusCompleted, "")
	_ = w.WriteJSON(ws.DoneMessage{Type: ws.TypeDone, SessionID: sessionID})
}

func (b *Broker) forward(sessionID string, ev demux.Event, w ws.Writer) {
	switch ev.Type {
	case "content":
		_ = w.WriteJSON(ws.ContentMessage{Type: ws.TypeContent, Chunk: ev.Raw})
	case "done":
		// The SDK's own done marker; the authoritative completion signal is
		// still stream end, handled in stream().
	case "error":
		var payload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(ev.Raw, &payload)
		_ = w.WriteJSON(ws.ErrorMessage{Type: ws.TypeError, SessionID: sessionID, Error: payload.Message})
	default:
		var payload struct {
			Data string `json:"data"`
		}
		_ = json.Unmarshal(ev.Raw, &payload)
		_ = w.WriteJSON(ws.OutputMessage{Type: ws.TypeOutput, SessionID: sessionID, Data: payload.Data})
	}
}

// AbortSession marks sessionId aborted and best-effort interrupts the
// underlying exec. Returns false for an unknown or already-finished session.
func (b *Broker) AbortSession(sessionID string) bool {
	b.mu.Lock()
	rec, ok := b.sessions[sessionID]
	if !ok || rec.info.Status != StatusRunning {
		b.mu.Unlock()
		return false
	}
	rec.info.Status = StatusAborted
	rec.info.EndTime = time.Now().UTC()
	conn := rec.conn
	cancel := rec.cancel
	b.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	return true
}

// IsSessionActive reports whether sessionId is currently running.
func (b *Broker) IsSessionActive(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.sessions[sessionID]
	return ok && rec.info.Status == StatusRunning
}

// ListActive returns every currently-running session.
func (b *Broker) ListActive() []Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Session
	for _, rec := range b.sessions {
		if rec.info.Status == StatusRunning {
			out = append(out, rec.info)
		}
	}
	return out
}

// GetSessionInfo returns the session record for sessionId, if any.
func (b *Broker) GetSessionInfo(sessionID string) (Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.info, true
}

func (b *Broker) register(sessionID string, rec *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sessionID] = rec
}

func (b *Broker) hasRunning(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.sessions[sessionID]
	return ok && rec.info.Status == StatusRunning
}

func (b *Broker) setConn(sessionID string, conn execCloser) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.sessions[sessionID]; ok {
		rec.conn = conn
	}
}

func (b *Broker) currentStatus(sessionID string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.sessions[sessionID]; ok {
		return rec.info.Status
	}
	return StatusError
}

func (b *Broker) finish(sessionID string, status Status, errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.sessions[sessionID]
	if !ok || rec.info.Status != StatusRunning {
		return
	}
	rec.info.Status = status
	rec.info.EndTime = time.Now().UTC()
	rec.info.Error = errMsg
}
