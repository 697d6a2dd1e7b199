// Package ptysession implements the PTY session broker: it opens a
// TTY-attached exec inside a user's container, maintains a rolling replay
// buffer, and supports client disconnect/reconnect without tearing down the
// underlying shell.
package ptysession

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/backplane/internal/common/config"
	"github.com/kandev/backplane/internal/common/constants"
	"github.com/kandev/backplane/internal/common/logger"
	"github.com/kandev/backplane/internal/container"
	"github.com/kandev/backplane/internal/container/demux"
	ws "github.com/kandev/backplane/pkg/websocket"
)

// Status is a PTY session's lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
	StatusError  Status = "error"
)

// InitData is the caller-supplied payload for a shell "init" message.
type InitData struct {
	ProjectPath    string
	SessionID      string
	HasSession     bool
	Provider       string
	InitialCommand string
	Cols           int
	Rows           int
	IsPlainShell   bool
	IsLogin        bool
}

// Info is the broker's public view of one PTY session.
type Info struct {
	Key         string
	UserID      string
	ContainerID string
	ExecID      string
	Status      Status
	Cols        int
	Rows        int
	ProjectPath string
	CreatedAt   time.Time
	LastActive  time.Time
	EndedAt     time.Time
}

// chunk is one entry in a session's rolling replay buffer.
type chunk struct {
	data string
}

// session is the broker's internal bookkeeping record. The stream and the
// rolling buffer are exclusively owned by the session; wsRef is a weak
// handle, cleared on client disconnect without tearing down the session.
type session struct {
	mu sync.Mutex

	info Info

	conn   io.ReadWriteCloser
	cancel context.CancelFunc

	buffer    []chunk
	bufferCap int

	wsRef     ws.Writer
	idleTimer *time.Timer
}

func newSession(info Info, conn io.ReadWriteCloser, cancel context.CancelFunc, bufferCap int) *session {
	return &session{info: info, conn: conn, cancel: cancel, bufferCap: bufferCap}
}

func (s *session) appendChunk(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, chunk{data: data})
	if len(s.buffer) > s.bufferCap {
		s.buffer = s.buffer[len(s.buffer)-s.bufferCap:]
	}
}

func (s *session) replay() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.buffer))
	for i, c := range s.buffer {
		out[i] = string(stripTerminalResponses([]byte(c.data)))
	}
	return out
}

func (s *session) setWriter(w ws.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.wsRef = w
}

func (s *session) clearWriter() ws.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.wsRef
	s.wsRef = nil
	return prev
}

func (s *session) writer() ws.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wsRef
}

func (s *session) armIdleTimer(d time.Duration, onFire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(d, onFire)
}

func (s *session) cancelIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *session) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Status = status
	if status != StatusActive {
		s.info.EndedAt = time.Now().UTC()
	}
}

func (s *session) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Broker owns every PTY session keyed by its deterministic session key, and
// the Container Manager every session execs through.
type Broker struct {
	manager *container.Manager
	cfg     config.PTYConfig
	logger  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewBroker constructs a PTY Session Broker.
func NewBroker(mgr *container.Manager, cfg config.PTYConfig, log *logger.Logger) *Broker {
	if cfg.BufferCap <= 0 {
		cfg.BufferCap = constants.PTYBufferCap
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = constants.PTYIdleTimeout
	}
	return &Broker{
		manager:  mgr,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "pty-session-broker")),
		sessions: make(map[string]*session),
	}
}

// DeriveSessionKey computes the deterministic session key:
// "container_<userId>_<projectPath>_<sessionId|'default'>[_cmd_<base64(initialCommand)[:16]>]".
func DeriveSessionKey(userID, projectPath, sessionID, initialCommand string) string {
	sid := sessionID
	if sid == "" {
		sid = "default"
	}
	key := fmt.Sprintf("container_%s_%s_%s", userID, projectPath, sid)
	if initialCommand != "" {
		enc := base64.StdEncoding.EncodeToString([]byte(initialCommand))
		if len(enc) > 16 {
			enc = enc[:16]
		}
		key += "_cmd_" + enc
	}
	return key
}

// loginSubstrings are the free-form command fragments that mark a login
// flow: sessions running one of these must never be reused.
var loginSubstrings = []string{"setup-token", "auth login"}

func isLoginCommand(cmd, provider string) bool {
	if cmd == "" {
		return false
	}
	lower := strings.ToLower(cmd)
	for _, s := range loginSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return provider != "" && strings.Contains(lower, provider+" login")
}

// HandleInit implements the shell channel's "init" message: it derives the
// session key, resolves an existing session (reconnect) or opens a fresh
// TTY exec (create), and returns the session key the client should use for
// subsequent input/resize/close messages.
func (b *Broker) HandleInit(ctx context.Context, userID string, data InitData, w ws.Writer) (string, error) {
	isPlainShell := data.IsPlainShell || (data.InitialCommand != "" && !data.HasSession) || data.Provider == "plain-shell"
	key := DeriveSessionKey(userID, data.ProjectPath, data.SessionID, data.InitialCommand)

	isLogin := data.IsLogin || isLoginCommand(data.InitialCommand, data.Provider)
	if isLogin {
		b.destroy(key)
	}

	if existing, ok := b.get(key); ok && !isLogin {
		b.reconnect(existing, w)
		return key, nil
	}

	return key, b.create(ctx, userID, key, data, isPlainShell, w)
}

func (b *Broker) get(key string) (*session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[key]
	return s, ok
}

func (b *Broker) reconnect(s *session, w ws.Writer) {
	s.cancelIdleTimer()
	s.setWriter(w)

	_ = w.WriteJSON(ws.OutputMessage{
		Type: ws.TypeOutput,
		Data: "\x1b[36m[Reconnected to existing session]\x1b[0m\r\n",
	})
	for _, data := range s.replay() {
		_ = w.WriteJSON(ws.OutputMessage{Type: ws.TypeOutput, Data: data})
	}
}

func (b *Broker) create(ctx context.Context, userID, key string, data InitData, isPlainShell bool, w ws.Writer) error {
	cols, rows := data.Cols, data.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	workingDir := data.ProjectPath
	if workingDir == "" {
		workingDir = "/workspace"
	} else {
		workingDir = "/workspace/" + workingDir
	}

	initialCommand := b.composeInitialCommand(workingDir, data, isPlainShell)

	execResult, err := b.manager.AttachToContainerShell(ctx, userID, workingDir, uint16(cols), uint16(rows))
	if err != nil {
		return err
	}

	var containerID string
	if ci, ok := b.manager.GetByUser(userID); ok {
		containerID = ci.ContainerID
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	info := Info{
		Key:         key,
		UserID:      userID,
		ContainerID: containerID,
		ExecID:      execResult.ID,
		Status:      StatusActive,
		Cols:        cols,
		Rows:        rows,
		ProjectPath: data.ProjectPath,
		CreatedAt:   time.Now().UTC(),
		LastActive:  time.Now().UTC(),
	}
	rec := newSession(info, execResult.Conn, cancel, b.cfg.BufferCap)
	rec.setWriter(w)

	b.mu.Lock()
	b.sessions[key] = rec
	b.mu.Unlock()

	_ = w.WriteJSON(ws.OutputMessage{Type: ws.TypeOutput, Data: welcomeLine(data, isPlainShell)})

	if initialCommand != "" {
		_, _ = io.WriteString(execResult.Conn, initialCommand+"\n")
	}

	go b.pump(sessionCtx, key, rec, execResult.Reader)
	return nil
}

// composeInitialCommand builds the shell command written into the stream
// once the exec is attached: a cd into the working directory, then either
// the caller's command (plain shell) or the provider CLI with a
// resume-if-possible fallback.
func (b *Broker) composeInitialCommand(workingDir string, data InitData, isPlainShell bool) string {
	cd := "cd " + workingDir
	if isPlainShell {
		if data.InitialCommand == "" {
			return cd
		}
		return cd + " && " + data.InitialCommand
	}

	cli := b.cfg.ProviderCLI[data.Provider]
	if cli == "" {
		cli = data.Provider
	}
	if data.HasSession && data.SessionID != "" {
		return fmt.Sprintf("%s && %s --resume %s || %s", cd, cli, data.SessionID, cli)
	}
	return fmt.Sprintf("%s && %s", cd, cli)
}

func welcomeLine(data InitData, isPlainShell bool) string {
	if isPlainShell {
		return fmt.Sprintf("\x1b[36mStarting shell in container: %s\x1b[0m\r\n", data.ProjectPath)
	}
	name := data.Provider
	if name == "" {
		name = "agent"
	} else {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	verb := "Starting new"
	if data.HasSession {
		verb = "Resuming"
	}
	return fmt.Sprintf("\x1b[36m%s %s session in container: %s\x1b[0m\r\n", verb, name, data.ProjectPath)
}

// urlPattern recognizes the in-container idioms that surface a browser-open
// URL: xdg-open/open/start invocations, the OPEN_URL marker the overridden
// BROWSER env produces, and the usual "Visit:"/"View at:"/"Browse to:" hints.
var urlPattern = regexp.MustCompile(
	`(?:xdg-open|open|start)\s+(https?://\S+)` +
		`|OPEN_URL:\s*(https?://\S+)` +
		`|Opening\s+(https?://\S+)` +
		`|Visit:\s*(https?://\S+)` +
		`|View at:\s*(https?://\S+)` +
		`|Browse to:\s*(https?://\S+)`,
)

// detectURL scans one outbound shell chunk for a recognized URL pattern,
// returning the matched URL (if any) and the chunk with the raw OPEN_URL:
// form replaced by a user-facing line.
func detectURL(text string) (url string, rewritten string) {
	m := urlPattern.FindStringSubmatch(text)
	if m == nil {
		return "", text
	}
	for _, g := range m[1:] {
		if g != "" {
			url = g
			break
		}
	}
	if url == "" {
		return "", text
	}
	rewritten = strings.Replace(text, "OPEN_URL:"+" "+url, "[INFO] Opening in browser: "+url, 1)
	rewritten = strings.Replace(rewritten, "OPEN_URL:"+url, "[INFO] Opening in browser: "+url, 1)
	return url, rewritten
}

// pump reads TTY bytes from the attached exec until it ends or errors,
// appending to the rolling buffer and forwarding to the current writer (if
// any is bound).
func (b *Broker) pump(ctx context.Context, key string, s *session, src io.Reader) {
	err := demux.RunTTY(ctx, src, func(data []byte) {
		text := string(data)
		s.appendChunk(text)
		if url, rewritten := detectURL(text); url != "" {
			if w := s.writer(); w != nil {
				_ = w.WriteJSON(ws.URLOpenMessage{Type: ws.TypeURLOpen, URL: url})
				_ = w.WriteJSON(ws.OutputMessage{Type: ws.TypeOutput, Data: rewritten})
			}
			return
		}
		if w := s.writer(); w != nil {
			_ = w.WriteJSON(ws.OutputMessage{Type: ws.TypeOutput, Data: text})
		}
	})

	if err != nil {
		s.setStatus(StatusError)
		if w := s.writer(); w != nil {
			_ = w.WriteJSON(ws.OutputMessage{Type: ws.TypeOutput, Data: "\nError: " + err.Error() + "\n"})
		}
	} else {
		s.setStatus(StatusEnded)
		if w := s.writer(); w != nil {
			_ = w.WriteJSON(ws.OutputMessage{Type: ws.TypeOutput, Data: "\n<ProcessExited>\n"})
		}
	}

	b.mu.Lock()
	if b.sessions[key] == s {
		delete(b.sessions, key)
	}
	b.mu.Unlock()
}

// HandleInput writes client bytes verbatim to the session's stream.
func (b *Broker) HandleInput(key, data string) error {
	s, ok := b.get(key)
	if !ok {
		return fmt.Errorf("ptysession: no active session for key %q", key)
	}
	_, err := io.WriteString(s.conn, data)
	return err
}

// HandleResize updates the stored dimensions and, where supported, the
// runtime's own exec resize. When the runtime can't resize dynamically, only
// the stored dimensions are updated; resize never errors the session. Every
// session here is a fresh TTY exec (never Docker's container-level attach,
// which cannot resize post-hoc), so the runtime resize always applies in
// practice.
func (b *Broker) HandleResize(key string, cols, rows int) {
	s, ok := b.get(key)
	if !ok {
		return
	}
	s.mu.Lock()
	s.info.Cols = cols
	s.info.Rows = rows
	execID := s.info.ExecID
	s.mu.Unlock()

	if execID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), constants.PTYResizeTimeout)
	defer cancel()
	if err := b.manager.ResizeExec(ctx, execID, uint16(cols), uint16(rows)); err != nil {
		b.logger.Debug("exec resize not applied, stored dimensions updated only",
			zap.String("key", key), zap.Error(err))
	}
}

// HandleClose implements the shell channel's "close" message and the
// WebSocket-close path: the session is not torn down, only its writer
// reference is cleared and an idle timer armed.
func (b *Broker) HandleClose(key string) {
	s, ok := b.get(key)
	if !ok {
		return
	}
	s.clearWriter()
	s.armIdleTimer(b.cfg.IdleTimeout, func() {
		b.destroy(key)
	})
}

// destroy tears a session down unconditionally: cancels its pump,
// closes the stream, and removes it from the map.
func (b *Broker) destroy(key string) {
	b.mu.Lock()
	s, ok := b.sessions[key]
	if ok {
		delete(b.sessions, key)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	s.cancelIdleTimer()
	s.cancel()
	_ = s.conn.Close()
}

// GetSessionInfo returns the session record for key, if any.
func (b *Broker) GetSessionInfo(key string) (Info, bool) {
	s, ok := b.get(key)
	if !ok {
		return Info{}, false
	}
	return s.snapshot(), true
}

// bufferSnapshot exposes the replay buffer for tests without forcing a
// reconnect round-trip through a Writer.
func (b *Broker) bufferSnapshot(key string) []string {
	s, ok := b.get(key)
	if !ok {
		return nil
	}
	return s.replay()
}
