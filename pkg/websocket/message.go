// Package websocket provides the wire message types exchanged with a
// connected client and the transport-neutral Writer abstraction every
// backplane component sends typed output through.
package websocket

import (
	"encoding/json"
)

// Envelope is the minimal shape every inbound message is decoded into
// first: its Type field is itself the semantic discriminator ("claude-command",
// "init", "resize", ...), not a generic request/response/notification layer.
// Raw carries the rest of the object so a handler can unmarshal it into the
// concrete payload struct for that Type.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes Type normally and stashes the full object in Raw so
// handlers can re-decode it into a concrete struct without a second read.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	e.Type = head.Type
	e.Raw = append([]byte(nil), data...)
	return nil
}

// Decode re-unmarshals the envelope's raw bytes into v.
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// Writer is a transport-neutral sink for typed JSON messages bound to one
// client. The same interface is implemented whether the transport is a
// WebSocket connection or, in principle, any other duplex channel; no
// backplane component other than the gateway touches the raw connection.
type Writer interface {
	// WriteJSON marshals v and sends it as one message. Must be safe to call
	// from multiple goroutines; backpressure from a slow client manifests as
	// WriteJSON blocking, which is the intended signal.
	WriteJSON(v any) error
}

// Attachment describes a file reference sent alongside a chat-channel command.
type Attachment struct {
	Path string `json:"path,omitempty"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// --- C→S chat channel payloads ---

// CommandMessage is the payload shared by claude-command/cursor-command/codex-command.
type CommandMessage struct {
	Type        string          `json:"type"`
	Command     string          `json:"command"`
	Options     json.RawMessage `json:"options,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
}

// ResumeMessage is the payload for cursor-resume.
type ResumeMessage struct {
	SessionID string `json:"sessionId"`
	Options   struct {
		Cwd string `json:"cwd,omitempty"`
	} `json:"options,omitempty"`
}

// AbortMessage is the payload for abort-session/cursor-abort.
type AbortMessage struct {
	SessionID string `json:"sessionId"`
	Provider  string `json:"provider,omitempty"`
}

// StatusQueryMessage is the payload for check-session-status.
type StatusQueryMessage struct {
	SessionID string `json:"sessionId"`
	Provider  string `json:"provider,omitempty"`
}

// --- S→C chat channel payloads ---

// SessionStartMessage is emitted when an agent session begins.
type SessionStartMessage struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	ContainerID string `json:"containerId"`
	Message     string `json:"message,omitempty"`
}

// ContentMessage forwards an opaque SDK chunk.
type ContentMessage struct {
	Type  string          `json:"type"`
	Chunk json.RawMessage `json:"chunk"`
}

// DoneMessage marks an agent session's completion.
type DoneMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// OutputMessage carries fallback non-JSON stdout or raw shell/TTY bytes.
type OutputMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data"`
}

// ErrorMessage is the single shape every WebSocket-boundary error takes.
// It never carries a stack trace.
type ErrorMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error"`
}

// SessionAbortedMessage replies to abort-session/cursor-abort.
type SessionAbortedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Provider  string `json:"provider"`
	Success   bool   `json:"success"`
}

// SessionStatusMessage replies to check-session-status.
type SessionStatusMessage struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	Provider     string `json:"provider"`
	IsProcessing bool   `json:"isProcessing"`
}

// ActiveSessionsMessage replies to get-active-sessions.
type ActiveSessionsMessage struct {
	Type     string              `json:"type"`
	Sessions map[string][]string `json:"sessions"`
}

// --- C→S shell channel payloads ---

// ShellInitMessage is the payload for the shell channel's init message.
type ShellInitMessage struct {
	ProjectPath    string `json:"projectPath"`
	SessionID      string `json:"sessionId,omitempty"`
	HasSession     bool   `json:"hasSession,omitempty"`
	Provider       string `json:"provider,omitempty"`
	InitialCommand string `json:"initialCommand,omitempty"`
	Cols           int    `json:"cols,omitempty"`
	Rows           int    `json:"rows,omitempty"`
	IsPlainShell   bool   `json:"isPlainShell,omitempty"`
	IsLogin        bool   `json:"isLogin,omitempty"`
}

// ShellInputMessage is the payload for the shell channel's input message.
type ShellInputMessage struct {
	Data string `json:"data"`
}

// ShellResizeMessage is the payload for the shell channel's resize message.
type ShellResizeMessage struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// --- S→C shell channel payloads ---

// URLOpenMessage is emitted when a detected URL pattern appears in shell output.
type URLOpenMessage struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// TaskmasterMessage carries a broadcast-only "taskmaster-*" typed event to
// every connected client. Payload is collaborator-opaque.
type TaskmasterMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}
