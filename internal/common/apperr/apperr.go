// Package apperr provides the error kinds raised across the backplane's
// container, session, and file-gateway components.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a backplane error.
type Kind string

const (
	KindPathInvalid             Kind = "PATH_INVALID"
	KindNotFound                Kind = "NOT_FOUND"
	KindContainerCreateFailed   Kind = "CONTAINER_CREATE_FAILED"
	KindContainerStartupTimeout Kind = "CONTAINER_STARTUP_TIMEOUT"
	KindExecFailed              Kind = "EXEC_FAILED"
	KindStreamError             Kind = "STREAM_ERROR"
	KindTimeout                 Kind = "TIMEOUT"
	KindAborted                 Kind = "ABORTED"
	KindRegistryWriteFailed     Kind = "REGISTRY_WRITE_FAILED"
	KindBroadcastSendFailed     Kind = "BROADCAST_SEND_FAILED"
)

// Error is an application-specific error carrying a recovery-relevant Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// PathInvalid reports a workspace path that failed validation.
func PathInvalid(path string, reason string) *Error {
	return &Error{Kind: KindPathInvalid, Message: fmt.Sprintf("invalid path %q: %s", path, reason)}
}

// NotFound reports a missing file or resource.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// ContainerCreateFailed wraps a failure anywhere in the container create sequence.
func ContainerCreateFailed(message string, cause error) *Error {
	return &Error{Kind: KindContainerCreateFailed, Message: message, Err: cause}
}

// ContainerStartupTimeout reports a container that never reported ready.
func ContainerStartupTimeout(containerID string) *Error {
	return &Error{Kind: KindContainerStartupTimeout, Message: fmt.Sprintf("container %s did not become ready", containerID)}
}

// ExecFailed wraps a failure running a command inside a container.
func ExecFailed(message string, cause error) *Error {
	return &Error{Kind: KindExecFailed, Message: message, Err: cause}
}

// StreamError wraps a failure reading or demultiplexing an exec stream.
func StreamError(message string, cause error) *Error {
	return &Error{Kind: KindStreamError, Message: message, Err: cause}
}

// Timeout reports a hard deadline being exceeded.
func Timeout(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message}
}

// Aborted reports a client-requested cancellation.
func Aborted(message string) *Error {
	return &Error{Kind: KindAborted, Message: message}
}

// RegistryWriteFailed wraps a best-effort registry write failure.
func RegistryWriteFailed(message string, cause error) *Error {
	return &Error{Kind: KindRegistryWriteFailed, Message: message, Err: cause}
}

// BroadcastSendFailed wraps a per-client broadcast delivery failure.
func BroadcastSendFailed(message string, cause error) *Error {
	return &Error{Kind: KindBroadcastSendFailed, Message: message, Err: cause}
}

// Wrap wraps cause as an Error of the given kind, preserving cause for errors.As.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}
