// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for container and session operations.
const (
	// ContainerReadyTimeout is the maximum time to wait for a newly started
	// container to report a running (and, if declared, healthy) state.
	ContainerReadyTimeout = 60 * time.Second

	// ContainerReadyPollInterval is how often readiness is polled.
	ContainerReadyPollInterval = 500 * time.Millisecond

	// ContainerStopTimeout is the default grace period given to StopContainer.
	ContainerStopTimeout = 10 * time.Second

	// BootReconcileRecordTimeout bounds how long reconciliation may spend
	// inspecting any single registry record at process start.
	BootReconcileRecordTimeout = 2 * time.Second

	// AgentQueryTimeout is the hard wall-clock deadline for a single agent
	// session before it is force-terminated and marked errored.
	AgentQueryTimeout = 5 * time.Minute

	// PTYIdleTimeout is how long a PTY session is kept alive after its
	// WebSocket disconnects before the underlying exec is killed.
	PTYIdleTimeout = 30 * time.Minute

	// IdleReapInterval is how often the idle reaper sweeps for containers
	// past the idle threshold.
	IdleReapInterval = 30 * time.Minute

	// ContainerIdleThreshold is how long a container may sit with no
	// activity before the idle reaper destroys it.
	ContainerIdleThreshold = 2 * time.Hour

	// FileWriteTimeout bounds an optimistic in-container file write.
	FileWriteTimeout = 3 * time.Second

	// MaxFileWriteBytes is the largest payload the file gateway accepts.
	MaxFileWriteBytes = 10 * 1024 * 1024

	// PTYBufferCap is the maximum number of chunks retained in a PTY
	// session's rolling replay buffer.
	PTYBufferCap = 5000

	// PTYResizeTimeout bounds a single dynamic exec-resize call.
	PTYResizeTimeout = 2 * time.Second
)
