package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/backplane/internal/common/config"
	"github.com/kandev/backplane/internal/common/logger"
	"github.com/kandev/backplane/internal/container"
	"github.com/kandev/backplane/internal/container/docker"
	"github.com/kandev/backplane/internal/ptysession"
	"github.com/kandev/backplane/internal/registry"
	ws "github.com/kandev/backplane/pkg/websocket"
)

// fakeShellDocker is the minimal runtime stand-in the shell channel needs:
// creates report running immediately, execs hand out a conn that blocks
// reads until closed, like a live TTY shell with no output yet.
type fakeShellDocker struct {
	mu         sync.Mutex
	containers map[string]*docker.ContainerInfo
	nextID     int
}

func newFakeShellDocker() *fakeShellDocker {
	return &fakeShellDocker{containers: make(map[string]*docker.ContainerInfo)}
}

func (f *fakeShellDocker) CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("container-%d", f.nextID)
	f.containers[id] = &docker.ContainerInfo{ID: id, Name: cfg.Name, State: "created", Labels: cfg.Labels, StartedAt: time.Now().UTC()}
	return id, nil
}

func (f *fakeShellDocker) StartContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.State = "running"
	}
	return nil
}

func (f *fakeShellDocker) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	return nil
}

func (f *fakeShellDocker) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *fakeShellDocker) GetContainerInfo(ctx context.Context, containerID string) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("container not found")
	}
	cp := *c
	return &cp, nil
}

func (f *fakeShellDocker) ListContainers(ctx context.Context, labels map[string]string) ([]docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docker.ContainerInfo
	for _, c := range f.containers {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeShellDocker) GetContainerStats(ctx context.Context, containerID string) (*docker.Stats, error) {
	return &docker.Stats{}, nil
}

func (f *fakeShellDocker) ExecInContainer(ctx context.Context, containerID string, opts docker.ExecOptions) (*docker.ExecResult, error) {
	conn := newBlockingConn()
	return &docker.ExecResult{ID: "exec-1", Conn: conn, Reader: conn}, nil
}

func (f *fakeShellDocker) ResizeExec(ctx context.Context, execID string, cols, rows uint16) error {
	return nil
}

// blockingConn blocks Read until Close, then reports EOF.
type blockingConn struct {
	once   sync.Once
	closed chan struct{}
}

func newBlockingConn() *blockingConn {
	return &blockingConn{closed: make(chan struct{})}
}

func (c *blockingConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *blockingConn) Write(p []byte) (int, error) { return len(p), nil }

func (c *blockingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func newShellDispatcher(t *testing.T) (*ws.Dispatcher, *ptysession.Broker) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	dockerCfg := config.DockerConfig{Image: "test-image", DefaultNetwork: "bridge", VolumeBasePath: t.TempDir()}
	agentCfg := config.AgentConfig{
		Tiers: map[string]config.ResourceTierConfig{
			"free": {MemoryBytes: 1, CPUQuota: 1, CPUPeriod: 1},
		},
	}
	mgr := container.NewManager(newFakeShellDocker(), reg, agentCfg, dockerCfg, log)
	broker := ptysession.NewBroker(mgr, config.PTYConfig{BufferCap: 100, IdleTimeout: 50 * time.Millisecond}, log)

	d := ws.NewDispatcher()
	RegisterShellHandlers(d, broker, log)
	return d, broker
}

func envelope(t *testing.T, raw string) *ws.Envelope {
	t.Helper()
	var env ws.Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	return &env
}

func TestShellCloseMessageArmsIdleTimer(t *testing.T) {
	d, broker := newShellDispatcher(t)
	client := NewClient("client-1", "user-1", nil, nil, mustLogger(t))
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, envelope(t, `{"type":"init","projectPath":"foo"}`), client))

	key, ok := client.PTYKey()
	require.True(t, ok)
	_, ok = broker.GetSessionInfo(key)
	require.True(t, ok)

	// A wire-level close detaches the shell channel without dropping the
	// connection; the session survives until the idle timer fires.
	require.NoError(t, d.Dispatch(ctx, envelope(t, `{"type":"close"}`), client))
	_, ok = broker.GetSessionInfo(key)
	assert.True(t, ok, "close must not tear the session down immediately")

	require.Eventually(t, func() bool {
		_, ok := broker.GetSessionInfo(key)
		return !ok
	}, time.Second, 5*time.Millisecond, "idle timer should eventually destroy the session")
}

func TestShellCloseWithoutSessionIsNoOp(t *testing.T) {
	d, _ := newShellDispatcher(t)
	client := NewClient("client-2", "user-2", nil, nil, mustLogger(t))

	assert.NoError(t, d.Dispatch(context.Background(), envelope(t, `{"type":"close"}`), client))
}

func mustLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}
