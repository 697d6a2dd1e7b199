package ptysession

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/backplane/internal/common/config"
	"github.com/kandev/backplane/internal/common/logger"
	"github.com/kandev/backplane/internal/container"
	"github.com/kandev/backplane/internal/container/docker"
	"github.com/kandev/backplane/internal/registry"
	ws "github.com/kandev/backplane/pkg/websocket"
)

func TestDeriveSessionKey(t *testing.T) {
	assert.Equal(t, "container_u1_foo_default", DeriveSessionKey("u1", "foo", "", ""))
	assert.Equal(t, "container_u1_foo_s1", DeriveSessionKey("u1", "foo", "s1", ""))

	withCmd := DeriveSessionKey("u1", "foo", "", "echo hi")
	assert.Contains(t, withCmd, "container_u1_foo_default_cmd_")
}

func TestIsLoginCommand(t *testing.T) {
	assert.True(t, isLoginCommand("claude setup-token", "claude"))
	assert.True(t, isLoginCommand("cursor-agent auth login", "cursor"))
	assert.True(t, isLoginCommand("codex login", "codex"))
	assert.False(t, isLoginCommand("echo hi", "claude"))
	assert.False(t, isLoginCommand("", "claude"))
}

func TestDetectURL(t *testing.T) {
	url, rewritten := detectURL("OPEN_URL: http://localhost:4000\n")
	assert.Equal(t, "http://localhost:4000", url)
	assert.Contains(t, rewritten, "Opening in browser")

	url, rewritten = detectURL("plain output, nothing here\n")
	assert.Empty(t, url)
	assert.Equal(t, "plain output, nothing here\n", rewritten)
}

func TestComposeInitialCommand(t *testing.T) {
	b := &Broker{cfg: config.PTYConfig{ProviderCLI: map[string]string{"claude": "claude"}}}

	assert.Equal(t, "cd /workspace/foo", b.composeInitialCommand("/workspace/foo", InitData{}, true))
	assert.Equal(t, "cd /workspace/foo && ls -la",
		b.composeInitialCommand("/workspace/foo", InitData{InitialCommand: "ls -la"}, true))
	assert.Equal(t, "cd /workspace/foo && claude",
		b.composeInitialCommand("/workspace/foo", InitData{Provider: "claude"}, false))
	assert.Equal(t, "cd /workspace/foo && claude --resume s1 || claude",
		b.composeInitialCommand("/workspace/foo", InitData{Provider: "claude", SessionID: "s1", HasSession: true}, false))
}

func TestWelcomeLine(t *testing.T) {
	assert.Equal(t, "\x1b[36mStarting shell in container: foo\x1b[0m\r\n",
		welcomeLine(InitData{ProjectPath: "foo"}, true))
	assert.Equal(t, "\x1b[36mStarting new Claude session in container: foo\x1b[0m\r\n",
		welcomeLine(InitData{ProjectPath: "foo", Provider: "claude"}, false))
	assert.Equal(t, "\x1b[36mResuming Claude session in container: foo\x1b[0m\r\n",
		welcomeLine(InitData{ProjectPath: "foo", Provider: "claude", HasSession: true}, false))
}

// --- fake docker client backing a real container.Manager ---

type fakeDocker struct {
	mu           sync.Mutex
	containers   map[string]*docker.ContainerInfo
	nextID       int
	resizeCalls  atomic.Int32
	lastResizeID string
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: make(map[string]*docker.ContainerInfo)}
}

func (f *fakeDocker) CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("container-%d", f.nextID)
	f.containers[id] = &docker.ContainerInfo{ID: id, Name: cfg.Name, State: "created", Labels: cfg.Labels, StartedAt: time.Now().UTC()}
	return id, nil
}
func (f *fakeDocker) StartContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.State = "running"
	}
	return nil
}
func (f *fakeDocker) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	return nil
}
func (f *fakeDocker) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}
func (f *fakeDocker) GetContainerInfo(ctx context.Context, containerID string) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("container not found")
	}
	cp := *c
	return &cp, nil
}
func (f *fakeDocker) ListContainers(ctx context.Context, labels map[string]string) ([]docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docker.ContainerInfo
	for _, c := range f.containers {
		out = append(out, *c)
	}
	return out, nil
}
func (f *fakeDocker) GetContainerStats(ctx context.Context, containerID string) (*docker.Stats, error) {
	return &docker.Stats{}, nil
}
func (f *fakeDocker) ExecInContainer(ctx context.Context, containerID string, opts docker.ExecOptions) (*docker.ExecResult, error) {
	conn := newLoopbackConn()
	return &docker.ExecResult{ID: "exec-1", Conn: conn, Reader: conn}, nil
}

func (f *fakeDocker) ResizeExec(ctx context.Context, execID string, cols, rows uint16) error {
	f.resizeCalls.Add(1)
	f.mu.Lock()
	f.lastResizeID = execID
	f.mu.Unlock()
	return nil
}

// loopbackConn echoes back anything written to it until Close, mimicking a
// live TTY shell that produces output in response to input.
type loopbackConn struct {
	mu     sync.Mutex
	buf    []byte
	cond   *sync.Cond
	closed bool
}

func newLoopbackConn() *loopbackConn {
	c := &loopbackConn{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *loopbackConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, p...)
	c.cond.Broadcast()
	return len(p), nil
}

func (c *loopbackConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.buf) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.buf) == 0 && c.closed {
		return 0, io.EOF
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *loopbackConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
	return nil
}

type captureWriter struct {
	mu       sync.Mutex
	messages []any
}

func (c *captureWriter) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, v)
	return nil
}

func (c *captureWriter) snapshot() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.messages))
	copy(out, c.messages)
	return out
}

func newTestBroker(t *testing.T) *Broker {
	b, _ := newTestBrokerWithDocker(t)
	return b
}

func newTestBrokerWithDocker(t *testing.T) (*Broker, *fakeDocker) {
	t.Helper()
	fd := newFakeDocker()
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
	mgr := container.NewManager(fd, reg, agentCfg, dockerCfg, log)

	ptyCfg := config.PTYConfig{
		BufferCap:   5000,
		IdleTimeout: 50 * time.Millisecond,
		ProviderCLI: map[string]string{"claude": "claude"},
	}
	return NewBroker(mgr, ptyCfg, log), fd
}

func TestHandleInitCreatesNewSessionAndSendsWelcome(t *testing.T) {
	b := newTestBroker(t)
	w := &captureWriter{}

	key, err := b.HandleInit(context.Background(), "user-1", InitData{
		ProjectPath: "foo", Provider: "claude",
	}, w)
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	require.Eventually(t, func() bool { return len(w.snapshot()) > 0 }, time.Second, 5*time.Millisecond)
	first := w.snapshot()[0].(ws.OutputMessage)
	assert.Equal(t, "\x1b[36mStarting new Claude session in container: foo\x1b[0m\r\n", first.Data)

	info, ok := b.GetSessionInfo(key)
	require.True(t, ok)
	assert.Equal(t, StatusActive, info.Status)
}

func TestHandleInitReconnectReplaysBuffer(t *testing.T) {
	b := newTestBroker(t)
	w1 := &captureWriter{}

	key, err := b.HandleInit(context.Background(), "user-2", InitData{ProjectPath: "bar"}, w1)
	require.NoError(t, err)

	require.NoError(t, b.HandleInput(key, "echo marker\n"))
	require.Eventually(t, func() bool {
		return len(b.bufferSnapshot(key)) > 0
	}, time.Second, 5*time.Millisecond)

	b.HandleClose(key)

	w2 := &captureWriter{}
	key2, err := b.HandleInit(context.Background(), "user-2", InitData{ProjectPath: "bar"}, w2)
	require.NoError(t, err)
	assert.Equal(t, key, key2)

	found := false
	for _, m := range w2.snapshot() {
		if out, ok := m.(ws.OutputMessage); ok && out.Data == "\x1b[36m[Reconnected to existing session]\x1b[0m\r\n" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestHandleInitLoginCommandAlwaysCreatesFresh(t *testing.T) {
	b := newTestBroker(t)
	w1 := &captureWriter{}
	key1, err := b.HandleInit(context.Background(), "user-3", InitData{ProjectPath: "baz", Provider: "claude"}, w1)
	require.NoError(t, err)

	require.NoError(t, b.HandleInput(key1, "echo marker\n"))
	require.Eventually(t, func() bool {
		return len(b.bufferSnapshot(key1)) > 0
	}, time.Second, 5*time.Millisecond)

	w2 := &captureWriter{}
	key2, err := b.HandleInit(context.Background(), "user-3", InitData{
		ProjectPath: "baz", Provider: "claude", IsLogin: true,
	}, w2)
	require.NoError(t, err)

	assert.Equal(t, key1, key2, "a login init still derives the same session key as its non-login counterpart")
	assert.Empty(t, b.bufferSnapshot(key2), "a login init must never reuse the prior session's buffer")
	for _, m := range w2.snapshot() {
		if out, ok := m.(ws.OutputMessage); ok {
			assert.NotEqual(t, "\x1b[36m[Reconnected to existing session]\x1b[0m\r\n", out.Data,
				"a login init must never be treated as a reconnect")
		}
	}
}

func TestHandleResizeUpdatesStoredDimensionsAndRuntimeExec(t *testing.T) {
	b, fd := newTestBrokerWithDocker(t)
	w := &captureWriter{}
	key, err := b.HandleInit(context.Background(), "user-4", InitData{ProjectPath: "qux", Cols: 80, Rows: 24}, w)
	require.NoError(t, err)

	b.HandleResize(key, 120, 40)
	info, ok := b.GetSessionInfo(key)
	require.True(t, ok)
	assert.Equal(t, 120, info.Cols)
	assert.Equal(t, 40, info.Rows)
	assert.Equal(t, int32(1), fd.resizeCalls.Load(), "a fresh TTY exec supports dynamic resize, so the runtime call fires")

	// resizing an unknown key is a silent no-op
	b.HandleResize("nonexistent", 10, 10)
	assert.Equal(t, int32(1), fd.resizeCalls.Load())
}

func TestHandleCloseArmsIdleTimerAndEventuallyDestroysSession(t *testing.T) {
	b := newTestBroker(t)
	w := &captureWriter{}
	key, err := b.HandleInit(context.Background(), "user-5", InitData{ProjectPath: "quux"}, w)
	require.NoError(t, err)

	b.HandleClose(key)

	require.Eventually(t, func() bool {
		_, ok := b.GetSessionInfo(key)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestHandleInputUnknownSessionReturnsError(t *testing.T) {
	b := newTestBroker(t)
	err := b.HandleInput("nonexistent", "echo hi\n")
	assert.Error(t, err)
}
