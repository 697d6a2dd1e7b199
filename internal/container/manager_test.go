package container

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/backplane/internal/common/config"
	"github.com/kandev/backplane/internal/common/logger"
	"github.com/kandev/backplane/internal/container/docker"
	"github.com/kandev/backplane/internal/registry"
)

// fakeDocker is a hand-written stand-in for the Docker SDK wrapper, enough
// to exercise the Manager's orchestration logic without a live daemon.
type fakeDocker struct {
	createCalls atomic.Int32
	containers  map[string]*docker.ContainerInfo
	nextID      int
	createErr   error
	lastCfg     docker.ContainerConfig
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: make(map[string]*docker.ContainerInfo)}
}

func (f *fakeDocker) CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error) {
	f.createCalls.Add(1)
	if f.createErr != nil {
		return "", f.createErr
	}
	f.lastCfg = cfg
	f.nextID++
	id := fmt.Sprintf("container-%d", f.nextID)
	f.containers[id] = &docker.ContainerInfo{
		ID: id, Name: cfg.Name, State: "created", Labels: cfg.Labels, StartedAt: time.Now().UTC(),
	}
	return id, nil
}

func (f *fakeDocker) StartContainer(ctx context.Context, containerID string) error {
	if c, ok := f.containers[containerID]; ok {
		c.State = "running"
	}
	return nil
}

func (f *fakeDocker) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	if c, ok := f.containers[containerID]; ok {
		c.State = "exited"
	}
	return nil
}

func (f *fakeDocker) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	delete(f.containers, containerID)
	return nil
}

func (f *fakeDocker) GetContainerInfo(ctx context.Context, containerID string) (*docker.ContainerInfo, error) {
	c, ok := f.containers[containerID]
	if !ok {
		return nil, errContainerGone
	}
	cp := *c
	return &cp, nil
}

func (f *fakeDocker) ListContainers(ctx context.Context, labels map[string]string) ([]docker.ContainerInfo, error) {
	var out []docker.ContainerInfo
	for _, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeDocker) GetContainerStats(ctx context.Context, containerID string) (*docker.Stats, error) {
	return &docker.Stats{CPUPercent: 1.5, MemUsage: 1024}, nil
}

func (f *fakeDocker) ExecInContainer(ctx context.Context, containerID string, opts docker.ExecOptions) (*docker.ExecResult, error) {
	return &docker.ExecResult{ID: "exec-1"}, nil
}

func (f *fakeDocker) ResizeExec(ctx context.Context, execID string, cols, rows uint16) error {
	return nil
}

var errContainerGone = &notFoundErr{}

type notFoundErr struct{}

func (e *notFoundErr) Error() string { return "container not found" }

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		Tiers: map[string]config.ResourceTierConfig{
			"free": {MemoryBytes: 512 * 1024 * 1024, CPUQuota: 50000, CPUPeriod: 100000},
			"pro":  {MemoryBytes: 2 * 1024 * 1024 * 1024, CPUQuota: 150000, CPUPeriod: 100000},
		},
		IdleReapInterval: time.Minute,
		IdleThreshold:    time.Hour,
	}
}

func newTestManager(t *testing.T, fd *fakeDocker) *Manager {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	dockerCfg := config.DockerConfig{Image: "test-image", DefaultNetwork: "bridge", VolumeBasePath: t.TempDir()}
	return NewManager(fd, reg, testAgentConfig(), dockerCfg, log)
}

func TestGetOrCreateContainerCreatesOnlyOnce(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd)
	ctx := context.Background()

	info1, err := m.GetOrCreateContainer(ctx, "user-1", UserConfig{Tier: "free"})
	require.NoError(t, err)
	info2, err := m.GetOrCreateContainer(ctx, "user-1", UserConfig{Tier: "free"})
	require.NoError(t, err)

	assert.Equal(t, info1.ContainerID, info2.ContainerID)
	assert.Equal(t, int32(1), fd.createCalls.Load())
}

func TestGetOrCreateContainerConcurrentCallsCollapse(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd)
	ctx := context.Background()

	const n = 20
	results := make(chan *Info, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			info, err := m.GetOrCreateContainer(ctx, "user-concurrent", UserConfig{Tier: "free"})
			results <- info
			errs <- err
		}()
	}

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
		info := <-results
		seen[info.ContainerID] = true
	}
	assert.Len(t, seen, 1, "all concurrent callers should resolve to the same container")
}

func TestCreateContainerUnknownTierFails(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd)

	_, err := m.CreateContainer(context.Background(), "user-x", UserConfig{Tier: "nonexistent"})
	require.Error(t, err)
}

func TestCreateContainerAppliesTierResourceLimits(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd)

	info, err := m.CreateContainer(context.Background(), "user-tier", UserConfig{Tier: "pro"})
	require.NoError(t, err)

	tier := testAgentConfig().Tiers["pro"]
	assert.Equal(t, tier.MemoryBytes, fd.lastCfg.Memory)
	assert.Equal(t, tier.CPUQuota, fd.lastCfg.CPUQuota)
	assert.Equal(t, tier.CPUPeriod, fd.lastCfg.CPUPeriod)
	assert.Equal(t, "pro", fd.lastCfg.Labels["tier"])
	assert.Equal(t, "pro", info.Tier)
	assert.Equal(t, ContainerName("user-tier"), fd.lastCfg.Name)
}

func TestGetContainerStatsRequiresActiveContainer(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd)
	ctx := context.Background()

	_, err := m.GetContainerStats(ctx, "user-nostat")
	require.Error(t, err)

	_, err = m.GetOrCreateContainer(ctx, "user-nostat", UserConfig{Tier: "free"})
	require.NoError(t, err)

	stats, err := m.GetContainerStats(ctx, "user-nostat")
	require.NoError(t, err)
	assert.Equal(t, 1.5, stats.CPUPercent)
}

func TestDestroyContainerRemovesCacheAndRegistry(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd)
	ctx := context.Background()

	info, err := m.GetOrCreateContainer(ctx, "user-2", UserConfig{Tier: "pro"})
	require.NoError(t, err)

	require.NoError(t, m.DestroyContainer(ctx, "user-2", false))

	_, ok := m.GetByUser("user-2")
	assert.False(t, ok)
	_, found, err := m.reg.GetByUser(ctx, "user-2")
	require.NoError(t, err)
	assert.False(t, found)
	_, ok = fd.containers[info.ContainerID]
	assert.False(t, ok)
}

func TestReconcileOnBootRepopulatesRunningContainers(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd)
	ctx := context.Background()

	info, err := m.CreateContainer(ctx, "user-3", UserConfig{Tier: "free"})
	require.NoError(t, err)

	// Simulate a fresh process: new Manager, same fake runtime and registry.
	m2 := NewManager(fd, m.reg, testAgentConfig(), m.dockrCfg, m.logger)
	require.NoError(t, m2.ReconcileOnBoot(ctx))

	got, ok := m2.GetByUser("user-3")
	require.True(t, ok)
	assert.Equal(t, info.ContainerID, got.ContainerID)
	assert.Equal(t, registry.StatusRunning, got.Status)
}

func TestReconcileOnBootPurgesMissingContainers(t *testing.T) {
	fd := newFakeDocker()
	m := newTestManager(t, fd)
	ctx := context.Background()

	_, err := m.CreateContainer(ctx, "user-4", UserConfig{Tier: "free"})
	require.NoError(t, err)

	// Runtime has forgotten the container (e.g. host reboot wiped it).
	for id := range fd.containers {
		delete(fd.containers, id)
	}

	m2 := NewManager(fd, m.reg, testAgentConfig(), m.dockrCfg, m.logger)
	require.NoError(t, m2.ReconcileOnBoot(ctx))

	_, ok := m2.GetByUser("user-4")
	assert.False(t, ok)
	_, found, err := m.reg.GetByUser(ctx, "user-4")
	require.NoError(t, err)
	assert.False(t, found)
}
