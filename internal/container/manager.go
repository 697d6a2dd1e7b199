// Package container implements the container manager: the component that
// owns per-user containers end to end (lookup, create, attach, exec,
// inspect, destroy) and the idle reaper that cleans them up.
package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/backplane/internal/common/apperr"
	"github.com/kandev/backplane/internal/common/config"
	"github.com/kandev/backplane/internal/common/constants"
	"github.com/kandev/backplane/internal/common/logger"
	"github.com/kandev/backplane/internal/container/docker"
	"github.com/kandev/backplane/internal/registry"
)

// Info is the container manager's view of one user's container: the
// in-memory cache entry, authoritative while the process is running.
type Info struct {
	ContainerID string
	UserID      string
	Name        string
	Status      string // running, stopped, removed
	Tier        string
	CreatedAt   time.Time
	LastActive  time.Time
}

// UserConfig carries the per-call inputs the Manager needs to build a
// container for a user it hasn't seen yet.
type UserConfig struct {
	Tier string
}

// ExecOptions configures a one-shot exec inside a user's container.
type ExecOptions struct {
	Cwd   string
	Env   []string
	TTY   bool
	Cols  uint16
	Rows  uint16
	Stdin bool
}

// dockerClient is the subset of *docker.Client the Manager depends on,
// narrowed to an interface so tests can substitute a fake runtime instead
// of talking to a real Docker daemon.
type dockerClient interface {
	CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	GetContainerInfo(ctx context.Context, containerID string) (*docker.ContainerInfo, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]docker.ContainerInfo, error)
	GetContainerStats(ctx context.Context, containerID string) (*docker.Stats, error)
	ExecInContainer(ctx context.Context, containerID string, opts docker.ExecOptions) (*docker.ExecResult, error)
	ResizeExec(ctx context.Context, execID string, cols, rows uint16) error
}

// Manager owns the userId -> containerId mapping and the Docker runtime
// handle behind it. It is constructed once in the composition root and
// passed by reference to every component that needs a container.
type Manager struct {
	docker   dockerClient
	reg      *registry.Store
	agentCfg config.AgentConfig
	dockrCfg config.DockerConfig
	logger   *logger.Logger

	mu    sync.Mutex
	cache map[string]*Info // userID -> Info

	sf singleflight.Group

	reapCancel context.CancelFunc
	reapDone   chan struct{}
}

// NewManager constructs a Manager over an already-connected Docker client
// and an opened registry store.
func NewManager(dc dockerClient, reg *registry.Store, agentCfg config.AgentConfig, dockerCfg config.DockerConfig, log *logger.Logger) *Manager {
	return &Manager{
		docker:   dc,
		reg:      reg,
		agentCfg: agentCfg,
		dockrCfg: dockerCfg,
		logger:   log.WithFields(zap.String("component", "container-manager")),
		cache:    make(map[string]*Info),
	}
}

// ContainerName returns the deterministic container name for a user.
func ContainerName(userID string) string {
	return "agent-user-" + userID
}

func (m *Manager) managedLabels(userID, tier string) map[string]string {
	return map[string]string{
		"user":    userID,
		"managed": "true",
		"tier":    tier,
		"created": time.Now().UTC().Format(time.RFC3339),
	}
}

// GetOrCreateContainer is idempotent: it returns the cached running
// container if any, else looks up a live container by the user's managed labels,
// else creates, starts, and waits for readiness. Concurrent callers for the
// same userId are collapsed onto one winner via singleflight so that N
// concurrent calls yield one create and N-1 reuses.
func (m *Manager) GetOrCreateContainer(ctx context.Context, userID string, cfg UserConfig) (*Info, error) {
	if info, ok := m.cachedRunning(userID); ok {
		return info, nil
	}

	v, err, _ := m.sf.Do(userID, func() (any, error) {
		if info, ok := m.cachedRunning(userID); ok {
			return info, nil
		}

		name := ContainerName(userID)
		existing, found, err := m.findLiveByLabel(ctx, userID)
		if err != nil {
			return nil, err
		}
		if found {
			info, err := m.adoptExisting(ctx, userID, existing)
			if err != nil {
				return nil, err
			}
			return info, nil
		}

		m.logger.Info("no existing container found, creating", zap.String("user_id", userID), zap.String("name", name))
		return m.CreateContainer(ctx, userID, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Info), nil
}

func (m *Manager) cachedRunning(userID string) (*Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.cache[userID]
	if !ok || info.Status != registry.StatusRunning {
		return nil, false
	}
	cp := *info
	return &cp, true
}

func (m *Manager) findLiveByLabel(ctx context.Context, userID string) (docker.ContainerInfo, bool, error) {
	infos, err := m.docker.ListContainers(ctx, map[string]string{"user": userID, "managed": "true"})
	if err != nil {
		return docker.ContainerInfo{}, false, fmt.Errorf("list containers for user %s: %w", userID, err)
	}
	if len(infos) == 0 {
		return docker.ContainerInfo{}, false, nil
	}
	return infos[0], true, nil
}

// adoptExisting starts (if needed) and caches a container the runtime
// already knows about but this process's cache does not.
func (m *Manager) adoptExisting(ctx context.Context, userID string, existing docker.ContainerInfo) (*Info, error) {
	if existing.State != "running" {
		if err := m.docker.StartContainer(ctx, existing.ID); err != nil {
			return nil, apperr.ContainerCreateFailed("failed to start existing container", err)
		}
		if err := m.waitReady(ctx, existing.ID); err != nil {
			return nil, err
		}
	}

	tier := existing.Labels["tier"]
	info := &Info{
		ContainerID: existing.ID,
		UserID:      userID,
		Name:        existing.Name,
		Status:      registry.StatusRunning,
		Tier:        tier,
		CreatedAt:   existing.StartedAt,
		LastActive:  time.Now().UTC(),
	}
	m.setCache(info)
	m.persistUpsert(ctx, info)
	return info, nil
}

// CreateContainer unconditionally creates a new container for userId,
// bypassing any cache lookup. Any failure anywhere in the sequence
// (directory creation, config build, create, start, readiness, registry
// insert) fails the whole call and removes partial artifacts.
func (m *Manager) CreateContainer(ctx context.Context, userID string, cfg UserConfig) (*Info, error) {
	tier := cfg.Tier
	if tier == "" {
		tier = "free"
	}
	tierLimits, ok := m.agentCfg.Tiers[tier]
	if !ok {
		return nil, apperr.ContainerCreateFailed(fmt.Sprintf("unknown resource tier %q", tier), nil)
	}

	hostDir, err := m.ensureHostDataDir(userID)
	if err != nil {
		return nil, apperr.ContainerCreateFailed("failed to create host data directory", err)
	}

	name := ContainerName(userID)
	containerCfg := docker.ContainerConfig{
		Name:        name,
		Image:       m.dockrCfg.Image,
		Env:         m.buildEnv(userID, tier),
		WorkingDir:  "/workspace",
		NetworkMode: m.dockrCfg.DefaultNetwork,
		Memory:      tierLimits.MemoryBytes,
		CPUQuota:    tierLimits.CPUQuota,
		CPUPeriod:   tierLimits.CPUPeriod,
		Labels:      m.managedLabels(userID, tier),
		Mounts: []docker.MountConfig{
			{Source: hostDir, Target: "/workspace", ReadOnly: false},
		},
	}

	containerID, err := m.docker.CreateContainer(ctx, containerCfg)
	if err != nil {
		return nil, apperr.ContainerCreateFailed("create failed", err)
	}

	if err := m.docker.StartContainer(ctx, containerID); err != nil {
		m.cleanupFailedCreate(ctx, containerID)
		return nil, apperr.ContainerCreateFailed("start failed", err)
	}

	if err := m.waitReady(ctx, containerID); err != nil {
		m.cleanupFailedCreate(ctx, containerID)
		return nil, err
	}

	now := time.Now().UTC()
	info := &Info{
		ContainerID: containerID,
		UserID:      userID,
		Name:        name,
		Status:      registry.StatusRunning,
		Tier:        tier,
		CreatedAt:   now,
		LastActive:  now,
	}

	if err := m.reg.Upsert(ctx, toRecord(info)); err != nil {
		m.cleanupFailedCreate(ctx, containerID)
		return nil, apperr.ContainerCreateFailed("registry insert failed", err)
	}

	m.setCache(info)
	m.logger.Info("container created and ready", zap.String("user_id", userID), zap.String("container_id", containerID))
	return info, nil
}

func (m *Manager) cleanupFailedCreate(ctx context.Context, containerID string) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), constants.ContainerStopTimeout)
	defer cancel()
	_ = m.docker.RemoveContainer(cleanupCtx, containerID, true)
}

func (m *Manager) buildEnv(userID, tier string) []string {
	env := []string{
		"USER_ID=" + userID,
		"USER_TIER=" + tier,
		"NODE_ENV=production",
		"CLAUDE_CONFIG_DIR=/workspace/.claude",
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	}
	if m.agentCfg.AnthropicBaseURL != "" {
		env = append(env, "ANTHROPIC_BASE_URL="+m.agentCfg.AnthropicBaseURL)
	}
	if m.agentCfg.AnthropicAuthToken != "" {
		env = append(env, "ANTHROPIC_AUTH_TOKEN="+m.agentCfg.AnthropicAuthToken)
	}
	if m.agentCfg.AnthropicModel != "" {
		env = append(env, "ANTHROPIC_MODEL="+m.agentCfg.AnthropicModel)
	}
	return env
}

func (m *Manager) ensureHostDataDir(userID string) (string, error) {
	dir := filepath.Join(m.dockrCfg.VolumeBasePath, "user-"+userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// waitReady polls inspect every ContainerReadyPollInterval up to
// ContainerReadyTimeout, considering the container ready once it is running
// and, if a healthcheck is declared, healthy.
func (m *Manager) waitReady(ctx context.Context, containerID string) error {
	deadline := time.Now().Add(constants.ContainerReadyTimeout)
	ticker := time.NewTicker(constants.ContainerReadyPollInterval)
	defer ticker.Stop()

	for {
		info, err := m.docker.GetContainerInfo(ctx, containerID)
		if err == nil && info.State == "running" && (info.Health == "" || info.Health == "healthy") {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.ContainerStartupTimeout(containerID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) setCache(info *Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *info
	m.cache[info.UserID] = &cp
}

func (m *Manager) persistUpsert(ctx context.Context, info *Info) {
	if err := m.reg.Upsert(ctx, toRecord(info)); err != nil {
		registry.WarnOnFailure(m.logger, "upsert", err)
	}
}

func toRecord(info *Info) registry.Record {
	return registry.Record{
		UserID:        info.UserID,
		ContainerID:   info.ContainerID,
		ContainerName: info.Name,
		Status:        info.Status,
		CreatedAt:     info.CreatedAt,
		LastActive:    info.LastActive,
	}
}

// touchActive bumps the cache entry and best-effort persists last_active.
func (m *Manager) touchActive(userID string) {
	m.mu.Lock()
	info, ok := m.cache[userID]
	if ok {
		info.LastActive = time.Now().UTC()
	}
	m.mu.Unlock()
	if ok {
		ctx, cancel := context.WithTimeout(context.Background(), constants.BootReconcileRecordTimeout)
		defer cancel()
		if err := m.reg.TouchLastActive(ctx, info.ContainerID, info.LastActive); err != nil {
			registry.WarnOnFailure(m.logger, "touch_last_active", err)
		}
	}
}

// ExecInContainer ensures a container exists for userId and returns a
// duplex stream attached to a one-shot exec running cmd.
func (m *Manager) ExecInContainer(ctx context.Context, userID string, cmd []string, opts ExecOptions) (*docker.ExecResult, error) {
	info, err := m.GetOrCreateContainer(ctx, userID, UserConfig{})
	if err != nil {
		return nil, err
	}
	m.touchActive(userID)

	res, err := m.docker.ExecInContainer(ctx, info.ContainerID, docker.ExecOptions{
		Cmd:        cmd,
		Env:        opts.Env,
		WorkingDir: opts.Cwd,
		TTY:        opts.TTY,
		Cols:       opts.Cols,
		Rows:       opts.Rows,
	})
	if err != nil {
		return nil, apperr.ExecFailed("exec failed", err)
	}
	return res, nil
}

// AttachToContainerShell creates an interactive TTY exec pre-positioned in
// workingDir. Every new PTY session gets a fresh TTY exec, never Docker's
// container-level attach, since attach cannot support post-hoc resize.
func (m *Manager) AttachToContainerShell(ctx context.Context, userID, workingDir string, cols, rows uint16) (*docker.ExecResult, error) {
	info, err := m.GetOrCreateContainer(ctx, userID, UserConfig{})
	if err != nil {
		return nil, err
	}
	m.touchActive(userID)

	res, err := m.docker.ExecInContainer(ctx, info.ContainerID, docker.ExecOptions{
		Cmd: []string{"/bin/sh"},
		// Overriding BROWSER makes any CLI tool that shells out to open a
		// link print the OPEN_URL marker the PTY broker's URL detection
		// looks for instead.
		Env:        []string{`BROWSER=echo "OPEN_URL:"`},
		WorkingDir: workingDir,
		TTY:        true,
		Cols:       cols,
		Rows:       rows,
	})
	if err != nil {
		return nil, apperr.ExecFailed("shell attach failed", err)
	}
	return res, nil
}

// ResizeExec resizes an existing TTY exec's dimensions. Used by the PTY
// session broker's resize handling; only meaningful for TTY execs.
func (m *Manager) ResizeExec(ctx context.Context, execID string, cols, rows uint16) error {
	return m.docker.ResizeExec(ctx, execID, cols, rows)
}

// StopContainer is idempotent: stopping an already-stopped container is
// success.
func (m *Manager) StopContainer(ctx context.Context, userID string, timeout time.Duration) error {
	m.mu.Lock()
	info, ok := m.cache[userID]
	m.mu.Unlock()
	if !ok {
		rec, found, err := m.reg.GetByUser(ctx, userID)
		if err != nil || !found {
			return nil
		}
		info = &Info{ContainerID: rec.ContainerID, UserID: userID}
	}

	if err := m.docker.StopContainer(ctx, info.ContainerID, timeout); err != nil {
		return apperr.ExecFailed("stop failed", err)
	}

	m.mu.Lock()
	if cached, ok := m.cache[userID]; ok {
		cached.Status = registry.StatusStopped
	}
	m.mu.Unlock()
	if err := m.reg.MarkStatus(ctx, info.ContainerID, registry.StatusStopped); err != nil {
		registry.WarnOnFailure(m.logger, "mark_status_stopped", err)
	}
	return nil
}

// StartContainer starts a previously-stopped container for userId.
func (m *Manager) StartContainer(ctx context.Context, userID string) error {
	rec, found, err := m.reg.GetByUser(ctx, userID)
	if err != nil {
		return apperr.ExecFailed("registry lookup failed", err)
	}
	if !found {
		return apperr.NotFound(fmt.Sprintf("no container record for user %s", userID))
	}
	if err := m.docker.StartContainer(ctx, rec.ContainerID); err != nil {
		return apperr.ExecFailed("start failed", err)
	}
	if err := m.waitReady(ctx, rec.ContainerID); err != nil {
		return err
	}

	now := time.Now().UTC()
	info := &Info{ContainerID: rec.ContainerID, UserID: userID, Name: rec.ContainerName, Status: registry.StatusRunning, LastActive: now, CreatedAt: rec.CreatedAt}
	m.setCache(info)
	if err := m.reg.MarkStatus(ctx, rec.ContainerID, registry.StatusRunning); err != nil {
		registry.WarnOnFailure(m.logger, "mark_status_running", err)
	}
	return nil
}

// DestroyContainer best-effort stops then removes the container. Registry
// deletion happens even if the runtime remove call already returned "not
// found".
func (m *Manager) DestroyContainer(ctx context.Context, userID string, removeVolume bool) error {
	m.mu.Lock()
	info, ok := m.cache[userID]
	m.mu.Unlock()

	var containerID string
	if ok {
		containerID = info.ContainerID
	} else {
		rec, found, err := m.reg.GetByUser(ctx, userID)
		if err != nil {
			return apperr.ExecFailed("registry lookup failed", err)
		}
		if !found {
			return nil
		}
		containerID = rec.ContainerID
	}

	_ = m.docker.StopContainer(ctx, containerID, constants.ContainerStopTimeout)
	_ = m.docker.RemoveContainer(ctx, containerID, true)

	if removeVolume {
		dir := filepath.Join(m.dockrCfg.VolumeBasePath, "user-"+userID)
		_ = os.RemoveAll(dir)
	}

	m.mu.Lock()
	delete(m.cache, userID)
	m.mu.Unlock()

	if err := m.reg.Delete(ctx, containerID); err != nil {
		registry.WarnOnFailure(m.logger, "delete", err)
	}
	return nil
}

// GetContainerStats returns a single-sample resource usage snapshot.
func (m *Manager) GetContainerStats(ctx context.Context, userID string) (*docker.Stats, error) {
	m.mu.Lock()
	info, ok := m.cache[userID]
	m.mu.Unlock()
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("no active container for user %s", userID))
	}
	stats, err := m.docker.GetContainerStats(ctx, info.ContainerID)
	if err != nil {
		return nil, apperr.ExecFailed("stats failed", err)
	}
	return stats, nil
}

// ListAll returns every cached container.
func (m *Manager) ListAll() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.cache))
	for _, info := range m.cache {
		out = append(out, *info)
	}
	return out
}

// GetByUser returns the cached container for userId, if any.
func (m *Manager) GetByUser(userID string) (*Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.cache[userID]
	if !ok {
		return nil, false
	}
	cp := *info
	return &cp, true
}

// ReconcileOnBoot inspects the live runtime for every registry record once
// per process start: running records repopulate the cache and get
// last_active touched; present-but-not-running records are marked stopped;
// missing records are deleted. Reconciliation is best-effort and bounds
// per-record work to BootReconcileRecordTimeout so it never blocks first
// client requests.
func (m *Manager) ReconcileOnBoot(ctx context.Context) error {
	records, err := m.reg.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active registry records: %w", err)
	}

	for _, rec := range records {
		m.reconcileOne(ctx, rec)
	}
	return nil
}

func (m *Manager) reconcileOne(ctx context.Context, rec registry.Record) {
	recordCtx, cancel := context.WithTimeout(ctx, constants.BootReconcileRecordTimeout)
	defer cancel()

	info, err := m.docker.GetContainerInfo(recordCtx, rec.ContainerID)
	if err != nil {
		m.logger.Info("reconcile: container missing, purging record",
			zap.String("container_id", rec.ContainerID), zap.Error(err))
		if delErr := m.reg.Delete(ctx, rec.ContainerID); delErr != nil {
			registry.WarnOnFailure(m.logger, "reconcile_delete", delErr)
		}
		return
	}

	if info.State == "running" {
		now := time.Now().UTC()
		m.setCache(&Info{
			ContainerID: rec.ContainerID,
			UserID:      rec.UserID,
			Name:        rec.ContainerName,
			Status:      registry.StatusRunning,
			Tier:        info.Labels["tier"],
			CreatedAt:   rec.CreatedAt,
			LastActive:  now,
		})
		if err := m.reg.TouchLastActive(ctx, rec.ContainerID, now); err != nil {
			registry.WarnOnFailure(m.logger, "reconcile_touch", err)
		}
		return
	}

	m.logger.Info("reconcile: container present but not running",
		zap.String("container_id", rec.ContainerID), zap.String("state", info.State))
	if err := m.reg.MarkStatus(ctx, rec.ContainerID, registry.StatusStopped); err != nil {
		registry.WarnOnFailure(m.logger, "reconcile_mark_stopped", err)
	}
}

// StartIdleReaper launches the background sweep that destroys containers
// whose lastActive age exceeds the configured idle threshold. Reaping never
// removes the host data directory (removeVolume=false).
func (m *Manager) StartIdleReaper(ctx context.Context) {
	interval := m.agentCfg.IdleReapInterval
	if interval <= 0 {
		interval = constants.IdleReapInterval
	}
	reapCtx, cancel := context.WithCancel(ctx)
	m.reapCancel = cancel
	m.reapDone = make(chan struct{})

	go func() {
		defer close(m.reapDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-reapCtx.Done():
				return
			case <-ticker.C:
				m.reapIdle(reapCtx)
			}
		}
	}()
}

// StopIdleReaper stops the idle reaper goroutine and waits for it to exit.
func (m *Manager) StopIdleReaper() {
	if m.reapCancel == nil {
		return
	}
	m.reapCancel()
	<-m.reapDone
}

func (m *Manager) reapIdle(ctx context.Context) {
	threshold := m.agentCfg.IdleThreshold
	if threshold <= 0 {
		threshold = constants.ContainerIdleThreshold
	}

	m.mu.Lock()
	var stale []string
	now := time.Now()
	for userID, info := range m.cache {
		if info.Status == registry.StatusRunning && now.Sub(info.LastActive) > threshold {
			stale = append(stale, userID)
		}
	}
	m.mu.Unlock()

	for _, userID := range stale {
		m.logger.Info("idle reaper destroying container", zap.String("user_id", userID))
		if err := m.DestroyContainer(ctx, userID, false); err != nil {
			m.logger.WithError(err).Warn("idle reaper failed to destroy container", zap.String("user_id", userID))
		}
	}
}
