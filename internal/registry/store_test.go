package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "registry.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndGetByUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	rec := Record{
		UserID:        "u1",
		ContainerID:   "c1",
		ContainerName: "agent-user-u1",
		Status:        StatusRunning,
		CreatedAt:     now,
		LastActive:    now,
	}
	require.NoError(t, s.Upsert(ctx, rec))

	got, ok, err := s.GetByUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.ContainerID, got.ContainerID)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestUpsertIsLastWriterWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(ctx, Record{
		UserID: "u1", ContainerID: "c1", ContainerName: "agent-user-u1",
		Status: StatusRunning, CreatedAt: now, LastActive: now,
	}))
	require.NoError(t, s.Upsert(ctx, Record{
		UserID: "u1", ContainerID: "c1", ContainerName: "agent-user-u1",
		Status: StatusStopped, CreatedAt: now, LastActive: now.Add(time.Minute),
	}))

	got, ok, err := s.GetByUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusStopped, got.Status)
}

func TestMarkStatusAndTouchLastActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(ctx, Record{
		UserID: "u1", ContainerID: "c1", ContainerName: "agent-user-u1",
		Status: StatusRunning, CreatedAt: now, LastActive: now,
	}))

	require.NoError(t, s.MarkStatus(ctx, "c1", StatusStopped))
	later := now.Add(time.Hour)
	require.NoError(t, s.TouchLastActive(ctx, "c1", later))

	got, ok, err := s.GetByUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusStopped, got.Status)
	assert.WithinDuration(t, later, got.LastActive, time.Second)
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(ctx, Record{
		UserID: "u1", ContainerID: "c1", ContainerName: "agent-user-u1",
		Status: StatusRunning, CreatedAt: now, LastActive: now,
	}))
	require.NoError(t, s.Delete(ctx, "c1"))

	_, ok, err := s.GetByUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListActiveExcludesRemoved(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(ctx, Record{
		UserID: "u1", ContainerID: "c1", ContainerName: "agent-user-u1",
		Status: StatusRunning, CreatedAt: now, LastActive: now,
	}))
	require.NoError(t, s.Upsert(ctx, Record{
		UserID: "u2", ContainerID: "c2", ContainerName: "agent-user-u2",
		Status: StatusStopped, CreatedAt: now, LastActive: now,
	}))
	require.NoError(t, s.Upsert(ctx, Record{
		UserID: "u3", ContainerID: "c3", ContainerName: "agent-user-u3",
		Status: StatusRemoved, CreatedAt: now, LastActive: now,
	}))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}
