// Package registry provides the Container Registry: a small persistent
// key-value table recording which container belongs to which user across
// process restarts. While a process is running, the Container Manager's
// in-memory cache is authoritative; this store is consulted only at boot
// (reconciliation) and written to best-effort on every cache mutation.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/backplane/internal/common/apperr"
	"github.com/kandev/backplane/internal/common/logger"
)

// Record mirrors the container record described in the data model: a
// (userId -> containerId, name, status, createdAt, lastActive) tuple. At
// most one non-removed record exists per userId; containerName is unique
// globally.
type Record struct {
	UserID        string
	ContainerID   string
	ContainerName string
	Status        string
	CreatedAt     time.Time
	LastActive    time.Time
}

// Status values a Record may hold.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusRemoved = "removed"
)

// Store is the sqlite-backed Container Registry.
type Store struct {
	db *sql.DB
}

// Open creates (if necessary) and opens the registry database at dbPath
// with one pooled connection, since sqlite serializes writers anyway.
func Open(dbPath string) (*Store, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("prepare registry db path: %w", err)
	}
	if err := ensureFile(normalized); err != nil {
		return nil, fmt.Errorf("create registry db file: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", normalized)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init registry schema: %w", err)
	}
	return s, nil
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	f, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS containers (
		user_id TEXT NOT NULL,
		container_id TEXT PRIMARY KEY,
		container_name TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_active DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_containers_user_id ON containers(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or last-writer-wins-replaces a record keyed by containerId.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO containers (user_id, container_id, container_name, status, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(container_id) DO UPDATE SET
			user_id = excluded.user_id,
			container_name = excluded.container_name,
			status = excluded.status,
			last_active = excluded.last_active
	`, rec.UserID, rec.ContainerID, rec.ContainerName, rec.Status, rec.CreatedAt, rec.LastActive)
	return err
}

// MarkStatus updates only the status column for a containerId.
func (s *Store) MarkStatus(ctx context.Context, containerID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE containers SET status = ? WHERE container_id = ?`, status, containerID)
	return err
}

// TouchLastActive bumps last_active for a containerId.
func (s *Store) TouchLastActive(ctx context.Context, containerID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE containers SET last_active = ? WHERE container_id = ?`, at, containerID)
	return err
}

// Delete removes a record outright (used by reaping and by reconciliation
// when the runtime object backing it is gone).
func (s *Store) Delete(ctx context.Context, containerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM containers WHERE container_id = ?`, containerID)
	return err
}

// GetByUser returns the record for userId, if any. Invariant: at most one
// non-removed record per user, so the first row is authoritative.
func (s *Store) GetByUser(ctx context.Context, userID string) (*Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, container_id, container_name, status, created_at, last_active
		FROM containers WHERE user_id = ? AND status != ? LIMIT 1
	`, userID, StatusRemoved)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// ListActive returns every record not marked removed, used at boot to
// reconcile against the live runtime.
func (s *Store) ListActive(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, container_id, container_name, status, created_at, last_active
		FROM containers WHERE status != ?
	`, StatusRemoved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.UserID, &r.ContainerID, &r.ContainerName, &r.Status, &r.CreatedAt, &r.LastActive); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	if err := row.Scan(&r.UserID, &r.ContainerID, &r.ContainerName, &r.Status, &r.CreatedAt, &r.LastActive); err != nil {
		return nil, err
	}
	return &r, nil
}

// WarnOnFailure logs a registry write failure without ever failing the
// caller's user-facing operation, per the registry's best-effort consistency
// policy. The error is wrapped so the log entry carries its kind.
func WarnOnFailure(log *logger.Logger, op string, err error) {
	if err == nil {
		return
	}
	log.WithError(apperr.RegistryWriteFailed(op, err)).
		Warn("registry write failed, continuing with in-memory state")
}
