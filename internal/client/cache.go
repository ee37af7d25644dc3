package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"taskboard/internal/protocol"
)

// SnapshotCache persists the last confirmed view and the session identity in
// a local SQLite file. Snapshots only pre-populate the view at startup.
type SnapshotCache struct {
	db     *sql.DB
	maxAge time.Duration
	now    func() time.Time
}

func OpenSnapshotCache(path string, maxAge time.Duration) (*SnapshotCache, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	cache := &SnapshotCache{db: db, maxAge: maxAge, now: time.Now}
	if err := cache.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate snapshot cache: %w", err)
	}
	return cache, nil
}

func (c *SnapshotCache) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			user_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			saved_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS identities (
			slot INTEGER PRIMARY KEY CHECK (slot = 1),
			user_id TEXT NOT NULL,
			login TEXT NOT NULL,
			token TEXT NOT NULL,
			saved_at INTEGER NOT NULL
		);
	`
	_, err := c.db.Exec(schema)
	return err
}

func (c *SnapshotCache) Close() error {
	return c.db.Close()
}

func (c *SnapshotCache) SaveSnapshot(ctx context.Context, userID string, tasks []protocol.Task) error {
	payload, err := json.Marshal(tasks)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO snapshots (user_id, payload, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		userID, string(payload), c.now().UnixMilli())
	return err
}

// LoadSnapshot returns the cached tasks for userID. Snapshots older than the
// cache's max age are ignored.
func (c *SnapshotCache) LoadSnapshot(ctx context.Context, userID string) ([]protocol.Task, bool, error) {
	var payload string
	var savedAt int64
	err := c.db.QueryRowContext(ctx,
		`SELECT payload, saved_at FROM snapshots WHERE user_id = ?`, userID,
	).Scan(&payload, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if c.maxAge > 0 && c.now().Sub(time.UnixMilli(savedAt)) > c.maxAge {
		return nil, false, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, false, fmt.Errorf("decode snapshot: %w", err)
	}
	tasks := make([]protocol.Task, 0, len(items))
	for _, item := range items {
		patch, err := normalizeTaskJSON(item)
		if err != nil {
			continue
		}
		tasks = append(tasks, patch.apply(protocol.Task{}))
	}
	return tasks, true, nil
}

func (c *SnapshotCache) LoadIdentity(ctx context.Context) (Identity, bool, error) {
	var identity Identity
	err := c.db.QueryRowContext(ctx,
		`SELECT user_id, login, token FROM identities WHERE slot = 1`,
	).Scan(&identity.UserID, &identity.Login, &identity.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, err
	}
	return identity, true, nil
}

func (c *SnapshotCache) SaveIdentity(ctx context.Context, identity Identity) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO identities (slot, user_id, login, token, saved_at) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			user_id = excluded.user_id,
			login = excluded.login,
			token = excluded.token,
			saved_at = excluded.saved_at`,
		identity.UserID, identity.Login, identity.Token, c.now().UnixMilli())
	return err
}

func (c *SnapshotCache) ClearIdentity(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM identities`)
	return err
}
