package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite keeps the slots of one client in a local database file, the way a
// browser keeps its cookie jar on disk.
type SQLite struct {
	db       *sql.DB
	clientID string
	ttl      time.Duration
	now      func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and makes sure
// the slot table exists. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	const op = "storage.OpenSQLite"

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	client_id  TEXT    NOT NULL,
	slot       TEXT    NOT NULL,
	value      TEXT    NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (client_id, slot)
)`, credentialSlotsTable)

	if _, err := db.ExecContext(ctx, query); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return db, nil
}

func NewSQLite(db *sql.DB, clientID string, ttl time.Duration) *SQLite {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SQLite{
		db:       db,
		clientID: clientID,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	const op = "storage.SQLite.Set"

	query := fmt.Sprintf(`INSERT INTO %s(client_id, slot, value, expires_at) VALUES (?, ?, ?, ?)
	ON CONFLICT (client_id, slot) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`, credentialSlotsTable)

	if _, err := s.db.ExecContext(ctx, query, s.clientID, key, value, s.now().Add(s.ttl).UnixMilli()); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	const op = "storage.SQLite.Get"

	var value string
	query := fmt.Sprintf("SELECT value FROM %s WHERE client_id = ? AND slot = ? AND expires_at > ?", credentialSlotsTable)

	err := s.db.QueryRowContext(ctx, query, s.clientID, key, s.now().UnixMilli()).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return value, nil
}

func (s *SQLite) Delete(ctx context.Context, keys ...string) error {
	const op = "storage.SQLite.Delete"

	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("DELETE FROM %s WHERE client_id = ? AND slot = ?", credentialSlotsTable)
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, query, s.clientID, key); err != nil {
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return nil
}
