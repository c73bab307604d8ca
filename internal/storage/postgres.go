package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const credentialSlotsTable = "credential_slots"

// DB is the subset of *pgxpool.Pool used by Postgres.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Connect opens a pgx pool for the credential slot table.
func Connect(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	const op = "storage.Connect"

	pool, err := pgxpool.Connect(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return pool, nil
}

// CreateSchema creates the credential slot table when missing.
func CreateSchema(ctx context.Context, db DB) error {
	const op = "storage.CreateSchema"

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	client_id  TEXT        NOT NULL,
	slot       TEXT        NOT NULL,
	value      TEXT        NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (client_id, slot)
);`, credentialSlotsTable)

	if _, err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// PurgeExpired deletes expired slots of every client and returns how many
// rows went away.
func PurgeExpired(ctx context.Context, db DB, now time.Time) (int64, error) {
	const op = "storage.PurgeExpired"

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at <= $1", credentialSlotsTable)
	tag, err := db.Exec(ctx, query, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}

// Postgres keeps the slots of one client in the credential_slots table.
type Postgres struct {
	db       DB
	clientID string
	ttl      time.Duration
	now      func() time.Time
}

func NewPostgres(db DB, clientID string, ttl time.Duration) *Postgres {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Postgres{
		db:       db,
		clientID: clientID,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (p *Postgres) Set(ctx context.Context, key, value string) error {
	const op = "storage.Postgres.Set"

	query := fmt.Sprintf(`INSERT INTO %s(client_id, slot, value, expires_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (client_id, slot) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`, credentialSlotsTable)

	_, err := p.db.Exec(ctx, query, p.clientID, key, value, p.now().Add(p.ttl).UTC())
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) (string, error) {
	const op = "storage.Postgres.Get"

	var value string
	query := fmt.Sprintf("SELECT value FROM %s WHERE client_id=$1 AND slot=$2 AND expires_at > $3;", credentialSlotsTable)

	err := p.db.QueryRow(ctx, query, p.clientID, key, p.now().UTC()).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return value, nil
}

func (p *Postgres) Delete(ctx context.Context, keys ...string) error {
	const op = "storage.Postgres.Delete"

	if len(keys) == 0 {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE client_id=$1 AND slot = ANY($2)", credentialSlotsTable)
	if _, err := p.db.Exec(ctx, query, p.clientID, keys); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return nil
}
