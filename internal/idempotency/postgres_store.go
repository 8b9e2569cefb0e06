package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS fassets_idempotency (
    scope_key   TEXT PRIMARY KEY,
    status      SMALLINT NOT NULL,
    body        BYTEA NOT NULL,
    fingerprint TEXT NOT NULL,
    saved_at    TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS fassets_idempotency_expires ON fassets_idempotency (expires_at);
`

// PostgresStore shares replay records between service replicas.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("idempotency: postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, idempotencySchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() { p.pool.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Lookup(ctx context.Context, key string, now time.Time) (*Record, error) {
	var (
		rec    Record
		status int16
	)
	err := p.pool.QueryRow(ctx,
		`SELECT status, body, fingerprint, saved_at, expires_at
		   FROM fassets_idempotency
		  WHERE scope_key = $1 AND expires_at > $2`,
		key, now).Scan(&status, &rec.Body, &rec.Fingerprint, &rec.SavedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = int(status)
	return &rec, nil
}

// Put keeps the first live record for a key. An expired record is replaced.
func (p *PostgresStore) Put(ctx context.Context, key string, rec Record) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO fassets_idempotency (scope_key, status, body, fingerprint, saved_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (scope_key) DO UPDATE
		    SET status = EXCLUDED.status, body = EXCLUDED.body, fingerprint = EXCLUDED.fingerprint,
		        saved_at = EXCLUDED.saved_at, expires_at = EXCLUDED.expires_at
		  WHERE fassets_idempotency.expires_at <= EXCLUDED.saved_at`,
		key, int16(rec.Status), rec.Body, rec.Fingerprint, rec.SavedAt, rec.ExpiresAt)
	return err
}

func (p *PostgresStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM fassets_idempotency WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
