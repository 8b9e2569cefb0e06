package eventstore

import (
	"context"
	"errors"
	"fmt"

	"fassets/internal/events"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore indexes envelopes synchronously in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createEventsSQL = `
CREATE TABLE IF NOT EXISTS fasset_events (
    seq BIGINT PRIMARY KEY,
    id TEXT NOT NULL,
    at TIMESTAMPTZ NOT NULL,
    name TEXT NOT NULL,
    agent TEXT NOT NULL,
    payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS fasset_events_name_seq ON fasset_events (name, seq);
CREATE INDEX IF NOT EXISTS fasset_events_agent_seq ON fasset_events (agent, seq);
`

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createEventsSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) Append(ctx context.Context, env events.Envelope) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO fasset_events (seq, id, at, name, agent, payload)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (seq) DO NOTHING
`, int64(env.Seq), env.ID, env.Time.UTC(), env.Name, normalizeAgent(env.Agent), []byte(env.Payload))
	if err != nil {
		return fmt.Errorf("index seq %d: %w", env.Seq, err)
	}
	return nil
}

func (p *PostgresStore) Publish(env events.Envelope) error {
	return p.Append(context.Background(), env)
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]events.Envelope, error) {
	where, args := q.where(func(n int) string { return fmt.Sprintf("$%d", n) })
	rows, err := p.pool.Query(ctx, `SELECT seq, id, at, name, agent, payload FROM fasset_events `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []events.Envelope{}
	for rows.Next() {
		var (
			env     events.Envelope
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &env.ID, &env.Time, &env.Name, &env.Agent, &payload); err != nil {
			return nil, err
		}
		env.Seq = uint64(seq)
		env.Time = env.Time.UTC()
		env.Payload = payload
		out = append(out, env)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LastSeq(ctx context.Context) (uint64, error) {
	var seq int64
	if err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM fasset_events`).Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq), nil
}
