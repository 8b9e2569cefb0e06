package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"fassets/internal/events"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const batchSize = 512

// SQLiteStore writes through a single goroutine that commits whatever is
// queued in one transaction. Append never blocks the engine: when the queue is
// full the envelope is dropped and counted.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger

	ch   chan request
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

type request struct {
	env  events.Envelope
	done chan error
}

func OpenSQLite(path string, queue int, log *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if queue <= 0 {
		queue = 4096
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLiteStore{db: db, log: log, ch: make(chan request, queue)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initSQLite(db *sql.DB) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY,
			id TEXT NOT NULL,
			at TEXT NOT NULL,
			name TEXT NOT NULL,
			agent TEXT NOT NULL,
			payload TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_name_seq ON events(name, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_events_agent_seq ON events(agent, seq);`,
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("sqlite init: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, env events.Envelope) error {
	if s.closed.Load() {
		return errors.New("event store closed")
	}
	select {
	case s.ch <- request{env: env}:
	default:
		if n := s.dropped.Add(1); n&(n-1) == 0 {
			s.log.Warn("event index behind, dropping", zap.Uint64("seq", env.Seq), zap.Uint64("dropped", n))
		}
	}
	return nil
}

func (s *SQLiteStore) Publish(env events.Envelope) error {
	return s.Append(context.Background(), env)
}

// Flush waits until everything queued before the call is committed.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}
	done := make(chan error, 1)
	select {
	case s.ch <- request{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped reports how many envelopes were not indexed because the queue was full.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStore) loop() {
	for r := range s.ch {
		batch := []request{r}
	drain:
		for len(batch) < batchSize {
			select {
			case next, ok := <-s.ch:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		err := s.commit(batch)
		if err != nil {
			s.log.Error("event index commit failed", zap.Int("batch", len(batch)), zap.Error(err))
		}
		for _, b := range batch {
			if b.done != nil {
				b.done <- err
			}
		}
	}
}

func (s *SQLiteStore) commit(batch []request) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO events(seq,id,at,name,agent,payload) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range batch {
		if r.done != nil {
			continue
		}
		e := r.env
		if _, err := stmt.Exec(int64(e.Seq), e.ID, e.Time.UTC().Format(time.RFC3339Nano), e.Name, normalizeAgent(e.Agent), string(e.Payload)); err != nil {
			return fmt.Errorf("insert seq %d: %w", e.Seq, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context, q Query) ([]events.Envelope, error) {
	where, args := q.where(func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, `SELECT seq,id,at,name,agent,payload FROM events `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []events.Envelope{}
	for rows.Next() {
		var (
			env     events.Envelope
			seq     int64
			at      string
			payload string
		)
		if err := rows.Scan(&seq, &env.ID, &at, &env.Name, &env.Agent, &payload); err != nil {
			return nil, err
		}
		env.Seq = uint64(seq)
		if env.Time, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("seq %d: %w", seq, err)
		}
		env.Payload = json.RawMessage(payload)
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LastSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq.Int64), nil
}
