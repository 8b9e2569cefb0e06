package idempotency

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is a stored response together with the fingerprint of the request
// that produced it.
type Record struct {
	Status      int       `json:"status"`
	Body        []byte    `json:"body"`
	Fingerprint string    `json:"fingerprint"`
	SavedAt     time.Time `json:"savedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (r Record) live(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Store keeps responses for a replay window. Lookup ignores records that have
// expired at now; Sweep deletes them and reports how many went.
type Store interface {
	Lookup(ctx context.Context, key string, now time.Time) (*Record, error)
	Put(ctx context.Context, key string, rec Record) error
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore loses its records on restart; tests and single-shot tools use it.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Lookup(_ context.Context, key string, now time.Time) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok || !rec.live(now) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, rec Record) error {
	m.mu.Lock()
	m.records[key] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return dropExpired(m.records, now), nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func dropExpired(records map[string]Record, now time.Time) int {
	n := 0
	for k, rec := range records {
		if !rec.live(now) {
			delete(records, k)
			n++
		}
	}
	return n
}

// FileStore appends one JSON line per Put, so a save costs a single write
// regardless of how many keys are held. Opening the store and Sweep rewrite
// the file with only the latest live record per key.
type FileStore struct {
	path    string
	mu      sync.Mutex
	records map[string]Record
	f       *os.File
}

type fileEntry struct {
	Key    string `json:"key"`
	Record Record `json:"record"`
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	fs := &FileStore{path: path, records: make(map[string]Record)}
	if err := fs.load(); err != nil {
		return nil, err
	}
	dropExpired(fs.records, time.Now())
	if err := fs.compact(); err != nil {
		return nil, err
	}
	return fs, nil
}

// load reads every entry; a torn last line from a crash mid-append is skipped.
func (f *FileStore) load() error {
	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	sc := bufio.NewScanner(bytes.NewReader(blob))
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var e fileEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			if !sc.Scan() && !bytes.HasSuffix(blob, []byte{'\n'}) {
				break
			}
			return fmt.Errorf("%s line %d: %w", filepath.Base(f.path), line, err)
		}
		f.records[e.Key] = e.Record
	}
	return sc.Err()
}

// compact rewrites the file from the in-memory records and reopens it for
// appending. The rewrite goes through a rename so readers never see a partial
// file.
func (f *FileStore) compact() error {
	if f.f != nil {
		_ = f.f.Close()
		f.f = nil
	}
	tmp := f.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	for k, rec := range f.records {
		if err := enc.Encode(fileEntry{Key: k, Record: rec}); err != nil {
			_ = out.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return err
	}
	f.f, err = os.OpenFile(f.path, os.O_APPEND|os.O_WRONLY, 0o600)
	return err
}

func (f *FileStore) Lookup(_ context.Context, key string, now time.Time) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[key]
	if !ok || !rec.live(now) {
		return nil, nil
	}
	return &rec, nil
}

func (f *FileStore) Put(_ context.Context, key string, rec Record) error {
	line, err := json.Marshal(fileEntry{Key: key, Record: rec})
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.f.Write(append(line, '\n')); err != nil {
		return err
	}
	f.records[key] = rec
	return nil
}

func (f *FileStore) Sweep(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := dropExpired(f.records, now)
	if n == 0 {
		return 0, nil
	}
	return n, f.compact()
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}
