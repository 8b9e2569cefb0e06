package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// deadLetters keeps requests that failed with a server error, one JSON file
// each, so an operator can inspect and resubmit them.
type deadLetters struct {
	dir     string
	log     *zap.Logger
	metrics *Metrics

	mu sync.Mutex
}

type deadLetter struct {
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"requestId"`
	Op        string          `json:"op"`
	Method    string          `json:"method"`
	Path      string          `json:"path"`
	Caller    string          `json:"caller,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error"`
}

func (d *deadLetters) write(entry deadLetter) {
	if d == nil || d.dir == "" {
		return
	}
	if len(entry.Payload) > 0 && !json.Valid(entry.Payload) {
		raw, _ := json.Marshal(string(entry.Payload))
		entry.Payload = raw
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		d.log.Error("dlq marshal failed", zap.Error(err))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		d.log.Error("dlq mkdir failed", zap.Error(err))
		return
	}
	name := fmt.Sprintf("%d-%s.json", entry.Timestamp.UnixNano(), entry.Op)
	if err := os.WriteFile(filepath.Join(d.dir, name), data, 0o600); err != nil {
		d.log.Error("dlq write failed", zap.Error(err))
	}
	d.refresh()
}

func (d *deadLetters) depth() int {
	if d == nil || d.dir == "" {
		return 0
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			d.log.Warn("dlq read failed", zap.Error(err))
		}
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			n++
		}
	}
	return n
}

func (d *deadLetters) refresh() int {
	n := d.depth()
	if d != nil && d.metrics != nil {
		d.metrics.setDLQDepth(n)
	}
	return n
}
