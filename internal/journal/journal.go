// Package journal appends event envelopes to hourly zstd-compressed JSONL
// files. The journal is the durable record of everything the engine emitted;
// the event index and the stream can be rebuilt from it.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"fassets/internal/events"

	"github.com/klauspost/compress/zstd"
)

const (
	prefix     = "events"
	suffix     = ".jsonl.zst"
	hourLayout = "2006-01-02-15"
)

// Writer is an events.Sink. Files are named events-YYYY-MM-DD-HH.jsonl.zst by
// the envelope time, so replaying a directory in name order replays events in
// sequence order.
type Writer struct {
	dir string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) Publish(env events.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := env.Time.UTC().Format(hourLayout)
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	// push the block out so a crash loses at most the envelope in flight
	return w.enc.Flush()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, fileName(hour)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *Writer) closeLocked() error {
	var err error
	if w.w != nil {
		err = w.w.Flush()
	}
	if w.enc != nil {
		err = errors.Join(err, w.enc.Close())
		w.enc = nil
	}
	if w.f != nil {
		err = errors.Join(err, w.f.Close())
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err
}

func fileName(hour string) string {
	return fmt.Sprintf("%s-%s%s", prefix, hour, suffix)
}

// Files lists journal files in dir in replay order.
func Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, suffix) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// Replay calls fn for every envelope in dir with a sequence number above
// afterSeq. A truncated last line, left by a crash, ends the file silently.
func Replay(dir string, afterSeq uint64, fn func(events.Envelope) error) error {
	files, err := Files(dir)
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := replayFile(path, afterSeq, fn); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func replayFile(path string, afterSeq uint64, fn func(events.Envelope) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
		var env events.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return fmt.Errorf("decode line: %w", err)
		}
		if env.Seq <= afterSeq {
			continue
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}

// LastSeq returns the highest sequence number in the journal, or 0.
func LastSeq(dir string) (uint64, error) {
	var last uint64
	err := Replay(dir, 0, func(env events.Envelope) error {
		last = max(last, env.Seq)
		return nil
	})
	return last, err
}

// Prune removes journal files whose hour ended before cutoff.
func Prune(dir string, cutoff time.Time) (int, error) {
	files, err := Files(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range files {
		hour := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), prefix+"-"), suffix)
		t, err := time.Parse(hourLayout, hour)
		if err != nil || !t.Add(time.Hour).Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
