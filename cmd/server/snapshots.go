package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"fassets/internal/events"
	"fassets/internal/snapshot"

	"go.uber.org/zap"
)

// snapshotter persists the engine, pools, ledger and core vault together and
// restores the newest snapshot on start.
type snapshotter struct {
	dir     string
	keep    int
	hash    string
	sources snapshot.Sources
	pub     *events.Publisher
	log     *zap.Logger

	mu      sync.Mutex
	lastSeq uint64
}

func (s *snapshotter) restore() error {
	path, err := snapshot.Latest(s.dir)
	if err != nil {
		return err
	}
	if path == "" {
		s.log.Info("no snapshot, starting empty")
		return nil
	}
	st, err := snapshot.Read(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := st.Restore(s.sources, s.hash); err != nil {
		return fmt.Errorf("restore %s: %w", filepath.Base(path), err)
	}
	s.lastSeq = st.Header.Seq
	s.log.Info("snapshot restored",
		zap.String("file", filepath.Base(path)),
		zap.Uint64("seq", st.Header.Seq),
		zap.Int("agents", st.Header.Agents),
		zap.Int("tickets", st.Header.Tickets))
	return nil
}

// take writes a snapshot unless no event was published since the last one.
func (s *snapshotter) take() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.pub.Seq()
	if seq == s.lastSeq {
		return nil
	}
	st := snapshot.Capture(s.sources, seq, s.hash, time.Now())
	if err := snapshot.Write(filepath.Join(s.dir, snapshot.FileName(st.Header.Seq)), st); err != nil {
		return err
	}
	s.lastSeq = seq
	if err := snapshot.Prune(s.dir, s.keep); err != nil {
		s.log.Warn("snapshot prune failed", zap.Error(err))
	}
	s.log.Info("snapshot written", zap.Uint64("seq", seq), zap.Int("agents", st.Header.Agents))
	return nil
}
