package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fassets/internal/events"

	"github.com/stretchr/testify/require"
)

func envelope(seq uint64, at time.Time) events.Envelope {
	return events.Envelope{
		ID:      "id",
		Seq:     seq,
		Time:    at,
		Name:    "RedemptionTicketCreated",
		Payload: json.RawMessage(`{"ticketID":1}`),
	}
}

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	base := time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC)

	require.NoError(t, w.Publish(envelope(1, base)))
	require.NoError(t, w.Publish(envelope(2, base.Add(10*time.Minute))))
	require.NoError(t, w.Publish(envelope(3, base.Add(time.Hour))))
	require.NoError(t, w.Close())

	files, err := Files(dir)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "events-2024-05-01-10.jsonl.zst"),
		filepath.Join(dir, "events-2024-05-01-11.jsonl.zst"),
	}, files)

	var seqs []uint64
	require.NoError(t, Replay(dir, 0, func(env events.Envelope) error {
		seqs = append(seqs, env.Seq)
		require.JSONEq(t, `{"ticketID":1}`, string(env.Payload))
		return nil
	}))
	require.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestReplayAfterSeq(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, w.Publish(envelope(seq, at)))
	}
	require.NoError(t, w.Close())

	var seqs []uint64
	require.NoError(t, Replay(dir, 3, func(env events.Envelope) error {
		seqs = append(seqs, env.Seq)
		return nil
	}))
	require.Equal(t, []uint64{4, 5}, seqs)

	last, err := LastSeq(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
}

func TestReopenAppends(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	w := NewWriter(dir)
	require.NoError(t, w.Publish(envelope(1, at)))
	require.NoError(t, w.Close())

	w = NewWriter(dir)
	require.NoError(t, w.Publish(envelope(2, at.Add(time.Minute))))
	require.NoError(t, w.Close())

	last, err := LastSeq(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)
}

func TestEmptyDir(t *testing.T) {
	last, err := LastSeq(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	require.Zero(t, last)
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Publish(envelope(uint64(i+1), base.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, w.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	removed, err := Prune(dir, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	files, err := Files(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	_, err = os.Stat(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
}
