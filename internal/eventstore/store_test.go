package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fassets/internal/events"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const (
	vaultA = "0x00000000000000000000000000000000000000a1"
	vaultB = "0x00000000000000000000000000000000000000b2"
)

func testEnvelopes() []events.Envelope {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	names := []string{"CollateralReserved", "MintingExecuted", "CollateralReserved", "RedemptionRequested", "CurrentUnderlyingBlockUpdated"}
	agents := []string{vaultA, vaultA, vaultB, vaultB, ""}
	out := make([]events.Envelope, len(names))
	for i := range names {
		out[i] = events.Envelope{
			ID:      fmt.Sprintf("env-%d", i+1),
			Seq:     uint64(i + 1),
			Time:    at.Add(time.Duration(i) * time.Second),
			Name:    names[i],
			Agent:   agents[i],
			Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i+1)),
		}
	}
	return out
}

func seqs(envs []events.Envelope) []uint64 {
	out := make([]uint64, len(envs))
	for i, e := range envs {
		out[i] = e.Seq
	}
	return out
}

// exerciseStore runs the same queries against any backend; sync makes
// appended envelopes visible to List.
func exerciseStore(t *testing.T, s Store, sync func()) {
	ctx := context.Background()
	envs := testEnvelopes()
	for _, e := range envs {
		require.NoError(t, s.Append(ctx, e))
	}
	// replays are ignored
	require.NoError(t, s.Publish(envs[0]))
	sync()

	require.NoError(t, s.Ping(ctx))
	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)

	all, err := s.List(ctx, Query{})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs(all))
	require.Equal(t, envs[1].ID, all[1].ID)
	require.True(t, envs[1].Time.Equal(all[1].Time))
	require.JSONEq(t, `{"n":2}`, string(all[1].Payload))

	byName, err := s.List(ctx, Query{Name: "CollateralReserved"})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 3}, seqs(byName))

	// agent filters accept any hex case
	byAgent, err := s.List(ctx, Query{Agent: strings.ToUpper(vaultB[2:])})
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 4}, seqs(byAgent))

	page, err := s.List(ctx, Query{AfterSeq: 2, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 4}, seqs(page))

	none, err := s.List(ctx, Query{AfterSeq: 5})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "events.sqlite"), 0, nil)
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s, func() { require.NoError(t, s.Flush(context.Background())) })
	require.Zero(t, s.Dropped())
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.sqlite")
	s, err := OpenSQLite(path, 0, nil)
	require.NoError(t, err)
	for _, e := range testEnvelopes() {
		require.NoError(t, s.Append(context.Background(), e))
	}
	// close drains the queue
	require.NoError(t, s.Close())
	require.Error(t, s.Append(context.Background(), testEnvelopes()[0]))

	s, err = OpenSQLite(path, 0, nil)
	require.NoError(t, err)
	defer s.Close()
	last, err := s.LastSeq(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
}

func TestQueryLimits(t *testing.T) {
	require.Equal(t, DefaultLimit, Query{}.limit())
	require.Equal(t, MaxLimit, Query{Limit: 1 << 20}.limit())
	require.Equal(t, 7, Query{Limit: 7}.limit())

	where, args := Query{Name: "X", Agent: vaultA, AfterSeq: 3, Limit: 5}.where(func(n int) string { return fmt.Sprintf("$%d", n) })
	require.Equal(t, "WHERE seq > $1 AND name = $2 AND agent = $3 ORDER BY seq LIMIT $4", where)
	require.Equal(t, []any{int64(3), "X", common.HexToAddress(vaultA).Hex(), 5}, args)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.pool.Exec(ctx, `TRUNCATE fasset_events`)
	require.NoError(t, err)

	exerciseStore(t, s, func() {})
}
