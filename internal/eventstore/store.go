// Package eventstore indexes event envelopes for querying by name, agent and
// sequence. The journal stays the source of truth; an index that falls behind
// can be rebuilt by replaying it.
package eventstore

import (
	"context"
	"fmt"
	"strings"

	"fassets/internal/events"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Query selects envelopes with Seq > AfterSeq in sequence order. Empty Name or
// Agent match everything.
type Query struct {
	Name     string
	Agent    string
	AfterSeq uint64
	Limit    int
}

// Store is also an events.Sink so the publisher can index as it emits.
type Store interface {
	events.Sink
	Append(ctx context.Context, env events.Envelope) error
	List(ctx context.Context, q Query) ([]events.Envelope, error)
	LastSeq(ctx context.Context) (uint64, error)
	Ping(ctx context.Context) error
	Close() error
}

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultLimit
	case q.Limit > MaxLimit:
		return MaxLimit
	}
	return q.Limit
}

// normalizeAgent stores and matches vault addresses in checksum form.
func normalizeAgent(agent string) string {
	if common.IsHexAddress(agent) {
		return common.HexToAddress(agent).Hex()
	}
	return agent
}

// where renders the filter; ph formats the n-th placeholder for the driver.
func (q Query) where(ph func(n int) string) (string, []any) {
	conds := []string{"seq > " + ph(1)}
	args := []any{int64(q.AfterSeq)}
	if q.Name != "" {
		args = append(args, q.Name)
		conds = append(conds, "name = "+ph(len(args)))
	}
	if q.Agent != "" {
		args = append(args, normalizeAgent(q.Agent))
		conds = append(conds, "agent = "+ph(len(args)))
	}
	args = append(args, q.limit())
	return fmt.Sprintf("WHERE %s ORDER BY seq LIMIT %s", strings.Join(conds, " AND "), ph(len(args))), args
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
