package tickets

import (
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	agentA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	agentB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	agentC = common.HexToAddress("0x000000000000000000000000000000000000000c")
)

func ids(ts []Ticket) []uint64 {
	out := make([]uint64, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}

func TestCreateLinksBothOrderings(t *testing.T) {
	q := NewQueue()
	require.Equal(t, uint64(1), q.Create(agentA, 30))
	require.Equal(t, uint64(2), q.Create(agentB, 60))
	require.Equal(t, uint64(3), q.Create(agentA, 10))

	require.Equal(t, []uint64{1, 2, 3}, ids(q.All()))
	require.Equal(t, []uint64{1, 3}, ids(q.ForAgent(agentA)))
	require.Equal(t, []uint64{2}, ids(q.ForAgent(agentB)))
	require.Empty(t, q.ForAgent(agentC))

	require.Equal(t, uint64(1), q.First())
	require.Equal(t, uint64(3), q.Last())
	require.Equal(t, uint64(2), q.Next(1))
	require.Equal(t, uint64(3), q.NextForAgent(1))
	require.Equal(t, uint64(0), q.NextForAgent(3))
	require.Equal(t, uint64(3), q.LastForAgent(agentA))
	require.Equal(t, uint64(100), q.TotalAMG())
	require.Equal(t, 3, q.Len())
	require.NoError(t, q.Check())
}

func TestDeleteFixesNeighbours(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 6; i++ {
		agent := agentA
		if i%2 == 1 {
			agent = agentB
		}
		q.Create(agent, uint64(i+1))
	}
	// middle of both chains
	require.NoError(t, q.Delete(3))
	require.Equal(t, []uint64{1, 2, 4, 5, 6}, ids(q.All()))
	require.Equal(t, []uint64{1, 5}, ids(q.ForAgent(agentA)))
	require.NoError(t, q.Check())

	// head
	require.NoError(t, q.Delete(1))
	require.Equal(t, uint64(2), q.First())
	require.Equal(t, uint64(5), q.FirstForAgent(agentA))
	require.NoError(t, q.Check())

	// tail
	require.NoError(t, q.Delete(6))
	require.Equal(t, uint64(5), q.Last())
	require.Equal(t, uint64(4), q.LastForAgent(agentB))
	require.NoError(t, q.Check())

	require.ErrorIs(t, q.Delete(6), ErrTicketNotFound)
	require.ErrorIs(t, q.Delete(0), ErrTicketNotFound)
	require.ErrorIs(t, q.Delete(99), ErrTicketNotFound)

	// ids are not reused after deletes
	require.Equal(t, uint64(7), q.Create(agentC, 1))
	require.NoError(t, q.Check())
}

func TestDeleteLastTicketOfAgent(t *testing.T) {
	q := NewQueue()
	id := q.Create(agentA, 5)
	require.NoError(t, q.Delete(id))
	require.Equal(t, uint64(0), q.First())
	require.Equal(t, uint64(0), q.Last())
	require.Equal(t, uint64(0), q.FirstForAgent(agentA))
	require.Zero(t, q.TotalAMG())
	require.NoError(t, q.Check())

	next := q.Create(agentA, 7)
	require.Equal(t, uint64(2), next)
	require.Equal(t, []uint64{2}, ids(q.ForAgent(agentA)))
}

func TestSetValueKeepsPosition(t *testing.T) {
	q := NewQueue()
	q.Create(agentA, 10)
	q.Create(agentB, 10)
	require.NoError(t, q.SetValue(1, 4))
	got, ok := q.Get(1)
	require.True(t, ok)
	require.Equal(t, uint64(4), got.ValueAMG)
	require.Equal(t, uint64(14), q.TotalAMG())
	require.Equal(t, uint64(1), q.First())
	require.ErrorIs(t, q.SetValue(3, 1), ErrTicketNotFound)
}

func TestRandomCreateDeleteKeepsChainsConsistent(t *testing.T) {
	agents := []common.Address{agentA, agentB, agentC}
	rng := rand.New(rand.NewSource(7))
	q := NewQueue()
	liveIDs := map[uint64]common.Address{}
	var order []uint64

	for step := 0; step < 2000; step++ {
		if len(order) == 0 || rng.Intn(3) > 0 {
			agent := agents[rng.Intn(len(agents))]
			id := q.Create(agent, uint64(rng.Intn(100)+1))
			liveIDs[id] = agent
			order = append(order, id)
		} else {
			i := rng.Intn(len(order))
			require.NoError(t, q.Delete(order[i]))
			delete(liveIDs, order[i])
			order = append(order[:i], order[i+1:]...)
		}
		if step%50 == 0 {
			require.NoError(t, q.Check())
		}
	}
	require.NoError(t, q.Check())
	require.Equal(t, order, ids(q.All()))

	union := map[uint64]bool{}
	for _, agent := range agents {
		var expected []uint64
		for _, id := range order {
			if liveIDs[id] == agent {
				expected = append(expected, id)
			}
		}
		got := ids(q.ForAgent(agent))
		if len(expected) == 0 {
			require.Empty(t, got)
		} else {
			require.Equal(t, expected, got)
		}
		for _, id := range got {
			union[id] = true
		}
	}
	require.Len(t, union, len(order))
}

func TestExportImport(t *testing.T) {
	q := NewQueue()
	q.Create(agentA, 3)
	q.Create(agentB, 6)
	q.Create(agentA, 9)
	require.NoError(t, q.Delete(2))

	restored, err := Import(q.Export())
	require.NoError(t, err)
	require.Equal(t, q.All(), restored.All())
	require.Equal(t, q.TotalAMG(), restored.TotalAMG())
	require.Equal(t, uint64(4), restored.Create(agentB, 1))

	broken := q.Export()
	broken.Tickets[1].PrevForAgent = 0
	_, err = Import(broken)
	require.Error(t, err)

	_, err = Import(State{NextID: 2, Tickets: []Ticket{{ID: 5}}})
	require.Error(t, err)
}
