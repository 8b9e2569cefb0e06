// Package tickets implements the redemption ticket queue: backing claims ordered
// globally by creation and, over the same nodes, per agent. Both orderings are
// intrusive links inside an id-indexed arena, so every mutation is O(1).
package tickets

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var ErrTicketNotFound = errors.New("ticket not found")

// Ticket links use 0 as the "no ticket" sentinel.
type Ticket struct {
	ID           uint64         `json:"id"`
	Agent        common.Address `json:"agent"`
	ValueAMG     uint64         `json:"valueAMG"`
	Prev         uint64         `json:"prev"`
	Next         uint64         `json:"next"`
	PrevForAgent uint64         `json:"prevForAgent"`
	NextForAgent uint64         `json:"nextForAgent"`
}

type agentChain struct {
	first uint64
	last  uint64
	count int
}

// Queue is not safe for concurrent use; the engine serializes access.
type Queue struct {
	slots    []Ticket // slots[id]; deleted slots are zeroed, slot 0 is never used
	agents   map[common.Address]*agentChain
	first    uint64
	last     uint64
	size     int
	totalAMG uint64
}

func NewQueue() *Queue {
	return &Queue{
		slots:  make([]Ticket, 1),
		agents: make(map[common.Address]*agentChain),
	}
}

func (q *Queue) exists(id uint64) bool {
	return id != 0 && id < uint64(len(q.slots)) && q.slots[id].ID == id
}

// Create appends a ticket to the tail of both orderings and returns its id.
func (q *Queue) Create(agent common.Address, valueAMG uint64) uint64 {
	id := uint64(len(q.slots))
	chain := q.agents[agent]
	if chain == nil {
		chain = &agentChain{}
		q.agents[agent] = chain
	}
	q.slots = append(q.slots, Ticket{
		ID:           id,
		Agent:        agent,
		ValueAMG:     valueAMG,
		Prev:         q.last,
		PrevForAgent: chain.last,
	})
	if q.last != 0 {
		q.slots[q.last].Next = id
	} else {
		q.first = id
	}
	q.last = id
	if chain.last != 0 {
		q.slots[chain.last].NextForAgent = id
	} else {
		chain.first = id
	}
	chain.last = id
	chain.count++
	q.size++
	q.totalAMG += valueAMG
	return id
}

// Delete unlinks the ticket from both orderings. The id is never handed out again.
func (q *Queue) Delete(id uint64) error {
	if !q.exists(id) {
		return fmt.Errorf("%w: %d", ErrTicketNotFound, id)
	}
	t := q.slots[id]
	if t.Prev != 0 {
		q.slots[t.Prev].Next = t.Next
	} else {
		q.first = t.Next
	}
	if t.Next != 0 {
		q.slots[t.Next].Prev = t.Prev
	} else {
		q.last = t.Prev
	}

	chain := q.agents[t.Agent]
	if t.PrevForAgent != 0 {
		q.slots[t.PrevForAgent].NextForAgent = t.NextForAgent
	} else {
		chain.first = t.NextForAgent
	}
	if t.NextForAgent != 0 {
		q.slots[t.NextForAgent].PrevForAgent = t.PrevForAgent
	} else {
		chain.last = t.PrevForAgent
	}
	chain.count--
	if chain.count == 0 {
		delete(q.agents, t.Agent)
	}

	q.slots[id] = Ticket{}
	q.size--
	q.totalAMG -= t.ValueAMG
	return nil
}

func (q *Queue) Get(id uint64) (Ticket, bool) {
	if !q.exists(id) {
		return Ticket{}, false
	}
	return q.slots[id], true
}

// SetValue shrinks or grows a ticket in place, keeping its queue position.
func (q *Queue) SetValue(id, valueAMG uint64) error {
	if !q.exists(id) {
		return fmt.Errorf("%w: %d", ErrTicketNotFound, id)
	}
	q.totalAMG = q.totalAMG - q.slots[id].ValueAMG + valueAMG
	q.slots[id].ValueAMG = valueAMG
	return nil
}

func (q *Queue) First() uint64 { return q.first }
func (q *Queue) Last() uint64  { return q.last }

func (q *Queue) FirstForAgent(agent common.Address) uint64 {
	if chain := q.agents[agent]; chain != nil {
		return chain.first
	}
	return 0
}

func (q *Queue) LastForAgent(agent common.Address) uint64 {
	if chain := q.agents[agent]; chain != nil {
		return chain.last
	}
	return 0
}

func (q *Queue) Next(id uint64) uint64 {
	if !q.exists(id) {
		return 0
	}
	return q.slots[id].Next
}

func (q *Queue) NextForAgent(id uint64) uint64 {
	if !q.exists(id) {
		return 0
	}
	return q.slots[id].NextForAgent
}

func (q *Queue) ForAgent(agent common.Address) []Ticket {
	var out []Ticket
	for id := q.FirstForAgent(agent); id != 0; id = q.slots[id].NextForAgent {
		out = append(out, q.slots[id])
	}
	return out
}

func (q *Queue) All() []Ticket {
	out := make([]Ticket, 0, q.size)
	for id := q.first; id != 0; id = q.slots[id].Next {
		out = append(out, q.slots[id])
	}
	return out
}

func (q *Queue) Len() int         { return q.size }
func (q *Queue) TotalAMG() uint64 { return q.totalAMG }

// NextID is the id the next Create will return.
func (q *Queue) NextID() uint64 { return uint64(len(q.slots)) }

// Check walks both orderings and verifies that every back link mirrors its
// forward link and that the per-agent chains partition the global list.
func (q *Queue) Check() error {
	seen := make(map[uint64]bool, q.size)
	var prev uint64
	var total uint64
	for id := q.first; id != 0; id = q.slots[id].Next {
		if !q.exists(id) {
			return fmt.Errorf("global chain reaches dead ticket %d", id)
		}
		if seen[id] {
			return fmt.Errorf("global chain cycles at ticket %d", id)
		}
		if q.slots[id].Prev != prev {
			return fmt.Errorf("ticket %d prev=%d, want %d", id, q.slots[id].Prev, prev)
		}
		seen[id] = true
		total += q.slots[id].ValueAMG
		prev = id
	}
	if prev != q.last {
		return fmt.Errorf("global tail %d, want %d", q.last, prev)
	}
	if len(seen) != q.size {
		return fmt.Errorf("global chain has %d tickets, want %d", len(seen), q.size)
	}
	if total != q.totalAMG {
		return fmt.Errorf("total %d AMG, want %d", q.totalAMG, total)
	}

	inAgent := 0
	for agent, chain := range q.agents {
		prev = 0
		count := 0
		for id := chain.first; id != 0; id = q.slots[id].NextForAgent {
			if !seen[id] {
				return fmt.Errorf("agent %s chain reaches ticket %d outside global chain", agent.Hex(), id)
			}
			if q.slots[id].Agent != agent {
				return fmt.Errorf("ticket %d in chain of %s belongs to %s", id, agent.Hex(), q.slots[id].Agent.Hex())
			}
			if q.slots[id].PrevForAgent != prev {
				return fmt.Errorf("ticket %d prevForAgent=%d, want %d", id, q.slots[id].PrevForAgent, prev)
			}
			prev = id
			count++
			if count > q.size {
				return fmt.Errorf("agent %s chain cycles", agent.Hex())
			}
		}
		if prev != chain.last {
			return fmt.Errorf("agent %s tail %d, want %d", agent.Hex(), chain.last, prev)
		}
		if count != chain.count {
			return fmt.Errorf("agent %s has %d tickets, want %d", agent.Hex(), count, chain.count)
		}
		inAgent += count
	}
	if inAgent != q.size {
		return fmt.Errorf("agent chains hold %d tickets, want %d", inAgent, q.size)
	}
	return nil
}

// State is the serializable form of a queue.
type State struct {
	NextID  uint64   `json:"nextId"`
	Tickets []Ticket `json:"tickets"`
}

// Export returns live tickets in global order with their links.
func (q *Queue) Export() State {
	return State{NextID: q.NextID(), Tickets: q.All()}
}

// Import rebuilds a queue from an exported state and validates its links.
func Import(st State) (*Queue, error) {
	if st.NextID == 0 {
		st.NextID = 1
	}
	q := &Queue{
		slots:  make([]Ticket, st.NextID),
		agents: make(map[common.Address]*agentChain),
	}
	for _, t := range st.Tickets {
		if t.ID == 0 || t.ID >= st.NextID {
			return nil, fmt.Errorf("ticket id %d outside [1,%d)", t.ID, st.NextID)
		}
		if q.slots[t.ID].ID != 0 {
			return nil, fmt.Errorf("duplicate ticket id %d", t.ID)
		}
		q.slots[t.ID] = t
		q.size++
		q.totalAMG += t.ValueAMG

		chain := q.agents[t.Agent]
		if chain == nil {
			chain = &agentChain{}
			q.agents[t.Agent] = chain
		}
		chain.count++
		if t.PrevForAgent == 0 {
			chain.first = t.ID
		}
		if t.NextForAgent == 0 {
			chain.last = t.ID
		}
		if t.Prev == 0 {
			q.first = t.ID
		}
		if t.Next == 0 {
			q.last = t.ID
		}
	}
	if err := q.Check(); err != nil {
		return nil, fmt.Errorf("import tickets: %w", err)
	}
	return q, nil
}
