package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Emitter receives events from the engine. Emit must not block for long: the
// engine calls it while holding its state lock.
type Emitter interface {
	Emit(ev Event)
}

// Envelope is the serialized, sequenced form of an event shared by the journal,
// the event index and the stream.
type Envelope struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	Time    time.Time       `json:"time"`
	Name    string          `json:"name"`
	Agent   string          `json:"agent,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Wrap serializes an event into an envelope.
func Wrap(seq uint64, at time.Time, ev Event) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", ev.EventName(), err)
	}
	env := Envelope{
		ID:      uuid.NewString(),
		Seq:     seq,
		Time:    at.UTC(),
		Name:    ev.EventName(),
		Payload: payload,
	}
	if ae, ok := ev.(AgentEvent); ok {
		env.Agent = ae.AgentVault().Hex()
	}
	return env, nil
}

// Sink consumes sequenced envelopes.
type Sink interface {
	Publish(env Envelope) error
}

// Publisher numbers events and fans the envelopes out to sinks. A failing sink
// is logged and does not stop delivery to the others.
type Publisher struct {
	mu    sync.Mutex
	seq   uint64
	now   func() time.Time
	sinks []Sink
	log   *zap.Logger
}

func NewPublisher(log *zap.Logger, now func() time.Time, sinks ...Sink) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Publisher{now: now, sinks: sinks, log: log}
}

// Resume continues numbering after seq, e.g. the last indexed event on restart.
func (p *Publisher) Resume(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq > p.seq {
		p.seq = seq
	}
}

func (p *Publisher) Seq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

func (p *Publisher) Emit(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	env, err := Wrap(p.seq+1, p.now(), ev)
	if err != nil {
		p.log.Error("event dropped", zap.String("event", ev.EventName()), zap.Error(err))
		return
	}
	p.seq++
	for _, s := range p.sinks {
		if err := s.Publish(env); err != nil {
			p.log.Warn("event sink failed",
				zap.String("event", env.Name),
				zap.Uint64("seq", env.Seq),
				zap.Error(err))
		}
	}
}

// Multi fans events out to several emitters in order.
type Multi []Emitter

func (m Multi) Emit(ev Event) {
	for _, e := range m {
		e.Emit(ev)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(Event) {}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventName()
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Count returns how many recorded events have the given name.
func (r *Recorder) Count(name string) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.EventName() == name {
			n++
		}
	}
	return n
}

// Find returns recorded events of type T in emission order.
func Find[T Event](r *Recorder) []T {
	var out []T
	for _, ev := range r.Events() {
		if t, ok := ev.(T); ok {
			out = append(out, t)
		}
	}
	return out
}
