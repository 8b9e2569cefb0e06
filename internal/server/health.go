package server

import (
	"context"
	"net/http"
	"time"
)

type dependencyHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// probe runs one dependency check with a 2s budget. A nil check counts as
// healthy.
func probe(ctx context.Context, check func(context.Context) error) dependencyHealth {
	if check == nil {
		return dependencyHealth{Connected: true}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := check(ctx); err != nil {
		return dependencyHealth{Error: err.Error()}
	}
	return dependencyHealth{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var eventsPing, idemPing func(context.Context) error
	if s.events != nil {
		eventsPing = s.events.Ping
	}
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		idemPing = p.Ping
	}

	rpc := probe(ctx, s.rpcHealthFn)
	eventDB := probe(ctx, eventsPing)
	idem := probe(ctx, idemPing)
	healthy := rpc.Connected && eventDB.Connected && idem.Connected

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	var seq uint64
	if s.publisher != nil {
		seq = s.publisher.Seq()
	}
	writeJSON(w, code, struct {
		Status      string           `json:"status"`
		RPC         dependencyHealth `json:"rpc"`
		EventDB     dependencyHealth `json:"event_db"`
		Idempotency dependencyHealth `json:"idempotency"`
		QueueDepth  int              `json:"queue_depth"`
		EventSeq    uint64           `json:"event_seq"`
		Paused      bool             `json:"paused"`
	}{
		Status:      status,
		RPC:         rpc,
		EventDB:     eventDB,
		Idempotency: idem,
		QueueDepth:  s.dlq.refresh(),
		EventSeq:    seq,
		Paused:      s.engine.Paused(),
	})
}
