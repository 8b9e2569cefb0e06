package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderRequestID) == "" {
			r.Header.Set(HeaderRequestID, uuid.NewString())
		}
		w.Header().Set(HeaderRequestID, r.Header.Get(HeaderRequestID))
		next.ServeHTTP(w, r)
	})
}

func requestID(r *http.Request) string { return r.Header.Get(HeaderRequestID) }

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", requestID(r)),
		}
		if c := r.Header.Get(HeaderCaller); c != "" {
			fields = append(fields, zap.String("caller", c))
		}
		if sw.status >= 500 {
			s.log.Warn("request", fields...)
			return
		}
		s.log.Debug("request", fields...)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the stream endpoint upgrade through the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// watchState exposes engine and core vault state as scrape-time gauges.
func (s *Server) watchState() {
	m := s.metrics
	m.gaugeFunc("fassets_tickets", "Open redemption tickets", func() float64 {
		return float64(len(s.engine.Tickets()))
	})
	m.gaugeFunc("fassets_minted_uba", "Total f-asset supply in UBA", func() float64 {
		return float64(s.token.TotalSupply())
	})
	m.gaugeFunc("fassets_open_redemptions", "Redemption requests awaiting payment", func() float64 {
		return float64(len(s.engine.Redemptions(common.Address{})))
	})
	m.gaugeFunc("fassets_open_reservations", "Collateral reservations awaiting payment", func() float64 {
		return float64(len(s.engine.Reservations()))
	})
	m.gaugeFunc("fassets_core_vault_available_uba", "Core vault funds not escrowed", func() float64 {
		if s.coreVault == nil {
			return 0
		}
		return float64(s.coreVault.AvailableFunds())
	})
	m.gaugeFunc("fassets_stream_clients", "Connected stream clients", func() float64 {
		if s.hub == nil {
			return 0
		}
		return float64(s.hub.Clients())
	})
	m.gaugeFunc("fassets_event_seq", "Last published event sequence", func() float64 {
		if s.publisher == nil {
			return 0
		}
		return float64(s.publisher.Seq())
	})
	s.dlq.refresh()
}
