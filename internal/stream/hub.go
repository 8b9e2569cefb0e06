// Package stream pushes event envelopes to WebSocket clients such as agent
// bots, challengers and liquidators.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fassets/internal/events"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

// Backlog returns indexed envelopes after seq, used when a client reconnects
// with ?after=.
type Backlog func(ctx context.Context, afterSeq uint64) ([]events.Envelope, error)

// Hub is an events.Sink fanning envelopes out to connected clients. Every
// client has a bounded queue; a client that cannot keep up is disconnected
// rather than slowing the publisher.
type Hub struct {
	log      *zap.Logger
	queue    int
	backlog  Backlog
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup

	kicked atomic.Uint64
}

type HubOption func(*Hub)

func WithQueue(n int) HubOption { return func(h *Hub) { h.queue = n } }

func WithBacklog(b Backlog) HubOption { return func(h *Hub) { h.backlog = b } }

func NewHub(log *zap.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		log:     log,
		queue:   256,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

type message struct {
	seq  uint64
	data []byte
}

type client struct {
	conn   *websocket.Conn
	remote string
	filter filter
	out    chan message
	once   sync.Once
}

// kick closes the client's queue; its writer then says goodbye.
func (c *client) kick() {
	c.once.Do(func() { close(c.out) })
}

type filter struct {
	names map[string]bool
	agent string
}

func parseFilter(r *http.Request) filter {
	var f filter
	for _, v := range r.URL.Query()["name"] {
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n == "" {
				continue
			}
			if f.names == nil {
				f.names = make(map[string]bool)
			}
			f.names[n] = true
		}
	}
	if a := r.URL.Query().Get("agent"); common.IsHexAddress(a) {
		f.agent = common.HexToAddress(a).Hex()
	}
	return f
}

func (f filter) match(env events.Envelope) bool {
	if f.names != nil && !f.names[env.Name] {
		return false
	}
	if f.agent != "" && !strings.EqualFold(f.agent, env.Agent) {
		return false
	}
	return true
}

func (h *Hub) Publish(env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.filter.match(env) {
			continue
		}
		select {
		case c.out <- message{seq: env.Seq, data: data}:
		default:
			h.kicked.Add(1)
			h.log.Warn("stream client too slow, disconnecting", zap.String("remote", c.remote))
			delete(h.clients, c)
			c.kick()
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Kicked counts clients disconnected for falling behind.
func (h *Hub) Kicked() uint64 {
	return h.kicked.Load()
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.kick()
}

// Close disconnects every client and waits for their handlers to return.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.kick()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f := parseFilter(r)
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid after", http.StatusBadRequest)
			return
		}
		after = n
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := &client{conn: conn, remote: r.RemoteAddr, filter: f, out: make(chan message, h.queue)}
	if !h.add(c) {
		closeWith(conn, websocket.CloseGoingAway, "shutting down")
		return
	}
	defer h.wg.Done()
	defer h.remove(c)

	// registered before the backlog is read, so nothing falls in between;
	// the writer skips live duplicates by sequence
	var backlog []events.Envelope
	if after > 0 && h.backlog != nil {
		backlog, err = h.backlog(r.Context(), after)
		if err != nil {
			h.log.Warn("stream backlog failed", zap.Uint64("after", after), zap.Error(err))
			closeWith(conn, websocket.CloseInternalServerErr, "backlog unavailable")
			return
		}
	}

	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.write(c, backlog, after, done)
	}()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(done)
	<-writerDone
}

func (h *Hub) write(c *client, backlog []events.Envelope, last uint64, done <-chan struct{}) {
	conn := c.conn
	send := func(data []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, data) == nil
	}
	for _, env := range backlog {
		if env.Seq <= last || !c.filter.match(env) {
			continue
		}
		data, err := json.Marshal(env)
		if err != nil || !send(data) {
			_ = conn.Close()
			return
		}
		last = env.Seq
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case m, ok := <-c.out:
			if !ok {
				closeWith(conn, websocket.CloseTryAgainLater, "disconnected")
				_ = conn.Close()
				return
			}
			if m.seq <= last {
				continue
			}
			if !send(m.data) {
				_ = conn.Close()
				return
			}
			last = m.seq
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
