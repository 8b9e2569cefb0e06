package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fassets/internal/events"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const vault = "0x00000000000000000000000000000000000000a1"

func env(seq uint64, name, agent string) events.Envelope {
	return events.Envelope{
		ID:      "e",
		Seq:     seq,
		Time:    time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Name:    name,
		Agent:   agent,
		Payload: json.RawMessage(`{}`),
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == n }, 2*time.Second, 5*time.Millisecond)
}

func readSeq(t *testing.T, conn *websocket.Conn) events.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got events.Envelope
	require.NoError(t, conn.ReadJSON(&got))
	return got
}

func TestHubBroadcastsWithFilters(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	all := dial(t, srv, "")
	defer all.Close()
	named := dial(t, srv, "?name=RedemptionRequested,RedemptionDefault")
	defer named.Close()
	agent := dial(t, srv, "?agent="+strings.ToUpper(vault[2:]))
	defer agent.Close()
	waitClients(t, hub, 3)

	require.NoError(t, hub.Publish(env(1, "CollateralReserved", vault)))
	require.NoError(t, hub.Publish(env(2, "RedemptionRequested", "")))
	require.NoError(t, hub.Publish(env(3, "RedemptionDefault", vault)))

	for _, seq := range []uint64{1, 2, 3} {
		require.Equal(t, seq, readSeq(t, all).Seq)
	}
	require.Equal(t, uint64(2), readSeq(t, named).Seq)
	require.Equal(t, uint64(3), readSeq(t, named).Seq)
	got := readSeq(t, agent)
	require.Equal(t, uint64(1), got.Seq)
	require.Equal(t, "CollateralReserved", got.Name)
	require.Equal(t, uint64(3), readSeq(t, agent).Seq)
}

func TestHubBacklogOnReconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	backlog := func(_ context.Context, after uint64) ([]events.Envelope, error) {
		var out []events.Envelope
		for seq := after + 1; seq <= 3; seq++ {
			out = append(out, env(seq, "RedemptionTicketCreated", vault))
		}
		return out, nil
	}
	hub := NewHub(nil, WithBacklog(backlog))
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv, "?after=1")
	defer conn.Close()
	require.Equal(t, uint64(2), readSeq(t, conn).Seq)
	require.Equal(t, uint64(3), readSeq(t, conn).Seq)

	waitClients(t, hub, 1)
	// already delivered from the backlog
	require.NoError(t, hub.Publish(env(3, "RedemptionTicketCreated", vault)))
	require.NoError(t, hub.Publish(env(4, "RedemptionTicketCreated", vault)))
	require.Equal(t, uint64(4), readSeq(t, conn).Seq)
}

func TestHubRejectsBadAfter(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream?after=x"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 400, resp.StatusCode)
	resp.Body.Close()
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "")
	defer conn.Close()
	waitClients(t, hub, 1)

	hub.Close()
	require.Zero(t, hub.Clients())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)

	// new connections are refused once closed
	late := dial(t, srv, "")
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestSlowClientIsDropped(t *testing.T) {
	hub := NewHub(nil, WithQueue(1))
	slow := &client{remote: "test", out: make(chan message, 1)}
	hub.clients[slow] = struct{}{}

	require.NoError(t, hub.Publish(env(1, "A", "")))
	require.NoError(t, hub.Publish(env(2, "A", "")))
	require.Equal(t, uint64(1), hub.Kicked())
	require.Zero(t, hub.Clients())

	m, ok := <-slow.out
	require.True(t, ok)
	require.Equal(t, uint64(1), m.seq)
	_, ok = <-slow.out
	require.False(t, ok)
}
