package node

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrcast/pkg/adapter"
	"github.com/ryandielhenn/zephyrcast/pkg/broker"
	"github.com/ryandielhenn/zephyrcast/pkg/hub"
)

type testServer struct {
	node *Node
	srv  *httptest.Server
}

func newServer(t *testing.T, bus *broker.MemoryBus) *testServer {
	t.Helper()
	h := hub.New(nil)
	a, err := adapter.New("/app", h, bus.Connect(), adapter.WithRequestTimeout(200*time.Millisecond))
	require.NoError(t, err)
	n := New(h, a, nil)
	srv := httptest.NewServer(n.Routes())
	t.Cleanup(func() {
		srv.Close()
		_ = a.Close()
	})
	return &testServer{node: n, srv: srv}
}

func (s *testServer) dial(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(WebsocketURL(s.srv.URL), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ev := readEvent(t, conn)
	require.Equal(t, "connect", ev.Event)
	return conn, ev.Data.(string)
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthzAndInfo(t *testing.T) {
	s := newServer(t, broker.NewMemoryBus())

	resp, err := http.Get(s.srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	var info struct {
		Node      string `json:"node"`
		Namespace string `json:"namespace"`
		Sockets   int    `json:"sockets"`
	}
	getJSON(t, s.srv.URL+"/info", &info)
	assert.Equal(t, s.node.adapter.NodeID(), info.Node)
	assert.Equal(t, "/app", info.Namespace)
	assert.Zero(t, info.Sockets)
}

func TestMetricsExposed(t *testing.T) {
	s := newServer(t, broker.NewMemoryBus())
	resp, err := http.Get(s.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(s.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `zephyrcast_requests_total{op="healthz",status="2xx"}`)
}

func TestEmitAcrossNodes(t *testing.T) {
	bus := broker.NewMemoryBus()
	a := newServer(t, bus)
	b := newServer(t, bus)

	ca, idA := a.dial(t)
	cb, _ := b.dial(t)
	require.NoError(t, ca.WriteJSON(Frame{Type: "join", Room: "lobby"}))
	require.NoError(t, cb.WriteJSON(Frame{Type: "join", Room: "lobby"}))
	require.Eventually(t, func() bool {
		return len(a.node.hub.Sockets([]string{"lobby"})) == 1 && len(b.node.hub.Sockets([]string{"lobby"})) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ca.WriteJSON(Frame{Type: "emit", Room: "lobby", Event: "typed", Data: map[string]any{"msg": "hi"}}))

	ev := readEvent(t, cb)
	assert.Equal(t, "typed", ev.Event)
	assert.Equal(t, idA, ev.From)
	assert.Equal(t, map[string]any{"msg": "hi"}, ev.Data)

	// the sender is excluded
	require.NoError(t, ca.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := ca.ReadMessage()
	assert.Error(t, err)

	var rooms struct {
		Rooms []string `json:"rooms"`
	}
	getJSON(t, b.srv.URL+"/rooms", &rooms)
	assert.Equal(t, []string{"lobby"}, rooms.Rooms)

	var sockets struct {
		Sockets []string `json:"sockets"`
	}
	getJSON(t, a.srv.URL+"/sockets?room=lobby", &sockets)
	assert.Len(t, sockets.Sockets, 2)
	assert.Contains(t, sockets.Sockets, idA)
}

func TestBadFrames(t *testing.T) {
	s := newServer(t, broker.NewMemoryBus())
	c, _ := s.dial(t)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, c.WriteJSON(Frame{Type: "dance"}))
	ev := readEvent(t, c)
	assert.Equal(t, "error", ev.Event)
	assert.True(t, strings.Contains(ev.Data.(string), "dance"))

	require.NoError(t, c.WriteJSON(Frame{Type: "emit"}))
	assert.Equal(t, "error", readEvent(t, c).Event)
}

func TestDisconnectRemovesSocket(t *testing.T) {
	s := newServer(t, broker.NewMemoryBus())
	c, id := s.dial(t)
	require.True(t, s.node.hub.HasSocket(id))

	c.Close()
	require.Eventually(t, func() bool { return !s.node.hub.HasSocket(id) }, 2*time.Second, 5*time.Millisecond)
}

func TestServerClosesSocket(t *testing.T) {
	s := newServer(t, broker.NewMemoryBus())
	c, id := s.dial(t)

	require.True(t, s.node.hub.Disconnect(id, true))
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestNormalizeHostPort(t *testing.T) {
	assert.Equal(t, "localhost:8080", NormalizeHostPort("http://localhost", "8080"))
	assert.Equal(t, "127.0.0.1:9000", NormalizeHostPort("ws://127.0.0.1:9000/", "8080"))
	assert.Equal(t, "ws://127.0.0.1:9000/ws", WebsocketURL("http://127.0.0.1:9000"))
}
