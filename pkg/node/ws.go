package node

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/pkg/codec"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 << 10

	sendBuffer = 256
)

var (
	errClientGone = errors.New("websocket client gone")
	errSlowClient = errors.New("websocket client send buffer full")
)

// Frame is what websocket clients send.
type Frame struct {
	Type  string `json:"type"` // join, leave or emit
	Room  string `json:"room,omitempty"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Event is what websocket clients receive. From is the id of the emitting
// socket, empty for events raised by the node.
type Event struct {
	Event string `json:"event" msgpack:"event"`
	Data  any    `json:"data,omitempty" msgpack:"data,omitempty"`
	From  string `json:"from,omitempty" msgpack:"from,omitempty"`
}

// wsClient is the hub.Conn of one websocket.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	log  *zap.Logger

	once sync.Once
	done chan struct{}
}

func (c *wsClient) Send(packet any) error {
	data, err := json.Marshal(packet)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClientGone
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientGone
	default:
		return errSlowClient
	}
}

// Close asks the write pump to send a close frame and stop.
func (c *wsClient) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// ServeWS upgrades the request and registers the websocket as a socket of
// the hub until it disconnects.
func (n *Node) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := n.upgrader.Upgrade(w, req, nil)
	if err != nil {
		n.log.Debug("websocket upgrade", zap.Error(err))
		return
	}

	id := n.ids.NewID()
	c := &wsClient{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log:  n.log.With(zap.String("socket", id)),
		done: make(chan struct{}),
	}

	handshake := map[string]any{
		"address": req.RemoteAddr,
		"url":     req.URL.String(),
		"time":    time.Now().UTC().Format(time.RFC3339),
		"query":   flattenQuery(req),
	}
	if err := n.hub.Connect(c.id, c, handshake, map[string]any{}); err != nil {
		c.log.Warn("register socket", zap.Error(err))
		conn.Close()
		return
	}

	go c.writePump()
	_ = c.Send(Event{Event: "connect", Data: c.id})
	n.readPump(c)
}

func flattenQuery(req *http.Request) map[string]any {
	out := make(map[string]any)
	for k, v := range req.URL.Query() {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// readPump handles frames from the client until the connection fails, then
// removes the socket from the hub.
func (n *Node) readPump(c *wsClient) {
	defer func() {
		n.hub.Remove(c.id)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read", zap.Error(err))
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.log.Debug("bad frame", zap.Error(err))
			continue
		}
		n.handleFrame(c, &f)
	}
}

func (n *Node) handleFrame(c *wsClient, f *Frame) {
	switch f.Type {
	case "join":
		if f.Room == "" || !n.hub.Join(c.id, f.Room) {
			_ = c.Send(Event{Event: "error", Data: "join refused"})
		}
	case "leave":
		n.hub.Leave(c.id, f.Room)
	case "emit":
		if f.Event == "" {
			_ = c.Send(Event{Event: "error", Data: "emit needs an event"})
			return
		}
		opts := codec.BroadcastOptions{Except: []string{c.id}}
		if f.Room != "" {
			opts.Rooms = []string{f.Room}
		}
		n.adapter.Broadcast(Event{Event: f.Event, Data: f.Data, From: c.id}, opts)
	default:
		_ = c.Send(Event{Event: "error", Data: "unknown frame type " + f.Type})
	}
}

// writePump sends queued events and pings until the client is closed or a
// write fails.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("websocket write", zap.Error(err))
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
