// Package node serves one zephyrcast node over HTTP: health and info
// endpoints, cluster-wide room and socket listings, Prometheus metrics, and
// the websocket endpoint clients connect to.
package node

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/internal/telemetry"
	"github.com/ryandielhenn/zephyrcast/pkg/adapter"
	"github.com/ryandielhenn/zephyrcast/pkg/hub"
	"github.com/ryandielhenn/zephyrcast/pkg/uid"
)

type Node struct {
	hub      *hub.Hub
	adapter  *adapter.Adapter
	ids      uid.Generator
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(h *hub.Hub, a *adapter.Adapter, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{
		hub:     h,
		adapter: a,
		ids:     uid.NewULID(),
		log:     log.With(zap.String("component", "node")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes returns the node's HTTP handler. Every route except /ws and
// /metrics is instrumented; /ws must keep the connection hijackable.
func (n *Node) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/rooms", telemetry.Instrument("rooms", http.HandlerFunc(n.Rooms)))
	mux.Handle("/sockets", telemetry.Instrument("sockets", http.HandlerFunc(n.Sockets)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/ws", n.ServeWS)
	return mux
}
