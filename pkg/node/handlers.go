package node

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the process ID, node identity and local directory sizes.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID       int       `json:"pid"`
		Now       time.Time `json:"now"`
		Node      string    `json:"node"`
		Namespace string    `json:"namespace"`
		Sockets   int       `json:"sockets"`
		Rooms     int       `json:"rooms"`
		Pending   int       `json:"pending"`
	}
	n.writeJSON(w, resp{
		PID:       os.Getpid(),
		Now:       time.Now(),
		Node:      n.adapter.NodeID(),
		Namespace: n.adapter.Namespace(),
		Sockets:   n.hub.Len(),
		Rooms:     len(n.hub.Rooms()),
		Pending:   n.adapter.Pending(),
	})
}

// Rooms lists the rooms of the whole cluster.
func (n *Node) Rooms(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rooms, err := n.adapter.ListRooms(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	n.writeJSON(w, map[string][]string{"rooms": rooms})
}

// Sockets lists the socket ids in the rooms given as ?room= parameters, or
// every socket of the cluster.
func (n *Node) Sockets(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ids, err := n.adapter.ListSockets(req.Context(), req.URL.Query()["room"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	n.writeJSON(w, map[string][]string{"sockets": ids})
}

func (n *Node) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		n.log.Error("encode response", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
