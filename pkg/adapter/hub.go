package adapter

import "github.com/ryandielhenn/zephyrcast/pkg/codec"

// LocalHub is the directory of sockets and rooms held by this process for one
// namespace. The adapter never modifies it except through these methods.
//
// Join, Leave and Disconnect return false when the socket is not connected to
// this process.
type LocalHub interface {
	HasSocket(id string) bool
	Join(id, room string) bool
	Leave(id, room string) bool
	Disconnect(id string, close bool) bool
	Broadcast(packet any, opts codec.BroadcastOptions)
	Rooms() []string
	Sockets(rooms []string) []string
	FetchSockets(opts codec.BroadcastOptions) []codec.SocketDetail
	AddSockets(opts codec.BroadcastOptions, rooms []string)
	DelSockets(opts codec.BroadcastOptions, rooms []string)
	DisconnectSockets(opts codec.BroadcastOptions, close bool)
}

// RoomWatcher is implemented by hubs that report when a room gets its first
// member and when it loses its last one.
type RoomWatcher interface {
	WatchRooms(created, deleted func(room string))
}

// ServerEventHandler is implemented by hubs that accept events emitted by
// other servers of the cluster.
type ServerEventHandler interface {
	OnServerEvent(args []any)
}

// NodeCounter estimates how many nodes, this one included, serve the
// namespace. The estimate may be stale; it only sizes the quorum of cluster
// queries.
type NodeCounter interface {
	EstimateNodeCount() int
}

// StaticNodeCount is a fixed estimate.
type StaticNodeCount int

// EstimateNodeCount returns n, or 1 when n is below 1.
func (n StaticNodeCount) EstimateNodeCount() int {
	if n < 1 {
		return 1
	}
	return int(n)
}
