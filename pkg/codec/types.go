package codec

// RequestType tags a request on the wire. The string values are shared with
// the JavaScript adapter so mixed clusters interoperate.
type RequestType string

const (
	ListRooms         RequestType = "ALL_ROOMS"
	ListSockets       RequestType = "SOCKETS"
	RemoteJoin        RequestType = "REMOTE_JOIN"
	RemoteLeave       RequestType = "REMOTE_LEAVE"
	RemoteDisconnect  RequestType = "REMOTE_DISCONNECT"
	RemoteFetch       RequestType = "REMOTE_FETCH"
	AddSockets        RequestType = "ADD_SOCKETS"
	DelSockets        RequestType = "DEL_SOCKETS"
	DisconnectSockets RequestType = "DISCONNECT_SOCKETS"
	ServerSideEmit    RequestType = "SERVER_SIDE_EMIT"
)

// Valid reports whether t is a known request type.
func (t RequestType) Valid() bool {
	switch t {
	case ListRooms, ListSockets, RemoteJoin, RemoteLeave, RemoteDisconnect, RemoteFetch,
		AddSockets, DelSockets, DisconnectSockets, ServerSideEmit:
		return true
	}
	return false
}

// ExpectsReply reports whether receivers answer t on a response channel.
func (t RequestType) ExpectsReply() bool {
	switch t {
	case ListRooms, ListSockets, RemoteFetch, RemoteJoin, RemoteLeave, RemoteDisconnect:
		return true
	}
	return false
}

// IsBare reports whether t is answered by a bare acknowledgement from the one
// node that owns the target socket.
func (t RequestType) IsBare() bool {
	return t == RemoteJoin || t == RemoteLeave || t == RemoteDisconnect
}

// BroadcastFlags modify how a broadcast is delivered.
type BroadcastFlags struct {
	Local    bool `msgpack:"local,omitempty" json:"local,omitempty"`
	Volatile bool `msgpack:"volatile,omitempty" json:"volatile,omitempty"`
	Compress bool `msgpack:"compress,omitempty" json:"compress,omitempty"`
}

// BroadcastOptions select the sockets a broadcast or bulk operation applies
// to: members of any of Rooms (every socket when Rooms is empty), minus
// sockets in any of Except.
type BroadcastOptions struct {
	Rooms  []string       `msgpack:"rooms"`
	Except []string       `msgpack:"except"`
	Flags  BroadcastFlags `msgpack:"flags"`
}

// Message is a broadcast relayed to the nodes holding sockets in one room.
// Nsp names the namespace it was sent in, since data channel names of
// different namespaces can collide.
type Message struct {
	UID    string           `msgpack:"uid"`
	Nsp    string           `msgpack:"nsp"`
	Packet any              `msgpack:"packet"`
	Opts   BroadcastOptions `msgpack:"opts"`
}

// SocketDetail describes one socket returned by a fetch.
type SocketDetail struct {
	ID        string         `msgpack:"id" json:"id"`
	Handshake map[string]any `msgpack:"handshake" json:"handshake"`
	Rooms     []string       `msgpack:"rooms" json:"rooms"`
	Data      map[string]any `msgpack:"data" json:"data"`
}

// Request is the tagged union published on the request channel. Only the
// fields relevant to Type are set.
type Request struct {
	Type      RequestType       `msgpack:"type"`
	RequestID string            `msgpack:"requestId,omitempty"`
	UID       string            `msgpack:"uid,omitempty"`
	SocketID  string            `msgpack:"socketId,omitempty"`
	Room      string            `msgpack:"room,omitempty"`
	Rooms     []string          `msgpack:"rooms,omitempty"`
	Opts      *BroadcastOptions `msgpack:"opts,omitempty"`
	Close     bool              `msgpack:"close,omitempty"`
	Data      []any             `msgpack:"data,omitempty"`
}

// Response answers a request. Which field is populated depends on the type of
// the request, which the wire format does not carry.
type Response struct {
	RequestID string
	Rooms     []string       // ListRooms
	SocketIDs []string       // ListSockets
	Sockets   []SocketDetail // RemoteFetch
}
