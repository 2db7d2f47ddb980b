// Package hub is the in-process directory of the sockets connected to one
// node, grouped into rooms.
//
// Every socket is a member of a private room named after its id, so an id can
// be used wherever a room is expected: as a broadcast target or in an except
// list. Private rooms are not reported by Rooms.
package hub

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/pkg/codec"
)

// ErrDuplicate is returned by Connect when the id is already connected.
var ErrDuplicate = errors.New("hub: socket already connected")

// Conn is the transport of one socket.
type Conn interface {
	Send(packet any) error
	Close() error
}

type socket struct {
	id        string
	conn      Conn
	handshake map[string]any
	data      map[string]any
	rooms     map[string]struct{}
}

// Hub holds the sockets and rooms of one namespace on this node.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	sockets map[string]*socket
	rooms   map[string]map[string]struct{}

	watchMu      sync.RWMutex
	created      func(room string)
	deleted      func(room string)
	serverEvents func(args []any)
}

// New returns an empty hub.
func New(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:     log,
		sockets: make(map[string]*socket),
		rooms:   make(map[string]map[string]struct{}),
	}
}

// WatchRooms registers the callbacks run when a room gets its first member
// and loses its last one. They run without the hub lock held.
func (h *Hub) WatchRooms(created, deleted func(room string)) {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()
	h.created, h.deleted = created, deleted
}

// HandleServerEvents registers fn to receive events emitted by other servers.
func (h *Hub) HandleServerEvents(fn func(args []any)) {
	h.watchMu.Lock()
	defer h.watchMu.Unlock()
	h.serverEvents = fn
}

// OnServerEvent passes args to the registered server event handler.
func (h *Hub) OnServerEvent(args []any) {
	h.watchMu.RLock()
	fn := h.serverEvents
	h.watchMu.RUnlock()
	if fn != nil {
		fn(args)
	}
}

// roomEvents collects room transitions made under the lock so they can be
// reported after it is released.
type roomEvents struct {
	created []string
	deleted []string
}

func (h *Hub) emit(ev *roomEvents) {
	if len(ev.created) == 0 && len(ev.deleted) == 0 {
		return
	}
	h.watchMu.RLock()
	created, deleted := h.created, h.deleted
	h.watchMu.RUnlock()
	if created != nil {
		for _, r := range ev.created {
			created(r)
		}
	}
	if deleted != nil {
		for _, r := range ev.deleted {
			deleted(r)
		}
	}
}

// Connect registers a socket and joins it to its private room.
func (h *Hub) Connect(id string, conn Conn, handshake, data map[string]any) error {
	var ev roomEvents
	h.mu.Lock()
	if _, ok := h.sockets[id]; ok {
		h.mu.Unlock()
		return ErrDuplicate
	}
	s := &socket{id: id, conn: conn, handshake: handshake, data: data, rooms: make(map[string]struct{})}
	h.sockets[id] = s
	h.joinLocked(s, id, &ev)
	h.mu.Unlock()

	h.emit(&ev)
	h.log.Debug("socket connected", zap.String("socket", id))
	return nil
}

// Remove forgets a socket whose transport is gone. It does not close conn.
func (h *Hub) Remove(id string) bool {
	_, ok := h.remove(id)
	return ok
}

func (h *Hub) remove(id string) (Conn, bool) {
	var ev roomEvents
	h.mu.Lock()
	s, ok := h.sockets[id]
	if !ok {
		h.mu.Unlock()
		return nil, false
	}
	for room := range s.rooms {
		h.leaveLocked(s, room, &ev)
	}
	delete(h.sockets, id)
	h.mu.Unlock()

	h.emit(&ev)
	h.log.Debug("socket removed", zap.String("socket", id))
	return s.conn, true
}

// HasSocket reports whether id is connected here.
func (h *Hub) HasSocket(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sockets[id]
	return ok
}

// Len returns the number of connected sockets.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}

// Join adds socket id to room. It returns false when id is not connected.
func (h *Hub) Join(id, room string) bool {
	var ev roomEvents
	h.mu.Lock()
	s, ok := h.sockets[id]
	if ok {
		h.joinLocked(s, room, &ev)
	}
	h.mu.Unlock()
	h.emit(&ev)
	return ok
}

// Leave removes socket id from room. It returns false when id is not
// connected.
func (h *Hub) Leave(id, room string) bool {
	var ev roomEvents
	h.mu.Lock()
	s, ok := h.sockets[id]
	if ok {
		h.leaveLocked(s, room, &ev)
	}
	h.mu.Unlock()
	h.emit(&ev)
	return ok
}

// Disconnect removes socket id; close also closes its transport.
func (h *Hub) Disconnect(id string, close bool) bool {
	conn, ok := h.remove(id)
	if ok && close {
		if err := conn.Close(); err != nil {
			h.log.Debug("close socket", zap.String("socket", id), zap.Error(err))
		}
	}
	return ok
}

func (h *Hub) joinLocked(s *socket, room string, ev *roomEvents) {
	if _, ok := s.rooms[room]; ok {
		return
	}
	s.rooms[room] = struct{}{}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
		ev.created = append(ev.created, room)
	}
	members[s.id] = struct{}{}
}

func (h *Hub) leaveLocked(s *socket, room string, ev *roomEvents) {
	if _, ok := s.rooms[room]; !ok {
		return
	}
	delete(s.rooms, room)
	members := h.rooms[room]
	delete(members, s.id)
	if len(members) == 0 {
		delete(h.rooms, room)
		ev.deleted = append(ev.deleted, room)
	}
}

// Rooms returns the named rooms with at least one member, sorted.
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms))
	for room := range h.rooms {
		if _, private := h.sockets[room]; private {
			continue
		}
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Sockets returns the ids of the sockets in any of rooms, or of every socket
// when rooms is empty, sorted.
func (h *Hub) Sockets(rooms []string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	matched := h.matchLocked(codec.BroadcastOptions{Rooms: rooms})
	out := make([]string, 0, len(matched))
	for _, s := range matched {
		out = append(out, s.id)
	}
	return out
}

// matchLocked returns the sockets selected by opts, sorted by id.
func (h *Hub) matchLocked(opts codec.BroadcastOptions) []*socket {
	except := make(map[string]struct{})
	for _, room := range opts.Except {
		for id := range h.rooms[room] {
			except[id] = struct{}{}
		}
	}

	var out []*socket
	add := func(s *socket) {
		if _, skip := except[s.id]; !skip {
			out = append(out, s)
		}
	}
	if len(opts.Rooms) == 0 {
		for _, s := range h.sockets {
			add(s)
		}
	} else {
		seen := make(map[string]struct{})
		for _, room := range opts.Rooms {
			for id := range h.rooms[room] {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				add(h.sockets[id])
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Broadcast sends packet to every socket selected by opts. A failed send is
// logged; the socket stays until its transport reports the close.
func (h *Hub) Broadcast(packet any, opts codec.BroadcastOptions) {
	type target struct {
		id   string
		conn Conn
	}
	h.mu.RLock()
	matched := h.matchLocked(opts)
	targets := make([]target, len(matched))
	for i, s := range matched {
		targets[i] = target{id: s.id, conn: s.conn}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if err := t.conn.Send(packet); err != nil {
			h.log.Debug("send failed", zap.String("socket", t.id), zap.Error(err))
		}
	}
}

// FetchSockets describes every socket selected by opts.
func (h *Hub) FetchSockets(opts codec.BroadcastOptions) []codec.SocketDetail {
	h.mu.RLock()
	defer h.mu.RUnlock()
	matched := h.matchLocked(opts)
	out := make([]codec.SocketDetail, 0, len(matched))
	for _, s := range matched {
		rooms := make([]string, 0, len(s.rooms))
		for r := range s.rooms {
			rooms = append(rooms, r)
		}
		sort.Strings(rooms)
		out = append(out, codec.SocketDetail{ID: s.id, Handshake: s.handshake, Rooms: rooms, Data: s.data})
	}
	return out
}

// AddSockets makes every socket selected by opts join rooms.
func (h *Hub) AddSockets(opts codec.BroadcastOptions, rooms []string) {
	var ev roomEvents
	h.mu.Lock()
	for _, s := range h.matchLocked(opts) {
		for _, room := range rooms {
			h.joinLocked(s, room, &ev)
		}
	}
	h.mu.Unlock()
	h.emit(&ev)
}

// DelSockets makes every socket selected by opts leave rooms.
func (h *Hub) DelSockets(opts codec.BroadcastOptions, rooms []string) {
	var ev roomEvents
	h.mu.Lock()
	for _, s := range h.matchLocked(opts) {
		for _, room := range rooms {
			h.leaveLocked(s, room, &ev)
		}
	}
	h.mu.Unlock()
	h.emit(&ev)
}

// DisconnectSockets disconnects every socket selected by opts.
func (h *Hub) DisconnectSockets(opts codec.BroadcastOptions, close bool) {
	h.mu.RLock()
	matched := h.matchLocked(opts)
	ids := make([]string, len(matched))
	for i, s := range matched {
		ids[i] = s.id
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Disconnect(id, close)
	}
}
