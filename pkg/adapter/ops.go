package adapter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/internal/telemetry"
	"github.com/ryandielhenn/zephyrcast/pkg/codec"
	"github.com/ryandielhenn/zephyrcast/pkg/request"
)

// Broadcast delivers packet to the matching local sockets, then publishes one
// message per target room so the other nodes deliver it to theirs. Without
// rooms the message goes to the namespace-wide channel.
func (a *Adapter) Broadcast(packet any, opts codec.BroadcastOptions) {
	a.hub.Broadcast(packet, opts)
	if opts.Flags.Local || a.closed() {
		return
	}

	rooms := opts.Rooms
	if len(rooms) == 0 {
		rooms = []string{""}
	}
	for _, room := range rooms {
		msg := &codec.Message{
			UID:    a.uid,
			Nsp:    a.nsp,
			Packet: packet,
			Opts:   codec.BroadcastOptions{Except: opts.Except, Flags: opts.Flags},
		}
		if room != "" {
			msg.Opts.Rooms = []string{room}
		}
		b, err := codec.EncodeMessage(msg)
		if err != nil {
			telemetry.MessagesDropped.WithLabelValues("encode").Inc()
			a.log.Warn("encode broadcast", zap.String("room", room), zap.Error(err))
			continue
		}
		a.publish(kindData, DataChannel(a.prefix, a.nsp, room), b)
	}
}

// ListRooms returns the rooms known to the cluster, sorted.
func (a *Adapter) ListRooms(ctx context.Context) ([]string, error) {
	res, err := a.collect(ctx, &codec.Request{Type: codec.ListRooms}, request.NewAccumulator(a.hub.Rooms()...))
	if err != nil {
		return nil, err
	}
	return res.SortedIDs(), nil
}

// ListSockets returns the ids of the sockets in any of rooms across the
// cluster, or of every socket when rooms is empty. The result is sorted.
func (a *Adapter) ListSockets(ctx context.Context, rooms []string) ([]string, error) {
	req := &codec.Request{Type: codec.ListSockets, Rooms: rooms}
	res, err := a.collect(ctx, req, request.NewAccumulator(a.hub.Sockets(rooms)...))
	if err != nil {
		return nil, err
	}
	return res.SortedIDs(), nil
}

// FetchSockets returns the details of the sockets matching opts across the
// cluster. Local sockets come first.
func (a *Adapter) FetchSockets(ctx context.Context, opts codec.BroadcastOptions) ([]codec.SocketDetail, error) {
	local := a.hub.FetchSockets(opts)
	if opts.Flags.Local {
		return local, nil
	}
	req := &codec.Request{Type: codec.RemoteFetch, Opts: &opts}
	res, err := a.collect(ctx, req, request.Accumulator{Sockets: local})
	if err != nil {
		return nil, err
	}
	return res.Sockets, nil
}

// RemoteJoin adds socket id to room on whichever node holds it.
func (a *Adapter) RemoteJoin(ctx context.Context, id, room string) error {
	if a.hub.Join(id, room) {
		return nil
	}
	return a.target(ctx, &codec.Request{Type: codec.RemoteJoin, SocketID: id, Room: room})
}

// RemoteLeave removes socket id from room on whichever node holds it.
func (a *Adapter) RemoteLeave(ctx context.Context, id, room string) error {
	if a.hub.Leave(id, room) {
		return nil
	}
	return a.target(ctx, &codec.Request{Type: codec.RemoteLeave, SocketID: id, Room: room})
}

// RemoteDisconnect disconnects socket id on whichever node holds it. close
// also closes the underlying connection.
func (a *Adapter) RemoteDisconnect(ctx context.Context, id string, close bool) error {
	if a.hub.Disconnect(id, close) {
		return nil
	}
	return a.target(ctx, &codec.Request{Type: codec.RemoteDisconnect, SocketID: id, Close: close})
}

// AddSockets makes the sockets matching opts join rooms, cluster-wide.
func (a *Adapter) AddSockets(opts codec.BroadcastOptions, rooms []string) {
	a.hub.AddSockets(opts, rooms)
	if !opts.Flags.Local {
		a.notify(&codec.Request{Type: codec.AddSockets, Opts: &opts, Rooms: rooms})
	}
}

// DelSockets makes the sockets matching opts leave rooms, cluster-wide.
func (a *Adapter) DelSockets(opts codec.BroadcastOptions, rooms []string) {
	a.hub.DelSockets(opts, rooms)
	if !opts.Flags.Local {
		a.notify(&codec.Request{Type: codec.DelSockets, Opts: &opts, Rooms: rooms})
	}
}

// DisconnectSockets disconnects the sockets matching opts, cluster-wide.
func (a *Adapter) DisconnectSockets(opts codec.BroadcastOptions, close bool) {
	a.hub.DisconnectSockets(opts, close)
	if !opts.Flags.Local {
		a.notify(&codec.Request{Type: codec.DisconnectSockets, Opts: &opts, Close: close})
	}
}

// ServerSideEmit sends args to the other nodes of the namespace. The local
// hub does not receive them.
func (a *Adapter) ServerSideEmit(args ...any) {
	a.notify(&codec.Request{Type: codec.ServerSideEmit, Data: args})
}

// notify publishes a request nobody answers.
func (a *Adapter) notify(req *codec.Request) {
	if a.closed() {
		return
	}
	req.UID = a.uid
	b, err := codec.EncodeRequest(req)
	if err != nil {
		telemetry.MessagesDropped.WithLabelValues("encode").Inc()
		a.log.Warn("encode request", zap.String("type", string(req.Type)), zap.Error(err))
		return
	}
	a.publish(kindRequest, a.requestChannel, b)
}

// collect runs a query answered by every peer. With no peer estimated it
// returns the local seed.
func (a *Adapter) collect(ctx context.Context, req *codec.Request, seed request.Accumulator) (request.Result, error) {
	if a.closed() {
		return request.Result{}, ErrClosed
	}
	quorum := a.opts.counter.EstimateNodeCount() - 1
	if quorum < 1 {
		return request.Result{Accumulator: seed, Reason: request.ReasonQuorum}, nil
	}
	return a.query(ctx, req, quorum, seed)
}

// target runs a query answered only by the node holding req.SocketID. It is
// published whatever the node estimate, since the socket is not local.
func (a *Adapter) target(ctx context.Context, req *codec.Request) error {
	if a.closed() {
		return ErrClosed
	}
	quorum := a.opts.counter.EstimateNodeCount() - 1
	if quorum < 1 {
		quorum = 1
	}
	res, err := a.query(ctx, req, quorum, request.NewAccumulator())
	if err != nil {
		return err
	}
	if res.Reason != request.ReasonAck {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, req.SocketID)
	}
	return nil
}

func (a *Adapter) query(ctx context.Context, req *codec.Request, quorum int, seed request.Accumulator) (request.Result, error) {
	id := a.opts.ids.NewID()
	req.RequestID = id
	req.UID = a.uid
	b, err := codec.EncodeRequest(req)
	if err != nil {
		return request.Result{}, err
	}

	done, err := a.requests.Create(id, req.Type, quorum, seed, a.opts.timeout)
	if err != nil {
		return request.Result{}, err
	}
	key := responseKey(id)
	if _, err := a.subs.Ensure(key, ResponseChannel(a.prefix, a.nsp, id), a.handler(kindResponse, id)); err != nil {
		// the request still settles on its timer
		a.log.Warn("subscribe response channel", zap.String("request", id), zap.Error(err))
	}
	defer func() {
		if err := a.subs.Release(key); err != nil {
			a.log.Debug("release response channel", zap.String("request", id), zap.Error(err))
		}
	}()

	start := time.Now()
	a.publish(kindRequest, a.requestChannel, b)

	select {
	case res := <-done:
		telemetry.ClusterRequestDuration.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())
		if res.Reason == request.ReasonClosed {
			return res, ErrClosed
		}
		if res.Reason == request.ReasonTimeout {
			a.log.Debug("request timed out",
				zap.String("type", string(req.Type)),
				zap.String("request", id),
				zap.Int("received", res.Received),
				zap.Int("expected", quorum),
			)
		}
		return res, nil
	case <-ctx.Done():
		a.requests.Dispose(id)
		return request.Result{}, ctx.Err()
	}
}
