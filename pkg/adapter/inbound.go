package adapter

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/internal/telemetry"
	"github.com/ryandielhenn/zephyrcast/pkg/broker"
	"github.com/ryandielhenn/zephyrcast/pkg/codec"
	"github.com/ryandielhenn/zephyrcast/pkg/request"
)

// onData applies a broadcast published by another node. It is never
// published again.
func (a *Adapter) onData(room string, m *broker.Msg) {
	msg, err := codec.DecodeMessage(m.Data)
	if err != nil {
		telemetry.DecodeErrors.WithLabelValues("data").Inc()
		a.log.Warn("decode broadcast", zap.String("subject", m.Subject), zap.Error(err))
		return
	}
	if msg.UID == a.uid {
		return
	}
	// "/chat" with no room and "/" room "chat" share a subject.
	if msg.Nsp != a.nsp {
		a.log.Debug("broadcast of another namespace ignored",
			zap.String("room", room),
			zap.String("nsp", msg.Nsp))
		return
	}
	opts := msg.Opts
	opts.Flags.Local = true
	a.hub.Broadcast(msg.Packet, opts)
}

func (a *Adapter) onRequest(m *broker.Msg) {
	req, err := codec.DecodeRequest(m.Data)
	if err != nil {
		telemetry.DecodeErrors.WithLabelValues("request").Inc()
		a.log.Warn("decode request", zap.Error(err))
		return
	}
	if req.UID == a.uid {
		return
	}
	if req.Type.ExpectsReply() && req.RequestID == "" {
		a.log.Warn("request without id dropped", zap.String("type", string(req.Type)))
		return
	}

	opts := codec.BroadcastOptions{}
	if req.Opts != nil {
		opts = *req.Opts
	}
	opts.Flags.Local = true

	switch req.Type {
	case codec.ListRooms:
		a.reply(req, &codec.Response{RequestID: req.RequestID, Rooms: a.hub.Rooms()})
	case codec.ListSockets:
		a.reply(req, &codec.Response{RequestID: req.RequestID, SocketIDs: a.hub.Sockets(req.Rooms)})
	case codec.RemoteFetch:
		a.reply(req, &codec.Response{RequestID: req.RequestID, Sockets: a.hub.FetchSockets(opts)})
	case codec.RemoteJoin:
		if a.hub.Join(req.SocketID, req.Room) {
			a.reply(req, &codec.Response{RequestID: req.RequestID})
		}
	case codec.RemoteLeave:
		if a.hub.Leave(req.SocketID, req.Room) {
			a.reply(req, &codec.Response{RequestID: req.RequestID})
		}
	case codec.RemoteDisconnect:
		if a.hub.Disconnect(req.SocketID, req.Close) {
			a.reply(req, &codec.Response{RequestID: req.RequestID})
		}
	case codec.AddSockets:
		a.hub.AddSockets(opts, req.Rooms)
	case codec.DelSockets:
		a.hub.DelSockets(opts, req.Rooms)
	case codec.DisconnectSockets:
		a.hub.DisconnectSockets(opts, req.Close)
	case codec.ServerSideEmit:
		if h, ok := a.hub.(ServerEventHandler); ok {
			h.OnServerEvent(req.Data)
		}
	}
}

func (a *Adapter) reply(req *codec.Request, resp *codec.Response) {
	b, err := codec.EncodeResponse(req.Type, resp)
	if err != nil {
		a.log.Warn("encode response", zap.String("type", string(req.Type)), zap.Error(err))
		return
	}
	a.publish(kindResponse, ResponseChannel(a.prefix, a.nsp, req.RequestID), b)
}

func (a *Adapter) onResponse(id string, m *broker.Msg) {
	kind, ok := a.requests.Kind(id)
	if !ok {
		// settled already; late responses are expected
		return
	}
	resp, err := codec.DecodeResponse(kind, m.Data)
	if err != nil {
		telemetry.DecodeErrors.WithLabelValues("response").Inc()
		a.log.Warn("decode response", zap.String("request", id), zap.Error(err))
		return
	}
	if resp.RequestID != id {
		a.log.Warn("response id mismatch", zap.String("request", id), zap.String("got", resp.RequestID))
		return
	}

	switch kind {
	case codec.ListRooms:
		a.requests.Merge(id, request.NewAccumulator(resp.Rooms...))
	case codec.ListSockets:
		a.requests.Merge(id, request.NewAccumulator(resp.SocketIDs...))
	case codec.RemoteFetch:
		a.requests.Merge(id, request.Accumulator{Sockets: resp.Sockets})
	default:
		a.requests.SettleBare(id)
	}
}
