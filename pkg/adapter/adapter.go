// Package adapter joins the local hubs of many zephyrcast nodes into one
// broadcast domain over a publish/subscribe broker.
//
// Each node publishes broadcasts on per-room data channels and asks the rest
// of the cluster about rooms and sockets on a shared request channel. Answers
// come back on a per-request response channel and are folded by a
// request.Store until the estimated number of peers has replied or the
// request times out. Delivery is best effort: nothing is retried or replayed.
package adapter

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/internal/telemetry"
	"github.com/ryandielhenn/zephyrcast/pkg/broker"
	"github.com/ryandielhenn/zephyrcast/pkg/pubsub"
	"github.com/ryandielhenn/zephyrcast/pkg/request"
	"github.com/ryandielhenn/zephyrcast/pkg/uid"
)

var (
	// ErrClosed is returned by queries issued after Close, or interrupted by it.
	ErrClosed = errors.New("adapter: closed")
	// ErrUnknownTarget is returned when no node acknowledged a remote socket
	// operation before the request timeout.
	ErrUnknownTarget = errors.New("adapter: no node owns the target socket")
)

type channelKind uint8

const (
	kindData channelKind = iota
	kindRequest
	kindResponse
)

func (k channelKind) String() string {
	switch k {
	case kindData:
		return "data"
	case kindRequest:
		return "request"
	default:
		return "response"
	}
}

// inbound is one broker message waiting for the processing loop. key is the
// room for data messages and the request id for responses.
type inbound struct {
	kind channelKind
	key  string
	msg  *broker.Msg
}

// Adapter routes one namespace's hub operations across the cluster.
type Adapter struct {
	nsp            string
	uid            string
	prefix         string
	channel        string
	requestChannel string
	opts           options
	hub            LocalHub
	client         broker.Client
	subs           *pubsub.Registry
	requests       *request.Store
	log            *zap.Logger

	inbound   chan inbound
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds the adapter for namespace nsp, subscribes its channels and
// starts the processing loop.
func New(nsp string, hub LocalHub, client broker.Client, opts ...Option) (*Adapter, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.nodeID == "" {
		o.nodeID = uid.NodeID()
	}
	if o.ids == nil {
		o.ids = uid.NewULID()
	}
	if o.queueSize < 1 {
		o.queueSize = 1
	}

	a := &Adapter{
		nsp:            nsp,
		uid:            o.nodeID,
		prefix:         o.prefix,
		channel:        DataChannel(o.prefix, nsp, ""),
		requestChannel: RequestChannel(o.prefix, nsp),
		opts:           o,
		hub:            hub,
		client:         client,
		subs:           pubsub.NewRegistry(client),
		requests:       request.NewStore(),
		log:            o.log.With(zap.String("nsp", nsp), zap.String("node", o.nodeID)),
		inbound:        make(chan inbound, o.queueSize),
		done:           make(chan struct{}),
	}

	if _, err := a.subs.Ensure(requestKey, a.requestChannel, a.handler(kindRequest, "")); err != nil {
		_ = a.subs.Close()
		return nil, err
	}
	if _, err := a.subs.Ensure(dataKey(""), a.channel, a.handler(kindData, "")); err != nil {
		_ = a.subs.Close()
		return nil, err
	}
	if w, ok := hub.(RoomWatcher); ok {
		w.WatchRooms(a.OnRoomCreated, a.OnRoomDeleted)
	}
	for _, room := range hub.Rooms() {
		a.OnRoomCreated(room)
	}
	client.OnReconnect(a.resubscribe)

	a.wg.Add(1)
	go a.run()
	a.log.Info("adapter started", zap.String("channel", a.channel))
	return a, nil
}

// NodeID returns the identity stamped on every message this node publishes.
func (a *Adapter) NodeID() string { return a.uid }

// Namespace returns the namespace the adapter serves.
func (a *Adapter) Namespace() string { return a.nsp }

// Pending returns the number of cluster requests waiting for responses.
func (a *Adapter) Pending() int { return a.requests.Len() }

// Subscriptions returns the keys of the live channel subscriptions.
func (a *Adapter) Subscriptions() []string { return a.subs.Keys() }

// OnRoomCreated subscribes the data channel of room.
func (a *Adapter) OnRoomCreated(room string) {
	if a.closed() || room == "" {
		return
	}
	created, err := a.subs.Ensure(dataKey(room), DataChannel(a.prefix, a.nsp, room), a.handler(kindData, room))
	if err != nil {
		a.log.Warn("subscribe room", zap.String("room", room), zap.Error(err))
		return
	}
	if created {
		a.log.Debug("room subscribed", zap.String("room", room))
	}
}

// OnRoomDeleted releases the data channel of room.
func (a *Adapter) OnRoomDeleted(room string) {
	if a.closed() || room == "" {
		return
	}
	if err := a.subs.Release(dataKey(room)); err != nil {
		a.log.Warn("unsubscribe room", zap.String("room", room), zap.Error(err))
	}
}

// Close stops the processing loop, settles every pending request and releases
// every subscription. It is safe to call more than once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
		a.requests.Close()
		err = a.subs.Close()
		a.log.Info("adapter closed")
	})
	return err
}

func (a *Adapter) closed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *Adapter) resubscribe() {
	if a.closed() {
		return
	}
	if err := a.subs.Resubscribe(); err != nil {
		a.log.Warn("resubscribe after reconnect", zap.Error(err))
		return
	}
	a.log.Info("resubscribed after reconnect", zap.Int("subscriptions", a.subs.Len()))
}

// handler returns the broker callback for one channel. It never blocks: a
// message that does not fit in the queue is dropped.
func (a *Adapter) handler(kind channelKind, key string) broker.Handler {
	label := kind.String()
	return func(m *broker.Msg) {
		telemetry.MessagesReceived.WithLabelValues(label).Inc()
		select {
		case <-a.done:
			return
		default:
		}
		select {
		case a.inbound <- inbound{kind: kind, key: key, msg: m}:
		default:
			telemetry.MessagesDropped.WithLabelValues("queue").Inc()
			a.log.Warn("inbound queue full, message dropped", zap.String("subject", m.Subject))
		}
	}
}

func (a *Adapter) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case in := <-a.inbound:
			a.dispatch(in)
		}
	}
}

func (a *Adapter) dispatch(in inbound) {
	switch in.kind {
	case kindData:
		a.onData(in.key, in.msg)
	case kindRequest:
		a.onRequest(in.msg)
	case kindResponse:
		a.onResponse(in.key, in.msg)
	}
}

func (a *Adapter) publish(kind channelKind, subject string, data []byte) {
	telemetry.MessagesPublished.WithLabelValues(kind.String()).Inc()
	a.client.Publish(subject, data)
}
