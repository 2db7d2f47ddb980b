package gossip

import (
	"net"
	"strconv"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// State is a member's liveness as seen by this node.
type State uint8

const (
	StateAlive State = iota
	StateSuspect
	StateDead
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	default:
		return "left"
	}
}

// Member is one node of the cluster.
type Member struct {
	Name     string // memberlist name, unique per node
	NodeID   string
	Addr     string // gossip address
	HTTPAddr string
	State    State
}

func toMember(n *memberlist.Node) Member {
	m := Member{
		Name: n.Name,
		Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))),
	}
	if meta, err := decodeMeta(n.Meta); err == nil {
		m.NodeID, m.HTTPAddr = meta.NodeID, meta.HTTPAddr
	}
	switch n.State {
	case memberlist.StateAlive:
		m.State = StateAlive
	case memberlist.StateSuspect:
		m.State = StateSuspect
	case memberlist.StateDead:
		m.State = StateDead
	default:
		m.State = StateLeft
	}
	return m
}

// delegate serves this node's metadata. No user messages are exchanged.
type delegate struct {
	meta []byte
}

func (d *delegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *delegate) NotifyMsg([]byte)                           {}
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte                { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)     {}

// events logs membership changes and forwards them to the gossip callbacks.
type events struct {
	g *Gossip
}

func (e *events) NotifyJoin(n *memberlist.Node) {
	m := toMember(n)
	e.g.log.Info("member joined", zap.String("name", m.Name), zap.String("addr", m.Addr))
	if fn := e.g.cfg.OnChange; fn != nil {
		fn(m)
	}
}

func (e *events) NotifyLeave(n *memberlist.Node) {
	m := toMember(n)
	e.g.log.Info("member left", zap.String("name", m.Name), zap.String("state", m.State.String()))
	if fn := e.g.cfg.OnChange; fn != nil {
		fn(m)
	}
}

func (e *events) NotifyUpdate(n *memberlist.Node) {
	e.g.log.Debug("member updated", zap.String("name", n.Name))
}

// zapWriter routes memberlist's standard logger output to zap at debug level.
type zapWriter struct {
	log *zap.Logger
}

func (w zapWriter) Write(p []byte) (int, error) {
	w.log.Debug(string(trimNewline(p)))
	return len(p), nil
}

func trimNewline(p []byte) []byte {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	return p
}
