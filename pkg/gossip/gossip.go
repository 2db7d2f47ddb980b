package gossip

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Config configures the local member.
type Config struct {
	NodeID   string
	BindAddr string
	BindPort int
	// HTTPAddr is advertised to the other members.
	HTTPAddr string
	Logger   *zap.Logger
	// OnChange runs when a member joins or leaves. It must not block.
	OnChange func(Member)
}

// Gossip is the local member of a memberlist cluster.
type Gossip struct {
	cfg Config
	log *zap.Logger
	ml  *memberlist.Memberlist

	stopOnce sync.Once
}

// New creates the local member and starts listening. The member is alone
// until Join succeeds.
func New(cfg Config) (*Gossip, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("gossip: node id required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	g := &Gossip{cfg: cfg, log: cfg.Logger.With(zap.String("component", "gossip"))}

	meta, err := nodeMeta{NodeID: cfg.NodeID, HTTPAddr: cfg.HTTPAddr}.encode(memberlist.MetaMaxSize)
	if err != nil {
		return nil, err
	}

	mc := memberlist.DefaultLANConfig()
	mc.Name = cfg.NodeID
	mc.BindAddr = cfg.BindAddr
	mc.BindPort = cfg.BindPort
	mc.Delegate = &delegate{meta: meta}
	mc.Events = &events{g: g}
	mc.LogOutput = zapWriter{log: g.log}

	ml, err := memberlist.Create(mc)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	g.ml = ml
	g.log.Info("gossip listening", zap.String("addr", g.LocalAddr()))
	return g, nil
}

// Join contacts seeds and merges their view of the cluster. It succeeds if
// at least one seed answered.
func (g *Gossip) Join(seeds []string) error {
	if len(seeds) == 0 {
		return nil
	}
	n, err := g.ml.Join(seeds)
	if err != nil {
		return fmt.Errorf("join %v: %w", seeds, err)
	}
	g.log.Info("joined cluster", zap.Int("contacted", n), zap.Int("members", g.ml.NumMembers()))
	return nil
}

// LocalAddr returns the gossip address other members reach this node on.
func (g *Gossip) LocalAddr() string {
	return toMember(g.ml.LocalNode()).Addr
}

// Members returns the live members, sorted by name.
func (g *Gossip) Members() []Member {
	nodes := g.ml.Members()
	out := make([]Member, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toMember(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EstimateNodeCount returns the number of members not known to be dead,
// this one included.
func (g *Gossip) EstimateNodeCount() int {
	if n := g.ml.NumMembers(); n > 0 {
		return n
	}
	return 1
}

// Stop announces the departure to the cluster and shuts the member down.
func (g *Gossip) Stop() error {
	var err error
	g.stopOnce.Do(func() {
		if lerr := g.ml.Leave(time.Second); lerr != nil {
			g.log.Warn("leave cluster", zap.Error(lerr))
		}
		err = g.ml.Shutdown()
	})
	return err
}
