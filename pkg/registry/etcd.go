// Package registry keeps the node list of a zephyrcast cluster in etcd.
//
// Every node writes /<prefix>/nodes/<id> under a lease it keeps alive, and
// watches the prefix to maintain its view of the live peers. The view sizes
// the quorum of cluster queries; it may lag behind reality by up to a lease
// TTL.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix roots every key written by the registry.
const DefaultPrefix = "/zephyrcast"

// NewClient dials etcd.
func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

func nodesPrefix(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/nodes/"
}

func nodeKey(prefix, id string) string {
	return nodesPrefix(prefix) + id
}

// leaser is the part of the etcd client a registration needs.
type leaser interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
}

// Lease is a node key kept alive in the background. When etcd lets the lease
// expire the key is written again under a fresh one.
type Lease struct {
	cli    leaser
	key    string
	addr   string
	ttl    int64
	log    *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu sync.Mutex
	id clientv3.LeaseID
}

// RegisterNode writes this node's key under a lease of ttl seconds and keeps
// it registered until Stop is called.
func RegisterNode(ctx context.Context, cli leaser, prefix, id, addr string, ttl int64, log *zap.Logger) (*Lease, error) {
	if log == nil {
		log = zap.NewNop()
	}
	kctx, cancel := context.WithCancel(context.Background())
	l := &Lease{
		cli:    cli,
		key:    nodeKey(prefix, id),
		addr:   addr,
		ttl:    ttl,
		log:    log,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	lid, ch, err := l.grant(ctx, kctx)
	if err != nil {
		cancel()
		return nil, err
	}
	l.id = lid
	go l.keep(kctx, ch)
	return l, nil
}

func (l *Lease) grant(ctx, kctx context.Context) (clientv3.LeaseID, <-chan *clientv3.LeaseKeepAliveResponse, error) {
	lease, err := l.cli.Grant(ctx, l.ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := l.cli.Put(ctx, l.key, l.addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("put node key: %w", err)
	}
	ch, err := l.cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		return 0, nil, fmt.Errorf("keep lease alive: %w", err)
	}
	return lease.ID, ch, nil
}

func (l *Lease) keep(ctx context.Context, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	defer close(l.done)
	for {
		for range ch {
		}
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("node lease lost, registering again",
			zap.String("key", l.key),
			zap.Int64("lease", int64(l.ID())))

		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = 0
		var id clientv3.LeaseID
		err := backoff.RetryNotify(func() error {
			var err error
			id, ch, err = l.grant(ctx, ctx)
			return err
		}, backoff.WithContext(eb, ctx), func(err error, wait time.Duration) {
			l.log.Warn("node registration failed", zap.Error(err), zap.Duration("retry_in", wait))
		})
		if err != nil {
			return
		}
		l.mu.Lock()
		l.id = id
		l.mu.Unlock()
		l.log.Info("node registered again", zap.String("key", l.key), zap.Int64("lease", int64(id)))
	}
}

// ID returns the lease currently holding the node key.
func (l *Lease) ID() clientv3.LeaseID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}

// Stop ends the keep-alive. The key lives until the lease expires or is
// revoked.
func (l *Lease) Stop() {
	l.cancel()
	<-l.done
}

// WatchPeers loads the registered nodes, calls fn with them, then calls fn
// again with the full set after every change until ctx is done. A broken
// watch is restarted from a fresh read. Only the first read can fail the
// call.
func WatchPeers(ctx context.Context, cli *clientv3.Client, prefix string, log *zap.Logger, fn func(peers map[string]string)) error {
	pfx := nodesPrefix(prefix)
	peers, rev, err := loadPeers(ctx, cli, pfx)
	if err != nil {
		return err
	}
	fn(copyPeers(peers))

	go func() {
		for {
			wch := cli.Watch(clientv3.WithRequireLeader(ctx), pfx, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
			for wresp := range wch {
				if err := wresp.Err(); err != nil {
					log.Warn("peer watch broken", zap.Error(err))
					break
				}
				if applyEvents(peers, pfx, wresp.Events) {
					fn(copyPeers(peers))
				}
				rev = wresp.Header.Revision
			}
			if ctx.Err() != nil {
				return
			}

			eb := backoff.NewExponentialBackOff()
			eb.MaxElapsedTime = 0
			err := backoff.Retry(func() error {
				var err error
				peers, rev, err = loadPeers(ctx, cli, pfx)
				return err
			}, backoff.WithContext(eb, ctx))
			if err != nil {
				return
			}
			fn(copyPeers(peers))
		}
	}()
	return nil
}

func loadPeers(ctx context.Context, cli *clientv3.Client, pfx string) (map[string]string, int64, error) {
	resp, err := cli.Get(ctx, pfx, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("list peers: %w", err)
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		peers[strings.TrimPrefix(string(kv.Key), pfx)] = string(kv.Value)
	}
	return peers, resp.Header.Revision, nil
}

// applyEvents folds watch events into peers and reports whether it changed.
func applyEvents(peers map[string]string, pfx string, events []*clientv3.Event) bool {
	changed := false
	for _, ev := range events {
		id := strings.TrimPrefix(string(ev.Kv.Key), pfx)
		if id == "" {
			continue
		}
		switch ev.Type {
		case mvccpb.PUT:
			if peers[id] != string(ev.Kv.Value) {
				peers[id] = string(ev.Kv.Value)
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := peers[id]; ok {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}

func copyPeers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Membership registers this node and tracks its peers. It counts nodes for
// the adapter's quorum.
type Membership struct {
	cli    *clientv3.Client
	prefix string
	id     string
	addr   string
	ttl    int64
	log    *zap.Logger

	mu      sync.RWMutex
	peers   map[string]string
	lease   *Lease
	stopW   context.CancelFunc
	started bool
}

// NewMembership returns a membership for node id reachable at addr.
func NewMembership(cli *clientv3.Client, prefix, id, addr string, ttl int64, log *zap.Logger) *Membership {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Membership{
		cli:    cli,
		prefix: prefix,
		id:     id,
		addr:   addr,
		ttl:    ttl,
		log:    log.With(zap.String("component", "registry")),
		peers:  make(map[string]string),
	}
}

// Start registers the node and begins watching peers.
func (m *Membership) Start(ctx context.Context) error {
	lease, err := RegisterNode(ctx, m.cli, m.prefix, m.id, m.addr, m.ttl, m.log)
	if err != nil {
		return err
	}
	wctx, stopW := context.WithCancel(context.Background())
	if err := WatchPeers(wctx, m.cli, m.prefix, m.log, m.setPeers); err != nil {
		stopW()
		lease.Stop()
		return err
	}

	m.mu.Lock()
	m.lease, m.stopW, m.started = lease, stopW, true
	m.mu.Unlock()
	m.log.Info("node registered", zap.String("id", m.id), zap.String("addr", m.addr))
	return nil
}

func (m *Membership) setPeers(peers map[string]string) {
	m.mu.Lock()
	m.peers = peers
	m.mu.Unlock()
	m.log.Debug("peers changed", zap.Int("count", len(peers)))
}

// Peers returns the registered nodes by id.
func (m *Membership) Peers() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyPeers(m.peers)
}

// EstimateNodeCount returns the number of registered nodes, counting this
// one even before its own key is observed.
func (m *Membership) EstimateNodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.peers)
	if _, ok := m.peers[m.id]; !ok {
		n++
	}
	return n
}

// Close stops watching and revokes the lease so peers drop this node at once.
func (m *Membership) Close() error {
	m.mu.Lock()
	started := m.started
	m.started = false
	m.mu.Unlock()
	if !started {
		return nil
	}

	m.stopW()
	m.lease.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := m.cli.Revoke(ctx, m.lease.ID()); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}
