// Package request tracks cluster requests that are waiting for responses from
// other nodes.
//
// A request settles exactly once: when the expected number of responses has
// been merged, when a bare acknowledgement arrives, when its timer fires, or
// when the store is closed. A timeout is not an error; the caller receives
// whatever was merged so far. The expected count comes from a node-count
// estimate and is a trigger, not a completeness proof.
package request

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ryandielhenn/zephyrcast/internal/telemetry"
	"github.com/ryandielhenn/zephyrcast/pkg/codec"
)

// ErrDuplicate is returned by Create when the id is already pending.
var ErrDuplicate = errors.New("request: duplicate request id")

// Reason tells how a request settled.
type Reason string

const (
	ReasonQuorum  Reason = "quorum"
	ReasonAck     Reason = "ack"
	ReasonTimeout Reason = "timeout"
	ReasonClosed  Reason = "closed"
)

// Accumulator is the answer folded so far: a set of room names or socket ids,
// or a list of fetched sockets.
type Accumulator struct {
	IDs     map[string]struct{}
	Sockets []codec.SocketDetail
}

// NewAccumulator seeds an accumulator with ids.
func NewAccumulator(ids ...string) Accumulator {
	acc := Accumulator{IDs: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		acc.IDs[id] = struct{}{}
	}
	return acc
}

// SortedIDs returns the id set in sorted order.
func (a Accumulator) SortedIDs() []string {
	out := make([]string, 0, len(a.IDs))
	for id := range a.IDs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Result is delivered once per request.
type Result struct {
	Accumulator
	Received int
	Reason   Reason
}

type pending struct {
	id       string
	kind     codec.RequestType
	quorum   int
	received int
	acc      Accumulator
	done     chan Result
	timer    *time.Timer
}

// Store holds pending requests by id.
type Store struct {
	mu      sync.Mutex
	pending map[string]*pending
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{pending: make(map[string]*pending)}
}

// Create registers a request expecting quorum responses and arms its timer.
// The returned channel receives exactly one Result, unless the request is
// disposed. A quorum below 1 settles immediately with the seed.
func (s *Store) Create(id string, kind codec.RequestType, quorum int, seed Accumulator, timeout time.Duration) (<-chan Result, error) {
	done := make(chan Result, 1)
	if seed.IDs == nil {
		seed.IDs = make(map[string]struct{})
	}
	p := &pending{id: id, kind: kind, quorum: quorum, acc: seed, done: done}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	if quorum < 1 {
		s.deliver(p, ReasonQuorum)
		return done, nil
	}
	s.pending[id] = p
	telemetry.PendingRequests.Inc()
	p.timer = time.AfterFunc(timeout, func() { s.expire(id) })
	return done, nil
}

// Kind returns the type recorded for a pending request.
func (s *Store) Kind(id string) (codec.RequestType, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return "", false
	}
	return p.kind, true
}

// Len returns the number of pending requests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Merge folds one response into the request and settles it once the quorum is
// reached. It returns false when the request is no longer pending.
func (s *Store) Merge(id string, partial Accumulator) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[id]
	if !ok {
		return false
	}
	switch p.kind {
	case codec.RemoteFetch:
		p.acc.Sockets = append(p.acc.Sockets, partial.Sockets...)
	default:
		for k := range partial.IDs {
			p.acc.IDs[k] = struct{}{}
		}
	}
	p.received++
	if p.received >= p.quorum {
		s.settle(p, ReasonQuorum)
	}
	return true
}

// SettleBare settles a request on its first acknowledgement, whatever its
// quorum. It returns false when the request is no longer pending.
func (s *Store) SettleBare(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[id]
	if !ok {
		return false
	}
	p.received++
	s.settle(p, ReasonAck)
	return true
}

// Dispose removes a request without settling it.
func (s *Store) Dispose(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[id]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.pending, id)
	telemetry.PendingRequests.Dec()
	return true
}

// Close settles every pending request with what it has so far.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pending {
		s.settle(p, ReasonClosed)
	}
}

func (s *Store) expire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[id]; ok {
		s.settle(p, ReasonTimeout)
	}
}

// settle must be called with s.mu held and p pending.
func (s *Store) settle(p *pending, reason Reason) {
	p.timer.Stop()
	delete(s.pending, p.id)
	telemetry.PendingRequests.Dec()
	s.deliver(p, reason)
}

func (s *Store) deliver(p *pending, reason Reason) {
	telemetry.RequestsSettled.WithLabelValues(string(p.kind), string(reason)).Inc()
	p.done <- Result{Accumulator: p.acc, Received: p.received, Reason: reason}
}
