// Package pubsub keeps the broker subscriptions of one adapter, at most one
// per channel key.
package pubsub

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/ryandielhenn/zephyrcast/pkg/broker"
)

type entry struct {
	topic   string
	handler broker.Handler
	sub     broker.Subscription // nil while the broker refused the subscription
}

// Registry records which channel keys have a live subscription.
//
// An entry is recorded even when the broker refuses the subscription (for
// example while it is reconnecting), so Resubscribe can establish it later.
type Registry struct {
	client broker.Client

	mu   sync.Mutex
	subs map[string]*entry
}

// NewRegistry returns an empty registry bound to client.
func NewRegistry(client broker.Client) *Registry {
	return &Registry{
		client: client,
		subs:   make(map[string]*entry),
	}
}

// Ensure subscribes handler to topic under key unless key is already held.
// It reports whether a new entry was created.
func (r *Registry) Ensure(key, topic string, handler broker.Handler) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[key]; ok {
		return false, nil
	}
	e := &entry{topic: topic, handler: handler}
	r.subs[key] = e

	sub, err := r.client.Subscribe(topic, handler)
	if err != nil {
		return true, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	e.sub = sub
	return true, nil
}

// Release drops the subscription held under key. Absent keys are a no-op.
func (r *Registry) Release(key string) error {
	r.mu.Lock()
	e, ok := r.subs[key]
	delete(r.subs, key)
	r.mu.Unlock()

	if !ok || e.sub == nil {
		return nil
	}
	return e.sub.Unsubscribe()
}

// Has reports whether key is held.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[key]
	return ok
}

// Len returns the number of held keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Keys returns the held keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resubscribe subscribes every held key again on the client's current
// connection. Old handles are unsubscribed first and their errors ignored:
// most belong to the connection that was replaced, but a key ensured after
// the swap already lives on the new one.
func (r *Registry) Resubscribe() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs error
	for _, e := range r.subs {
		if e.sub != nil {
			_ = e.sub.Unsubscribe()
			e.sub = nil
		}
		sub, err := r.client.Subscribe(e.topic, e.handler)
		if err != nil {
			e.sub = nil
			errs = multierr.Append(errs, fmt.Errorf("subscribe %s: %w", e.topic, err))
			continue
		}
		e.sub = sub
	}
	return errs
}

// Close releases every key.
func (r *Registry) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*entry)
	r.mu.Unlock()

	var errs error
	for _, e := range subs {
		if e.sub != nil {
			errs = multierr.Append(errs, e.sub.Unsubscribe())
		}
	}
	return errs
}
