package broker

import (
	"slices"
	"sync"
)

// MemoryBus routes messages between MemoryClients of one process by exact
// subject. A client never receives its own publishes, like a NATS connection
// opened with NoEcho.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{}
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Connect returns a new client attached to the bus.
func (b *MemoryBus) Connect() *MemoryClient {
	return &MemoryClient{bus: b}
}

// Subscribers returns the number of live subscriptions on subject.
func (b *MemoryBus) Subscribers(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}

func (b *MemoryBus) add(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[s.subject]
	if !ok {
		set = make(map[*memorySubscription]struct{})
		b.subs[s.subject] = set
	}
	set[s] = struct{}{}
}

func (b *MemoryBus) remove(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[s.subject]
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.subject)
	}
}

func (b *MemoryBus) deliver(from *MemoryClient, subject string, data []byte) {
	b.mu.RLock()
	targets := make([]*memorySubscription, 0, len(b.subs[subject]))
	for s := range b.subs[subject] {
		if s.client != from {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.handler(&Msg{Subject: subject, Data: slices.Clone(data)})
	}
}

// MemoryClient is a Client attached to a MemoryBus. Delivery is synchronous:
// Publish returns after every subscriber handler has run.
type MemoryClient struct {
	bus *MemoryBus

	mu     sync.Mutex
	subs   map[*memorySubscription]struct{}
	hooks  []func()
	closed bool
}

// Publish delivers data to every other client subscribed to subject.
func (c *MemoryClient) Publish(subject string, data []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.bus.deliver(c, subject, data)
}

// Subscribe registers h for subject.
func (c *MemoryClient) Subscribe(subject string, h Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	s := &memorySubscription{client: c, subject: subject, handler: h}
	if c.subs == nil {
		c.subs = make(map[*memorySubscription]struct{})
	}
	c.subs[s] = struct{}{}
	c.bus.add(s)
	return s, nil
}

// OnReconnect registers fn to run after Reconnect.
func (c *MemoryClient) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Reconnect behaves like a connection swap: every subscription of the client
// is lost, then the reconnect hooks run.
func (c *MemoryClient) Reconnect() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	hooks := slices.Clone(c.hooks)
	c.mu.Unlock()

	for s := range subs {
		c.bus.remove(s)
	}
	for _, fn := range hooks {
		fn()
	}
}

// Close drops every subscription of the client.
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for s := range subs {
		c.bus.remove(s)
	}
	return nil
}

type memorySubscription struct {
	client  *MemoryClient
	subject string
	handler Handler
	once    sync.Once
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.client.mu.Lock()
		delete(s.client.subs, s)
		s.client.mu.Unlock()
		s.client.bus.remove(s)
	})
	return nil
}
