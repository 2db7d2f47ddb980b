package pubsub

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrcast/pkg/broker"
)

func TestEnsureIsIdempotent(t *testing.T) {
	bus := broker.NewMemoryBus()
	r := NewRegistry(bus.Connect())

	created, err := r.Ensure("room:lobby", "socket.io/lobby", func(*broker.Msg) {})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = r.Ensure("room:lobby", "socket.io/lobby", func(*broker.Msg) {})
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, 1, bus.Subscribers("socket.io/lobby"))
	assert.Equal(t, 1, r.Len())
}

func TestRelease(t *testing.T) {
	bus := broker.NewMemoryBus()
	r := NewRegistry(bus.Connect())

	_, err := r.Ensure("k", "topic", func(*broker.Msg) {})
	require.NoError(t, err)

	require.NoError(t, r.Release("k"))
	assert.False(t, r.Has("k"))
	assert.Zero(t, bus.Subscribers("topic"))

	require.NoError(t, r.Release("k"))
	require.NoError(t, r.Release("missing"))
}

func TestResubscribeAfterReconnect(t *testing.T) {
	bus := broker.NewMemoryBus()
	client := bus.Connect()
	r := NewRegistry(client)
	client.OnReconnect(func() { require.NoError(t, r.Resubscribe()) })

	var got []string
	_, err := r.Ensure("a", "topic-a", func(m *broker.Msg) { got = append(got, string(m.Data)) })
	require.NoError(t, err)
	_, err = r.Ensure("b", "topic-b", func(*broker.Msg) {})
	require.NoError(t, err)

	client.Reconnect()

	assert.Equal(t, 1, bus.Subscribers("topic-a"))
	assert.Equal(t, 1, bus.Subscribers("topic-b"))

	bus.Connect().Publish("topic-a", []byte("after"))
	assert.Equal(t, []string{"after"}, got)
}

func TestResubscribeKeepsOneSubscriptionPerKey(t *testing.T) {
	bus := broker.NewMemoryBus()
	client := bus.Connect()
	r := NewRegistry(client)

	var got int
	// Runs after the connection swap and before the registry catches up.
	client.OnReconnect(func() {
		_, err := r.Ensure("late", "topic-late", func(*broker.Msg) { got++ })
		require.NoError(t, err)
	})
	client.OnReconnect(func() { require.NoError(t, r.Resubscribe()) })

	client.Reconnect()

	assert.Equal(t, 1, bus.Subscribers("topic-late"))
	bus.Connect().Publish("topic-late", []byte("x"))
	assert.Equal(t, 1, got)
}

type refusingClient struct {
	broker.Client
	refuse bool
	inner  *broker.MemoryClient
}

func (c *refusingClient) Subscribe(topic string, h broker.Handler) (broker.Subscription, error) {
	if c.refuse {
		return nil, broker.ErrDisconnected
	}
	return c.inner.Subscribe(topic, h)
}

func TestEnsureRecordsRefusedSubscription(t *testing.T) {
	bus := broker.NewMemoryBus()
	c := &refusingClient{refuse: true, inner: bus.Connect()}
	r := NewRegistry(c)

	created, err := r.Ensure("k", "topic", func(*broker.Msg) {})
	assert.True(t, created)
	assert.True(t, errors.Is(err, broker.ErrDisconnected))
	assert.True(t, r.Has("k"))

	c.refuse = false
	require.NoError(t, r.Resubscribe())
	assert.Equal(t, 1, bus.Subscribers("topic"))
}

func TestClose(t *testing.T) {
	bus := broker.NewMemoryBus()
	r := NewRegistry(bus.Connect())
	for _, k := range []string{"x", "y", "z"} {
		_, err := r.Ensure(k, "t-"+k, func(*broker.Msg) {})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"x", "y", "z"}, r.Keys())

	require.NoError(t, r.Close())
	assert.Zero(t, r.Len())
	assert.Zero(t, bus.Subscribers("t-x"))
}
