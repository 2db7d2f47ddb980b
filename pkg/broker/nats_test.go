package broker

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s
}

func TestConnectNoEndpoints(t *testing.T) {
	_, err := Connect(nil)
	require.ErrorIs(t, err, ErrNoEndpoints)
}

func TestConnectUnreachable(t *testing.T) {
	_, err := Connect([]string{"nats://127.0.0.1:1"}, WithDialTimeout(200*time.Millisecond))
	require.ErrorIs(t, err, ErrConnection)
}

func TestPublishSubscribe(t *testing.T) {
	s := runServer(t)

	pub, err := Connect([]string{s.ClientURL()})
	require.NoError(t, err)
	defer pub.Close()
	sub, err := Connect([]string{s.ClientURL()})
	require.NoError(t, err)
	defer sub.Close()

	got := make(chan *Msg, 1)
	handle, err := sub.Subscribe("socket.io/chat", func(m *Msg) { got <- m })
	require.NoError(t, err)
	require.NoError(t, sub.conn.Flush())

	pub.Publish("socket.io/chat", []byte("hello"))

	select {
	case m := <-got:
		assert.Equal(t, "socket.io/chat", m.Subject)
		assert.Equal(t, []byte("hello"), m.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, handle.Unsubscribe())
	require.NoError(t, handle.Unsubscribe())
}

func TestNoEcho(t *testing.T) {
	s := runServer(t)

	c, err := Connect([]string{s.ClientURL()})
	require.NoError(t, err)
	defer c.Close()

	var n atomic.Int32
	_, err = c.Subscribe("echo", func(*Msg) { n.Add(1) })
	require.NoError(t, err)

	c.Publish("echo", []byte("x"))
	require.NoError(t, c.conn.Flush())
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, n.Load())
}

func TestReconnectToRemainingEndpoint(t *testing.T) {
	s1 := runServer(t)
	s2 := runServer(t)

	var hooks atomic.Int32
	c, err := Connect([]string{s1.ClientURL(), s2.ClientURL()})
	require.NoError(t, err)
	defer c.Close()
	c.OnReconnect(func() { hooks.Add(1) })
	require.Equal(t, NormalizeEndpoint(s1.ClientURL()), NormalizeEndpoint(c.ConnectedURL()))

	s1.Shutdown()

	require.Eventually(t, func() bool {
		return NormalizeEndpoint(c.ConnectedURL()) == NormalizeEndpoint(s2.ClientURL())
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), hooks.Load())
	// A dropped server stays a candidate.
	assert.Equal(t, []string{s1.ClientURL(), s2.ClientURL()}, c.Endpoints())

	// Subscriptions are not carried over; a fresh one works on the new connection.
	peer, err := Connect([]string{s2.ClientURL()})
	require.NoError(t, err)
	defer peer.Close()

	got := make(chan struct{}, 1)
	_, err = c.Subscribe("after", func(*Msg) { got <- struct{}{} })
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		peer.Publish("after", []byte("x"))
		select {
		case <-got:
			return true
		default:
			return false
		}
	}, 2*time.Second, 50*time.Millisecond)
}

func TestReconnectAfterServerRestart(t *testing.T) {
	s := runServer(t)
	port := s.Addr().(*net.TCPAddr).Port

	var hooks atomic.Int32
	c, err := Connect([]string{s.ClientURL()}, WithErrorHandler(func(err error) {
		t.Errorf("client gave up: %v", err)
	}))
	require.NoError(t, err)
	defer c.Close()
	c.OnReconnect(func() { hooks.Add(1) })

	s.Shutdown()
	require.Eventually(t, func() bool { return c.ConnectedURL() == "" }, 2*time.Second, 10*time.Millisecond)

	opts := natsserver.DefaultTestOptions
	opts.Port = port
	restarted := natsserver.RunServer(&opts)
	defer restarted.Shutdown()

	require.Eventually(t, func() bool { return hooks.Load() == 1 }, 10*time.Second, 20*time.Millisecond)
	assert.Len(t, c.Endpoints(), 1)

	got := make(chan struct{}, 1)
	_, err = c.Subscribe("back", func(*Msg) { got <- struct{}{} })
	require.NoError(t, err)
	peer, err := Connect([]string{restarted.ClientURL()})
	require.NoError(t, err)
	defer peer.Close()
	require.Eventually(t, func() bool {
		peer.Publish("back", []byte("x"))
		select {
		case <-got:
			return true
		default:
			return false
		}
	}, 2*time.Second, 50*time.Millisecond)
}

func TestReconnectExhaustsEndpoints(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.LameDuckDuration = time.Second
	opts.LameDuckGracePeriod = 100 * time.Millisecond
	s := natsserver.RunServer(&opts)
	defer s.Shutdown()

	failed := make(chan error, 1)
	c, err := Connect([]string{s.ClientURL()}, WithErrorHandler(func(err error) { failed <- err }))
	require.NoError(t, err)
	defer c.Close()

	go s.LameDuckShutdown()

	select {
	case err := <-failed:
		assert.True(t, errors.Is(err, ErrNoEndpoints))
	case <-time.After(5 * time.Second):
		t.Fatal("error handler not called")
	}
	assert.Empty(t, c.Endpoints())

	_, err = c.Subscribe("x", func(*Msg) {})
	assert.ErrorIs(t, err, ErrClosed)
	c.Publish("x", []byte("dropped"))
}

func TestReconnectOnLameDuck(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.LameDuckDuration = 2 * time.Second
	opts.LameDuckGracePeriod = 100 * time.Millisecond
	s1 := natsserver.RunServer(&opts)
	defer s1.Shutdown()
	s2 := runServer(t)

	c, err := Connect([]string{s1.ClientURL(), s2.ClientURL()})
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s1.LameDuckShutdown()
	}()

	require.Eventually(t, func() bool {
		return NormalizeEndpoint(c.ConnectedURL()) == NormalizeEndpoint(s2.ClientURL())
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{s2.ClientURL()}, c.Endpoints())
	wg.Wait()
}
