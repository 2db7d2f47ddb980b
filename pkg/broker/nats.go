package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/internal/telemetry"
)

type options struct {
	name        string
	dialTimeout time.Duration
	drainWait   time.Duration
	log         *zap.Logger
	onError     func(error)
	backoff     func() backoff.BackOff
}

// Option configures a NatsClient.
type Option func(*options)

// WithName sets the connection name reported to the broker.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithDialTimeout bounds a single connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithErrorHandler is called when the client gives up for good, which happens
// only when lame duck mode has retired every endpoint.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithBackOff replaces the retry policy used while reconnecting.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(o *options) { o.backoff = fn }
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// NatsClient is a Client backed by one NATS connection at a time.
//
// The driver's own reconnect logic is disabled. When the server announces lame
// duck mode the client removes it from its endpoint list, drains the old
// connection and dials the remaining endpoints until one answers. A dropped
// connection keeps the list as is, so a single server that comes back is
// dialed again.
type NatsClient struct {
	opts options

	mu         sync.RWMutex
	conn       *nats.Conn
	currentURL string
	endpoints  []string
	hooks      []func()
	closed     bool

	replacing atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Connect dials the first reachable endpoint.
func Connect(endpoints []string, opts ...Option) (*NatsClient, error) {
	o := options{
		name:        "zephyrcast",
		dialTimeout: 2 * time.Second,
		drainWait:   time.Second,
		log:         zap.NewNop(),
		backoff:     defaultBackOff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &NatsClient{
		opts:      o,
		endpoints: slices.Clone(endpoints),
		ctx:       ctx,
		cancel:    cancel,
	}

	conn, err := c.dial(c.endpoints)
	if err != nil {
		cancel()
		return nil, err
	}
	c.conn = conn
	c.currentURL = conn.ConnectedUrl()
	o.log.Info("connected to broker", zap.String("server", c.currentURL))
	return c, nil
}

func (c *NatsClient) dial(endpoints []string) (*nats.Conn, error) {
	conn, err := nats.Connect(strings.Join(endpoints, ","),
		nats.Name(c.opts.name),
		nats.NoEcho(),
		nats.NoReconnect(),
		nats.DontRandomize(),
		nats.Timeout(c.opts.dialTimeout),
		nats.DrainTimeout(c.opts.drainWait),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ClosedHandler(c.onClosed),
		nats.LameDuckModeHandler(c.onLameDuck),
		nats.ErrorHandler(c.onAsyncError),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return conn, nil
}

// Endpoints returns the endpoints the client would still fail over to.
func (c *NatsClient) Endpoints() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.endpoints)
}

// ConnectedURL returns the server of the current connection, or "" while reconnecting.
func (c *NatsClient) ConnectedURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return ""
	}
	return c.currentURL
}

func (c *NatsClient) current() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Publish sends data on subject. While disconnected the message is dropped.
func (c *NatsClient) Publish(subject string, data []byte) {
	conn := c.current()
	if conn == nil {
		telemetry.MessagesDropped.WithLabelValues("publish").Inc()
		c.opts.log.Debug("publish dropped, not connected", zap.String("subject", subject))
		return
	}
	if err := conn.Publish(subject, data); err != nil {
		telemetry.MessagesDropped.WithLabelValues("publish").Inc()
		c.opts.log.Debug("publish dropped", zap.String("subject", subject), zap.Error(err))
	}
}

// Subscribe binds h to subject on the current connection.
func (c *NatsClient) Subscribe(subject string, h Handler) (Subscription, error) {
	c.mu.RLock()
	conn, closed := c.conn, c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if conn == nil {
		return nil, ErrDisconnected
	}

	sub, err := conn.Subscribe(subject, func(m *nats.Msg) {
		h(&Msg{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// OnReconnect registers fn to run after every successful reconnect.
func (c *NatsClient) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Close drains the current connection and stops any reconnect in progress.
func (c *NatsClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		if !errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("drain: %w", err)
		}
	}
	return nil
}

func (c *NatsClient) onLameDuck(nc *nats.Conn) {
	c.opts.log.Info("broker entered lame duck mode", zap.String("server", nc.ConnectedUrl()))
	c.startReplace(nc, true)
}

func (c *NatsClient) onDisconnect(nc *nats.Conn, err error) {
	c.opts.log.Warn("broker connection lost", zap.Error(err))
	c.startReplace(nc, false)
}

func (c *NatsClient) onClosed(nc *nats.Conn) {
	c.startReplace(nc, false)
}

func (c *NatsClient) onAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.opts.log.Warn("broker async error", zap.String("subject", subject), zap.Error(err))
}

// startReplace swaps out old in the background. retire drops old's server
// from the endpoint list.
func (c *NatsClient) startReplace(old *nats.Conn, retire bool) {
	c.mu.Lock()
	if c.closed || c.conn != old || !c.replacing.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		c.replace(old, retire)
	}()
}

func (c *NatsClient) replace(old *nats.Conn, retire bool) {
	c.mu.Lock()
	if c.closed || c.conn != old {
		c.mu.Unlock()
		c.replacing.Store(false)
		return
	}
	c.conn = nil
	lost := c.currentURL
	if retire {
		c.endpoints = removeEndpoint(c.endpoints, lost)
	}
	remaining := slices.Clone(c.endpoints)
	c.mu.Unlock()

	if !old.IsClosed() {
		if err := old.Drain(); err != nil {
			old.Close()
		}
	}

	if len(remaining) == 0 {
		c.replacing.Store(false)
		c.fail(ErrNoEndpoints)
		return
	}

	c.opts.log.Info("reconnecting to broker",
		zap.String("lost", lost),
		zap.Bool("retired", retire),
		zap.Strings("endpoints", remaining))

	var conn *nats.Conn
	op := func() error {
		nc, err := c.dial(remaining)
		if err != nil {
			return err
		}
		conn = nc
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.opts.log.Warn("broker reconnect attempt failed", zap.Error(err), zap.Duration("retry_in", wait))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.opts.backoff(), c.ctx), notify); err != nil {
		c.replacing.Store(false)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		c.replacing.Store(false)
		return
	}
	c.conn = conn
	c.currentURL = conn.ConnectedUrl()
	hooks := slices.Clone(c.hooks)
	c.mu.Unlock()
	c.replacing.Store(false)

	telemetry.BrokerReconnects.Inc()
	c.opts.log.Info("reconnected to broker", zap.String("server", conn.ConnectedUrl()))

	for _, fn := range hooks {
		fn()
	}

	// The new connection may have dropped before it was installed.
	if conn.IsClosed() {
		c.startReplace(conn, false)
	}
}

func (c *NatsClient) fail(err error) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	c.opts.log.Error("broker client gave up", zap.Error(err))
	if c.opts.onError != nil {
		go c.opts.onError(err)
	}
}

type natsSubscription struct {
	once sync.Once
	sub  *nats.Subscription
	err  error
}

func (s *natsSubscription) Unsubscribe() error {
	s.once.Do(func() {
		err := s.sub.Unsubscribe()
		if err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			s.err = err
		}
	})
	return s.err
}
