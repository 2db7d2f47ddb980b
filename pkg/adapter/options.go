package adapter

import (
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/pkg/uid"
)

// DefaultRequestTimeout bounds every cluster query.
const DefaultRequestTimeout = 500 * time.Millisecond

type options struct {
	prefix    string
	timeout   time.Duration
	counter   NodeCounter
	ids       uid.Generator
	nodeID    string
	log       *zap.Logger
	queueSize int
}

func defaultOptions() options {
	return options{
		prefix:    DefaultPrefix,
		timeout:   DefaultRequestTimeout,
		counter:   StaticNodeCount(2),
		log:       zap.NewNop(),
		queueSize: 1024,
	}
}

// Option configures an Adapter.
type Option func(*options)

// WithPrefix sets the channel prefix shared by the cluster.
func WithPrefix(p string) Option {
	return func(o *options) { o.prefix = p }
}

// WithRequestTimeout sets how long a cluster query waits for responses.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithNodeCounter sets the live node estimate used to size quorums.
func WithNodeCounter(c NodeCounter) Option {
	return func(o *options) { o.counter = c }
}

// WithIDGenerator sets the request id generator.
func WithIDGenerator(g uid.Generator) Option {
	return func(o *options) { o.ids = g }
}

// WithNodeID fixes the node identity instead of generating one.
func WithNodeID(id string) Option {
	return func(o *options) { o.nodeID = id }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithQueueSize sets the capacity of the inbound message queue.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}
