// Package broker wraps the publish/subscribe broker that zephyrcast nodes use
// as their only inter-process channel.
//
// Delivery is best effort. Publishing while the connection is down drops the
// message, and nothing is buffered or replayed. Subscriptions are bound to the
// client's current connection; after a reconnect the client invokes the hooks
// registered with OnReconnect and leaves resubscription to their owners.
package broker

import "errors"

var (
	// ErrConnection is returned when none of the configured endpoints is reachable.
	ErrConnection = errors.New("broker: connection failed")
	// ErrNoEndpoints is returned (or reported through the error handler) when
	// no endpoint is left to connect to.
	ErrNoEndpoints = errors.New("broker: no endpoints left")
	// ErrDisconnected is returned by Subscribe while the client is reconnecting.
	ErrDisconnected = errors.New("broker: disconnected")
	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("broker: client closed")
)

// Msg is one message delivered on a subject.
type Msg struct {
	Subject string
	Data    []byte
}

// Handler receives messages for a subscription. Handlers must not block.
type Handler func(msg *Msg)

// Subscription is a live interest in one subject.
type Subscription interface {
	// Unsubscribe is idempotent.
	Unsubscribe() error
}

// Client is the connection shared by every subscription of a process.
type Client interface {
	Publish(subject string, data []byte)
	Subscribe(subject string, h Handler) (Subscription, error)
	OnReconnect(fn func())
	Close() error
}
