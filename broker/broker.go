// Package broker defines the narrow view of an AMQP broker client that the
// publishing pipeline depends on.
//
// The interfaces are deliberately small: a connection that can report its
// liveness and open channels, and a channel that can publish, declare the
// target exchange and track publisher confirms. The amqp091-go backed
// implementation lives in internal/rabbitmq; tests use in-memory fakes.
package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publishing is the message body plus AMQP basic properties.
type Publishing = amqp.Publishing

// Table is an AMQP field table used for headers and arguments.
type Table = amqp.Table

// Connection is an established broker connection
type Connection interface {
	// IsOpen reports whether the connection is currently usable
	IsOpen() bool

	// OpenChannel opens a new channel on the connection
	OpenChannel() (Channel, error)
}

// Channel is a single broker channel. A Channel is not safe for concurrent
// use; callers get exclusive use of it between pool checkout and return.
type Channel interface {
	// ConfirmSelect puts the channel into publisher confirms mode
	ConfirmSelect() error

	// DeclareExchange makes sure the exchange exists
	DeclareExchange(exchange Exchange) error

	// Publish sends a message to an exchange
	Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg Publishing) error

	// WaitForConfirms blocks until every publish issued since confirms were
	// enabled has been acked or nacked. It returns true only when all of
	// them were acked. It returns false if the channel closes or ctx is done
	// first.
	WaitForConfirms(ctx context.Context) bool

	// NackedSet returns the delivery tags the broker rejected
	NackedSet() []uint64

	// IsOpen reports whether the channel is still usable
	IsOpen() bool

	// Close closes the channel
	Close() error
}

// Exchange describes the exchange messages are published to
type Exchange struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  Table
}

// IsDefault reports whether this is the nameless default exchange, which
// must never be declared.
func (e Exchange) IsDefault() bool {
	return e.Name == ""
}
