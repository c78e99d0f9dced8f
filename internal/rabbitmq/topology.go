package rabbitmq

import (
	"time"

	"github.com/glimte/rabbit-relay/broker"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultExchangeKind = amqp.ExchangeTopic

// exchangeDeclarer is the part of *amqp.Channel used to declare exchanges
type exchangeDeclarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
}

// declareExchange declares the publish target. A declaration that
// conflicts with an existing exchange closes the channel on the broker
// side, which surfaces as a connection-class error on the next publish.
func declareExchange(ch exchangeDeclarer, exchange broker.Exchange) error {
	kind := exchange.Kind
	if kind == "" {
		kind = defaultExchangeKind
	}

	err := ch.ExchangeDeclare(
		exchange.Name,       // name
		kind,                // type
		exchange.Durable,    // durable
		exchange.AutoDelete, // auto-deleted
		exchange.Internal,   // internal
		false,               // no-wait
		exchange.Arguments,  // arguments
	)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	return nil
}
