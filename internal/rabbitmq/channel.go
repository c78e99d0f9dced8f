package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/rabbit-relay/broker"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// confirmBuffer sizes the NotifyPublish channel. amqp091 blocks the
// connection reader when it is full, so trackConfirms must keep draining it.
const confirmBuffer = 256

// amqpChannel adapts *amqp.Channel to broker.Channel and keeps the
// publisher-confirm bookkeeping that amqp091 leaves to the caller: how many
// publishes are outstanding and which delivery tags were nacked.
type amqpChannel struct {
	ch *amqp.Channel
	id string

	mu         sync.Mutex
	confirming bool
	published  uint64
	settled    uint64
	nacked     []uint64
	closed     bool
	changed    chan struct{}
	declared   map[string]struct{}
}

var _ broker.Channel = (*amqpChannel)(nil)

func newAMQPChannel(ch *amqp.Channel) *amqpChannel {
	return &amqpChannel{
		ch:       ch,
		id:       uuid.New().String(),
		changed:  make(chan struct{}),
		declared: make(map[string]struct{}),
	}
}

// ConfirmSelect enables publisher confirms and starts tracking them
func (c *amqpChannel) ConfirmSelect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.confirming {
		return nil
	}

	if err := c.ch.Confirm(false); err != nil {
		return &ChannelError{
			Op:        "confirm select",
			ChannelID: c.id,
			Err:       fmt.Errorf("%w: %v", ErrConfirmModeFailed, err),
			Timestamp: time.Now(),
		}
	}

	confirms := c.ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	c.confirming = true
	go c.trackConfirms(confirms)

	return nil
}

// trackConfirms drains broker acks/nacks until the channel closes.
// amqp091 delivers confirmations one tag at a time and in order.
func (c *amqpChannel) trackConfirms(confirms <-chan amqp.Confirmation) {
	for confirm := range confirms {
		c.mu.Lock()
		c.settled++
		if !confirm.Ack {
			c.nacked = append(c.nacked, confirm.DeliveryTag)
		}
		c.signalLocked()
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.closed = true
	c.signalLocked()
	c.mu.Unlock()
}

// signalLocked wakes every waiter. Callers hold c.mu.
func (c *amqpChannel) signalLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// DeclareExchange declares the exchange once per channel
func (c *amqpChannel) DeclareExchange(exchange broker.Exchange) error {
	if exchange.IsDefault() {
		return nil
	}

	c.mu.Lock()
	_, done := c.declared[exchange.Name]
	c.mu.Unlock()
	if done {
		return nil
	}

	if err := declareExchange(c.ch, exchange); err != nil {
		return err
	}

	c.mu.Lock()
	c.declared[exchange.Name] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Publish sends one message and counts it towards outstanding confirms
func (c *amqpChannel) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg broker.Publishing) error {
	if err := c.ch.PublishWithContext(ctx, exchange, routingKey, mandatory, false, msg); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	c.mu.Lock()
	if c.confirming {
		c.published++
	}
	c.mu.Unlock()

	return nil
}

// WaitForConfirms blocks until every outstanding publish is settled
func (c *amqpChannel) WaitForConfirms(ctx context.Context) bool {
	for {
		c.mu.Lock()
		if c.settled >= c.published {
			ok := len(c.nacked) == 0
			c.mu.Unlock()
			return ok
		}
		if c.closed {
			c.mu.Unlock()
			return false
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}

// NackedSet returns a copy of the nacked delivery tags
func (c *amqpChannel) NackedSet() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.nacked) == 0 {
		return nil
	}
	tags := make([]uint64, len(c.nacked))
	copy(tags, c.nacked)
	return tags
}

// IsOpen reports whether the underlying channel is still open
func (c *amqpChannel) IsOpen() bool {
	return !c.ch.IsClosed()
}

// Close closes the underlying channel
func (c *amqpChannel) Close() error {
	if err := c.ch.Close(); err != nil {
		return &ChannelError{
			Op:        "close",
			ChannelID: c.id,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
