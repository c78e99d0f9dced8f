// Package brokertest provides in-memory broker.Connection and
// broker.Channel implementations for tests.
package brokertest

import (
	"context"
	"errors"
	"sync"

	"github.com/glimte/rabbit-relay/broker"
)

// ErrChannelClosed is returned by a closed Channel
var ErrChannelClosed = errors.New("brokertest: channel closed")

// Published records one publish call
type Published struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Msg        broker.Publishing
}

// Connection is a fake broker connection. It is open by default.
type Connection struct {
	mu           sync.Mutex
	open         bool
	openSequence []bool
	openChecks   int
	openErr      error
	channels     []*Channel

	// NewChannel customises channels as they are opened
	NewChannel func(ch *Channel)
}

var _ broker.Connection = (*Connection)(nil)

// NewConnection returns an open fake connection
func NewConnection() *Connection {
	return &Connection{open: true}
}

// SetOpen sets the liveness reported by IsOpen
func (c *Connection) SetOpen(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = open
}

// SetOpenSequence makes the next IsOpen calls return the given values in
// order. Once they are used up, IsOpen returns the value set by SetOpen.
func (c *Connection) SetOpenSequence(values ...bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openSequence = append([]bool(nil), values...)
}

// SetOpenError makes OpenChannel fail
func (c *Connection) SetOpenError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErr = err
}

// IsOpen implements broker.Connection
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.openChecks++
	if len(c.openSequence) > 0 {
		v := c.openSequence[0]
		c.openSequence = c.openSequence[1:]
		return v
	}
	return c.open
}

// OpenChecks returns how many times IsOpen was called
func (c *Connection) OpenChecks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openChecks
}

// OpenChannel implements broker.Connection
func (c *Connection) OpenChannel() (broker.Channel, error) {
	c.mu.Lock()
	if c.openErr != nil {
		err := c.openErr
		c.mu.Unlock()
		return nil, err
	}
	ch := NewChannel()
	c.channels = append(c.channels, ch)
	customise := c.NewChannel
	c.mu.Unlock()

	if customise != nil {
		customise(ch)
	}
	return ch, nil
}

// Channels returns every channel opened so far
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// Channel is a fake broker channel. Publishes succeed and confirms are
// acked unless configured otherwise.
type Channel struct {
	mu             sync.Mutex
	open           bool
	confirmSelects int
	declared       []broker.Exchange
	published      []Published
	nacked         []uint64
	closeCalls     int
	waitCalls      int

	// PublishFunc, when set, decides the result of each publish
	PublishFunc func(p Published) error
	// WaitFunc, when set, replaces the default WaitForConfirms behaviour
	WaitFunc func(ctx context.Context) bool
	// ConfirmErr fails ConfirmSelect
	ConfirmErr error
	// CloseErr fails Close; the channel still ends up closed
	CloseErr error
}

var _ broker.Channel = (*Channel)(nil)

// NewChannel returns an open fake channel
func NewChannel() *Channel {
	return &Channel{open: true}
}

// ConfirmSelect implements broker.Channel
func (c *Channel) ConfirmSelect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConfirmErr != nil {
		return c.ConfirmErr
	}
	c.confirmSelects++
	return nil
}

// DeclareExchange implements broker.Channel
func (c *Channel) DeclareExchange(exchange broker.Exchange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrChannelClosed
	}
	c.declared = append(c.declared, exchange)
	return nil
}

// Publish implements broker.Channel
func (c *Channel) Publish(_ context.Context, exchange, routingKey string, mandatory bool, msg broker.Publishing) error {
	p := Published{Exchange: exchange, RoutingKey: routingKey, Mandatory: mandatory, Msg: msg}

	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	publish := c.PublishFunc
	c.mu.Unlock()

	if publish != nil {
		if err := publish(p); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.published = append(c.published, p)
	c.mu.Unlock()
	return nil
}

// WaitForConfirms implements broker.Channel
func (c *Channel) WaitForConfirms(ctx context.Context) bool {
	c.mu.Lock()
	c.waitCalls++
	wait := c.WaitFunc
	ok := c.open && len(c.nacked) == 0
	c.mu.Unlock()

	if wait != nil {
		return wait(ctx)
	}
	return ok
}

// Nack marks delivery tags as rejected by the broker
func (c *Channel) Nack(tags ...uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacked = append(c.nacked, tags...)
}

// NackedSet implements broker.Channel
func (c *Channel) NackedSet() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.nacked...)
}

// IsOpen implements broker.Channel
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Close implements broker.Channel
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	c.open = false
	return c.CloseErr
}

// ConfirmSelects returns how many times confirms were enabled
func (c *Channel) ConfirmSelects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmSelects
}

// Published returns every successful publish
func (c *Channel) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// Declared returns every exchange declaration
func (c *Channel) Declared() []broker.Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.Exchange(nil), c.declared...)
}

// CloseCalls returns how many times Close was called
func (c *Channel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// WaitCalls returns how many times WaitForConfirms was called
func (c *Channel) WaitCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitCalls
}
