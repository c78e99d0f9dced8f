package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbit-relay/broker"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Mode selects which pool a channel comes from
type Mode int

const (
	// ModeStandard channels publish fire-and-forget
	ModeStandard Mode = iota
	// ModeConfirms channels have publisher confirms enabled
	ModeConfirms
)

func (m Mode) String() string {
	switch m {
	case ModeStandard:
		return "standard"
	case ModeConfirms:
		return "confirms"
	default:
		return "unknown"
	}
}

// ChannelPool hands out at most maxSize channels at a time. Channels are
// opened lazily on checkout and reused after they are returned.
type ChannelPool struct {
	conn        broker.Connection
	mode        Mode
	maxSize     int
	timeout     time.Duration
	logger      *slog.Logger
	slots       *semaphore.Weighted
	channels    chan *PooledChannel
	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps a broker channel with pool metadata
type PooledChannel struct {
	broker.Channel
	pool     *ChannelPool
	lastUsed time.Time
	id       string
}

// ID returns the pool-assigned channel identifier
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithCheckoutTimeout bounds how long Get waits for a free channel
func WithCheckoutTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.timeout = timeout
	}
}

// WithMode selects standard or confirms channels
func WithMode(mode Mode) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.mode = mode
	}
}

// WithChannelLogger sets the pool logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates an empty channel pool
func NewChannelPool(conn broker.Connection, options ...ChannelPoolOption) (*ChannelPool, error) {
	if conn == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		conn:    conn,
		mode:    ModeStandard,
		maxSize: 32,
		timeout: 2 * time.Second,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.timeout < 0 {
		return nil, fmt.Errorf("%w: checkout timeout cannot be negative", ErrInvalidConfiguration)
	}

	pool.slots = semaphore.NewWeighted(int64(pool.maxSize))
	pool.channels = make(chan *PooledChannel, pool.maxSize)

	return pool, nil
}

// Get checks a channel out of the pool, waiting up to the checkout timeout
// when all maxSize channels are in use
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	acquireCtx := ctx
	if cp.timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, cp.timeout)
		defer cancel()
	}

	if err := cp.slots.Acquire(acquireCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ctxErr,
				Timestamp: time.Now(),
			}
		}
		return nil, &ChannelError{
			Op:        "get channel",
			ChannelID: "pool",
			Err:       fmt.Errorf("%w: no %s channel free after %v", ErrChannelPoolExhausted, cp.mode, cp.timeout),
			Timestamp: time.Now(),
		}
	}

	for {
		select {
		case ch := <-cp.channels:
			if !ch.IsOpen() {
				cp.discard(ch)
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}
		break
	}

	ch, err := cp.createChannel()
	if err != nil {
		cp.slots.Release(1)
		return nil, err
	}
	return ch, nil
}

// Put returns a channel to the pool. Closed channels, and channels
// returned after the pool was shut down, are dropped.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}
	defer cp.slots.Release(1)

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed || !ch.IsOpen() {
		cp.closeQuietly(ch)
		cp.activeCount--
		return
	}

	ch.lastUsed = time.Now()

	select {
	case cp.channels <- ch:
	default:
		cp.closeQuietly(ch)
		cp.activeCount--
	}
}

// Close shuts the pool down and closes every idle channel. Channels still
// checked out are closed when they are returned.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}
	cp.closed = true

	for {
		select {
		case ch := <-cp.channels:
			cp.closeQuietly(ch)
			cp.activeCount--
		default:
			return nil
		}
	}
}

// closeQuietly closes a channel, logging instead of returning failures:
// the channel is being thrown away either way.
func (cp *ChannelPool) closeQuietly(ch *PooledChannel) {
	if !ch.IsOpen() {
		return
	}
	if err := ch.Close(); err != nil {
		cp.logger.Debug("failed to close pooled channel",
			"mode", cp.mode.String(),
			"channel", ch.id,
			"error", err)
	}
}

func (cp *ChannelPool) discard(ch *PooledChannel) {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
	cp.closeQuietly(ch)
}

// createChannel opens a new channel, enabling confirms for confirm pools.
// Confirm mode is set exactly once, here.
func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	ch, err := cp.conn.OpenChannel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	pooled := &PooledChannel{
		Channel:  ch,
		pool:     cp,
		lastUsed: time.Now(),
		id:       uuid.New().String(),
	}

	if cp.mode == ModeConfirms {
		if err := ch.ConfirmSelect(); err != nil {
			cp.closeQuietly(pooled)
			return nil, &ChannelError{
				Op:        "confirm select",
				ChannelID: pooled.id,
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()

	return pooled, nil
}

// Size returns the number of channels owned by the pool, idle or in use
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Idle returns the number of channels waiting in the pool
func (cp *ChannelPool) Idle() int {
	return len(cp.channels)
}

// MaxSize returns the configured pool capacity
func (cp *ChannelPool) MaxSize() int {
	return cp.maxSize
}

// Mode returns the pool mode
func (cp *ChannelPool) Mode() Mode {
	return cp.mode
}

// Execute runs fn with a channel from the pool and always returns the
// channel afterwards
func (cp *ChannelPool) Execute(ctx context.Context, fn func(broker.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	return cp.run(ch, fn)
}

func (cp *ChannelPool) run(ch *PooledChannel, fn func(broker.Channel) error) (execErr error) {
	defer cp.Put(ch)

	defer func() {
		if r := recover(); r != nil {
			execErr = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()

	return fn(ch.Channel)
}
