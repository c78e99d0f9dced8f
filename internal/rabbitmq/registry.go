package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/rabbit-relay/broker"
)

// ResetListener is told which pools a reset discarded
type ResetListener func(mode Mode)

// PoolStats is a point-in-time view of one pool
type PoolStats struct {
	Mode    Mode
	Created bool
	Size    int
	Idle    int
	MaxSize int
}

// ChannelPoolRegistry owns the standard and confirms channel pools of one
// connection. Pools are built on first use and can be reset independently.
//
// The registry records the id of the process that built its pools. A
// checkout from any other process resets both pools first, so channels
// never cross a fork boundary.
type ChannelPoolRegistry struct {
	conn         broker.Connection
	poolSize     int
	confirmsSize int
	timeout      time.Duration
	logger       *slog.Logger
	getpid       func() int
	onReset      ResetListener

	initMu     sync.Mutex
	standard   atomic.Pointer[ChannelPool]
	confirms   atomic.Pointer[ChannelPool]
	creatorPID atomic.Int64
}

// RegistryOption configures the registry
type RegistryOption func(*ChannelPoolRegistry)

// WithPoolSize sets the standard pool size
func WithPoolSize(size int) RegistryOption {
	return func(r *ChannelPoolRegistry) {
		r.poolSize = size
	}
}

// WithConfirmsPoolSize sets the confirms pool size. Zero falls back to the
// standard pool size.
func WithConfirmsPoolSize(size int) RegistryOption {
	return func(r *ChannelPoolRegistry) {
		r.confirmsSize = size
	}
}

// WithPoolTimeout sets the checkout timeout of both pools
func WithPoolTimeout(timeout time.Duration) RegistryOption {
	return func(r *ChannelPoolRegistry) {
		r.timeout = timeout
	}
}

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *ChannelPoolRegistry) {
		r.logger = logger
	}
}

// WithResetListener registers a callback invoked for every discarded pool
func WithResetListener(listener ResetListener) RegistryOption {
	return func(r *ChannelPoolRegistry) {
		r.onReset = listener
	}
}

// WithPIDFunc overrides how the current process id is read
func WithPIDFunc(getpid func() int) RegistryOption {
	return func(r *ChannelPoolRegistry) {
		r.getpid = getpid
	}
}

// NewChannelPoolRegistry creates a registry without building any pool
func NewChannelPoolRegistry(conn broker.Connection, options ...RegistryOption) (*ChannelPoolRegistry, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: connection cannot be nil", ErrInvalidConfiguration)
	}

	r := &ChannelPoolRegistry{
		conn:     conn,
		poolSize: 32,
		timeout:  2 * time.Second,
		logger:   slog.Default(),
		getpid:   os.Getpid,
	}

	for _, opt := range options {
		opt(r)
	}

	if r.poolSize < 1 {
		return nil, fmt.Errorf("%w: pool size must be at least 1", ErrInvalidConfiguration)
	}
	if r.confirmsSize < 0 {
		return nil, fmt.Errorf("%w: confirms pool size cannot be negative", ErrInvalidConfiguration)
	}

	return r, nil
}

// WithChannel checks a channel out of the pool for mode, runs fn with it
// and returns the channel to the pool, whatever fn returns
func (r *ChannelPoolRegistry) WithChannel(ctx context.Context, mode Mode, fn func(broker.Channel) error) error {
	r.checkFork()

	// A reset may close the pool between lookup and checkout; the next
	// lookup then builds a fresh one.
	for tries := 0; ; tries++ {
		pool, err := r.pool(mode)
		if err != nil {
			return err
		}

		ch, err := pool.Get(ctx)
		if errors.Is(err, ErrChannelPoolClosed) && tries < 3 {
			continue
		}
		if err != nil {
			return err
		}

		return pool.run(ch, fn)
	}
}

// Reset discards both pools
func (r *ChannelPoolRegistry) Reset() {
	r.initMu.Lock()
	standard := r.standard.Swap(nil)
	confirms := r.confirms.Swap(nil)
	r.creatorPID.Store(0)
	r.initMu.Unlock()

	r.shutdown(standard)
	r.shutdown(confirms)
}

// ResetConfirms discards only the confirms pool
func (r *ChannelPoolRegistry) ResetConfirms() {
	r.initMu.Lock()
	confirms := r.confirms.Swap(nil)
	r.initMu.Unlock()

	r.shutdown(confirms)
}

// Stats reports both pools
func (r *ChannelPoolRegistry) Stats() []PoolStats {
	stats := make([]PoolStats, 0, 2)
	for _, mode := range []Mode{ModeStandard, ModeConfirms} {
		s := PoolStats{Mode: mode, MaxSize: r.sizeFor(mode)}
		if pool := r.slot(mode).Load(); pool != nil {
			s.Created = true
			s.Size = pool.Size()
			s.Idle = pool.Idle()
		}
		stats = append(stats, s)
	}
	return stats
}

// checkFork resets every pool when the recorded creator is not this process
func (r *ChannelPoolRegistry) checkFork() {
	creator := r.creatorPID.Load()
	if creator == 0 {
		return
	}
	if current := int64(r.getpid()); creator != current {
		r.logger.Warn("channel pools were created by another process, resetting",
			"creator_pid", creator,
			"pid", current)
		r.Reset()
	}
}

func (r *ChannelPoolRegistry) slot(mode Mode) *atomic.Pointer[ChannelPool] {
	if mode == ModeConfirms {
		return &r.confirms
	}
	return &r.standard
}

func (r *ChannelPoolRegistry) sizeFor(mode Mode) int {
	if mode == ModeConfirms && r.confirmsSize > 0 {
		return r.confirmsSize
	}
	return r.poolSize
}

// pool returns the pool for mode, building it under initMu when missing.
// Resets swap the slots under the same lock, so a live pool always has a
// recorded creator.
func (r *ChannelPoolRegistry) pool(mode Mode) (*ChannelPool, error) {
	slot := r.slot(mode)
	if pool := slot.Load(); pool != nil {
		return pool, nil
	}

	r.initMu.Lock()
	defer r.initMu.Unlock()

	if pool := slot.Load(); pool != nil {
		return pool, nil
	}

	r.creatorPID.CompareAndSwap(0, int64(r.getpid()))

	pool, err := NewChannelPool(r.conn,
		WithMode(mode),
		WithMaxSize(r.sizeFor(mode)),
		WithCheckoutTimeout(r.timeout),
		WithChannelLogger(r.logger),
	)
	if err != nil {
		return nil, err
	}

	slot.Store(pool)
	r.logger.Debug("channel pool created", "mode", mode.String(), "size", pool.MaxSize())
	return pool, nil
}

func (r *ChannelPoolRegistry) shutdown(pool *ChannelPool) {
	if pool == nil {
		return
	}

	if err := pool.Close(); err != nil {
		r.logger.Debug("failed to close channel pool", "mode", pool.Mode().String(), "error", err)
	}
	r.logger.Info("channel pool reset", "mode", pool.Mode().String())

	if r.onReset != nil {
		r.onReset(pool.Mode())
	}
}
