package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/rabbit-relay/broker"
	"github.com/glimte/rabbit-relay/internal/brokertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChannelPool(t *testing.T) {
	t.Run("nil connection is rejected", func(t *testing.T) {
		pool, err := NewChannelPool(nil)
		assert.Nil(t, pool)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("max size must be positive", func(t *testing.T) {
		_, err := NewChannelPool(brokertest.NewConnection(), WithMaxSize(0))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("negative timeout is rejected", func(t *testing.T) {
		_, err := NewChannelPool(brokertest.NewConnection(), WithCheckoutTimeout(-time.Second))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("defaults", func(t *testing.T) {
		pool, err := NewChannelPool(brokertest.NewConnection())
		require.NoError(t, err)
		assert.Equal(t, 32, pool.MaxSize())
		assert.Equal(t, ModeStandard, pool.Mode())
		assert.Equal(t, 2*time.Second, pool.timeout)
	})

	t.Run("no channels are opened up front", func(t *testing.T) {
		conn := brokertest.NewConnection()
		pool, err := NewChannelPool(conn, WithMaxSize(4))
		require.NoError(t, err)

		assert.Empty(t, conn.Channels())
		assert.Equal(t, 0, pool.Size())
	})
}

func TestChannelPoolCheckout(t *testing.T) {
	ctx := context.Background()

	t.Run("returned channels are reused", func(t *testing.T) {
		conn := brokertest.NewConnection()
		pool, err := NewChannelPool(conn, WithMaxSize(2))
		require.NoError(t, err)

		ch, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, ch.ID())
		assert.Equal(t, 1, pool.Size())
		assert.Equal(t, 0, pool.Idle())

		pool.Put(ch)
		assert.Equal(t, 1, pool.Idle())

		again, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, ch.ID(), again.ID())
		assert.Len(t, conn.Channels(), 1)
	})

	t.Run("standard channels never enable confirms", func(t *testing.T) {
		conn := brokertest.NewConnection()
		pool, err := NewChannelPool(conn)
		require.NoError(t, err)

		ch, err := pool.Get(ctx)
		require.NoError(t, err)
		pool.Put(ch)

		require.Len(t, conn.Channels(), 1)
		assert.Equal(t, 0, conn.Channels()[0].ConfirmSelects())
	})

	t.Run("confirm channels enable confirms exactly once", func(t *testing.T) {
		conn := brokertest.NewConnection()
		pool, err := NewChannelPool(conn, WithMode(ModeConfirms), WithMaxSize(1))
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			ch, err := pool.Get(ctx)
			require.NoError(t, err)
			pool.Put(ch)
		}

		require.Len(t, conn.Channels(), 1)
		assert.Equal(t, 1, conn.Channels()[0].ConfirmSelects())
	})

	t.Run("confirm select failure closes the channel and frees the slot", func(t *testing.T) {
		conn := brokertest.NewConnection()
		conn.NewChannel = func(ch *brokertest.Channel) {
			ch.ConfirmErr = errors.New("not allowed")
		}
		pool, err := NewChannelPool(conn, WithMode(ModeConfirms), WithMaxSize(1))
		require.NoError(t, err)

		_, err = pool.Get(ctx)
		var chErr *ChannelError
		require.ErrorAs(t, err, &chErr)
		assert.Equal(t, "confirm select", chErr.Op)
		assert.False(t, conn.Channels()[0].IsOpen())
		assert.Equal(t, 0, pool.Size())

		conn.NewChannel = nil
		ch, err := pool.Get(ctx)
		require.NoError(t, err)
		pool.Put(ch)
	})

	t.Run("open failure is a channel creation error", func(t *testing.T) {
		conn := brokertest.NewConnection()
		conn.SetOpenError(ErrConnectionNotReady)
		pool, err := NewChannelPool(conn, WithMaxSize(1))
		require.NoError(t, err)

		_, err = pool.Get(ctx)
		assert.ErrorIs(t, err, ErrChannelCreationFailed)
		assert.ErrorIs(t, err, ErrConnectionNotReady)
		assert.True(t, IsConnectionError(err))

		conn.SetOpenError(nil)
		ch, err := pool.Get(ctx)
		require.NoError(t, err, "failed open must release its slot")
		pool.Put(ch)
	})

	t.Run("exhausted pool times out", func(t *testing.T) {
		pool, err := NewChannelPool(brokertest.NewConnection(),
			WithMaxSize(1),
			WithCheckoutTimeout(30*time.Millisecond))
		require.NoError(t, err)

		held, err := pool.Get(ctx)
		require.NoError(t, err)
		defer pool.Put(held)

		start := time.Now()
		_, err = pool.Get(ctx)
		assert.ErrorIs(t, err, ErrChannelPoolExhausted)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
		assert.False(t, IsConnectionError(err))
	})

	t.Run("waiting checkout gets the returned channel", func(t *testing.T) {
		pool, err := NewChannelPool(brokertest.NewConnection(),
			WithMaxSize(1),
			WithCheckoutTimeout(time.Second))
		require.NoError(t, err)

		held, err := pool.Get(ctx)
		require.NoError(t, err)

		go func() {
			time.Sleep(20 * time.Millisecond)
			pool.Put(held)
		}()

		ch, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, held.ID(), ch.ID())
		pool.Put(ch)
	})

	t.Run("cancelled context is reported as such", func(t *testing.T) {
		pool, err := NewChannelPool(brokertest.NewConnection(), WithMaxSize(1))
		require.NoError(t, err)

		held, err := pool.Get(ctx)
		require.NoError(t, err)
		defer pool.Put(held)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err = pool.Get(cancelled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrChannelPoolExhausted)
	})

	t.Run("closed channels are dropped on return", func(t *testing.T) {
		conn := brokertest.NewConnection()
		pool, err := NewChannelPool(conn, WithMaxSize(1))
		require.NoError(t, err)

		ch, err := pool.Get(ctx)
		require.NoError(t, err)
		require.NoError(t, ch.Close())
		pool.Put(ch)

		assert.Equal(t, 0, pool.Size())
		assert.Equal(t, 0, pool.Idle())

		fresh, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, ch.ID(), fresh.ID())
		assert.Len(t, conn.Channels(), 2)
	})

	t.Run("idle channels closed behind the pool are replaced", func(t *testing.T) {
		conn := brokertest.NewConnection()
		pool, err := NewChannelPool(conn, WithMaxSize(1))
		require.NoError(t, err)

		ch, err := pool.Get(ctx)
		require.NoError(t, err)
		pool.Put(ch)
		require.NoError(t, conn.Channels()[0].Close())

		fresh, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, ch.ID(), fresh.ID())
		assert.Equal(t, 1, pool.Size())
	})
}

func TestChannelPoolClose(t *testing.T) {
	ctx := context.Background()

	t.Run("idle channels are closed", func(t *testing.T) {
		conn := brokertest.NewConnection()
		pool, err := NewChannelPool(conn, WithMaxSize(2))
		require.NoError(t, err)

		a, err := pool.Get(ctx)
		require.NoError(t, err)
		b, err := pool.Get(ctx)
		require.NoError(t, err)
		pool.Put(a)
		pool.Put(b)

		require.NoError(t, pool.Close())
		for _, ch := range conn.Channels() {
			assert.False(t, ch.IsOpen())
		}
		assert.Equal(t, 0, pool.Size())
	})

	t.Run("Get after Close fails", func(t *testing.T) {
		pool, err := NewChannelPool(brokertest.NewConnection())
		require.NoError(t, err)
		require.NoError(t, pool.Close())

		_, err = pool.Get(ctx)
		assert.ErrorIs(t, err, ErrChannelPoolClosed)
	})

	t.Run("channels returned after Close are closed", func(t *testing.T) {
		conn := brokertest.NewConnection()
		pool, err := NewChannelPool(conn)
		require.NoError(t, err)

		ch, err := pool.Get(ctx)
		require.NoError(t, err)
		require.NoError(t, pool.Close())
		assert.True(t, ch.IsOpen())

		pool.Put(ch)
		assert.False(t, ch.IsOpen())
		assert.Equal(t, 0, pool.Idle())
	})

	t.Run("Close is idempotent", func(t *testing.T) {
		pool, err := NewChannelPool(brokertest.NewConnection())
		require.NoError(t, err)
		assert.NoError(t, pool.Close())
		assert.NoError(t, pool.Close())
	})

	t.Run("close failures are swallowed", func(t *testing.T) {
		conn := brokertest.NewConnection()
		conn.NewChannel = func(ch *brokertest.Channel) {
			ch.CloseErr = errors.New("already gone")
		}
		pool, err := NewChannelPool(conn)
		require.NoError(t, err)

		ch, err := pool.Get(ctx)
		require.NoError(t, err)
		pool.Put(ch)

		assert.NoError(t, pool.Close())
		assert.Equal(t, 1, conn.Channels()[0].CloseCalls())
	})
}

func TestChannelPoolExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("channel is returned after fn", func(t *testing.T) {
		pool, err := NewChannelPool(brokertest.NewConnection(), WithMaxSize(1))
		require.NoError(t, err)

		fnErr := errors.New("fn failed")
		err = pool.Execute(ctx, func(ch broker.Channel) error {
			return fnErr
		})
		assert.Equal(t, fnErr, err)
		assert.Equal(t, 1, pool.Idle())
	})

	t.Run("panic is recovered and the slot released", func(t *testing.T) {
		pool, err := NewChannelPool(brokertest.NewConnection(),
			WithMaxSize(1),
			WithCheckoutTimeout(50*time.Millisecond))
		require.NoError(t, err)

		err = pool.Execute(ctx, func(ch broker.Channel) error {
			panic("boom")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panic in channel execution")

		err = pool.Execute(ctx, func(ch broker.Channel) error { return nil })
		assert.NoError(t, err)
	})
}
