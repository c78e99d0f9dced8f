package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockConnectionStateListener tracks connection state changes
type MockConnectionStateListener struct {
	mu                   sync.Mutex
	connectedCount       int
	disconnectedCount    int
	reconnectingCount    int
	lastDisconnectError  error
	lastReconnectAttempt int
}

func (m *MockConnectionStateListener) OnConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectedCount++
}

func (m *MockConnectionStateListener) OnDisconnected(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectedCount++
	m.lastDisconnectError = err
}

func (m *MockConnectionStateListener) OnReconnecting(attempt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectingCount++
	m.lastReconnectAttempt = attempt
}

func (m *MockConnectionStateListener) GetStats() (connected, disconnected, reconnecting int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedCount, m.disconnectedCount, m.reconnectingCount
}

func (m *MockConnectionStateListener) LastDisconnectError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDisconnectError
}

func TestConnectionManagerStateListeners(t *testing.T) {
	t.Run("RemoveStateListener removes listener", func(t *testing.T) {
		cm := NewConnectionManager("amqp://localhost:5672")
		listener1 := &MockConnectionStateListener{}
		listener2 := &MockConnectionStateListener{}

		cm.AddStateListener(listener1)
		cm.AddStateListener(listener2)
		cm.RemoveStateListener(listener1)

		cm.listenersMu.RLock()
		defer cm.listenersMu.RUnlock()
		require.Len(t, cm.stateListeners, 1)
		assert.Equal(t, listener2, cm.stateListeners[0])
	})

	t.Run("notifications reach every listener", func(t *testing.T) {
		cm := NewConnectionManager("amqp://localhost:5672")
		listener := &MockConnectionStateListener{}
		cm.AddStateListener(listener)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cm.notifyConnected()
				cm.notifyDisconnected(errors.New("test error"))
				cm.notifyReconnecting(1)
			}()
		}
		wg.Wait()

		assert.Eventually(t, func() bool {
			connected, disconnected, reconnecting := listener.GetStats()
			return connected == 10 && disconnected == 10 && reconnecting == 10
		}, time.Second, 5*time.Millisecond)
	})
}

func TestConnectionManagerReconnectLogic(t *testing.T) {
	t.Run("calculateBackoff grows and is capped", func(t *testing.T) {
		cm := NewConnectionManager("amqp://localhost:5672", WithReconnectDelay(100*time.Millisecond))

		first := cm.calculateBackoff(0)
		assert.GreaterOrEqual(t, first, 87*time.Millisecond)
		assert.LessOrEqual(t, first, 113*time.Millisecond)

		// Jitter is ±12.5%, so doubling always wins.
		for attempt := 1; attempt < 5; attempt++ {
			assert.Greater(t, cm.calculateBackoff(attempt), cm.calculateBackoff(attempt-1)*3/2)
		}

		assert.LessOrEqual(t, cm.calculateBackoff(40), time.Minute+time.Minute/8)
	})

	t.Run("WithMaxRetries limits reconnect attempts", func(t *testing.T) {
		cm := NewConnectionManager("amqp://localhost:5672",
			WithReconnectDelay(time.Millisecond),
			WithMaxRetries(3))
		cm.dialFn = failingDial

		listener := &MockConnectionStateListener{}
		cm.AddStateListener(listener)

		done := make(chan bool, 1)
		go func() {
			done <- cm.reconnect()
		}()

		select {
		case reconnected := <-done:
			assert.False(t, reconnected)
		case <-time.After(2 * time.Second):
			t.Fatal("reconnect did not give up in time")
		}

		assert.Eventually(t, func() bool {
			_, _, reconnecting := listener.GetStats()
			return reconnecting == 3
		}, time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool {
			return errors.Is(listener.LastDisconnectError(), ErrMaxRetriesExceeded)
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("Close stops reconnection attempts", func(t *testing.T) {
		cm := NewConnectionManager("amqp://localhost:5672",
			WithReconnectDelay(20*time.Millisecond),
			WithMaxRetries(-1))
		cm.dialFn = failingDial

		done := make(chan bool, 1)
		go func() {
			done <- cm.reconnect()
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, cm.Close())

		select {
		case reconnected := <-done:
			assert.False(t, reconnected)
		case <-time.After(2 * time.Second):
			t.Fatal("reconnect kept running after Close")
		}
	})

	t.Run("Multiple Close calls are safe", func(t *testing.T) {
		cm := NewConnectionManager("amqp://localhost:5672")

		assert.NoError(t, cm.Close())
		assert.NoError(t, cm.Close())
	})

	t.Run("Connect still reports dial failures after Close", func(t *testing.T) {
		cm := NewConnectionManager("amqp://localhost:5672")
		cm.dialFn = failingDial
		require.NoError(t, cm.Close())

		err := cm.Connect(context.Background())
		assert.Error(t, err)
	})
}
