package messaging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/rabbit-relay/config"
	"github.com/glimte/rabbit-relay/internal/brokertest"
	"github.com/glimte/rabbit-relay/internal/rabbitmq"
	"github.com/glimte/rabbit-relay/internal/reliability"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// countingPools counts resets on top of a real registry
type countingPools struct {
	*rabbitmq.ChannelPoolRegistry
	resets        atomic.Int32
	confirmResets atomic.Int32
}

func (c *countingPools) Reset() {
	c.resets.Add(1)
	c.ChannelPoolRegistry.Reset()
}

func (c *countingPools) ResetConfirms() {
	c.confirmResets.Add(1)
	c.ChannelPoolRegistry.ResetConfirms()
}

// sleepRecorder records retry sleeps without sleeping
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// MockObserver is a testify mock of Observer
type MockObserver struct {
	mock.Mock
}

func (m *MockObserver) AttemptFailed(kind reliability.FailureKind, attempt int) {
	m.Called(kind, attempt)
}

func (m *MockObserver) Backoff(kind reliability.FailureKind, delay time.Duration) {
	m.Called(kind, delay)
}

func (m *MockObserver) Exhausted(kind reliability.FailureKind, attempts int) {
	m.Called(kind, attempts)
}

func (m *MockObserver) Recovered() {
	m.Called()
}

func (m *MockObserver) Published(operation string, elapsed time.Duration, err error) {
	m.Called(operation, elapsed, err)
}

func (m *MockObserver) ConfirmationFailed(reason string) {
	m.Called(reason)
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPublisherConfig() config.Publisher {
	cfg := config.DefaultPublisher()
	cfg.PoolSize = 4
	cfg.ConfirmsTimeout = time.Second
	cfg.ConfirmsCleanupTimeout = 50 * time.Millisecond
	cfg.ConfirmsBatchSize = 3
	return cfg
}

type testEnv struct {
	conn      *brokertest.Connection
	pools     *countingPools
	sleeps    *sleepRecorder
	publisher *Publisher
}

func newTestEnv(t *testing.T, cfg config.Publisher, options ...PublisherOption) *testEnv {
	t.Helper()

	conn := brokertest.NewConnection()
	registry, err := rabbitmq.NewChannelPoolRegistry(conn,
		rabbitmq.WithPoolSize(cfg.PoolSize),
		rabbitmq.WithConfirmsPoolSize(cfg.ConfirmsPoolSize),
		rabbitmq.WithPoolTimeout(cfg.PoolTimeout),
		rabbitmq.WithRegistryLogger(discardLogger()))
	require.NoError(t, err)

	env := &testEnv{
		conn:   conn,
		pools:  &countingPools{ChannelPoolRegistry: registry},
		sleeps: &sleepRecorder{},
	}

	opts := append([]PublisherOption{
		WithPublisherConfig(cfg),
		WithPublisherLogger(discardLogger()),
		WithRetrySleep(env.sleeps.Sleep),
	}, options...)

	env.publisher, err = NewPublisher(conn, env.pools, "orders", opts...)
	require.NoError(t, err)
	return env
}

// published returns every message published on any channel, in channel order
func (e *testEnv) published() []brokertest.Published {
	var all []brokertest.Published
	for _, ch := range e.conn.Channels() {
		all = append(all, ch.Published()...)
	}
	return all
}
