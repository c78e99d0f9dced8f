// Package metrics exposes publish, retry, confirmation and channel pool
// activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/glimte/rabbit-relay/internal/rabbitmq"
	"github.com/glimte/rabbit-relay/internal/reliability"
	"github.com/glimte/rabbit-relay/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rabbit_relay"

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Collectors holds every metric. It implements messaging.Observer,
// rabbitmq.ConnectionStateListener, and its PoolReset method is a
// rabbitmq.ResetListener.
type Collectors struct {
	Publishes            *prometheus.CounterVec
	PublishDuration      *prometheus.HistogramVec
	FailedAttempts       *prometheus.CounterVec
	BackoffSeconds       *prometheus.CounterVec
	RetriesExhausted     *prometheus.CounterVec
	Recoveries           prometheus.Counter
	ConfirmationFailures *prometheus.CounterVec
	PoolResets           *prometheus.CounterVec
	ConnectionUp         prometheus.Gauge
	Reconnects           prometheus.Counter
}

var (
	_ messaging.Observer               = (*Collectors)(nil)
	_ rabbitmq.ConnectionStateListener = (*Collectors)(nil)
)

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Publish calls by operation and result",
		}, []string{"operation", "result"}),

		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Duration of publish calls including retries and confirmation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		FailedAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_attempts_total",
			Help:      "Retryable publish attempt failures by failure kind",
		}, []string{"kind"}),

		BackoffSeconds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backoff_seconds_total",
			Help:      "Time spent backing off between attempts by failure kind",
		}, []string{"kind"}),

		RetriesExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_exhausted_total",
			Help:      "Publish calls that gave up after using their retry budget",
		}, []string{"kind"}),

		Recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_recoveries_total",
			Help:      "Times a publish waited out a connection failure and reset the channel pools",
		}),

		ConfirmationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmation_failures_total",
			Help:      "Publisher confirmations that timed out or were nacked",
		}, []string{"reason"}),

		PoolResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_pool_resets_total",
			Help:      "Channel pools discarded, by pool mode",
		}, []string{"mode"}),

		ConnectionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "1 while the broker connection is open",
		}),

		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Broker reconnect attempts",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.Publishes,
			c.PublishDuration,
			c.FailedAttempts,
			c.BackoffSeconds,
			c.RetriesExhausted,
			c.Recoveries,
			c.ConfirmationFailures,
			c.PoolResets,
			c.ConnectionUp,
			c.Reconnects,
		)
	}

	return c
}

// Published records the outcome of one publish call
func (c *Collectors) Published(operation string, elapsed time.Duration, err error) {
	result := resultSuccess
	if err != nil {
		result = resultFailure
	}
	c.Publishes.WithLabelValues(operation, result).Inc()
	c.PublishDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (c *Collectors) AttemptFailed(kind reliability.FailureKind, _ int) {
	c.FailedAttempts.WithLabelValues(kind.String()).Inc()
}

func (c *Collectors) Backoff(kind reliability.FailureKind, delay time.Duration) {
	c.BackoffSeconds.WithLabelValues(kind.String()).Add(delay.Seconds())
}

func (c *Collectors) Exhausted(kind reliability.FailureKind, _ int) {
	c.RetriesExhausted.WithLabelValues(kind.String()).Inc()
}

func (c *Collectors) Recovered() {
	c.Recoveries.Inc()
}

func (c *Collectors) ConfirmationFailed(reason string) {
	c.ConfirmationFailures.WithLabelValues(reason).Inc()
}

// PoolReset counts a discarded channel pool
func (c *Collectors) PoolReset(mode rabbitmq.Mode) {
	c.PoolResets.WithLabelValues(mode.String()).Inc()
}

func (c *Collectors) OnConnected() {
	c.ConnectionUp.Set(1)
}

func (c *Collectors) OnDisconnected(error) {
	c.ConnectionUp.Set(0)
}

func (c *Collectors) OnReconnecting(int) {
	c.Reconnects.Inc()
}
