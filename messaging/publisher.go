package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rabbit-relay/broker"
	"github.com/glimte/rabbit-relay/config"
	"github.com/glimte/rabbit-relay/internal/rabbitmq"
	"github.com/glimte/rabbit-relay/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ChannelPools is where a Publisher checks channels out of
type ChannelPools interface {
	WithChannel(ctx context.Context, mode rabbitmq.Mode, fn func(broker.Channel) error) error
	Reset()
	ResetConfirms()
}

// Publisher publishes to one exchange with retries, pooled channels and
// optional publisher confirms
type Publisher struct {
	conn       broker.Connection
	pools      ChannelPools
	exchange   broker.Exchange
	config     config.Publisher
	retrier    *reliability.Retrier
	confirms   *ConfirmationHandler
	logger     *slog.Logger
	observer   Observer
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	sleep      reliability.SleepFunc
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherConfig sets the pool, retry and confirmation tunables
func WithPublisherConfig(cfg config.Publisher) PublisherOption {
	return func(p *Publisher) {
		p.config = cfg
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithObserver sets the observer told about publishes, retries and
// confirmation failures
func WithObserver(observer Observer) PublisherOption {
	return func(p *Publisher) {
		p.observer = observer
	}
}

// WithTracerProvider sets where publish spans go. Defaults to the global
// provider.
func WithTracerProvider(provider trace.TracerProvider) PublisherOption {
	return func(p *Publisher) {
		p.tracer = provider.Tracer(tracerName)
	}
}

// WithPropagator sets how trace context is written into message headers.
// Defaults to the global propagator.
func WithPropagator(propagator propagation.TextMapPropagator) PublisherOption {
	return func(p *Publisher) {
		p.propagator = propagator
	}
}

// WithRetrySleep replaces the sleep between retries
func WithRetrySleep(sleep reliability.SleepFunc) PublisherOption {
	return func(p *Publisher) {
		p.sleep = sleep
	}
}

// WithExchangeType sets the exchange type (direct, fanout, topic, headers)
func WithExchangeType(kind string) PublisherOption {
	return func(p *Publisher) {
		p.exchange.Kind = kind
	}
}

// WithExchangeDurable sets whether the exchange survives broker restarts
func WithExchangeDurable(durable bool) PublisherOption {
	return func(p *Publisher) {
		p.exchange.Durable = durable
	}
}

// WithExchangeAutoDelete sets whether the exchange is deleted when unused
func WithExchangeAutoDelete(autoDelete bool) PublisherOption {
	return func(p *Publisher) {
		p.exchange.AutoDelete = autoDelete
	}
}

// WithExchangeArguments sets extra exchange arguments
func WithExchangeArguments(args broker.Table) PublisherOption {
	return func(p *Publisher) {
		p.exchange.Arguments = args
	}
}

// NewPublisher creates a publisher for exchangeName. The exchange is
// declared as a durable topic exchange unless configured otherwise.
func NewPublisher(conn broker.Connection, pools ChannelPools, exchangeName string, options ...PublisherOption) (*Publisher, error) {
	if conn == nil || pools == nil {
		return nil, fmt.Errorf("%w: connection and channel pools are required", rabbitmq.ErrInvalidConfiguration)
	}

	p := &Publisher{
		conn:  conn,
		pools: pools,
		exchange: broker.Exchange{
			Name:    exchangeName,
			Kind:    amqp.ExchangeTopic,
			Durable: true,
		},
		config:     config.DefaultPublisher(),
		logger:     slog.Default(),
		observer:   NopObserver{},
		tracer:     otel.Tracer(tracerName),
		propagator: otel.GetTextMapPropagator(),
	}

	for _, opt := range options {
		opt(p)
	}

	if err := p.config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", rabbitmq.ErrInvalidConfiguration, err)
	}

	retryOptions := []reliability.RetrierOption{
		reliability.WithClassifier(Classify),
		reliability.WithConnectivity(conn.IsOpen),
		reliability.WithRecovery(pools.Reset),
		reliability.WithRetryLogger(p.logger),
		reliability.WithObserver(p.observer),
	}
	if p.sleep != nil {
		retryOptions = append(retryOptions, reliability.WithSleep(p.sleep))
	}

	retrier, err := reliability.NewRetrier(reliability.Config{
		MaxRetries:              p.config.MaxRetries,
		RetryBaseDelay:          p.config.RetryBaseDelay,
		RetryBackoffFactor:      p.config.RetryBackoffFactor,
		ConnectionAttempts:      p.config.ConnectionAttempts,
		ConnectionBaseDelay:     p.config.ConnectionBaseDelay,
		ConnectionBackoffFactor: p.config.ConnectionBackoffFactor,
	}, retryOptions...)
	if err != nil {
		return nil, err
	}
	p.retrier = retrier

	p.confirms = NewConfirmationHandler(pools,
		WithCleanupTimeout(p.config.ConfirmsCleanupTimeout),
		WithConfirmationLogger(p.logger),
		WithConfirmationObserver(p.observer))

	return p, nil
}

// Exchange returns the exchange the publisher publishes to
func (p *Publisher) Exchange() broker.Exchange {
	return p.exchange
}

// Publish sends data to the exchange without waiting for the broker.
// []byte, string and json.RawMessage payloads are sent as they are; any
// other value is encoded as JSON.
func (p *Publisher) Publish(ctx context.Context, data interface{}, routingKey string, options ...PublishOption) error {
	body, encodeErr := encodePayload(data)
	opts := buildPublishOptions(options)

	return p.run(ctx, OperationPublish, routingKey, func(ctx context.Context) error {
		if encodeErr != nil {
			return encodeErr
		}
		msg := p.message(ctx, opts, body)

		return p.withChannel(ctx, rabbitmq.ModeStandard, func(ch broker.Channel) error {
			return p.send(ctx, ch, routingKey, opts.Mandatory, msg)
		})
	})
}

// PublishWithConfirmation sends data on a confirms channel and waits until
// the broker acks it. A nack returns *NackedError; no answer within the
// confirmation timeout returns *ConfirmationTimeoutError. Neither is retried.
func (p *Publisher) PublishWithConfirmation(ctx context.Context, data interface{}, routingKey string, options ...PublishOption) error {
	body, encodeErr := encodePayload(data)
	opts := buildPublishOptions(options)
	timeout := p.confirmTimeout(opts)

	return p.run(ctx, OperationPublishConfirmed, routingKey, func(ctx context.Context) error {
		if encodeErr != nil {
			return encodeErr
		}
		msg := p.message(ctx, opts, body)

		return p.withChannel(ctx, rabbitmq.ModeConfirms, func(ch broker.Channel) error {
			if err := p.send(ctx, ch, routingKey, opts.Mandatory, msg); err != nil {
				return err
			}
			return p.confirms.Confirm(ctx, ch, timeout)
		})
	})
}

// WithConfirmationBatch runs fn with a batch bound to one confirms channel
// and waits once for the broker to confirm everything fn published.
//
// options apply to every message in the batch, ahead of the message's own
// options; WithConfirmTimeout sets the timeout for the whole batch. If fn
// returns an error the channel is closed, nothing is confirmed and the
// error is returned. After a connection failure fn may run again.
func (p *Publisher) WithConfirmationBatch(ctx context.Context, fn func(*ConfirmationBatch) error, options ...PublishOption) error {
	timeout := p.confirmTimeout(buildPublishOptions(options))

	return p.run(ctx, OperationBatch, "", func(ctx context.Context) error {
		return p.withChannel(ctx, rabbitmq.ModeConfirms, func(ch broker.Channel) error {
			batch := newConfirmationBatch(ctx, p, ch, p.config.ConfirmsBatchSize, options)
			defer batch.close()

			if err := fn(batch); err != nil {
				p.abandon(ch)
				return err
			}

			return p.confirms.Confirm(ctx, ch, timeout)
		})
	})
}

// ResetChannelPool discards every pooled channel. New channels are opened
// on the next publish.
func (p *Publisher) ResetChannelPool() {
	p.pools.Reset()
}

// run wraps one publish call in a span and the retrier
func (p *Publisher) run(ctx context.Context, operation, routingKey string, op func(context.Context) error) (err error) {
	start := time.Now()
	ctx, span := p.startSpan(ctx, operation, routingKey)

	defer func() {
		endSpan(span, err)
		p.observer.Published(operation, time.Since(start), err)

		if err != nil {
			p.logger.Error("failed to publish message",
				"operation", operation,
				"exchange", p.exchange.Name,
				"routing_key", routingKey,
				"error", err)
			return
		}
		p.logger.Debug("message published successfully",
			"operation", operation,
			"exchange", p.exchange.Name,
			"routing_key", routingKey)
	}()

	return p.retrier.Run(ctx, op)
}

// withChannel checks the connection, then runs fn on a pooled channel
func (p *Publisher) withChannel(ctx context.Context, mode rabbitmq.Mode, fn func(broker.Channel) error) error {
	if !p.conn.IsOpen() {
		return ErrStaleConnection
	}
	return p.pools.WithChannel(ctx, mode, fn)
}

func (p *Publisher) send(ctx context.Context, ch broker.Channel, routingKey string, mandatory bool, msg broker.Publishing) error {
	if err := ch.DeclareExchange(p.exchange); err != nil {
		return err
	}
	return ch.Publish(ctx, p.exchange.Name, routingKey, mandatory, msg)
}

// message builds the AMQP message, with the trace context of ctx in its
// headers. The headers are copied so retries start from the caller's set.
func (p *Publisher) message(ctx context.Context, opts PublishOptions, body []byte) broker.Publishing {
	headers := make(broker.Table, len(opts.Headers)+2)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	p.injectTraceContext(ctx, headers)

	opts.Headers = headers
	return opts.publishing(body)
}

func (p *Publisher) confirmTimeout(opts PublishOptions) time.Duration {
	if opts.ConfirmTimeout != nil {
		return *opts.ConfirmTimeout
	}
	return p.config.ConfirmsTimeout
}

// abandon closes a confirms channel whose outstanding confirms will never
// be awaited, so the pool drops it on return
func (p *Publisher) abandon(ch broker.Channel) {
	if !ch.IsOpen() {
		return
	}
	if err := ch.Close(); err != nil {
		p.logger.Warn("failed closing abandoned batch channel", "error", err)
	}
}
