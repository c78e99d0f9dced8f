package messaging

import (
	"context"

	"github.com/glimte/rabbit-relay/broker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/rabbit-relay/messaging"

func (p *Publisher) startSpan(ctx context.Context, operation, routingKey string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, p.exchange.Name+" "+operation,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.operation.name", operation),
			attribute.String("messaging.destination.name", p.exchange.Name),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// injectTraceContext writes the span context of ctx into message headers
func (p *Publisher) injectTraceContext(ctx context.Context, headers broker.Table) {
	p.propagator.Inject(ctx, headerCarrier(headers))
}

// headerCarrier lets a propagator read and write AMQP headers
type headerCarrier broker.Table

func (c headerCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
