package messaging

import (
	"context"
	"sync"

	"github.com/glimte/rabbit-relay/broker"
	"go.opentelemetry.io/otel/trace"
)

// ConfirmationBatch publishes several messages on one confirms channel.
// It is only valid inside the WithConfirmationBatch callback that received it.
type ConfirmationBatch struct {
	publisher *Publisher
	ch        broker.Channel
	limit     int
	defaults  []PublishOption
	span      trace.SpanContext

	mu     sync.Mutex
	count  int
	closed bool
}

func newConfirmationBatch(ctx context.Context, p *Publisher, ch broker.Channel, limit int, defaults []PublishOption) *ConfirmationBatch {
	return &ConfirmationBatch{
		publisher: p,
		ch:        ch,
		limit:     limit,
		defaults:  defaults,
		span:      trace.SpanContextFromContext(ctx),
	}
}

// Publish sends one message on the batch channel. Once the batch holds its
// limit of messages it returns *BatchSizeExceededError and publishes
// nothing until Clear is called.
//
// Messages carry the trace context of ctx, or of the batch span when ctx
// has none.
func (b *ConfirmationBatch) Publish(ctx context.Context, data interface{}, routingKey string, options ...PublishOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBatchClosed
	}
	if b.count >= b.limit {
		return &BatchSizeExceededError{Limit: b.limit}
	}

	body, err := encodePayload(data)
	if err != nil {
		return err
	}

	all := make([]PublishOption, 0, len(b.defaults)+len(options))
	all = append(all, b.defaults...)
	all = append(all, options...)
	opts := buildPublishOptions(all)

	if !trace.SpanContextFromContext(ctx).IsValid() && b.span.IsValid() {
		ctx = trace.ContextWithSpanContext(ctx, b.span)
	}

	msg := b.publisher.message(ctx, opts, body)
	if err := b.publisher.send(ctx, b.ch, routingKey, opts.Mandatory, msg); err != nil {
		return err
	}

	b.count++
	return nil
}

// Clear resets the message counter. Messages already published stay part
// of the batch confirmation.
func (b *ConfirmationBatch) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count = 0
}

// Count returns how many messages were published since the batch opened
// or was last cleared
func (b *ConfirmationBatch) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *ConfirmationBatch) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
