package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/glimte/rabbit-relay/internal/rabbitmq"
	"github.com/glimte/rabbit-relay/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want reliability.FailureKind
	}{
		{"nil", nil, reliability.FailureNone},

		{"confirmation timeout", &ConfirmationTimeoutError{Timeout: time.Second}, reliability.FailureNonRetryable},
		{"wrapped nack", fmt.Errorf("batch: %w", &NackedError{DeliveryTags: []uint64{3}}), reliability.FailureNonRetryable},
		{"batch size exceeded", &BatchSizeExceededError{Limit: 10}, reliability.FailureNonRetryable},
		{"encode error", &EncodeError{Type: "chan int", Err: errors.New("unsupported")}, reliability.FailureNonRetryable},
		{"context cancelled", context.Canceled, reliability.FailureNonRetryable},
		{"context deadline", context.DeadlineExceeded, reliability.FailureNonRetryable},

		{"stale connection", ErrStaleConnection, reliability.FailureConnection},
		{"amqp closed", amqp.ErrClosed, reliability.FailureConnection},
		{"amqp connection forced", &amqp.Error{Code: amqp.ConnectionForced, Reason: "shutdown"}, reliability.FailureConnection},
		{"connection not ready", rabbitmq.ErrConnectionNotReady, reliability.FailureConnection},
		{"eof", io.EOF, reliability.FailureConnection},
		{"unexpected eof", fmt.Errorf("read frame: %w", io.ErrUnexpectedEOF), reliability.FailureConnection},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, reliability.FailureConnection},
		{"connection refused", syscall.ECONNREFUSED, reliability.FailureConnection},
		{"broken pipe", syscall.EPIPE, reliability.FailureConnection},

		{"pool exhausted", rabbitmq.ErrChannelPoolExhausted, reliability.FailureGeneric},
		{"anything else", errors.New("exchange type mismatch"), reliability.FailureGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrors(t *testing.T) {
	t.Run("confirmation timeout", func(t *testing.T) {
		err := error(&ConfirmationTimeoutError{Timeout: 50 * time.Millisecond})
		assert.Equal(t, "confirmation timeout after 50ms", err.Error())
		assert.ErrorIs(t, err, ErrConfirmationTimeout)
		assert.ErrorIs(t, err, ErrPublish)
		assert.NotErrorIs(t, err, ErrNacked)
	})

	t.Run("confirmation without deadline", func(t *testing.T) {
		err := &ConfirmationTimeoutError{}
		assert.Contains(t, err.Error(), "channel closed")
	})

	t.Run("nacked", func(t *testing.T) {
		err := error(&NackedError{DeliveryTags: []uint64{1, 2}})
		assert.Contains(t, err.Error(), "nacked")
		assert.ErrorIs(t, err, ErrNacked)
		assert.ErrorIs(t, err, ErrPublish)
	})

	t.Run("batch size exceeded", func(t *testing.T) {
		err := error(&BatchSizeExceededError{Limit: 3})
		assert.Equal(t, "batch size limit (3) exceeded", err.Error())
		assert.ErrorIs(t, err, ErrBatchSizeExceeded)
	})

	t.Run("encode error unwraps", func(t *testing.T) {
		cause := errors.New("unsupported type")
		err := error(&EncodeError{Type: "chan int", Err: cause})
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrPublish)
		assert.Contains(t, err.Error(), "chan int")
	})
}
