package messaging

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/glimte/rabbit-relay/internal/rabbitmq"
	"github.com/glimte/rabbit-relay/internal/reliability"
)

// Classify sorts a publish error into the class the retrier acts on.
//
// Confirmation failures are never retried: the broker may already hold the
// message, and a retry could deliver it twice.
func Classify(err error) reliability.FailureKind {
	if err == nil {
		return reliability.FailureNone
	}

	if isNonRetryable(err) {
		return reliability.FailureNonRetryable
	}
	if isConnectionFailure(err) {
		return reliability.FailureConnection
	}
	return reliability.FailureGeneric
}

func isNonRetryable(err error) bool {
	var encodeErr *EncodeError
	switch {
	case errors.Is(err, ErrConfirmationTimeout),
		errors.Is(err, ErrNacked),
		errors.Is(err, ErrBatchSizeExceeded),
		errors.As(err, &encodeErr),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

func isConnectionFailure(err error) bool {
	switch {
	case errors.Is(err, ErrStaleConnection),
		rabbitmq.IsConnectionError(err),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
