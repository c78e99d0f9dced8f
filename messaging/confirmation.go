package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/rabbit-relay/broker"
)

// ConfirmsResetter discards the confirms channel pool
type ConfirmsResetter interface {
	ResetConfirms()
}

// ConfirmationHandler waits for publisher confirms and turns a missing or
// negative confirmation into an error
type ConfirmationHandler struct {
	pools          ConfirmsResetter
	cleanupTimeout time.Duration
	logger         *slog.Logger
	observer       Observer
}

// ConfirmationOption configures a ConfirmationHandler
type ConfirmationOption func(*ConfirmationHandler)

// WithCleanupTimeout bounds how long a timed-out wait is given to stop
// after its channel is closed
func WithCleanupTimeout(timeout time.Duration) ConfirmationOption {
	return func(h *ConfirmationHandler) {
		h.cleanupTimeout = timeout
	}
}

// WithConfirmationLogger sets the logger
func WithConfirmationLogger(logger *slog.Logger) ConfirmationOption {
	return func(h *ConfirmationHandler) {
		h.logger = logger
	}
}

// WithConfirmationObserver sets the observer told about failed confirmations
func WithConfirmationObserver(observer Observer) ConfirmationOption {
	return func(h *ConfirmationHandler) {
		h.observer = observer
	}
}

// NewConfirmationHandler creates a handler that resets pools' confirms pool
// after every failed confirmation
func NewConfirmationHandler(pools ConfirmsResetter, options ...ConfirmationOption) *ConfirmationHandler {
	h := &ConfirmationHandler{
		pools:          pools,
		cleanupTimeout: time.Second,
		logger:         slog.Default(),
		observer:       NopObserver{},
	}

	for _, opt := range options {
		opt(h)
	}

	return h
}

// Confirm waits for every outstanding publish on ch to be confirmed. On
// failure the channel is closed, the confirms pool reset, and a
// *NackedError or *ConfirmationTimeoutError returned.
func (h *ConfirmationHandler) Confirm(ctx context.Context, ch broker.Channel, timeout time.Duration) error {
	if h.Await(ctx, ch, timeout) {
		return nil
	}

	err := h.Failure(ch, timeout)

	// A caller that gave up is told so, unless the broker said no first.
	if ctxErr := ctx.Err(); ctxErr != nil && len(ch.NackedSet()) == 0 {
		return ctxErr
	}
	return err
}

// Await reports whether every outstanding publish on ch was acked within
// timeout. A zero timeout waits until the broker answers or ctx ends.
//
// On timeout the channel is closed to unblock the wait, which then gets
// the cleanup timeout to return before it is abandoned.
func (h *ConfirmationHandler) Await(ctx context.Context, ch broker.Channel, timeout time.Duration) bool {
	if timeout <= 0 {
		return ch.WaitForConfirms(ctx)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		done <- ch.WaitForConfirms(waitCtx)
	}()

	waiting := true
	select {
	case ok := <-done:
		// The waiter may report its own deadline before this select sees it.
		if ok || !deadlineHit(ctx, waitCtx) {
			return ok
		}
		waiting = false
	case <-waitCtx.Done():
		if !deadlineHit(ctx, waitCtx) {
			select {
			case ok := <-done:
				return ok
			default:
			}
		}
	}

	if ch.IsOpen() {
		if err := ch.Close(); err != nil {
			h.logger.Warn("failed closing channel on confirmation timeout", "error", err)
		}
	}

	if waiting {
		select {
		case <-done:
		case <-time.After(h.cleanupTimeout):
			h.logger.Warn("confirm waiter did not stop after channel close",
				"cleanup_timeout", h.cleanupTimeout)
		}
	}

	return false
}

// deadlineHit reports whether waitCtx ended on its own deadline while ctx
// is still live
func deadlineHit(ctx, waitCtx context.Context) bool {
	return errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
}

// Failure closes ch if it is still open, resets the confirms pool and
// returns the error describing why confirmation failed
func (h *ConfirmationHandler) Failure(ch broker.Channel, timeout time.Duration) error {
	if ch.IsOpen() {
		if err := ch.Close(); err != nil {
			h.logger.Warn("failed closing channel on failed confirmation", "error", err)
		}
	}

	h.pools.ResetConfirms()

	if tags := ch.NackedSet(); len(tags) > 0 {
		h.logger.Warn("publisher confirmation failed: message was nacked by broker",
			"delivery_tags", tags)
		h.observer.ConfirmationFailed(ConfirmFailureNacked)
		return &NackedError{DeliveryTags: tags}
	}

	h.logger.Warn("publisher confirmation failed: timeout", "timeout", timeout)
	h.observer.ConfirmationFailed(ConfirmFailureTimeout)
	return &ConfirmationTimeoutError{Timeout: timeout}
}
