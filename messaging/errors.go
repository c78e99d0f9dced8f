package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPublish matches every publish failure raised by this package
	ErrPublish = errors.New("messaging: publish failed")

	// ErrStaleConnection is returned when a publish is attempted while the
	// broker connection is not open
	ErrStaleConnection = errors.New("messaging: connection is not open")

	// ErrConfirmationTimeout matches *ConfirmationTimeoutError
	ErrConfirmationTimeout = errors.New("messaging: confirmation timeout")

	// ErrNacked matches *NackedError
	ErrNacked = errors.New("messaging: message was nacked by broker")

	// ErrBatchSizeExceeded matches *BatchSizeExceededError
	ErrBatchSizeExceeded = errors.New("messaging: batch size exceeded")
)

// ConfirmationTimeoutError is returned when the broker did not confirm a
// publish in time. The message may still have been delivered.
type ConfirmationTimeoutError struct {
	Timeout time.Duration
}

func (e *ConfirmationTimeoutError) Error() string {
	if e.Timeout <= 0 {
		return "confirmation not received: channel closed before the broker confirmed"
	}
	return fmt.Sprintf("confirmation timeout after %v", e.Timeout)
}

func (e *ConfirmationTimeoutError) Is(target error) bool {
	return target == ErrConfirmationTimeout || target == ErrPublish
}

// NackedError is returned when the broker rejected at least one publish
type NackedError struct {
	DeliveryTags []uint64
}

func (e *NackedError) Error() string {
	return fmt.Sprintf("message was nacked by broker (delivery tags %v)", e.DeliveryTags)
}

func (e *NackedError) Is(target error) bool {
	return target == ErrNacked || target == ErrPublish
}

// BatchSizeExceededError is returned by ConfirmationBatch.Publish once the
// batch holds Limit messages
type BatchSizeExceededError struct {
	Limit int
}

func (e *BatchSizeExceededError) Error() string {
	return fmt.Sprintf("batch size limit (%d) exceeded", e.Limit)
}

func (e *BatchSizeExceededError) Is(target error) bool {
	return target == ErrBatchSizeExceeded || target == ErrPublish
}

// EncodeError is returned when a payload cannot be encoded as JSON
type EncodeError struct {
	Type string
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("failed to encode %s payload: %v", e.Type, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

func (e *EncodeError) Is(target error) bool {
	return target == ErrPublish
}

// ErrBatchClosed is returned by ConfirmationBatch.Publish after the batch
// scope has ended
var ErrBatchClosed = errors.New("messaging: confirmation batch is closed")
