package messaging

import (
	"time"

	"github.com/glimte/rabbit-relay/internal/reliability"
)

// Publish operations reported to an Observer
const (
	OperationPublish          = "publish"
	OperationPublishConfirmed = "publish_confirmed"
	OperationBatch            = "batch"
)

// Confirmation failure reasons reported to an Observer
const (
	ConfirmFailureTimeout = "timeout"
	ConfirmFailureNacked  = "nacked"
)

// Observer receives publish outcomes in addition to retry events
type Observer interface {
	reliability.Observer
	// Published is called once per publish call with its final error
	Published(operation string, elapsed time.Duration, err error)
	// ConfirmationFailed is called when the broker did not ack a publish
	ConfirmationFailed(reason string)
}

// NopObserver ignores every event
type NopObserver struct {
	reliability.NopObserver
}

func (NopObserver) Published(string, time.Duration, error) {}
func (NopObserver) ConfirmationFailed(string)              {}
