package reliability

import "time"

// Observer is told about retry decisions. Implementations must be safe for
// concurrent use; the Retrier calls them from the publishing goroutine.
type Observer interface {
	// AttemptFailed is called for every failed attempt that was classified
	AttemptFailed(kind FailureKind, attempt int)
	// Backoff is called before each sleep
	Backoff(kind FailureKind, delay time.Duration)
	// Exhausted is called when an error is returned because a budget ran out
	Exhausted(kind FailureKind, attempts int)
	// Recovered is called when the connection is back and the recovery hook ran
	Recovered()
}

// NopObserver ignores every event
type NopObserver struct{}

func (NopObserver) AttemptFailed(FailureKind, int)     {}
func (NopObserver) Backoff(FailureKind, time.Duration) {}
func (NopObserver) Exhausted(FailureKind, int)         {}
func (NopObserver) Recovered()                         {}
