package reliability

import (
	"context"
	"log/slog"
	"time"
)

// FailureKind is the class a Classifier assigns to a failed attempt
type FailureKind int

const (
	// FailureNone means there was no error
	FailureNone FailureKind = iota
	// FailureConnection means the connection or channel under the attempt
	// is gone and has to come back before retrying makes sense
	FailureConnection
	// FailureNonRetryable errors are returned without retrying
	FailureNonRetryable
	// FailureGeneric covers everything else
	FailureGeneric
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureConnection:
		return "connection"
	case FailureNonRetryable:
		return "non_retryable"
	case FailureGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// Classifier maps an error to its FailureKind
type Classifier func(error) FailureKind

// SleepFunc blocks for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config holds the retry budgets and both backoff curves
type Config struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryBackoffFactor float64

	// ConnectionAttempts bounds how many times a closed connection is
	// polled before giving up
	ConnectionAttempts      int
	ConnectionBaseDelay     time.Duration
	ConnectionBackoffFactor float64
}

// DefaultConfig returns the default retry settings
func DefaultConfig() Config {
	return Config{
		MaxRetries:              3,
		RetryBaseDelay:          100 * time.Millisecond,
		RetryBackoffFactor:      2.0,
		ConnectionAttempts:      30,
		ConnectionBaseDelay:     time.Second,
		ConnectionBackoffFactor: 1.5,
	}
}

// Validate checks that the settings describe a terminating retry loop
func (c Config) Validate() error {
	switch {
	case c.MaxRetries < 0:
		return &ConfigError{Field: "max retries", Reason: "cannot be negative"}
	case c.ConnectionAttempts < 0:
		return &ConfigError{Field: "connection attempts", Reason: "cannot be negative"}
	case c.RetryBaseDelay < 0:
		return &ConfigError{Field: "retry base delay", Reason: "cannot be negative"}
	case c.ConnectionBaseDelay < 0:
		return &ConfigError{Field: "connection base delay", Reason: "cannot be negative"}
	case c.RetryBackoffFactor <= 0:
		return &ConfigError{Field: "retry backoff factor", Reason: "must be positive"}
	case c.ConnectionBackoffFactor <= 0:
		return &ConfigError{Field: "connection backoff factor", Reason: "must be positive"}
	}
	return nil
}

// Retrier runs an operation and retries it according to how it failed
type Retrier struct {
	config            Config
	retryBackoff      ExponentialBackoff
	connectionBackoff ExponentialBackoff
	classify          Classifier
	connected         func() bool
	onRecover         func()
	sleep             SleepFunc
	logger            *slog.Logger
	observer          Observer
}

// RetrierOption configures a Retrier
type RetrierOption func(*Retrier)

// WithClassifier sets how errors are classified. The default treats every
// error as generic.
func WithClassifier(classify Classifier) RetrierOption {
	return func(r *Retrier) {
		r.classify = classify
	}
}

// WithConnectivity sets the liveness probe polled after a connection failure
func WithConnectivity(connected func() bool) RetrierOption {
	return func(r *Retrier) {
		r.connected = connected
	}
}

// WithRecovery sets the hook run once the connection is back, before the
// operation is retried
func WithRecovery(hook func()) RetrierOption {
	return func(r *Retrier) {
		r.onRecover = hook
	}
}

// WithSleep replaces the sleep between attempts
func WithSleep(sleep SleepFunc) RetrierOption {
	return func(r *Retrier) {
		r.sleep = sleep
	}
}

// WithRetryLogger sets the logger
func WithRetryLogger(logger *slog.Logger) RetrierOption {
	return func(r *Retrier) {
		r.logger = logger
	}
}

// WithObserver sets the retry event observer
func WithObserver(observer Observer) RetrierOption {
	return func(r *Retrier) {
		r.observer = observer
	}
}

// NewRetrier creates a Retrier
func NewRetrier(config Config, options ...RetrierOption) (*Retrier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	r := &Retrier{
		config:            config,
		retryBackoff:      NewExponentialBackoff(config.RetryBaseDelay, config.RetryBackoffFactor),
		connectionBackoff: NewExponentialBackoff(config.ConnectionBaseDelay, config.ConnectionBackoffFactor),
		classify:          func(error) FailureKind { return FailureGeneric },
		connected:         func() bool { return true },
		onRecover:         func() {},
		sleep:             sleepContext,
		logger:            slog.Default(),
		observer:          NopObserver{},
	}

	for _, opt := range options {
		opt(r)
	}

	return r, nil
}

// Config returns the settings the Retrier was built with
func (r *Retrier) Config() Config {
	return r.config
}

// Run invokes op until it succeeds, fails with a non-retryable error, or a
// retry budget runs out. The error returned is always the one op returned
// last, except when ctx ends during a wait.
func (r *Retrier) Run(ctx context.Context, op func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		kind := r.classify(err)
		if kind == FailureNone {
			kind = FailureGeneric
		}
		if kind == FailureNonRetryable {
			r.logger.Info("publish error is not retryable",
				"attempt", attempt,
				"kind", kind.String(),
				"error", err)
			return err
		}

		r.observer.AttemptFailed(kind, attempt)
		r.logger.Info("recovering from publish error",
			"attempt", attempt,
			"kind", kind.String(),
			"error", err)

		if attempt > r.config.MaxRetries {
			r.logger.Warn("retry attempts exhausted",
				"attempts", attempt,
				"kind", kind.String(),
				"error", err)
			r.observer.Exhausted(kind, attempt)
			return err
		}

		switch kind {
		case FailureConnection:
			if waitErr := r.awaitConnection(ctx, err); waitErr != nil {
				return waitErr
			}
			r.logger.Info("resetting channel pools after connection recovery")
			r.onRecover()
			r.observer.Recovered()

		default:
			if attempt > 1 {
				if sleepErr := r.backoff(ctx, FailureGeneric, r.retryBackoff.Delay(attempt)); sleepErr != nil {
					return sleepErr
				}
			}
		}
	}
}

// awaitConnection polls the connection until it is open. It returns cause
// when the connection attempts run out.
func (r *Retrier) awaitConnection(ctx context.Context, cause error) error {
	r.logger.Info("waiting for connection after connection error")

	for n := 1; !r.connected(); n++ {
		if n > r.config.ConnectionAttempts {
			r.logger.Error("connection attempts exhausted",
				"attempts", r.config.ConnectionAttempts,
				"error", cause)
			r.observer.Exhausted(FailureConnection, n-1)
			return cause
		}

		r.logger.Info("connection still closed", "attempt", n)
		if err := r.backoff(ctx, FailureConnection, r.connectionBackoff.Delay(n)); err != nil {
			return err
		}
	}

	return nil
}

func (r *Retrier) backoff(ctx context.Context, kind FailureKind, delay time.Duration) error {
	r.observer.Backoff(kind, delay)
	return r.sleep(ctx, delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
