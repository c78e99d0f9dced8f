// Package reliability decides what happens after a publish attempt fails.
//
// A Retrier runs one publish operation and switches on the FailureKind the
// caller's Classifier assigns to each error:
//   - FailureNonRetryable: returned at once, the message may already be on
//     the broker
//   - FailureConnection: wait for the connection to come back, polling with
//     exponential backoff, run the recovery hook once, then retry
//   - FailureGeneric: retry with exponential backoff
//
// Both retrying paths share one attempt budget (Config.MaxRetries). When it
// runs out the last error is returned unchanged.
//
// Example usage:
//
//	retrier, err := NewRetrier(DefaultConfig(),
//	    WithClassifier(classify),
//	    WithConnectivity(conn.IsOpen),
//	    WithRecovery(pools.Reset),
//	)
//	if err != nil {
//	    return err
//	}
//
//	err = retrier.Run(ctx, func(ctx context.Context) error {
//	    return publishOnce(ctx)
//	})
package reliability
