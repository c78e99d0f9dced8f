// Package messaging publishes messages to RabbitMQ reliably.
//
// This package includes:
//   - Publisher: fire-and-forget and confirmed publishing to one exchange,
//     retried according to how each attempt failed
//   - ConfirmationBatch: several publishes on one confirms channel,
//     confirmed together
//   - ConfirmationHandler: bounded waiting for publisher confirms, telling
//     a broker nack apart from a timeout
//   - Classify: maps publish errors to retry classes
//
// Confirmation timeouts, nacks and batch overflows are never retried: the
// message may already be on the broker. Retrying after a connection
// failure can deliver a message twice.
//
// Example usage:
//
//	publisher, err := messaging.NewPublisher(conn, pools, "orders")
//	if err != nil {
//		return err
//	}
//
//	err = publisher.PublishWithConfirmation(ctx, order, "orders.created",
//		messaging.WithMessageID(order.ID),
//		messaging.WithConfirmTimeout(2*time.Second))
//
//	err = publisher.WithConfirmationBatch(ctx, func(batch *messaging.ConfirmationBatch) error {
//		for _, o := range orders {
//			if err := batch.Publish(ctx, o, "orders.created"); err != nil {
//				return err
//			}
//		}
//		return nil
//	})
package messaging
