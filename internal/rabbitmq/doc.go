// Package rabbitmq provides the RabbitMQ side of the reliable publisher.
//
// This package includes:
//   - ConnectionManager: dials RabbitMQ, re-dials after connection loss and
//     implements broker.Connection
//   - amqpChannel: broker.Channel on top of amqp091-go with publisher
//     confirm tracking (outstanding publishes, nacked delivery tags)
//   - ChannelPool: a bounded pool of channels with a checkout timeout
//   - ChannelPoolRegistry: the standard and confirms pools of a connection,
//     built lazily, resettable, and rebuilt after a fork
package rabbitmq
