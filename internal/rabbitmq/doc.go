// Package rabbitmq provides the RabbitMQ plumbing used by the gateway.
//
// This package includes:
//   - ConnectionManager: opens a fresh connection and channel per operation
//   - Session: scoped ownership of that connection and channel
//   - EnsureQueue / DeclareReplyQueue: durable and exclusive queue declarations
//   - SendToQueue: publishing through the default exchange
//   - Consumer: QoS, consumption and per-delivery acknowledgment strategies
//
// Connections are deliberately not pooled: every publish, call and listener
// owns its connection for its whole lifetime and releases it on every exit
// path. The broker is reached through the small Connection and Channel
// interfaces so the in-memory broker in rabbitmqtest can stand in for it.
package rabbitmq
