// Package rabbitmq provides the outbound broker link of the event relay.
//
// This package includes:
//   - ConnectionManager: owns the single Handle (connection, channel,
//     publish target) and runs the connect/declare handshake
//   - Publisher: publishes serialized batches under the manager's lock
//   - HeartbeatMonitor: polls the link and reconnects after hard failures
//   - Dialer, Connection, Channel: the transport seam, implemented with
//     amqp091-go by AMQPDialer
//
// Publishing, polling and reconnecting never run concurrently. Delivery is
// at-most-once: nothing in this package retries a publish.
package rabbitmq
