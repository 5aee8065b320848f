// Package rabbitmq provides the AMQP 0-9-1 plumbing behind the event bus.
//
// This package includes:
//   - ConnectionManager: owns the broker connection and its state, never reconnects
//   - Channel: the subset of *amqp.Channel the bus relies on
//   - TopologyManager: fanout exchanges, consumer queues, dead-letter queues, removal
//   - TopicPublisher: publishes encoded envelopes onto a topic exchange
//   - Consumer: manual-ack consumption with the retry-once-then-dead-letter policy
//   - WaitForAvailability: fixed-interval startup wait for the broker
//
// Every publisher and consumer owns its channel exclusively. Administrative
// operations use a short-lived channel each, since a failed passive declare
// closes the channel it was issued on.
package rabbitmq
