// Package naming derives the broker queue names used by consuming services.
//
// The functions are pure: the same (topic, service) pair always yields the
// same names, across processes and restarts.
package naming

import "github.com/glimte/eventbus-go/contracts"

// DeadLetterSuffix is appended to a queue name to form its dead-letter queue
const DeadLetterSuffix = ".dead-letter"

// QueueName returns the durable queue a service consumes topic from.
//
// Queue and dead-letter names never collide, for any services, as long as
// the topic is neither "dead-letter" nor ends in DeadLetterSuffix. Every
// topic accepted by contracts.Topic.WellFormed satisfies this.
func QueueName(topic contracts.Topic, serviceName string) string {
	return serviceName + "." + string(topic)
}

// DeadLetterQueueName returns the quarantine queue for messages of topic that
// failed processing twice in serviceName. The precondition of QueueName
// applies.
func DeadLetterQueueName(topic contracts.Topic, serviceName string) string {
	return QueueName(topic, serviceName) + DeadLetterSuffix
}
