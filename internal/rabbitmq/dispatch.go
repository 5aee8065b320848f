package rabbitmq

// Action is the settlement chosen for a single delivery
type Action int

const (
	// ActionAck removes the delivery from its queue
	ActionAck Action = iota
	// ActionRequeue nacks the delivery so the broker redelivers it with the
	// redelivered flag set
	ActionRequeue
	// ActionDeadLetter copies the raw body into the dead-letter queue and
	// then acks the delivery
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRequeue:
		return "requeue"
	case ActionDeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// Decide maps the outcome of processing a delivery to its settlement.
//
// A failed first delivery is requeued once; the broker's redelivered flag is
// the only retry counter. A failed redelivery is quarantined.
func Decide(redelivered bool, handlerErr error) Action {
	switch {
	case handlerErr == nil:
		return ActionAck
	case redelivered:
		return ActionDeadLetter
	default:
		return ActionRequeue
	}
}
