package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// BindingKey is the routing key used for every queue binding. Fanout
// exchanges ignore it, the protocol still requires one.
const BindingKey = "*"

// TopologyManager manages exchanges, queues and bindings
type TopologyManager struct {
	broker Broker
	logger *slog.Logger
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents a set of declarations applied in order: exchanges,
// queues, bindings.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// FanoutExchange is the durable broadcast exchange of a topic
func FanoutExchange(topic string) ExchangeDeclaration {
	return ExchangeDeclaration{
		Name:    topic,
		Type:    amqp.ExchangeFanout,
		Durable: true,
	}
}

// DurableQueue is a durable, shared, never auto-deleted queue
func DurableQueue(name string) QueueDeclaration {
	return QueueDeclaration{
		Name:       name,
		Durable:    true,
		AutoDelete: false,
		Exclusive:  false,
	}
}

// ProducerTopology is what a producer of topic needs
func ProducerTopology(topic string) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{FanoutExchange(topic)},
	}
}

// ConsumerTopology is what a consumer of topic needs: the exchange, its queue
// bound to the exchange, and an unbound dead-letter queue.
func ConsumerTopology(topic, queue, deadLetterQueue string) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{FanoutExchange(topic)},
		Queues: []QueueDeclaration{
			DurableQueue(queue),
			DurableQueue(deadLetterQueue),
		},
		Bindings: []Binding{
			{Queue: queue, Exchange: topic, RoutingKey: BindingKey},
		},
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(broker Broker, logger *slog.Logger) *TopologyManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyManager{
		broker: broker,
		logger: logger,
	}
}

// DeclareTopology declares the topology on a short-lived channel
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return withChannel(tm.broker, func(ch Channel) error {
		return DeclareTopologyOn(ch, topology)
	})
}

// DeclareTopologyOn declares the topology on ch. Every declaration is
// idempotent for identical parameters.
func DeclareTopologyOn(ch Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := declareExchange(ch, exchange); err != nil {
			return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	for _, queue := range topology.Queues {
		if _, err := declareQueue(ch, queue); err != nil {
			return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	for _, binding := range topology.Bindings {
		if err := bindQueue(ch, binding); err != nil {
			return &TopologyError{
				Component: "binding",
				Name:      fmt.Sprintf("%s->%s", binding.Exchange, binding.Queue),
				Op:        "declare",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	return nil
}

// RemovalOutcome reports what RemoveQueue did with a queue
type RemovalOutcome int

const (
	// QueueNotFound means there was nothing to remove
	QueueNotFound RemovalOutcome = iota
	// QueueDeleted means the queue was empty and has been deleted
	QueueDeleted
	// QueueUnbound means the queue held messages; it was detached from its
	// exchange and kept for manual draining
	QueueUnbound
	// QueueKept means the queue held messages and was left untouched
	QueueKept
)

func (o RemovalOutcome) String() string {
	switch o {
	case QueueNotFound:
		return "not-found"
	case QueueDeleted:
		return "deleted"
	case QueueUnbound:
		return "unbound"
	case QueueKept:
		return "kept"
	default:
		return "unknown"
	}
}

// RemovalResult describes the removal of a consumer queue pair
type RemovalResult struct {
	Queue                     string
	QueueOutcome              RemovalOutcome
	PendingMessages           int
	DeadLetterQueue           string
	DeadLetterOutcome         RemovalOutcome
	PendingDeadLetterMessages int
}

// RemoveQueue removes a consumer queue and its dead-letter queue.
//
// A queue holding messages is unbound from exchange instead of deleted, so
// no message is lost; an operator has to drain it. A non-empty dead-letter
// queue is kept. Queues that do not exist count as removed.
func (tm *TopologyManager) RemoveQueue(ctx context.Context, exchange, queue, deadLetterQueue string) (RemovalResult, error) {
	result := RemovalResult{Queue: queue, DeadLetterQueue: deadLetterQueue}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	outcome, pending, err := tm.removeQueue(queue, exchange)
	result.QueueOutcome, result.PendingMessages = outcome, pending
	if err != nil {
		return result, err
	}

	if deadLetterQueue != "" {
		outcome, pending, err = tm.removeQueue(deadLetterQueue, "")
		result.DeadLetterOutcome, result.PendingDeadLetterMessages = outcome, pending
		if err != nil {
			return result, err
		}
	}

	return result, nil
}

// removeQueue deletes queue when empty. When it holds messages it is unbound
// from exchange, or kept when exchange is empty.
func (tm *TopologyManager) removeQueue(queue, exchange string) (RemovalOutcome, int, error) {
	q, err := tm.inspectQueue(queue)
	if err != nil {
		if IsNotFound(err) {
			tm.logger.Debug("queue does not exist, nothing to remove", "queue", queue)
			return QueueNotFound, 0, nil
		}
		return QueueNotFound, 0, &TopologyError{Component: "queue", Name: queue, Op: "inspect", Err: err, Timestamp: time.Now()}
	}

	if q.Messages == 0 {
		err := withChannel(tm.broker, func(ch Channel) error {
			_, err := ch.QueueDelete(queue, false, true, false)
			return err
		})
		switch {
		case err == nil:
			tm.logger.Info("deleted queue", "queue", queue)
			return QueueDeleted, 0, nil
		case IsNotFound(err):
			return QueueNotFound, 0, nil
		case !IsPreconditionFailed(err):
			return QueueNotFound, 0, &TopologyError{Component: "queue", Name: queue, Op: "delete", Err: err, Timestamp: time.Now()}
		}
		// a message arrived between inspect and delete
		if q, err = tm.inspectQueue(queue); err != nil {
			return QueueNotFound, 0, &TopologyError{Component: "queue", Name: queue, Op: "inspect", Err: err, Timestamp: time.Now()}
		}
	}

	if exchange == "" {
		tm.logger.Warn("queue still holds messages, keeping it; drain it manually",
			"queue", queue,
			"messages", q.Messages,
		)
		return QueueKept, q.Messages, nil
	}

	err = withChannel(tm.broker, func(ch Channel) error {
		return ch.QueueUnbind(queue, BindingKey, exchange, nil)
	})
	if err != nil && !IsNotFound(err) {
		return QueueNotFound, q.Messages, &TopologyError{Component: "binding", Name: exchange + "->" + queue, Op: "unbind", Err: err, Timestamp: time.Now()}
	}

	tm.logger.Warn("queue still holds messages, unbound it instead of deleting; drain it manually",
		"queue", queue,
		"exchange", exchange,
		"messages", q.Messages,
	)
	return QueueUnbound, q.Messages, nil
}

// inspectQueue passively declares queue. A missing queue closes the channel
// with NOT_FOUND, hence the dedicated channel.
func (tm *TopologyManager) inspectQueue(name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := withChannel(tm.broker, func(ch Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
		return err
	})
	return q, err
}

// InspectQueue returns the queue's message and consumer counts
func (tm *TopologyManager) InspectQueue(ctx context.Context, name string) (amqp.Queue, error) {
	if err := ctx.Err(); err != nil {
		return amqp.Queue{}, err
	}
	return tm.inspectQueue(name)
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

// declareQueue declares a queue on the given channel
func declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

// bindQueue binds a queue to an exchange on the given channel
func bindQueue(ch Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}
