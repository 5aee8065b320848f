package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/naming"
)

// Handler processes one message. publishedAt is the producer's timestamp.
// Returning an error, or panicking, gets the message redelivered once and
// dead-lettered if it fails again.
type Handler[M any] func(ctx context.Context, message M, publishedAt time.Time) error

// ConsumerStats is a snapshot of a consumer's counters
type ConsumerStats = rabbitmq.ConsumerStats

// Consumer receives one topic's messages on this service's queue
type Consumer struct {
	topic    contracts.Topic
	consumer *rabbitmq.Consumer
}

// CreateConsumer declares the service's queue and dead-letter queue for topic,
// binds the queue and starts dispatching messages to handler. ctx only bounds
// the setup; the consumer runs until Close or until the connection is lost.
func CreateConsumer[M any](ctx context.Context, c *Client, topic contracts.Topic, handler Handler[M]) (*Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", ErrInvalidConfiguration)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.checkTopic(topic); err != nil {
		return nil, err
	}

	svc := c.cfg.ServiceName
	rc := rabbitmq.NewConsumer(
		c.broker,
		string(topic),
		naming.QueueName(topic, svc),
		naming.DeadLetterQueueName(topic, svc),
		decodingHandler(handler),
		rabbitmq.WithPrefetchCount(c.cfg.PrefetchCount),
		rabbitmq.WithConsumerTag(fmt.Sprintf("%s-%s", svc, uuid.NewString())),
		rabbitmq.WithConsumerLogger(c.logger),
	)

	if err := rc.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("failed to create consumer for topic %s: %w", topic, err)
	}

	cons := &Consumer{topic: topic, consumer: rc}
	c.track(cons)
	return cons, nil
}

// decodingHandler decodes the envelope before calling handler. A body that
// does not decode fails like a handler error.
func decodingHandler[M any](handler Handler[M]) rabbitmq.MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		env, err := contracts.DecodeEnvelope[M](d.Body, d.Timestamp)
		if err != nil {
			return err
		}
		return handler(ctx, env.Message, env.Time())
	}
}

// Topic returns the consumed topic
func (c *Consumer) Topic() contracts.Topic {
	return c.topic
}

// Queue returns the consumed queue name
func (c *Consumer) Queue() string {
	return c.consumer.Queue()
}

// DeadLetterQueue returns the queue failed messages are moved to
func (c *Consumer) DeadLetterQueue() string {
	return c.consumer.DeadLetterQueue()
}

// Stats returns the consumer's counters
func (c *Consumer) Stats() ConsumerStats {
	return c.consumer.Stats()
}

// Done is closed when the consumer stops, including on connection loss
func (c *Consumer) Done() <-chan struct{} {
	return c.consumer.Done()
}

// Close stops consuming and waits for in-flight messages to be settled
func (c *Consumer) Close() error {
	return c.consumer.Close()
}
