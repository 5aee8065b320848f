package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Headers added to dead-lettered messages
const (
	HeaderOriginalTopic = "x-original-topic"
	HeaderOriginalQueue = "x-original-queue"
	HeaderLastError     = "x-last-error"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer consumes one queue with manual acknowledgment and applies the
// retry-once-then-dead-letter policy to every delivery.
type Consumer struct {
	broker          Broker
	topic           string
	queue           string
	deadLetterQueue string
	handler         MessageHandler
	prefetchCount   int
	consumerTag     string
	settleTimeout   time.Duration
	logger          *slog.Logger

	// chMu serialises every operation on ch, including acks issued through
	// deliveries, across the concurrent handler goroutines.
	chMu sync.Mutex
	ch   Channel

	mu       sync.Mutex
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	sem      chan struct{}
	inflight sync.WaitGroup
	done     chan struct{}
	stats    consumerStats
}

type consumerStats struct {
	received     atomic.Uint64
	acked        atomic.Uint64
	requeued     atomic.Uint64
	deadLettered atomic.Uint64
	settleErrors atomic.Uint64
}

// ConsumerStats is a snapshot of a consumer's counters
type ConsumerStats struct {
	Received     uint64
	Acked        uint64
	Requeued     uint64
	DeadLettered uint64
	SettleErrors uint64
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count, which also bounds the number of
// handlers running concurrently.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithSettleTimeout bounds the dead-letter publish of a single delivery
func WithSettleTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.settleTimeout = timeout
	}
}

// NewConsumer creates a consumer for queue, bound to topic's exchange, that
// quarantines failed redeliveries into deadLetterQueue.
func NewConsumer(broker Broker, topic, queue, deadLetterQueue string, handler MessageHandler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		broker:          broker,
		topic:           topic,
		queue:           queue,
		deadLetterQueue: deadLetterQueue,
		handler:         handler,
		prefetchCount:   10,
		settleTimeout:   5 * time.Second,
		logger:          slog.Default(),
		done:            make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.consumerTag == "" {
		c.consumerTag = "eventbus-" + uuid.NewString()
	}
	if c.prefetchCount < 1 {
		c.prefetchCount = 1
	}

	return c
}

// Start declares the consumer topology on a dedicated channel and starts
// consuming. Deliveries are processed until Close is called, ctx is
// cancelled or the channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		select {
		case <-c.done:
			return c.consumerError("start", ErrConsumerClosed)
		default:
		}
		return fmt.Errorf("%w: consumer for queue %s already started", ErrInvalidConfiguration, c.queue)
	}
	if c.handler == nil {
		return fmt.Errorf("%w: handler is required", ErrInvalidConfiguration)
	}

	ch, err := c.broker.OpenChannel()
	if err != nil {
		return c.consumerError("open channel", err)
	}

	if err := DeclareTopologyOn(ch, ConsumerTopology(c.topic, c.queue, c.deadLetterQueue)); err != nil {
		_ = ch.Close()
		return err
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return c.consumerError("qos", err)
	}

	deliveries, err := ch.Consume(
		c.queue,
		c.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return c.consumerError("consume", err)
	}

	c.ch = ch
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.sem = make(chan struct{}, c.prefetchCount)
	c.started = true

	go c.processMessages(deliveries)

	c.logger.Info("subscribed to queue",
		"topic", c.topic,
		"queue", c.queue,
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount,
	)

	return nil
}

func (c *Consumer) consumerError(op string, err error) error {
	return &ConsumerError{
		Queue:       c.queue,
		ConsumerTag: c.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// processMessages receives deliveries and hands each to its own goroutine,
// at most prefetchCount at a time.
func (c *Consumer) processMessages(deliveries <-chan amqp.Delivery) {
	defer func() {
		c.cancelConsumer()
		c.inflight.Wait()
		c.closeChannel()
		close(c.done)
		c.logger.Info("consumer stopped", "queue", c.queue)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", c.queue)
				return
			}
			c.stats.received.Add(1)

			// unsettled deliveries are requeued by the broker when the
			// channel closes
			select {
			case c.sem <- struct{}{}:
			case <-c.ctx.Done():
				return
			}

			c.inflight.Add(1)
			go func(d amqp.Delivery) {
				defer func() {
					<-c.sem
					c.inflight.Done()
				}()
				c.handleDelivery(d)
			}(delivery)
		}
	}
}

// handleDelivery runs the handler and settles the delivery
func (c *Consumer) handleDelivery(d amqp.Delivery) {
	err := c.invoke(d)
	action := Decide(d.Redelivered, err)
	if err != nil && c.ctx.Err() != nil {
		// interrupted by Close, not a processing failure
		action = ActionRequeue
	}

	if err != nil {
		c.logger.Warn("failed to handle message",
			"error", err,
			"queue", c.queue,
			"messageId", d.MessageId,
			"redelivered", d.Redelivered,
			"action", action.String(),
		)
	}

	c.settle(d, action, err)
}

// invoke calls the handler, turning errors and panics into *HandlerError
func (c *Consumer) invoke(d amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{
				Queue:       c.queue,
				DeliveryTag: d.DeliveryTag,
				Redelivered: d.Redelivered,
				Err:         fmt.Errorf("panic in handler: %v", r),
			}
		}
	}()

	if err := c.handler(c.ctx, d); err != nil {
		return &HandlerError{
			Queue:       c.queue,
			DeliveryTag: d.DeliveryTag,
			Redelivered: d.Redelivered,
			Err:         err,
		}
	}
	return nil
}

// settle applies action to exactly this delivery's tag (multiple=false)
func (c *Consumer) settle(d amqp.Delivery, action Action, cause error) {
	c.chMu.Lock()
	defer c.chMu.Unlock()

	var err error
	switch action {
	case ActionAck:
		if err = d.Ack(false); err == nil {
			c.stats.acked.Add(1)
		}

	case ActionRequeue:
		if err = d.Nack(false, true); err == nil {
			c.stats.requeued.Add(1)
		}

	case ActionDeadLetter:
		if pubErr := c.publishDeadLetter(d, cause); pubErr != nil {
			// keep the message in the main queue rather than lose it
			c.logger.Error("failed to dead-letter message, requeueing",
				"error", pubErr,
				"queue", c.queue,
				"deadLetterQueue", c.deadLetterQueue,
				"messageId", d.MessageId,
			)
			if err = d.Nack(false, true); err == nil {
				c.stats.requeued.Add(1)
			}
			break
		}
		if err = d.Ack(false); err == nil {
			c.stats.deadLettered.Add(1)
			c.logger.Warn("message moved to dead-letter queue",
				"queue", c.queue,
				"deadLetterQueue", c.deadLetterQueue,
				"messageId", d.MessageId,
			)
		}
	}

	if err != nil {
		c.stats.settleErrors.Add(1)
		c.logger.Error("failed to settle message",
			"error", err,
			"action", action.String(),
			"queue", c.queue,
			"deliveryTag", d.DeliveryTag,
		)
	}
}

// publishDeadLetter copies the raw body into the dead-letter queue through
// the default exchange. The body is passed through unchanged.
func (c *Consumer) publishDeadLetter(d amqp.Delivery, cause error) error {
	headers := make(amqp.Table, len(d.Headers)+3)
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderOriginalTopic] = c.topic
	headers[HeaderOriginalQueue] = c.queue
	if cause != nil {
		headers[HeaderLastError] = cause.Error()
	}

	contentType := d.ContentType
	if contentType == "" {
		contentType = ContentTypeJSON
	}

	msg := amqp.Publishing{
		Headers:         headers,
		ContentType:     contentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    amqp.Persistent,
		Timestamp:       d.Timestamp,
		MessageId:       d.MessageId,
		AppId:           d.AppId,
		Body:            d.Body,
	}

	// not c.ctx: a consumer being closed still quarantines in-flight failures
	ctx, cancel := context.WithTimeout(context.Background(), c.settleTimeout)
	defer cancel()

	if err := c.ch.PublishWithContext(ctx, "", c.deadLetterQueue, false, false, msg); err != nil {
		return &PublishError{
			Exchange:   "",
			RoutingKey: c.deadLetterQueue,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

func (c *Consumer) cancelConsumer() {
	c.chMu.Lock()
	defer c.chMu.Unlock()

	if c.ch.IsClosed() {
		return
	}
	if err := c.ch.Cancel(c.consumerTag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Debug("failed to cancel consumer", "error", err, "consumerTag", c.consumerTag)
	}
}

func (c *Consumer) closeChannel() {
	c.chMu.Lock()
	defer c.chMu.Unlock()

	if c.ch.IsClosed() {
		return
	}
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Debug("failed to close consumer channel", "error", err, "queue", c.queue)
	}
}

// Close stops consuming, waits for in-flight handlers to settle their
// deliveries and closes the channel. Safe to call more than once.
func (c *Consumer) Close() error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	if !started {
		return nil
	}

	c.cancel()
	<-c.done
	return nil
}

// Done is closed once the consumer has stopped, including when the
// connection was lost.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Queue returns the consumed queue name
func (c *Consumer) Queue() string {
	return c.queue
}

// DeadLetterQueue returns the dead-letter queue name
func (c *Consumer) DeadLetterQueue() string {
	return c.deadLetterQueue
}

// Topic returns the consumed topic
func (c *Consumer) Topic() string {
	return c.topic
}

// Stats returns a snapshot of the consumer's counters
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Received:     c.stats.received.Load(),
		Acked:        c.stats.acked.Load(),
		Requeued:     c.stats.requeued.Load(),
		DeadLettered: c.stats.deadLettered.Load(),
		SettleErrors: c.stats.settleErrors.Load(),
	}
}
