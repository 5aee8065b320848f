package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ContentTypeJSON     = "application/json"
	ContentEncodingUTF8 = "utf-8"
)

// TopicPublisher publishes message bodies onto one topic's fanout exchange
// over a channel it owns.
type TopicPublisher struct {
	broker      Broker
	ch          Channel
	topic       string
	serviceName string
	logger      *slog.Logger
	mu          sync.Mutex
	closed      bool
}

// PublisherOption configures the publisher
type PublisherOption func(*TopicPublisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *TopicPublisher) {
		p.logger = logger
	}
}

// NewTopicPublisher opens a channel and declares the topic's exchange.
// serviceName is used as routing key and app id; fanout exchanges ignore the
// routing key for delivery.
func NewTopicPublisher(broker Broker, topic, serviceName string, options ...PublisherOption) (*TopicPublisher, error) {
	if topic == "" || serviceName == "" {
		return nil, fmt.Errorf("%w: topic and service name are required", ErrInvalidConfiguration)
	}

	p := &TopicPublisher{
		broker:      broker,
		topic:       topic,
		serviceName: serviceName,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	ch, err := broker.OpenChannel()
	if err != nil {
		return nil, &PublishError{
			Exchange:   topic,
			RoutingKey: serviceName,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	if err := DeclareTopologyOn(ch, ProducerTopology(topic)); err != nil {
		_ = ch.Close()
		return nil, err
	}

	p.ch = ch
	p.logger.Debug("publisher ready", "topic", topic)

	return p, nil
}

// Publish sends body to the topic exchange as a persistent JSON message.
// The returned bool reports whether the client library accepted the message
// for sending; it is not a broker confirmation. Nothing is buffered while
// disconnected: the call fails with ErrNotConnected instead.
func (p *TopicPublisher) Publish(ctx context.Context, body []byte, publishedAt time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false, ErrPublisherClosed
	}

	if !p.broker.IsConnected() {
		return false, p.publishError(ErrNotConnected)
	}
	if p.ch.IsClosed() {
		return false, p.publishError(fmt.Errorf("%w: %w", ErrNotConnected, ErrChannelClosed))
	}

	msg := amqp.Publishing{
		ContentType:     ContentTypeJSON,
		ContentEncoding: ContentEncodingUTF8,
		DeliveryMode:    amqp.Persistent,
		Timestamp:       publishedAt,
		MessageId:       uuid.NewString(),
		AppId:           p.serviceName,
		Body:            body,
	}

	err := p.ch.PublishWithContext(
		ctx,
		p.topic,
		p.serviceName,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			err = fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return false, p.publishError(err)
	}

	return true, nil
}

func (p *TopicPublisher) publishError(err error) error {
	return &PublishError{
		Exchange:   p.topic,
		RoutingKey: p.serviceName,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// Topic returns the topic this publisher is bound to
func (p *TopicPublisher) Topic() string {
	return p.topic
}

// Close closes the publisher's channel
func (p *TopicPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.ch.IsClosed() {
		return nil
	}
	if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
