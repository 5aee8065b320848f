package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/internal/rabbitmq"
)

type publisher interface {
	Publish(ctx context.Context, body []byte, publishedAt time.Time) (bool, error)
	Close() error
}

// Producer publishes messages of type M to a single topic
type Producer[M any] struct {
	topic     contracts.Topic
	publisher publisher
	now       func() time.Time
}

// CreateProducer declares topic's exchange and returns a producer for it.
// The client must be connected.
func CreateProducer[M any](ctx context.Context, c *Client, topic contracts.Topic) (*Producer[M], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.checkTopic(topic); err != nil {
		return nil, err
	}

	pub, err := rabbitmq.NewTopicPublisher(c.broker, string(topic), c.cfg.ServiceName,
		rabbitmq.WithPublisherLogger(c.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer for topic %s: %w", topic, err)
	}

	p := newProducer[M](topic, pub)
	c.track(p)
	return p, nil
}

func newProducer[M any](topic contracts.Topic, pub publisher) *Producer[M] {
	return &Producer[M]{
		topic:     topic,
		publisher: pub,
		now:       time.Now,
	}
}

// Publish wraps message in an envelope stamped with the current time and
// publishes it persistently. true means the client library accepted the
// message, not that the broker confirmed it. While disconnected it fails
// with ErrNotConnected; nothing is buffered.
func (p *Producer[M]) Publish(ctx context.Context, message M) (bool, error) {
	env := contracts.NewEnvelope(message, p.now())

	body, err := env.Encode()
	if err != nil {
		return false, err
	}

	return p.publisher.Publish(ctx, body, env.Time())
}

// Topic returns the topic the producer publishes to
func (p *Producer[M]) Topic() contracts.Topic {
	return p.topic
}

// Close releases the producer's channel
func (p *Producer[M]) Close() error {
	return p.publisher.Close()
}
