package rabbitmq

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// consumerChannel expects the declarations and consume call made by Start
func consumerChannel(deliveries chan amqp.Delivery) *mockChannel {
	ch := &mockChannel{}
	ch.On("ExchangeDeclare", testTopic, "fanout", true, false, false, false, mock.Anything).Return(nil)
	ch.On("QueueDeclare", mock.Anything, true, false, false, false, mock.Anything).Return(amqp.Queue{}, nil)
	ch.On("QueueBind", testQueue, "*", testTopic, false, mock.Anything).Return(nil)
	ch.On("Qos", mock.Anything, 0, false).Return(nil)
	ch.On("Consume", testQueue, mock.Anything, false, false, false, false, mock.Anything).
		Return((<-chan amqp.Delivery)(deliveries), nil)
	return ch.allowLifecycle()
}

func startConsumer(t *testing.T, handler MessageHandler, options ...ConsumerOption) (*Consumer, *mockChannel, chan amqp.Delivery) {
	t.Helper()

	deliveries := make(chan amqp.Delivery)
	ch := consumerChannel(deliveries)
	broker := &fakeBroker{connected: true, ch: ch}

	consumer := NewConsumer(broker, testTopic, testQueue, testDLQ, handler, options...)
	require.NoError(t, consumer.Start(context.Background()))
	t.Cleanup(func() { _ = consumer.Close() })

	return consumer, ch, deliveries
}

func delivery(ack amqp.Acknowledger, tag uint64, redelivered bool) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		Redelivered:  redelivered,
		MessageId:    "msg-1",
		ContentType:  ContentTypeJSON,
		Headers:      amqp.Table{"trace": "abc"},
		Body:         []byte(`{"message":{"id":"p-1"},"timestamp":1700000000000}`),
	}
}

func TestNewConsumer(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		consumer := NewConsumer(&fakeBroker{}, testTopic, testQueue, testDLQ, nil)

		assert.Equal(t, 10, consumer.prefetchCount)
		assert.Equal(t, 5*time.Second, consumer.settleTimeout)
		assert.True(t, strings.HasPrefix(consumer.consumerTag, "eventbus-"))
		assert.Equal(t, testTopic, consumer.Topic())
		assert.Equal(t, testQueue, consumer.Queue())
		assert.Equal(t, testDLQ, consumer.DeadLetterQueue())
	})

	t.Run("applies options", func(t *testing.T) {
		consumer := NewConsumer(&fakeBroker{}, testTopic, testQueue, testDLQ, nil,
			WithPrefetchCount(0),
			WithConsumerTag("svc-1"),
			WithSettleTimeout(time.Second),
		)

		assert.Equal(t, 1, consumer.prefetchCount)
		assert.Equal(t, "svc-1", consumer.consumerTag)
		assert.Equal(t, time.Second, consumer.settleTimeout)
	})

	t.Run("Start requires a handler", func(t *testing.T) {
		consumer := NewConsumer(&fakeBroker{connected: true}, testTopic, testQueue, testDLQ, nil)
		assert.ErrorIs(t, consumer.Start(context.Background()), ErrInvalidConfiguration)
	})

	t.Run("Start fails when not connected", func(t *testing.T) {
		handler := func(context.Context, amqp.Delivery) error { return nil }
		consumer := NewConsumer(&fakeBroker{}, testTopic, testQueue, testDLQ, handler)

		err := consumer.Start(context.Background())
		assert.ErrorIs(t, err, ErrNotConnected)
		var consumerErr *ConsumerError
		assert.ErrorAs(t, err, &consumerErr)
	})

	t.Run("Start twice fails", func(t *testing.T) {
		consumer, _, _ := startConsumer(t, func(context.Context, amqp.Delivery) error { return nil })
		assert.ErrorIs(t, consumer.Start(context.Background()), ErrInvalidConfiguration)
	})

	t.Run("Start after Close fails", func(t *testing.T) {
		consumer, _, _ := startConsumer(t, func(context.Context, amqp.Delivery) error { return nil })
		require.NoError(t, consumer.Close())
		assert.ErrorIs(t, consumer.Start(context.Background()), ErrConsumerClosed)
	})

	t.Run("Close before Start is a no-op", func(t *testing.T) {
		consumer := NewConsumer(&fakeBroker{}, testTopic, testQueue, testDLQ, nil)
		assert.NoError(t, consumer.Close())
	})
}

func TestConsumerSettlement(t *testing.T) {
	t.Run("success acks exactly once without dead-lettering", func(t *testing.T) {
		var calls atomic.Int32
		consumer, ch, deliveries := startConsumer(t, func(context.Context, amqp.Delivery) error {
			calls.Add(1)
			return nil
		})

		ack := &mockDeliveryAcknowledger{}
		ack.On("Ack", uint64(1), false).Return(nil).Once()
		deliveries <- delivery(ack, 1, false)

		require.Eventually(t, func() bool { return consumer.Stats().Acked == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, consumer.Close())

		assert.Equal(t, int32(1), calls.Load())
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
		ch.AssertNotCalled(t, "PublishWithContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("first failure is requeued", func(t *testing.T) {
		consumer, ch, deliveries := startConsumer(t, func(context.Context, amqp.Delivery) error {
			return errors.New("database unavailable")
		})

		ack := &mockDeliveryAcknowledger{}
		ack.On("Nack", uint64(1), false, true).Return(nil).Once()
		deliveries <- delivery(ack, 1, false)

		require.Eventually(t, func() bool { return consumer.Stats().Requeued == 1 }, time.Second, 5*time.Millisecond)
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		ch.AssertNotCalled(t, "PublishWithContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("failed redelivery is dead-lettered with the raw body", func(t *testing.T) {
		consumer, ch, deliveries := startConsumer(t, func(context.Context, amqp.Delivery) error {
			return errors.New("still failing")
		})

		d := delivery(&mockDeliveryAcknowledger{}, 2, true)
		ack := d.Acknowledger.(*mockDeliveryAcknowledger)
		ack.On("Ack", uint64(2), false).Return(nil).Once()

		ch.On("PublishWithContext", mock.Anything, "", testDLQ, false, false,
			mock.MatchedBy(func(msg amqp.Publishing) bool {
				return string(msg.Body) == string(d.Body) &&
					msg.DeliveryMode == amqp.Persistent &&
					msg.MessageId == d.MessageId &&
					msg.Headers["trace"] == "abc" &&
					msg.Headers[HeaderOriginalTopic] == testTopic &&
					msg.Headers[HeaderOriginalQueue] == testQueue &&
					strings.Contains(msg.Headers[HeaderLastError].(string), "still failing")
			}),
		).Return(nil).Once()

		deliveries <- d

		require.Eventually(t, func() bool { return consumer.Stats().DeadLettered == 1 }, time.Second, 5*time.Millisecond)
		ch.AssertExpectations(t)
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("a persistently failing message is processed twice then quarantined", func(t *testing.T) {
		var calls atomic.Int32
		consumer, ch, deliveries := startConsumer(t, func(context.Context, amqp.Delivery) error {
			calls.Add(1)
			return errors.New("poison")
		})
		ch.On("PublishWithContext", mock.Anything, "", testDLQ, false, false, mock.Anything).Return(nil).Once()

		ack := &mockDeliveryAcknowledger{}
		ack.On("Nack", uint64(1), false, true).Return(nil).Once()
		ack.On("Ack", uint64(2), false).Return(nil).Once()

		deliveries <- delivery(ack, 1, false)
		require.Eventually(t, func() bool { return consumer.Stats().Requeued == 1 }, time.Second, 5*time.Millisecond)

		// the broker redelivers the requeued message with a new tag
		deliveries <- delivery(ack, 2, true)
		require.Eventually(t, func() bool { return consumer.Stats().DeadLettered == 1 }, time.Second, 5*time.Millisecond)

		assert.Equal(t, int32(2), calls.Load())
		ch.AssertNumberOfCalls(t, "PublishWithContext", 1)
		ack.AssertExpectations(t)
	})

	t.Run("dead-letter publish failure requeues instead of losing the message", func(t *testing.T) {
		consumer, ch, deliveries := startConsumer(t, func(context.Context, amqp.Delivery) error {
			return errors.New("still failing")
		})
		ch.On("PublishWithContext", mock.Anything, "", testDLQ, false, false, mock.Anything).Return(amqp.ErrClosed)

		ack := &mockDeliveryAcknowledger{}
		ack.On("Nack", uint64(3), false, true).Return(nil).Once()
		deliveries <- delivery(ack, 3, true)

		require.Eventually(t, func() bool { return consumer.Stats().Requeued == 1 }, time.Second, 5*time.Millisecond)
		assert.Zero(t, consumer.Stats().DeadLettered)
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("handler panic counts as failure", func(t *testing.T) {
		consumer, _, deliveries := startConsumer(t, func(context.Context, amqp.Delivery) error {
			panic("nil map")
		})

		ack := &mockDeliveryAcknowledger{}
		ack.On("Nack", uint64(1), false, true).Return(nil).Once()
		deliveries <- delivery(ack, 1, false)

		require.Eventually(t, func() bool { return consumer.Stats().Requeued == 1 }, time.Second, 5*time.Millisecond)
		ack.AssertExpectations(t)
	})

	t.Run("settle failures are counted", func(t *testing.T) {
		consumer, _, deliveries := startConsumer(t, func(context.Context, amqp.Delivery) error { return nil })

		ack := &mockDeliveryAcknowledger{}
		ack.On("Ack", uint64(1), false).Return(amqp.ErrClosed).Once()
		deliveries <- delivery(ack, 1, false)

		require.Eventually(t, func() bool { return consumer.Stats().SettleErrors == 1 }, time.Second, 5*time.Millisecond)
		assert.Zero(t, consumer.Stats().Acked)
	})
}

func TestConsumerLifecycle(t *testing.T) {
	t.Run("Close waits for in-flight handlers", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		consumer, ch, deliveries := startConsumer(t, func(context.Context, amqp.Delivery) error {
			close(started)
			<-release
			return nil
		})

		ack := &mockDeliveryAcknowledger{}
		ack.On("Ack", uint64(1), false).Return(nil).Once()
		deliveries <- delivery(ack, 1, false)
		<-started

		closed := make(chan error, 1)
		go func() { closed <- consumer.Close() }()

		select {
		case <-closed:
			t.Fatal("Close returned before the handler finished")
		case <-time.After(20 * time.Millisecond):
		}

		close(release)
		require.NoError(t, <-closed)
		ack.AssertExpectations(t)
		ch.AssertCalled(t, "Cancel", consumer.consumerTag, false)
		ch.AssertCalled(t, "Close")
	})

	t.Run("Close requeues a redelivery whose handler was cancelled", func(t *testing.T) {
		started := make(chan struct{})
		consumer, ch, deliveries := startConsumer(t, func(ctx context.Context, _ amqp.Delivery) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})

		ack := &mockDeliveryAcknowledger{}
		ack.On("Nack", uint64(7), false, true).Return(nil).Once()
		deliveries <- delivery(ack, 7, true)
		<-started

		require.NoError(t, consumer.Close())

		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		ch.AssertNotCalled(t, "PublishWithContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

		stats := consumer.Stats()
		assert.Equal(t, uint64(0), stats.DeadLettered)
		assert.Equal(t, uint64(1), stats.Requeued)
	})

	t.Run("closed delivery channel stops the consumer", func(t *testing.T) {
		consumer, _, deliveries := startConsumer(t, func(context.Context, amqp.Delivery) error { return nil })
		close(deliveries)

		select {
		case <-consumer.Done():
		case <-time.After(time.Second):
			t.Fatal("consumer did not stop")
		}
	})

	t.Run("concurrency is bounded by the prefetch count", func(t *testing.T) {
		var running, peak atomic.Int32
		release := make(chan struct{})
		consumer, _, deliveries := startConsumer(t, func(context.Context, amqp.Delivery) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		}, WithPrefetchCount(2))

		ack := &mockDeliveryAcknowledger{}
		ack.On("Ack", mock.Anything, false).Return(nil)

		go func() {
			for tag := uint64(1); tag <= 4; tag++ {
				deliveries <- delivery(ack, tag, false)
			}
		}()

		require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(2), peak.Load())

		close(release)
		require.Eventually(t, func() bool { return consumer.Stats().Acked == 4 }, time.Second, 5*time.Millisecond)
	})
}
