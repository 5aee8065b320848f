// Package eventbus is a topic based publish/subscribe client for RabbitMQ.
//
// Every topic is a durable fanout exchange. Each consuming service owns one
// durable queue per topic plus a dead-letter queue. A message whose handler
// fails is redelivered once; if it fails again its raw body is moved to the
// dead-letter queue for an operator to inspect.
//
// Basic usage:
//
//	client, err := eventbus.NewClient(eventbus.Config{
//		Host:        "rabbitmq",
//		Username:    "guest",
//		Password:    "guest",
//		ServiceName: "notificationservice",
//	})
//	if err != nil {
//		return err
//	}
//	if err := client.WaitForAvailability(ctx); err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close()
//
//	producer, err := eventbus.CreateProducer[ProbandCreated](ctx, client, contracts.TopicProbandCreated)
//	...
//	_, err = eventbus.CreateConsumer(ctx, client, contracts.TopicProbandCreated,
//		func(ctx context.Context, msg ProbandCreated, publishedAt time.Time) error {
//			return notify(ctx, msg)
//		})
//
// The client never reconnects on its own. Register a listener with
// AddStateListener or NotifyLost and call Connect again when needed.
package eventbus
