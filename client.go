// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/monitor"
	"github.com/glimte/eventbus-go/naming"
)

// Connection state and listener types
type (
	ConnectionState         = rabbitmq.ConnectionState
	ConnectionStateListener = rabbitmq.ConnectionStateListener
	Prober                  = rabbitmq.Prober
	ProberFunc              = rabbitmq.ProberFunc
	DialProber              = rabbitmq.DialProber
)

const (
	StateDisconnected = rabbitmq.StateDisconnected
	StateConnecting   = rabbitmq.StateConnecting
	StateConnected    = rabbitmq.StateConnected
)

// Queue removal results
type (
	RemovalResult  = rabbitmq.RemovalResult
	RemovalOutcome = rabbitmq.RemovalOutcome
)

const (
	QueueNotFound = rabbitmq.QueueNotFound
	QueueDeleted  = rabbitmq.QueueDeleted
	QueueUnbound  = rabbitmq.QueueUnbound
	QueueKept     = rabbitmq.QueueKept
)

// QueueDepth is a queue's message and consumer count as reported by the broker
type QueueDepth struct {
	Name      string
	Exists    bool
	Messages  int
	Consumers int
}

// Client is the entry point of the bus: it owns the broker connection and
// creates producers and consumers on top of it.
type Client struct {
	cfg                Config
	conn               *rabbitmq.ConnectionManager
	broker             rabbitmq.Broker
	topology           *rabbitmq.TopologyManager
	prober             Prober
	logger             *slog.Logger
	allowUnknownTopics bool

	mu      sync.Mutex
	closers []io.Closer
}

// NewClient creates a client for cfg. It does not connect; call
// WaitForAvailability and Connect.
func NewClient(cfg Config, options ...ClientOption) (*Client, error) {
	opts := &clientConfig{
		logger:      slog.Default(),
		dialTimeout: 30 * time.Second,
		heartbeat:   10 * time.Second,
	}

	for _, opt := range options {
		opt(opts)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.logger.With("service", cfg.ServiceName)

	conn := rabbitmq.NewConnectionManager(cfg.URL(),
		rabbitmq.WithLogger(logger),
		rabbitmq.WithConnectionName(cfg.ServiceName),
		rabbitmq.WithDialTimeout(opts.dialTimeout),
		rabbitmq.WithHeartbeat(opts.heartbeat),
	)

	prober := opts.prober
	switch {
	case prober != nil:
	case opts.amqpProbe:
		prober = DialProber{URL: cfg.URL(), Timeout: opts.dialTimeout}
	default:
		prober = monitor.NewClient(cfg.Host, cfg.ManagementPort, cfg.Username, cfg.Password,
			monitor.WithLogger(logger),
		)
	}

	return &Client{
		cfg:                cfg,
		conn:               conn,
		broker:             conn,
		topology:           rabbitmq.NewTopologyManager(conn, logger),
		prober:             prober,
		logger:             logger,
		allowUnknownTopics: opts.allowUnknownTopics,
	}, nil
}

// Config returns the effective configuration, defaults applied
func (c *Client) Config() Config {
	return c.cfg
}

// ServiceName returns the name queues are prefixed with
func (c *Client) ServiceName() string {
	return c.cfg.ServiceName
}

// Connect opens the broker connection. It fails with ErrAlreadyConnected when
// a connection exists or is being established.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect closes the broker connection. Producers and consumers created
// on it stop working; use Close to release them as well.
func (c *Client) Disconnect() error {
	return c.conn.Disconnect()
}

// IsConnected reports whether the connection is established
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// State returns the connection state
func (c *Client) State() ConnectionState {
	return c.conn.State()
}

// AddStateListener registers a listener for connect and disconnect events
func (c *Client) AddStateListener(listener ConnectionStateListener) {
	c.conn.AddStateListener(listener)
}

// RemoveStateListener removes a listener
func (c *Client) RemoveStateListener(listener ConnectionStateListener) {
	c.conn.RemoveStateListener(listener)
}

// NotifyLost registers ch to receive the error of an unsolicited connection
// close. ch is closed afterwards and on Disconnect.
func (c *Client) NotifyLost(ch chan error) chan error {
	return c.conn.NotifyLost(ch)
}

// WaitForAvailability blocks until the broker answers its probe, retrying at a
// fixed interval. Probe failures are logged, not returned; the only error is
// ctx's.
func (c *Client) WaitForAvailability(ctx context.Context, options ...WaitOption) error {
	wc := &waitConfig{
		interval: rabbitmq.DefaultAvailabilityInterval,
		prober:   c.prober,
	}
	for _, opt := range options {
		opt(wc)
	}
	return rabbitmq.WaitForAvailability(ctx, wc.prober, wc.interval, c.logger)
}

// RemoveQueue removes this service's queue for topic and its dead-letter
// queue. A queue still holding messages is unbound from the topic instead of
// deleted and has to be drained by an operator. Missing queues are not an
// error.
func (c *Client) RemoveQueue(ctx context.Context, topic contracts.Topic) error {
	_, err := c.RemoveQueueResult(ctx, topic)
	return err
}

// RemoveQueueResult is RemoveQueue, also reporting what happened to each
// queue and how many messages were left behind.
func (c *Client) RemoveQueueResult(ctx context.Context, topic contracts.Topic) (RemovalResult, error) {
	queue := naming.QueueName(topic, c.cfg.ServiceName)
	dlq := naming.DeadLetterQueueName(topic, c.cfg.ServiceName)

	result, err := c.topology.RemoveQueue(ctx, string(topic), queue, dlq)
	if err != nil {
		return result, fmt.Errorf("failed to remove queue %s: %w", queue, err)
	}

	c.logger.Info("removed queue",
		"topic", topic,
		"queue", queue,
		"outcome", result.QueueOutcome.String(),
		"pending", result.PendingMessages,
		"deadLetterOutcome", result.DeadLetterOutcome.String(),
		"deadLetterPending", result.PendingDeadLetterMessages,
	)
	return result, nil
}

// DeclareQueue declares this service's queue for topic, bound to the topic's
// exchange, and its dead-letter queue without consuming. Messages published
// before the service first subscribes are kept instead of dropped by the
// exchange.
func (c *Client) DeclareQueue(ctx context.Context, topic contracts.Topic) error {
	if err := c.checkTopic(topic); err != nil {
		return err
	}

	queue := naming.QueueName(topic, c.cfg.ServiceName)
	dlq := naming.DeadLetterQueueName(topic, c.cfg.ServiceName)

	if err := c.topology.DeclareTopology(ctx, rabbitmq.ConsumerTopology(string(topic), queue, dlq)); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	c.logger.Info("declared queue", "topic", topic, "queue", queue, "deadLetterQueue", dlq)
	return nil
}

// InspectQueues reports the depth of this service's queue for topic and of
// its dead-letter queue over AMQP. Missing queues are reported, not returned
// as errors.
func (c *Client) InspectQueues(ctx context.Context, topic contracts.Topic) (queue, deadLetter QueueDepth, err error) {
	queue, err = c.inspect(ctx, naming.QueueName(topic, c.cfg.ServiceName))
	if err != nil {
		return queue, deadLetter, err
	}
	deadLetter, err = c.inspect(ctx, naming.DeadLetterQueueName(topic, c.cfg.ServiceName))
	return queue, deadLetter, err
}

func (c *Client) inspect(ctx context.Context, name string) (QueueDepth, error) {
	depth := QueueDepth{Name: name}

	q, err := c.topology.InspectQueue(ctx, name)
	if err != nil {
		if rabbitmq.IsNotFound(err) {
			return depth, nil
		}
		return depth, fmt.Errorf("failed to inspect queue %s: %w", name, err)
	}

	depth.Exists = true
	depth.Messages = q.Messages
	depth.Consumers = q.Consumers
	return depth, nil
}

// RemoveQueues removes the queues of every topic, continuing past failures.
// The returned error joins all failures.
func (c *Client) RemoveQueues(ctx context.Context, topics ...contracts.Topic) error {
	var errs []error
	for _, topic := range topics {
		if err := c.RemoveQueue(ctx, topic); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every producer and consumer created by the client, then the
// connection.
func (c *Client) Close() error {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	for _, closer := range closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.conn.IsConnected() {
		if err := c.conn.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (c *Client) track(closer io.Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, closer)
}

// checkTopic refuses topics outside the known set
func (c *Client) checkTopic(topic contracts.Topic) error {
	if topic.Valid() {
		return nil
	}
	if c.allowUnknownTopics && topic.WellFormed() {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger             *slog.Logger
	allowUnknownTopics bool
	prober             Prober
	amqpProbe          bool
	dialTimeout        time.Duration
	heartbeat          time.Duration
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithAllowUnknownTopics accepts topics outside contracts.Topics, as long as
// they are usable exchange names. Meant for tests and tooling.
func WithAllowUnknownTopics() ClientOption {
	return func(cfg *clientConfig) {
		cfg.allowUnknownTopics = true
	}
}

// WithProber replaces the management API probe used by WaitForAvailability
func WithProber(prober Prober) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prober = prober
	}
}

// WithAMQPProbe makes WaitForAvailability dial the broker's AMQP port
// instead of calling the management API, for brokers without the management
// plugin. WithProber takes precedence.
func WithAMQPProbe() ClientOption {
	return func(cfg *clientConfig) {
		cfg.amqpProbe = true
	}
}

// WithDialTimeout bounds a single Connect attempt
func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.heartbeat = interval
	}
}

type waitConfig struct {
	interval time.Duration
	prober   Prober
}

// WaitOption configures WaitForAvailability
type WaitOption func(*waitConfig)

// WithWaitInterval sets the delay between probes
func WithWaitInterval(interval time.Duration) WaitOption {
	return func(wc *waitConfig) {
		wc.interval = interval
	}
}

// WithWaitProber probes with prober instead of the client's prober
func WithWaitProber(prober Prober) WaitOption {
	return func(wc *waitConfig) {
		wc.prober = prober
	}
}
