package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrNotConnected      = errors.New("rabbitmq: not connected")
	ErrAlreadyConnected  = errors.New("rabbitmq: already connected")
	ErrConnectionLost    = errors.New("rabbitmq: connection lost")
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Publisher errors
	ErrPublisherClosed = errors.New("rabbitmq: publisher is closed")

	// Consumer errors
	ErrConsumerClosed = errors.New("rabbitmq: consumer is closed")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %q/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// HandlerError wraps any failure while processing a single delivery: an
// undecodable body, a handler error or a recovered handler panic. It never
// leaves the consumer.
type HandlerError struct {
	Queue       string
	DeliveryTag uint64
	Redelivered bool
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed for delivery %d on queue %s (redelivered=%v): %v",
		e.DeliveryTag, e.Queue, e.Redelivered, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is an AMQP 404 NOT_FOUND channel exception
func IsNotFound(err error) bool {
	return hasAMQPCode(err, amqp.NotFound)
}

// IsPreconditionFailed reports whether err is an AMQP 406 PRECONDITION_FAILED
// channel exception, e.g. deleting a non-empty queue with ifEmpty set.
func IsPreconditionFailed(err error) bool {
	return hasAMQPCode(err, amqp.PreconditionFailed)
}

func hasAMQPCode(err error, code int) bool {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == code
	}
	return false
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}

// URL builds an AMQP URI from its parts. Credentials and vhost are escaped.
func URL(host string, port int, username, password, vhost string) string {
	if port == 0 {
		port = 5672
	}
	if vhost == "" {
		vhost = "/"
	}
	u := url.URL{
		Scheme:  "amqp",
		User:    url.UserPassword(username, password),
		Host:    fmt.Sprintf("%s:%d", host, port),
		Path:    "/" + vhost,
		RawPath: "/" + url.PathEscape(vhost),
	}
	return u.String()
}
