package eventbus

import (
	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/internal/rabbitmq"
)

// Errors returned by the client. Match them with errors.Is.
var (
	ErrNotConnected         = rabbitmq.ErrNotConnected
	ErrAlreadyConnected     = rabbitmq.ErrAlreadyConnected
	ErrConnectionLost       = rabbitmq.ErrConnectionLost
	ErrConnectionTimeout    = rabbitmq.ErrConnectionTimeout
	ErrChannelClosed        = rabbitmq.ErrChannelClosed
	ErrPublisherClosed      = rabbitmq.ErrPublisherClosed
	ErrConsumerClosed       = rabbitmq.ErrConsumerClosed
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	ErrUnknownTopic         = contracts.ErrUnknownTopic
	ErrInvalidEnvelope      = contracts.ErrInvalidEnvelope
)

// Typed errors, for use with errors.As
type (
	ConnectionError = rabbitmq.ConnectionError
	PublishError    = rabbitmq.PublishError
	ConsumerError   = rabbitmq.ConsumerError
	TopologyError   = rabbitmq.TopologyError
	HandlerError    = rabbitmq.HandlerError
)
