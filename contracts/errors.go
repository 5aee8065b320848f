package contracts

import "errors"

var (
	// ErrUnknownTopic is returned when a topic is not part of the known set
	ErrUnknownTopic = errors.New("contracts: unknown topic")

	// ErrInvalidEnvelope is returned when a message body cannot be decoded
	ErrInvalidEnvelope = errors.New("contracts: invalid envelope")
)
