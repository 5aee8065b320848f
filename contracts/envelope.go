package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps an application message for transport
type Envelope[M any] struct {
	Message M `json:"message"`
	// Timestamp is the publish time in epoch milliseconds, set by the producer.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// NewEnvelope wraps message with the given publish time
func NewEnvelope[M any](message M, publishedAt time.Time) Envelope[M] {
	return Envelope[M]{
		Message:   message,
		Timestamp: publishedAt.UnixMilli(),
	}
}

// Time returns the publish time as a time.Time
func (e Envelope[M]) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Encode serialises the envelope as UTF-8 JSON
func (e Envelope[M]) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return body, nil
}

// DecodeEnvelope parses a message body. A body that is not a JSON object with
// a "message" member is rejected. fallback is used when the body carries no
// timestamp of its own (e.g. messages published by older producers that only
// set the AMQP timestamp property).
func DecodeEnvelope[M any](body []byte, fallback time.Time) (Envelope[M], error) {
	var raw struct {
		Message   json.RawMessage `json:"message"`
		Timestamp int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Envelope[M]{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if len(raw.Message) == 0 {
		return Envelope[M]{}, fmt.Errorf("%w: missing message", ErrInvalidEnvelope)
	}

	var env Envelope[M]
	if err := json.Unmarshal(raw.Message, &env.Message); err != nil {
		return Envelope[M]{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	env.Timestamp = raw.Timestamp
	if env.Timestamp == 0 && !fallback.IsZero() {
		env.Timestamp = fallback.UnixMilli()
	}
	return env, nil
}
