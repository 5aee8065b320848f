package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultAvailabilityInterval is the fixed delay between availability probes
const DefaultAvailabilityInterval = time.Second

// Prober checks whether the broker is reachable
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// DialProber probes by opening and immediately closing an AMQP connection.
// Useful where the management plugin is not enabled.
type DialProber struct {
	URL     string
	Timeout time.Duration
}

func (p DialProber) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	conn, err := amqp.DialConfig(p.URL, amqp.Config{
		Dial: amqp.DefaultDial(timeout),
	})
	if err != nil {
		return err
	}
	return conn.Close()
}

// WaitForAvailability blocks until prober succeeds, probing every interval.
// Probe failures are logged and retried indefinitely; the only error
// returned is ctx's, once it is done.
func WaitForAvailability(ctx context.Context, prober Prober, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = DefaultAvailabilityInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	attempt := 0
	operation := func() error {
		attempt++
		return prober.Probe(ctx)
	}

	notify := func(err error, next time.Duration) {
		logger.Info("broker not available yet, retrying",
			"attempt", attempt,
			"error", err,
			"retryIn", next,
		)
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}

	logger.Info("broker is available", "attempts", attempt)
	return nil
}
