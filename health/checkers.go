package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/monitor"
	"github.com/glimte/eventbus-go/naming"
)

// Connection is implemented by eventbus.Client
type Connection interface {
	State() rabbitmq.ConnectionState
}

// ConnectionChecker reports the broker connection. A lost connection is
// unhealthy: the client does not reconnect on its own.
type ConnectionChecker struct {
	conn Connection
}

// NewConnectionChecker creates a checker for conn
func NewConnectionChecker(conn Connection) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "broker_connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.conn.State()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"state": state.String()},
	}

	switch state {
	case rabbitmq.StateConnected:
		result.Status = StatusHealthy
		result.Message = "connected"
	case rabbitmq.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "connecting"
	default:
		result.Status = StatusUnhealthy
		result.Message = "not connected to the broker"
	}

	result.Duration = time.Since(start)
	return result
}

// Consumer is implemented by eventbus.Consumer
type Consumer interface {
	Queue() string
	Done() <-chan struct{}
	Stats() rabbitmq.ConsumerStats
}

// ConsumerChecker reports whether a consumer is still running and whether it
// has been dead-lettering messages.
type ConsumerChecker struct {
	consumer Consumer
}

// NewConsumerChecker creates a checker for consumer
func NewConsumerChecker(consumer Consumer) *ConsumerChecker {
	return &ConsumerChecker{consumer: consumer}
}

func (c *ConsumerChecker) Name() string {
	return "consumer_" + c.consumer.Queue()
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.consumer.Stats()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "consuming",
		Details: map[string]interface{}{
			"received":      stats.Received,
			"acked":         stats.Acked,
			"requeued":      stats.Requeued,
			"dead_lettered": stats.DeadLettered,
			"settle_errors": stats.SettleErrors,
		},
	}

	select {
	case <-c.consumer.Done():
		result.Status = StatusUnhealthy
		result.Message = "consumer stopped"
	default:
		if stats.DeadLettered > 0 || stats.SettleErrors > 0 {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("%d messages dead-lettered, %d settle errors", stats.DeadLettered, stats.SettleErrors)
		}
	}

	result.Duration = time.Since(start)
	return result
}

// ManagementAPI is the part of monitor.Client used by the checkers below
type ManagementAPI interface {
	Ping(ctx context.Context) (*monitor.Overview, error)
	ListDeadLetterQueues(ctx context.Context, vhost, suffix string) ([]monitor.QueueInfo, error)
}

// ManagementChecker pings the management API. An unreachable API only
// degrades health; publishing and consuming do not depend on it.
type ManagementChecker struct {
	api ManagementAPI
}

// NewManagementChecker creates a checker for api
func NewManagementChecker(api ManagementAPI) *ManagementChecker {
	return &ManagementChecker{api: api}
}

func (c *ManagementChecker) Name() string {
	return "broker_management"
}

func (c *ManagementChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	overview, err := c.api.Ping(ctx)
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	if err != nil {
		result.Status = StatusDegraded
		result.Message = "management API unreachable"
		result.Error = err.Error()
		return result
	}

	result.Status = StatusHealthy
	result.Message = "management API reachable"
	result.Details["rabbitmq_version"] = overview.RabbitMQVersion
	result.Details["queues"] = overview.ObjectTotals.Queues
	result.Details["messages"] = overview.QueueTotals.Messages
	return result
}

// DeadLetterChecker reports dead-letter queues holding messages. Those need
// an operator, so any message in one degrades health.
type DeadLetterChecker struct {
	api   ManagementAPI
	vhost string
}

// NewDeadLetterChecker creates a checker for the dead-letter queues of vhost
func NewDeadLetterChecker(api ManagementAPI, vhost string) *DeadLetterChecker {
	return &DeadLetterChecker{api: api, vhost: vhost}
}

func (c *DeadLetterChecker) Name() string {
	return "dead_letter_queues"
}

func (c *DeadLetterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	queues, err := c.api.ListDeadLetterQueues(ctx, c.vhost, naming.DeadLetterSuffix)
	if err != nil {
		result.Status = StatusDegraded
		result.Message = "failed to list dead-letter queues"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	pending := 0
	for _, q := range queues {
		if q.Messages > 0 {
			result.Details[q.Name] = q.Messages
			pending += q.Messages
		}
	}

	if pending > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d dead-lettered messages waiting for inspection", pending)
	} else {
		result.Status = StatusHealthy
		result.Message = "dead-letter queues are empty"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.Name(),
		Status:    status,
		Message:   message,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
