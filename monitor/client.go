package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultManagementPort is the management plugin's default HTTP port
const DefaultManagementPort = 15672

// ErrQueueNotFound is returned when the management API does not know a queue
var ErrQueueNotFound = errors.New("monitor: queue not found")

// APIError is a non-2xx answer from the management API
type APIError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Status     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("management API error: %s %s: %s", e.Method, e.Endpoint, e.Status)
}

// Client talks to the RabbitMQ management HTTP API
type Client struct {
	managementURL string
	httpClient    *http.Client
	username      string
	password      string
	logger        *slog.Logger
}

// ClientOption configures the management client
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithBaseURL overrides the management API root, e.g. https://broker/api
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.managementURL = strings.TrimSuffix(baseURL, "/")
	}
}

// NewClient creates a management API client for host. A zero port selects
// DefaultManagementPort.
func NewClient(host string, port int, username, password string, options ...ClientOption) *Client {
	if port == 0 {
		port = DefaultManagementPort
	}

	c := &Client{
		managementURL: fmt.Sprintf("http://%s/api", net.JoinHostPort(host, strconv.Itoa(port))),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		username: username,
		password: password,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Overview is the subset of GET /api/overview the bus cares about
type Overview struct {
	ClusterName     string       `json:"cluster_name"`
	RabbitMQVersion string       `json:"rabbitmq_version"`
	ErlangVersion   string       `json:"erlang_version"`
	Node            string       `json:"node"`
	QueueTotals     QueueTotals  `json:"queue_totals"`
	ObjectTotals    ObjectTotals `json:"object_totals"`
}

// QueueTotals are broker wide message counts
type QueueTotals struct {
	Messages        int `json:"messages"`
	MessagesReady   int `json:"messages_ready"`
	MessagesUnacked int `json:"messages_unacknowledged"`
}

// ObjectTotals are broker wide object counts
type ObjectTotals struct {
	Connections int `json:"connections"`
	Channels    int `json:"channels"`
	Exchanges   int `json:"exchanges"`
	Queues      int `json:"queues"`
	Consumers   int `json:"consumers"`
}

// QueueInfo contains queue statistics
type QueueInfo struct {
	Name            string `json:"name"`
	VHost           string `json:"vhost"`
	Messages        int    `json:"messages"`
	MessagesReady   int    `json:"messages_ready"`
	MessagesUnacked int    `json:"messages_unacknowledged"`
	Consumers       int    `json:"consumers"`
	State           string `json:"state"`
	Durable         bool   `json:"durable"`
	AutoDelete      bool   `json:"auto_delete"`
	Exclusive       bool   `json:"exclusive"`
}

// Ping checks that the management API answers. It is the availability probe
// used while waiting for a booting broker.
func (c *Client) Ping(ctx context.Context) (*Overview, error) {
	var overview Overview
	if err := c.getJSON(ctx, "/overview", &overview); err != nil {
		return nil, err
	}
	return &overview, nil
}

// Probe reports whether the broker answers, discarding the overview
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.Ping(ctx)
	return err
}

// GetQueue returns statistics for a single queue. ErrQueueNotFound is
// returned for unknown queues.
func (c *Client) GetQueue(ctx context.Context, vhost, name string) (*QueueInfo, error) {
	endpoint := fmt.Sprintf("/queues/%s/%s", url.PathEscape(vhostOrDefault(vhost)), url.PathEscape(name))

	var queue QueueInfo
	if err := c.getJSON(ctx, endpoint, &queue); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
		}
		return nil, err
	}
	return &queue, nil
}

// ListQueues returns every queue in vhost
func (c *Client) ListQueues(ctx context.Context, vhost string) ([]QueueInfo, error) {
	var queues []QueueInfo
	endpoint := "/queues/" + url.PathEscape(vhostOrDefault(vhost))
	if err := c.getJSON(ctx, endpoint, &queues); err != nil {
		return nil, err
	}
	return queues, nil
}

// ListDeadLetterQueues returns the queues in vhost whose name ends in suffix
func (c *Client) ListDeadLetterQueues(ctx context.Context, vhost, suffix string) ([]QueueInfo, error) {
	queues, err := c.ListQueues(ctx, vhost)
	if err != nil {
		return nil, err
	}

	dlqs := make([]QueueInfo, 0)
	for _, q := range queues {
		if strings.HasSuffix(q.Name, suffix) {
			dlqs = append(dlqs, q)
		}
	}
	return dlqs, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	resp, err := c.managementRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// managementRequest makes an authenticated request to the management API
func (c *Client) managementRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = strings.NewReader(string(body))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.managementURL+endpoint, bodyReader)
	if err != nil {
		return nil, err
	}

	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("management request failed", "endpoint", endpoint, "error", err)
		return nil, err
	}

	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, &APIError{
			Method:     method,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}

	return resp, nil
}

func vhostOrDefault(vhost string) string {
	if vhost == "" {
		return "/"
	}
	return vhost
}
