package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionState is the lifecycle state of a ConnectionManager
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	// OnDisconnected is called with nil after Disconnect and with an error
	// wrapping ErrConnectionLost when the broker closed the connection.
	OnDisconnected(err error)
}

// ConnectionManager owns a single logical connection to the broker.
//
// It never reconnects on its own: when the broker or the network closes the
// connection the state drops to StateDisconnected, listeners and NotifyLost
// channels are signalled, and the caller decides whether to Connect again.
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	state          ConnectionState
	mu             sync.RWMutex
	dialTimeout    time.Duration
	heartbeat      time.Duration
	connectionName string
	logger         *slog.Logger
	done           chan struct{}
	lost           []chan error
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex

	dial func(url string, cfg amqp.Config) (*amqp.Connection, error)
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialTimeout bounds a single connection attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithConnectionName sets the client-provided connection name shown in the
// broker's management UI.
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		state:       StateDisconnected,
		dialTimeout: 30 * time.Second,
		heartbeat:   10 * time.Second,
		logger:      slog.Default(),
		dial:        amqp.DialConfig,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection. It fails with ErrAlreadyConnected
// unless the manager is disconnected.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.state != StateDisconnected {
		state := cm.state
		cm.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrAlreadyConnected, state)
	}
	cm.state = StateConnecting
	cm.mu.Unlock()

	conn, err := cm.dialContext(ctx)

	cm.mu.Lock()
	if err != nil {
		cm.state = StateDisconnected
		cm.closeLost()
		cm.mu.Unlock()
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	cm.conn = conn
	cm.state = StateConnected
	cm.done = make(chan struct{})
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watchClose(conn, notifyClose, cm.done)
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	return nil
}

type dialResult struct {
	conn *amqp.Connection
	err  error
}

// dialContext dials in a goroutine so that ctx cancellation is honoured. A
// connection that completes after we gave up is closed.
func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	cfg := amqp.Config{
		Heartbeat:  cm.heartbeat,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
		Dial:       amqp.DefaultDial(cm.dialTimeout),
	}
	if cm.connectionName != "" {
		cfg.Properties.SetClientConnectionName(cm.connectionName)
	}

	results := make(chan dialResult, 1)
	go func() {
		conn, err := cm.dial(cm.url, cfg)
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err

	case <-dialCtx.Done():
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// watchClose turns an unsolicited close into StateDisconnected
func (cm *ConnectionManager) watchClose(conn *amqp.Connection, notify <-chan *amqp.Error, done <-chan struct{}) {
	select {
	case amqpErr, ok := <-notify:
		cm.mu.Lock()
		if cm.conn != conn || cm.state != StateConnected {
			cm.mu.Unlock()
			return
		}
		cm.conn = nil
		cm.state = StateDisconnected
		close(cm.done)
		cm.mu.Unlock()

		err := ErrConnectionLost
		if ok && amqpErr != nil {
			err = fmt.Errorf("%w: %w", ErrConnectionLost, amqpErr)
		}
		cm.logger.Error("connection closed by broker", "error", err)

		cm.notifyDisconnected(err)
		cm.signalLost(err)

	case <-done:
	}
}

// OpenChannel opens a new channel on the current connection
func (cm *ConnectionManager) OpenChannel() (Channel, error) {
	cm.mu.RLock()
	conn, state := cm.conn, cm.state
	cm.mu.RUnlock()

	if state != StateConnected || conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrChannelCreationFailed, err)
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state == StateConnected
}

// State returns the current connection state
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// Disconnect closes the connection and releases every listener and
// NotifyLost channel. It fails with ErrNotConnected unless connected.
func (cm *ConnectionManager) Disconnect() error {
	cm.mu.Lock()
	if cm.state != StateConnected {
		cm.mu.Unlock()
		return ErrNotConnected
	}
	conn := cm.conn
	cm.conn = nil
	cm.state = StateDisconnected
	close(cm.done)
	cm.mu.Unlock()

	var closeErr error
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			closeErr = &ConnectionError{
				Op:        "disconnect",
				URL:       SanitizeURL(cm.url),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	cm.logger.Info("disconnected from RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyDisconnected(nil)
	cm.releaseListeners()

	return closeErr
}

// NotifyLost registers a channel that receives the close error when the
// broker drops the connection. The channel is closed afterwards, and also on
// Disconnect. Use a buffered channel; the send does not block.
//
// Registered while disconnected, c is closed immediately. Registered while
// connecting, c is closed if the attempt fails.
func (cm *ConnectionManager) NotifyLost(c chan error) chan error {
	// state changes need cm.mu, so holding it keeps c from missing the
	// signal of a close that happens concurrently
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.state == StateDisconnected {
		close(c)
		return c
	}

	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.lost = append(cm.lost, c)
	return c
}

func (cm *ConnectionManager) signalLost(err error) {
	cm.listenersMu.Lock()
	lost := cm.lost
	cm.lost = nil
	cm.listenersMu.Unlock()

	for _, c := range lost {
		select {
		case c <- err:
		default:
		}
		close(c)
	}
}

func (cm *ConnectionManager) releaseListeners() {
	cm.listenersMu.Lock()
	cm.stateListeners = nil
	cm.listenersMu.Unlock()

	cm.closeLost()
}

func (cm *ConnectionManager) closeLost() {
	cm.listenersMu.Lock()
	lost := cm.lost
	cm.lost = nil
	cm.listenersMu.Unlock()

	for _, c := range lost {
		close(c)
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

// notifyConnected notifies all listeners of successful connection
func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

// notifyDisconnected notifies all listeners of disconnection
func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}
