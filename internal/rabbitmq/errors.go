package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Configuration errors
	ErrNoNodes                 = errors.New("rabbitmq: no broker nodes configured")
	ErrInvalidConnectionString = errors.New("rabbitmq: invalid connection string")
	ErrInvalidConfiguration    = errors.New("rabbitmq: invalid configuration")
	ErrInvalidStrategy         = errors.New("rabbitmq: channel strategy not allowed")
	ErrUnknownCluster          = errors.New("rabbitmq: unknown cluster")

	// Connection errors
	ErrConnectionNotReady   = errors.New("rabbitmq: connection not ready")
	ErrConnectionPoolClosed = errors.New("rabbitmq: connection pool is closed")
	ErrConnectionClosed     = errors.New("rabbitmq: managed connection is closed")
	ErrRegistryClosed       = errors.New("rabbitmq: registry is closed")

	// Channel errors
	ErrChannelNotOpen       = errors.New("rabbitmq: channel is not open")
	ErrChannelDisposed      = errors.New("rabbitmq: channel is disposed")
	ErrPooledChannelConsume = errors.New("rabbitmq: pooled channels cannot be consumed")
	ErrChannelManagerClosed = errors.New("rabbitmq: channel manager is closed")

	// Publisher and receiver errors
	ErrPublisherClosed = errors.New("rabbitmq: publisher is closed")
	ErrReceiverClosed  = errors.New("rabbitmq: receiver is closed")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	Cluster   string    // Cluster name
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s to %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s to %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID string    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Target     string    // Declared target (queue or exchange)
	Exchange   string    // Resolved exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s (exchange=%q, key=%q): %v",
		e.Target, e.Exchange, e.RoutingKey, e.Err)
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

// TopologyError represents a declaration error
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

// IsConfigurationError reports whether err is a fail-fast configuration error
// that must not be retried.
func IsConfigurationError(err error) bool {
	switch {
	case errors.Is(err, ErrNoNodes),
		errors.Is(err, ErrInvalidConnectionString),
		errors.Is(err, ErrInvalidConfiguration),
		errors.Is(err, ErrInvalidStrategy),
		errors.Is(err, ErrUnknownCluster):
		return true
	}
	return false
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
