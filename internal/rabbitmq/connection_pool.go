package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/rabbitkit/internal/reliability"
)

const (
	// DefaultRetryConnectionDelay is the pause between reconnection attempts
	DefaultRetryConnectionDelay = 30 * time.Second
)

var errReconnectInProgress = errors.New("rabbitmq: reconnection in progress")

// ReconnectFunc receives the connection established by a reconnection worker.
// autorecovered is true when the current connection turned out to be open
// and nothing had to be dialed.
type ReconnectFunc func(conn Connection, autorecovered bool)

// ConnectionPool selects broker nodes round-robin and runs the background
// reconnection workers of one cluster.
type ConnectionPool struct {
	name          string
	nodes         []Node
	dialer        Dialer
	retryDelay    time.Duration
	returnToFirst bool
	logger        *slog.Logger
	metrics       *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	nextIndex    int
	current      Connection
	currentIndex int
	closed       bool

	reconnecting     atomic.Bool
	returningToFirst atomic.Bool
}

// ConnectionPoolOption configures a ConnectionPool
type ConnectionPoolOption func(*ConnectionPool)

// WithRetryDelay sets the pause before every reconnection attempt
func WithRetryDelay(delay time.Duration) ConnectionPoolOption {
	return func(p *ConnectionPool) {
		p.retryDelay = delay
	}
}

// WithReturnToFirstNode controls whether the pool keeps retrying the first
// node after failing over to another one
func WithReturnToFirstNode(enabled bool) ConnectionPoolOption {
	return func(p *ConnectionPool) {
		p.returnToFirst = enabled
	}
}

// WithConnectionPoolLogger sets the logger
func WithConnectionPoolLogger(logger *slog.Logger) ConnectionPoolOption {
	return func(p *ConnectionPool) {
		p.logger = logger
	}
}

// WithConnectionPoolMetrics sets the metrics recorder
func WithConnectionPoolMetrics(metrics *Metrics) ConnectionPoolOption {
	return func(p *ConnectionPool) {
		p.metrics = metrics
	}
}

// NewConnectionPool creates a pool over nodes. An empty node list is a
// configuration error.
func NewConnectionPool(name string, nodes []Node, dialer Dialer, options ...ConnectionPoolOption) (*ConnectionPool, error) {
	if len(nodes) == 0 {
		return nil, &ConnectionError{
			Op:        "create pool",
			Cluster:   name,
			Err:       ErrNoNodes,
			Timestamp: time.Now(),
		}
	}
	if dialer == nil {
		dialer = NewAMQPDialer()
	}

	p := &ConnectionPool{
		name:          name,
		nodes:         append([]Node(nil), nodes...),
		dialer:        dialer,
		retryDelay:    DefaultRetryConnectionDelay,
		returnToFirst: true,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = noopMetrics()
	}
	if p.retryDelay < 0 {
		return nil, errors.Join(ErrInvalidConfiguration, errors.New("retry delay must not be negative"))
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// Name returns the cluster name
func (p *ConnectionPool) Name() string {
	return p.name
}

// Nodes returns a copy of the configured nodes
func (p *ConnectionPool) Nodes() []Node {
	return append([]Node(nil), p.nodes...)
}

// GetNextConnection dials the node at the round-robin cursor and makes it the
// current connection, closing the previous one. It does not retry.
func (p *ConnectionPool) GetNextConnection() (Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrConnectionPoolClosed
	}
	index := p.nextIndex
	p.nextIndex = (index + 1) % len(p.nodes)
	p.mu.Unlock()

	conn, err := p.dial(index)
	if err != nil {
		return nil, err
	}

	if err := p.swap(conn, index); err != nil {
		return nil, err
	}
	return conn, nil
}

// TryReconnect starts the reconnection worker unless one is already running.
// callback runs on the worker goroutine once a connection is available.
func (p *ConnectionPool) TryReconnect(callback ReconnectFunc) {
	if !p.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go p.reconnect(callback)
}

// IsConnected reports whether the current connection is open
func (p *ConnectionPool) IsConnected() bool {
	return p.openConnection() != nil
}

// CurrentNode returns the node of the current connection
func (p *ConnectionPool) CurrentNode() (Node, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		return Node{}, false
	}
	return p.nodes[p.currentIndex], true
}

// Close stops every worker and closes the current connection
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.current
	p.current = nil
	p.mu.Unlock()

	p.cancel()

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

func (p *ConnectionPool) reconnect(callback ReconnectFunc) {
	if conn := p.openConnection(); conn != nil {
		p.reconnecting.Store(false)
		p.metrics.recovered(p.name, true)
		callback(conn, true)
		return
	}

	var conn Connection
	err := reliability.Retry(p.ctx, reliability.Forever(p.retryDelay), func(attempt int) error {
		c, err := p.GetNextConnection()
		if err != nil {
			p.logger.Warn("reconnection attempt failed",
				"cluster", p.name,
				"attempt", attempt+1,
				"error", err,
			)
			return err
		}
		conn = c
		return nil
	})
	p.reconnecting.Store(false)
	if err != nil {
		return
	}

	node, _ := p.CurrentNode()
	p.logger.Info("reconnected to RabbitMQ", "cluster", p.name, "node", node.String())
	p.metrics.recovered(p.name, false)
	callback(conn, false)

	p.startReturnToFirst(callback)
}

// startReturnToFirst keeps trying the first node while the pool is connected
// to another one
func (p *ConnectionPool) startReturnToFirst(callback ReconnectFunc) {
	if !p.returnToFirst || len(p.nodes) < 2 {
		return
	}
	p.mu.Lock()
	onFirst := p.currentIndex == 0
	p.mu.Unlock()
	if onFirst || !p.returningToFirst.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer p.returningToFirst.Store(false)

		_ = reliability.Retry(p.ctx, reliability.Forever(p.retryDelay), func(int) error {
			if p.reconnecting.Load() {
				return errReconnectInProgress
			}

			p.mu.Lock()
			onFirst := p.currentIndex == 0 && p.current != nil
			p.mu.Unlock()
			if onFirst {
				return nil
			}

			conn, err := p.dial(0)
			if err != nil {
				p.logger.Debug("first node still unavailable", "cluster", p.name, "error", err)
				return err
			}

			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				_ = conn.Close()
				return nil
			}
			prev := p.current
			p.current = conn
			p.currentIndex = 0
			p.nextIndex = 1 % len(p.nodes)
			p.mu.Unlock()

			p.logger.Info("returned to first node", "cluster", p.name, "node", p.nodes[0].String())
			callback(conn, false)

			if prev != nil && prev != conn && !prev.IsClosed() {
				_ = prev.Close()
			}
			return nil
		})
	}()
}

func (p *ConnectionPool) dial(index int) (Connection, error) {
	node := p.nodes[index]

	conn, err := p.dialer.Dial(node)
	p.metrics.connectAttempt(p.name, node, err)
	if err != nil {
		return nil, &ConnectionError{
			Op:        "dial",
			Cluster:   p.name,
			URL:       node.String(),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
	return conn, nil
}

func (p *ConnectionPool) swap(conn Connection, index int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return ErrConnectionPoolClosed
	}
	prev := p.current
	p.current = conn
	p.currentIndex = index
	p.mu.Unlock()

	if prev != nil && prev != conn && !prev.IsClosed() {
		if err := prev.Close(); err != nil {
			p.logger.Debug("failed to close previous connection", "cluster", p.name, "error", err)
		}
	}
	return nil
}

func (p *ConnectionPool) openConnection() Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil || p.current.IsClosed() {
		return nil
	}
	return p.current
}
