package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ChannelManager hands out managed channels for one cluster
type ChannelManager struct {
	conn     *ManagedConnection
	settings channelSettings
	pool     *ChannelPool

	mu          sync.Mutex
	shared      atomic.Pointer[ManagedChannel]
	terminating atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

// ChannelManagerOption configures a ChannelManager
type ChannelManagerOption func(*channelManagerConfig)

type channelManagerConfig struct {
	poolMaxSize int
	settings    channelSettings
}

// WithPoolMaxSize sets the number of pooled channels
func WithPoolMaxSize(size int) ChannelManagerOption {
	return func(c *channelManagerConfig) {
		c.poolMaxSize = size
	}
}

// WithChannelRecreateDelay sets the pause before a failed channel is reopened
func WithChannelRecreateDelay(delay time.Duration) ChannelManagerOption {
	return func(c *channelManagerConfig) {
		c.settings.recreateDelay = delay
	}
}

// WithAsyncDispatch makes receivers handle each delivery on its own goroutine
func WithAsyncDispatch(enabled bool) ChannelManagerOption {
	return func(c *channelManagerConfig) {
		c.settings.asyncDispatch = enabled
	}
}

// WithChannelManagerLogger sets the logger
func WithChannelManagerLogger(logger *slog.Logger) ChannelManagerOption {
	return func(c *channelManagerConfig) {
		c.settings.logger = logger
	}
}

// WithChannelManagerMetrics sets the metrics recorder
func WithChannelManagerMetrics(metrics *Metrics) ChannelManagerOption {
	return func(c *channelManagerConfig) {
		c.settings.metrics = metrics
	}
}

// NewChannelManager creates a channel manager on conn
func NewChannelManager(conn *ManagedConnection, options ...ChannelManagerOption) (*ChannelManager, error) {
	cfg := channelManagerConfig{
		poolMaxSize: DefaultPoolMaxSize,
		settings: channelSettings{
			recreateDelay: DefaultChannelRecreateDelay,
			logger:        slog.Default(),
		},
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.settings.metrics == nil {
		cfg.settings.metrics = noopMetrics()
	}
	if cfg.poolMaxSize <= 0 {
		return nil, fmt.Errorf("%w: pool max size must be greater than zero, got %d", ErrInvalidConfiguration, cfg.poolMaxSize)
	}
	if cfg.settings.recreateDelay < 0 {
		return nil, fmt.Errorf("%w: channel recreate delay must not be negative", ErrInvalidConfiguration)
	}
	cfg.settings.logger = cfg.settings.logger.With("cluster", conn.Name())

	pool, err := newChannelPool(conn, cfg.poolMaxSize, cfg.settings)
	if err != nil {
		return nil, err
	}

	return &ChannelManager{
		conn:     conn,
		settings: cfg.settings,
		pool:     pool,
	}, nil
}

// Cluster returns the cluster name
func (m *ChannelManager) Cluster() string {
	return m.conn.Name()
}

// Connection returns the managed connection the channels ride on
func (m *ChannelManager) Connection() *ManagedConnection {
	return m.conn
}

// Pool returns the pooled channel pool
func (m *ChannelManager) Pool() *ChannelPool {
	return m.pool
}

// AsyncDispatch reports whether receivers dispatch deliveries concurrently
func (m *ChannelManager) AsyncDispatch() bool {
	return m.settings.asyncDispatch
}

// CreateChannel creates a new exclusive channel
func (m *ChannelManager) CreateChannel() (*ManagedChannel, error) {
	if m.terminating.Load() {
		return nil, ErrChannelManagerClosed
	}

	c := newChannelCore(m.conn, Exclusive, m.settings)
	if err := c.attach(); err != nil {
		return nil, err
	}
	return &ManagedChannel{channelCore: c}, nil
}

// GetSharedChannel returns the shared channel, creating it on first use
func (m *ChannelManager) GetSharedChannel() (*ManagedChannel, error) {
	if m.terminating.Load() {
		return nil, ErrChannelManagerClosed
	}
	if c := m.shared.Load(); c != nil {
		return c, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c := m.shared.Load(); c != nil {
		return c, nil
	}
	if m.terminating.Load() {
		return nil, ErrChannelManagerClosed
	}

	core := newChannelCore(m.conn, Shared, m.settings)
	core.terminating = m.terminating.Load
	if err := core.attach(); err != nil {
		return nil, err
	}
	c := &ManagedChannel{channelCore: core}
	m.shared.Store(c)
	return c, nil
}

// GetPooledChannel leases a channel from the pool, waiting while every
// pooled channel is in use
func (m *ChannelManager) GetPooledChannel(ctx context.Context) (*ManagedChannel, error) {
	if m.terminating.Load() {
		return nil, ErrChannelManagerClosed
	}
	return m.pool.Get(ctx)
}

// Channel returns a channel for strategy
func (m *ChannelManager) Channel(ctx context.Context, strategy Strategy) (*ManagedChannel, error) {
	switch strategy {
	case Exclusive:
		return m.CreateChannel()
	case Shared:
		return m.GetSharedChannel()
	case Pooled:
		return m.GetPooledChannel(ctx)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %s", ErrInvalidStrategy, strategy)
	}
}

// Close terminates the shared channel and then the pool. Only the first call
// has an effect.
func (m *ChannelManager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.terminating.Store(true)
		shared := m.shared.Load()
		m.mu.Unlock()

		var errs []error
		if shared != nil {
			if err := shared.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close shared channel: %w", err))
			}
		}
		if err := m.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel pool: %w", err))
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}
