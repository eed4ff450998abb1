package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/rabbitkit/internal/pool"
)

// DefaultPoolMaxSize is the default number of pooled channels per cluster
const DefaultPoolMaxSize = 10

// ChannelPool lends pooled managed channels with backpressure. At most
// MaxSize channels exist; further callers wait for a returned one.
type ChannelPool struct {
	cluster string
	metrics *Metrics
	pool    *pool.Pool[*channelCore]
}

func newChannelPool(conn *ManagedConnection, maxSize int, settings channelSettings) (*ChannelPool, error) {
	cp := &ChannelPool{
		cluster: conn.Name(),
		metrics: settings.metrics,
	}

	p, err := pool.New(pool.Policy[*channelCore]{
		MaxSize: maxSize,
		Create: func() *channelCore {
			c := newChannelCore(conn, Pooled, settings)
			if err := c.attach(); err != nil {
				c.logger.Warn("pooled channel could not attach to connection", "error", err)
			}
			return c
		},
		Reset:   func(c *channelCore) { c.resetSubscriptions() },
		Destroy: func(c *channelCore) { _ = c.dispose() },
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidConfiguration, err)
	}

	cp.pool = p
	return cp, nil
}

// Get leases a channel, waiting while every channel is in use. Close the
// returned handle to give the channel back; the handle is unusable afterwards.
func (cp *ChannelPool) Get(ctx context.Context) (*ManagedChannel, error) {
	start := time.Now()
	pooled, err := cp.pool.Get(ctx)
	cp.metrics.pooledChannelWait(ctx, cp.cluster, time.Since(start))
	if err != nil {
		if errors.Is(err, pool.ErrClosed) {
			return nil, ErrChannelManagerClosed
		}
		return nil, fmt.Errorf("get pooled channel: %w", err)
	}

	c, err := pooled.Instance()
	if err != nil {
		return nil, fmt.Errorf("get pooled channel: %w", err)
	}
	return &ManagedChannel{channelCore: c, lease: pooled}, nil
}

// Execute runs fn with a leased channel and returns the channel afterwards
func (cp *ChannelPool) Execute(ctx context.Context, fn func(Channel) error) error {
	c, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := c.Channel()
	if ch == nil {
		return &ChannelError{Op: "execute", ChannelID: c.ID(), Err: ErrChannelNotOpen, Timestamp: time.Now()}
	}

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch)
	}()

	return execErr
}

// Close disposes every pooled channel, leased or not, and fails waiters
func (cp *ChannelPool) Close() error {
	return cp.pool.Close()
}

// Stats returns a snapshot of the pool occupancy
func (cp *ChannelPool) Stats() PoolStats {
	return PoolStats{
		MaxSize: cp.pool.MaxSize(),
		Created: cp.pool.Created(),
		InUse:   cp.pool.InUse(),
		Idle:    cp.pool.Idle(),
		Waiting: cp.pool.Waiting(),
	}
}

// PoolStats describes pooled channel usage
type PoolStats struct {
	MaxSize int
	Created int
	InUse   int
	Idle    int
	Waiting int
}
