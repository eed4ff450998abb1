package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/rabbitkit/internal/rabbitmq"
)

// ClusterChecker checks the managed connection of one cluster
type ClusterChecker struct {
	conn *rabbitmq.ManagedConnection
}

// NewClusterChecker creates a checker for conn
func NewClusterChecker(conn *rabbitmq.ManagedConnection) *ClusterChecker {
	return &ClusterChecker{conn: conn}
}

func (c *ClusterChecker) Name() string {
	return "cluster_" + c.conn.Name()
}

// Check reports healthy while connected. A cluster nobody uses yet is healthy
// without a connection; one with consumers waiting for a reconnection is not.
func (c *ClusterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	connected := c.conn.IsConnected()
	consumers := c.conn.ConsumerCount()
	result.Details["connected"] = connected
	result.Details["consumers"] = consumers
	if node, ok := c.conn.Pool().CurrentNode(); ok {
		result.Details["node"] = node.String()
	}

	switch {
	case connected:
		result.Status = StatusHealthy
		result.Message = "connected"
	case consumers == 0:
		result.Status = StatusHealthy
		result.Message = "idle, no connection opened yet"
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("disconnected, %d consumers waiting for reconnection", consumers)
		_, err := c.conn.Connection()
		if err != nil {
			result.Error = err.Error()
		}
	}

	result.Duration = time.Since(start)
	return result
}

// ChannelPoolChecker checks pooled channel saturation of one cluster
type ChannelPoolChecker struct {
	cluster string
	pool    *rabbitmq.ChannelPool
}

// NewChannelPoolChecker creates a checker for the pool of manager
func NewChannelPoolChecker(manager *rabbitmq.ChannelManager) *ChannelPoolChecker {
	return &ChannelPoolChecker{
		cluster: manager.Cluster(),
		pool:    manager.Pool(),
	}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool_" + c.cluster
}

// Check reports degraded when every pooled channel is leased and callers are
// waiting for one
func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.pool.Stats()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"max_size": stats.MaxSize,
			"created":  stats.Created,
			"in_use":   stats.InUse,
			"idle":     stats.Idle,
			"waiting":  stats.Waiting,
		},
	}

	if stats.InUse >= stats.MaxSize && stats.Waiting > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("pool exhausted, %d callers waiting", stats.Waiting)
	} else {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d of %d channels in use", stats.InUse, stats.MaxSize)
	}

	result.Duration = time.Since(start)
	return result
}

// RegisterClusters adds a ClusterChecker and a ChannelPoolChecker for every
// cluster the registry has created so far
func RegisterClusters(checks *Registry, clusters *rabbitmq.Registry) {
	clusters.Each(func(_ string, conn *rabbitmq.ManagedConnection, manager *rabbitmq.ChannelManager) {
		checks.Register(NewClusterChecker(conn))
		if manager != nil {
			checks.Register(NewChannelPoolChecker(manager))
		}
	})
}
