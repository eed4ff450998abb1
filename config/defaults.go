package config

import "time"

// Default values for optional cluster fields.
const (
	DefaultRetryConnectionDelay = 30 * time.Second
	DefaultPoolMaxSize          = 10
	DefaultChannelRecreateDelay = 1 * time.Second
)

func (c *Config) applyDefaults() {
	for name, cluster := range c.Clusters {
		cluster.applyDefaults()
		c.Clusters[name] = cluster
	}
}

func (c *ClusterConfig) applyDefaults() {
	if c.ShouldTryBackToFirstConnection == nil {
		enabled := true
		c.ShouldTryBackToFirstConnection = &enabled
	}
	if c.RetryConnectionDelay == 0 {
		c.RetryConnectionDelay = DefaultRetryConnectionDelay
	}
	if c.PoolMaxSize == 0 {
		c.PoolMaxSize = DefaultPoolMaxSize
	}
	if c.ChannelRecreateDelay == 0 {
		c.ChannelRecreateDelay = DefaultChannelRecreateDelay
	}
}
