package config

import (
	"strconv"
	"time"
)

// Config is the root configuration: named connection strings and the
// clusters built on them.
type Config struct {
	// ConnectionStrings maps a name to a Key=Value connection string
	ConnectionStrings map[string]string `yaml:"connection_strings"`
	// Clusters maps a cluster name to its settings
	Clusters map[string]ClusterConfig `yaml:"clusters"`
}

// ClusterConfig configures one broker cluster.
type ClusterConfig struct {
	// ConnectionStringNames lists the nodes of the cluster in preference order
	ConnectionStringNames []string `yaml:"connection_string_names"`
	// ShouldTryBackToFirstConnection keeps retrying the first node after a
	// failover; nil means true
	ShouldTryBackToFirstConnection *bool         `yaml:"should_try_back_to_first_connection"`
	RetryConnectionDelay           time.Duration `yaml:"retry_connection_delay"`
	PoolMaxSize                    int           `yaml:"pool_max_size"`
	ChannelRecreateDelay           time.Duration `yaml:"channel_recreate_delay"`
}

// TryBackToFirstConnection resolves ShouldTryBackToFirstConnection
func (c ClusterConfig) TryBackToFirstConnection() bool {
	return c.ShouldTryBackToFirstConnection == nil || *c.ShouldTryBackToFirstConnection
}

// Cluster returns the settings of name with defaults applied
func (c *Config) Cluster(name string) (ClusterConfig, bool) {
	cluster, ok := c.Clusters[name]
	if !ok {
		return ClusterConfig{}, false
	}
	cluster.applyDefaults()
	return cluster, true
}

// New returns an empty configuration
func New() *Config {
	return &Config{
		ConnectionStrings: map[string]string{},
		Clusters:          map[string]ClusterConfig{},
	}
}

// AddCluster registers a cluster that uses the given connection strings,
// named after the cluster with an index suffix when there are several.
func (c *Config) AddCluster(name string, connectionStrings ...string) *Config {
	if c.ConnectionStrings == nil {
		c.ConnectionStrings = map[string]string{}
	}
	if c.Clusters == nil {
		c.Clusters = map[string]ClusterConfig{}
	}

	names := make([]string, len(connectionStrings))
	for i, cs := range connectionStrings {
		csName := name
		if len(connectionStrings) > 1 {
			csName = name + "-" + strconv.Itoa(i)
		}
		c.ConnectionStrings[csName] = cs
		names[i] = csName
	}

	cluster := c.Clusters[name]
	cluster.ConnectionStringNames = names
	c.Clusters[name] = cluster
	return c
}
