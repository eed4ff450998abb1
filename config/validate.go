package config

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalid is wrapped by every validation error
var ErrInvalid = errors.New("invalid configuration")

// Validate checks every cluster. Clusters are checked in name order so the
// reported error is stable.
func (c *Config) Validate() error {
	if len(c.Clusters) == 0 {
		return fmt.Errorf("%w: at least one cluster is required", ErrInvalid)
	}

	names := make([]string, 0, len(c.Clusters))
	for name := range c.Clusters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := c.ValidateCluster(name); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCluster checks a single cluster
func (c *Config) ValidateCluster(name string) error {
	cluster, ok := c.Clusters[name]
	if !ok {
		return fmt.Errorf("%w: cluster %q is not configured", ErrInvalid, name)
	}
	prefix := "clusters." + name

	if len(cluster.ConnectionStringNames) == 0 {
		return fmt.Errorf("%w: %s.connection_string_names is required", ErrInvalid, prefix)
	}
	for _, csName := range cluster.ConnectionStringNames {
		cs, ok := c.ConnectionStrings[csName]
		if !ok {
			return fmt.Errorf("%w: %s references unknown connection string %q", ErrInvalid, prefix, csName)
		}
		if cs == "" {
			return fmt.Errorf("%w: connection string %q is empty", ErrInvalid, csName)
		}
	}
	if cluster.PoolMaxSize < 0 {
		return fmt.Errorf("%w: %s.pool_max_size must not be negative, got %d", ErrInvalid, prefix, cluster.PoolMaxSize)
	}
	if cluster.RetryConnectionDelay < 0 {
		return fmt.Errorf("%w: %s.retry_connection_delay must not be negative", ErrInvalid, prefix)
	}
	if cluster.ChannelRecreateDelay < 0 {
		return fmt.Errorf("%w: %s.channel_recreate_delay must not be negative", ErrInvalid, prefix)
	}
	return nil
}
