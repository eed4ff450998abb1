// Package rabbitmq keeps broker connections and channels alive across an
// unreliable network.
//
// This package includes:
//   - ConnectionPool: round-robin node selection with a background reconnection worker
//   - ManagedConnection: fans one live connection out to many consumers
//   - ManagedChannel: a channel recreated after failures, shared by strategy
//     (Exclusive, Shared or Pooled)
//   - ChannelManager: per-cluster factory for managed channels, with a bounded channel pool
//   - Registry: process-wide lookup of connections and channel managers by cluster name
//   - Publisher and Receiver: declare their target on demand and survive reconnections
//
// Failures travel upward as recreation events; recovered connections and
// channels travel downward as Consume and Reloaded callbacks. Callers holding
// a channel never see transient connectivity errors, only ChannelClosed
// notifications followed by a reload.
package rabbitmq
