package rabbitmq

import (
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionConsumer is notified about the lifecycle of a managed connection.
// Callbacks run synchronously on the goroutine that observed the change and
// must not block for long.
type ConnectionConsumer interface {
	// Consume delivers the first connection the consumer sees
	Consume(conn Connection)
	// Reloaded delivers every later connection
	Reloaded(conn Connection, autorecovered bool)
	// Closed reports that the physical connection went away
	Closed()
	// Disposing reports that the managed connection is shutting down
	Disposing()
}

// ManagedConnection fans one live broker connection out to many consumers
// and drives reconnection through its ConnectionPool.
type ManagedConnection struct {
	pool   *ConnectionPool
	logger *slog.Logger

	// notifyMu serializes notification rounds so every consumer sees events
	// in the order they happened. The first AddConsumer dials while holding
	// it, so close and reconnect rounds wait for that dial to finish.
	notifyMu sync.Mutex

	mu            sync.Mutex
	current       Connection
	failed        bool
	disposed      bool
	registrations []*ConsumerRegistration
}

// NewManagedConnection creates a managed connection over pool
func NewManagedConnection(pool *ConnectionPool, logger *slog.Logger) *ManagedConnection {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManagedConnection{
		pool:   pool,
		logger: logger.With("cluster", pool.Name()),
	}
}

// Name returns the cluster name
func (mc *ManagedConnection) Name() string {
	return mc.pool.Name()
}

// Pool returns the underlying connection pool
func (mc *ManagedConnection) Pool() *ConnectionPool {
	return mc.pool
}

// AddConsumer registers consumer. The first registration connects
// synchronously; when a connection is available the consumer receives it
// before AddConsumer returns. A failed connect leaves the registration queued
// until the reconnection worker succeeds.
func (mc *ManagedConnection) AddConsumer(consumer ConnectionConsumer) (*ConsumerRegistration, error) {
	mc.notifyMu.Lock()
	defer mc.notifyMu.Unlock()

	mc.mu.Lock()
	if mc.disposed {
		mc.mu.Unlock()
		return nil, ErrConnectionClosed
	}

	reg := &ConsumerRegistration{owner: mc, consumer: consumer}
	mc.registrations = append(mc.registrations, reg)

	if mc.current == nil && !mc.failed {
		mc.mu.Unlock()
		conn, err := mc.pool.GetNextConnection()
		mc.mu.Lock()

		if err != nil {
			mc.failed = true
			mc.mu.Unlock()
			mc.logger.Warn("failed to connect to RabbitMQ, retrying in background", "error", err)
			mc.pool.TryReconnect(mc.reconnected)
			return reg, nil
		}
		if mc.disposed {
			mc.mu.Unlock()
			_ = conn.Close()
			return nil, ErrConnectionClosed
		}

		mc.current = conn
		mc.watch(conn)
		mc.logger.Info("connected to RabbitMQ")
	}

	conn := mc.current
	if conn != nil {
		reg.notified = true
	}
	mc.mu.Unlock()

	if conn != nil {
		mc.deliver("consume", reg, func(c ConnectionConsumer) { c.Consume(conn) })
	}
	return reg, nil
}

// IsConnected reports whether an open connection is available
func (mc *ManagedConnection) IsConnected() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.current != nil && !mc.current.IsClosed()
}

// Connection returns the current connection, or ErrConnectionNotReady
func (mc *ManagedConnection) Connection() (Connection, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.current == nil || mc.current.IsClosed() {
		return nil, ErrConnectionNotReady
	}
	return mc.current, nil
}

// ConsumerCount returns the number of registered consumers
func (mc *ManagedConnection) ConsumerCount() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.registrations)
}

// Close notifies every consumer that the connection is going away and closes
// the connection pool
func (mc *ManagedConnection) Close() error {
	mc.mu.Lock()
	if mc.disposed {
		mc.mu.Unlock()
		return nil
	}
	mc.disposed = true
	regs := mc.registrations
	mc.registrations = nil
	mc.current = nil
	mc.mu.Unlock()

	for _, reg := range regs {
		mc.deliver("disposing", reg, func(c ConnectionConsumer) { c.Disposing() })
	}

	mc.logger.Info("managed connection closed")
	return mc.pool.Close()
}

// reconnected is the ReconnectFunc handed to the pool
func (mc *ManagedConnection) reconnected(conn Connection, autorecovered bool) {
	mc.notifyMu.Lock()
	defer mc.notifyMu.Unlock()

	mc.mu.Lock()
	if mc.disposed {
		mc.mu.Unlock()
		return
	}
	if mc.current != conn {
		mc.current = conn
		mc.watch(conn)
	}
	mc.failed = false

	regs := make([]*ConsumerRegistration, len(mc.registrations))
	first := make([]bool, len(mc.registrations))
	for i, reg := range mc.registrations {
		regs[i] = reg
		first[i] = !reg.notified
		reg.notified = true
	}
	mc.mu.Unlock()

	mc.logger.Info("connection available", "autorecovered", autorecovered, "consumers", len(regs))

	for i, reg := range regs {
		if first[i] {
			mc.deliver("consume", reg, func(c ConnectionConsumer) { c.Consume(conn) })
		} else {
			mc.deliver("reloaded", reg, func(c ConnectionConsumer) { c.Reloaded(conn, autorecovered) })
		}
	}
}

// watch must be called with mc.mu held
func (mc *ManagedConnection) watch(conn Connection) {
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		err := <-closes
		mc.onConnectionClosed(conn, err)
	}()
}

func (mc *ManagedConnection) onConnectionClosed(conn Connection, cause *amqp.Error) {
	mc.notifyMu.Lock()

	mc.mu.Lock()
	if mc.disposed || mc.current != conn {
		mc.mu.Unlock()
		mc.notifyMu.Unlock()
		return
	}
	mc.current = nil
	mc.failed = true

	var regs []*ConsumerRegistration
	for _, reg := range mc.registrations {
		if reg.notified {
			regs = append(regs, reg)
		}
	}
	mc.mu.Unlock()

	if cause != nil {
		mc.logger.Warn("connection closed", "error", cause)
	} else {
		mc.logger.Warn("connection closed")
	}

	for _, reg := range regs {
		mc.deliver("closed", reg, func(c ConnectionConsumer) { c.Closed() })
	}
	mc.notifyMu.Unlock()

	mc.pool.TryReconnect(mc.reconnected)
}

func (mc *ManagedConnection) release(reg *ConsumerRegistration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	for i, r := range mc.registrations {
		if r == reg {
			mc.registrations = append(mc.registrations[:i], mc.registrations[i+1:]...)
			return
		}
	}
}

// deliver runs one callback, isolating the caller from consumer panics
func (mc *ManagedConnection) deliver(event string, reg *ConsumerRegistration, fn func(ConnectionConsumer)) {
	defer func() {
		if r := recover(); r != nil {
			mc.logger.Error("connection consumer failed", "event", event, "panic", r)
		}
	}()
	fn(reg.consumer)
}

// ConsumerRegistration is the handle returned by AddConsumer
type ConsumerRegistration struct {
	owner    *ManagedConnection
	consumer ConnectionConsumer
	// notified is guarded by owner.mu
	notified bool
	once     sync.Once
}

// IsConnected reports whether the owning connection is open
func (r *ConsumerRegistration) IsConnected() bool {
	return r.owner.IsConnected()
}

// Release removes the registration. The shared connection stays open.
func (r *ConsumerRegistration) Release() {
	r.once.Do(func() {
		r.owner.release(r)
	})
}
