package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitkit/internal/pool"
	"github.com/glimte/rabbitkit/internal/reliability"
)

// DefaultChannelRecreateDelay is the pause before a failed channel is reopened
const DefaultChannelRecreateDelay = time.Second

// Strategy selects how a managed channel is shared between its users
type Strategy int

const (
	// Exclusive channels belong to one user and are closed on release
	Exclusive Strategy = iota
	// Shared channels are a singleton per channel manager
	Shared
	// Pooled channels are leased from a bounded pool and returned on release
	Pooled
)

func (s Strategy) String() string {
	switch s {
	case Exclusive:
		return "exclusive"
	case Shared:
		return "shared"
	case Pooled:
		return "pooled"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ChannelState is the lifecycle state of a managed channel
type ChannelState int

const (
	StateUnattached ChannelState = iota
	StateCreating
	StateOpen
	StateShuttingDown
	StateRecreating
	StateDisposed
)

func (s ChannelState) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateCreating:
		return "creating"
	case StateOpen:
		return "open"
	case StateShuttingDown:
		return "shutting down"
	case StateRecreating:
		return "recreating"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ChannelConsumer is notified about the lifecycle of a managed channel.
// Callbacks run synchronously and must not register new consumers.
type ChannelConsumer interface {
	// Consume delivers the first channel the consumer sees
	Consume(ch Channel)
	// Reloaded delivers the channel after a channel or connection recovery.
	// autorecovered is false when the broker connection was re-established,
	// in which case declarations must be repeated.
	Reloaded(ch Channel, autorecovered bool)
	// ChannelClosed reports that the channel or its connection went away
	ChannelClosed()
	// Disposing reports that the managed channel is shutting down
	Disposing()
}

// releaseTable decides per strategy whether Close disposes the channel
var releaseTable = [...]func(*ManagedChannel) bool{
	Exclusive: func(*ManagedChannel) bool { return true },
	Shared: func(m *ManagedChannel) bool {
		return m.terminating != nil && m.terminating()
	},
	Pooled: func(m *ManagedChannel) bool {
		err := m.lease.Release()
		if err != nil && !errors.Is(err, pool.ErrNotReady) {
			m.logger.Warn("failed to return pooled channel", "error", err)
		}
		return false
	},
}

type channelSettings struct {
	recreateDelay time.Duration
	asyncDispatch bool
	logger        *slog.Logger
	metrics       *Metrics
}

// ManagedChannel is a handle on a broker channel that is kept open on top of
// a ManagedConnection and recreated after channel or connection failures.
// Exclusive and shared handles stay valid until the channel is disposed. A
// pooled handle is valid for one lease only: once closed, it no longer
// reaches the channel, even after the channel is leased again.
type ManagedChannel struct {
	*channelCore
	// lease is set for pooled channels
	lease *pool.Pooled[*channelCore]
}

type channelCore struct {
	id       string
	strategy Strategy
	conn     *ManagedConnection
	settings channelSettings
	logger   *slog.Logger

	// terminating reports whether the owning manager is shutting down
	terminating func() bool

	ctx    context.Context
	cancel context.CancelFunc

	// notifyMu serializes channel creation and notification rounds. It stays
	// held while a broker channel is opened, so close notifications for this
	// channel wait for a slow open.
	notifyMu sync.Mutex

	mu             sync.Mutex
	state          ChannelState
	channel        Channel
	connection     Connection
	channelCreated bool
	registrations  []*ChannelConsumerRegistration
	handlers       map[uint64]func(autorecovered bool)
	nextHandler    uint64
	connReg        *ConsumerRegistration
}

func newChannelCore(conn *ManagedConnection, strategy Strategy, settings channelSettings) *channelCore {
	c := &channelCore{
		id:       uuid.New().String(),
		strategy: strategy,
		conn:     conn,
		settings: settings,
		handlers: make(map[uint64]func(bool)),
	}
	c.logger = settings.logger.With("channel", c.id, "strategy", strategy.String())
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// attach registers the channel with its connection. The channel is opened
// before attach returns when the connection is available.
func (c *channelCore) attach() error {
	reg, err := c.conn.AddConsumer(connectionListener{c})
	if err != nil {
		c.mu.Lock()
		c.state = StateDisposed
		c.mu.Unlock()
		c.cancel()
		return &ChannelError{Op: "attach", ChannelID: c.id, Err: err, Timestamp: time.Now()}
	}

	c.mu.Lock()
	disposed := c.state == StateDisposed
	c.connReg = reg
	c.mu.Unlock()
	if disposed {
		reg.Release()
	}
	return nil
}

// ID returns the channel identifier
func (c *channelCore) ID() string {
	return c.id
}

// Strategy returns the sharing strategy
func (c *channelCore) Strategy() Strategy {
	return c.strategy
}

// Cluster returns the cluster the channel belongs to
func (c *channelCore) Cluster() string {
	return c.conn.Name()
}

// AsyncDispatch reports whether receivers on this channel handle deliveries
// concurrently
func (c *channelCore) AsyncDispatch() bool {
	return c.settings.asyncDispatch
}

// State returns the lifecycle state
func (c *channelCore) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Channel returns the open broker channel, or nil. A pooled handle that has
// been closed yields nil.
func (m *ManagedChannel) Channel() Channel {
	if m.lease != nil {
		if _, err := m.lease.Instance(); err != nil {
			return nil
		}
	}
	return m.current()
}

func (c *channelCore) current() Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel == nil || c.channel.IsClosed() {
		return nil
	}
	return c.channel
}

// IsOpen reports whether the channel can be used through this handle
func (m *ManagedChannel) IsOpen() bool {
	return m.Channel() != nil
}

// Consume registers consumer for channel events. It receives the channel
// right away when it is open. Pooled channels cannot be consumed.
func (c *channelCore) Consume(consumer ChannelConsumer) (*ChannelConsumerRegistration, error) {
	if c.strategy == Pooled {
		return nil, ErrPooledChannelConsume
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return nil, ErrChannelDisposed
	}
	reg := &ChannelConsumerRegistration{owner: c, consumer: consumer}
	c.registrations = append(c.registrations, reg)

	ch := c.channel
	if ch != nil && ch.IsClosed() {
		ch = nil
	}
	if ch != nil {
		reg.notified = true
	}
	c.mu.Unlock()

	if ch != nil {
		c.deliver("consume", reg, func(cc ChannelConsumer) { cc.Consume(ch) })
	}
	return reg, nil
}

// OnReconnected subscribes fn to channel recoveries. The returned function
// removes the subscription. A closed pooled handle subscribes nothing.
func (m *ManagedChannel) OnReconnected(fn func(autorecovered bool)) func() {
	if m.lease != nil {
		if _, err := m.lease.Instance(); err != nil {
			return func() {}
		}
	}

	c := m.channelCore
	c.mu.Lock()
	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Close releases the channel according to its strategy. Exclusive channels
// are closed, shared channels stay open until their manager shuts down and
// pooled channels go back to their pool.
func (m *ManagedChannel) Close() error {
	if !releaseTable[m.strategy](m) {
		return nil
	}
	return m.dispose()
}

func (c *channelCore) dispose() error {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisposed
	ch := c.channel
	c.channel = nil
	regs := c.registrations
	c.registrations = nil
	clear(c.handlers)
	connReg := c.connReg
	c.mu.Unlock()

	c.cancel()

	for _, reg := range regs {
		c.deliver("disposing", reg, func(cc ChannelConsumer) { cc.Disposing() })
	}
	if connReg != nil {
		connReg.Release()
	}

	c.logger.Debug("managed channel disposed")
	if ch != nil && !ch.IsClosed() {
		return ch.Close()
	}
	return nil
}

// resetSubscriptions drops every event subscription before the channel is
// handed to its next user
func (c *channelCore) resetSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.handlers)
	c.registrations = nil
}

// open creates a broker channel on conn and notifies consumers
func (c *channelCore) open(conn Connection, autorecovered bool) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state == StateDisposed || conn.IsClosed() {
		c.mu.Unlock()
		return
	}
	if c.channel != nil && !c.channel.IsClosed() && c.connection == conn {
		c.mu.Unlock()
		return
	}
	if c.channelCreated {
		c.state = StateRecreating
	} else {
		c.state = StateCreating
	}
	c.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		c.logger.Warn("failed to open channel",
			"error", &ChannelError{Op: "open", ChannelID: c.id, Err: err, Timestamp: time.Now()},
			"retryIn", c.settings.recreateDelay,
		)
		c.scheduleRecreate(conn)
		return
	}
	c.settings.metrics.channelCreated(c.conn.Name(), c.strategy)

	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		_ = ch.Close()
		return
	}
	reopened := c.channelCreated
	c.channel = ch
	c.connection = conn
	c.channelCreated = true
	c.state = StateOpen

	regs, first := c.snapshotRegistrations()
	handlers := c.snapshotHandlers()
	c.mu.Unlock()

	c.watch(ch, conn)
	c.logger.Debug("channel opened", "reopened", reopened)

	c.notifyOpened(ch, regs, first, autorecovered)
	if reopened {
		for _, fn := range handlers {
			c.runHandler(fn, autorecovered)
		}
	}
}

func (c *channelCore) scheduleRecreate(conn Connection) {
	go func() {
		if err := reliability.Sleep(c.ctx, c.settings.recreateDelay); err != nil {
			return
		}
		if conn.IsClosed() {
			// the connection recovery reopens the channel
			return
		}
		c.open(conn, true)
	}()
}

func (c *channelCore) watch(ch Channel, conn Connection) {
	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		err := <-closes
		c.onChannelClosed(ch, conn, err)
	}()
}

func (c *channelCore) onChannelClosed(ch Channel, conn Connection, cause *amqp.Error) {
	c.notifyMu.Lock()

	c.mu.Lock()
	if c.state == StateDisposed || c.channel != ch {
		c.mu.Unlock()
		c.notifyMu.Unlock()
		return
	}
	c.channel = nil
	c.state = StateShuttingDown
	regs := c.notifiedRegistrations()
	c.mu.Unlock()

	for _, reg := range regs {
		c.deliver("channel closed", reg, func(cc ChannelConsumer) { cc.ChannelClosed() })
	}
	c.notifyMu.Unlock()

	if conn.IsClosed() {
		return
	}
	if cause != nil {
		c.logger.Warn("channel closed, recreating", "error", cause)
	} else {
		c.logger.Info("channel closed, recreating")
	}
	c.scheduleRecreate(conn)
}

func (c *channelCore) onConnection(conn Connection) {
	c.open(conn, false)
}

func (c *channelCore) onConnectionReloaded(conn Connection, autorecovered bool) {
	c.notifyMu.Lock()
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		c.notifyMu.Unlock()
		return
	}
	ch := c.channel
	if ch == nil || ch.IsClosed() || c.connection != conn {
		c.mu.Unlock()
		c.notifyMu.Unlock()
		c.open(conn, autorecovered)
		return
	}

	regs, first := c.snapshotRegistrations()
	handlers := c.snapshotHandlers()
	c.mu.Unlock()

	c.notifyOpened(ch, regs, first, autorecovered)
	for _, fn := range handlers {
		c.runHandler(fn, autorecovered)
	}
	c.notifyMu.Unlock()
}

func (c *channelCore) onConnectionClosed() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return
	}
	hadChannel := c.channel != nil
	c.channel = nil
	c.state = StateUnattached
	var regs []*ChannelConsumerRegistration
	if hadChannel {
		regs = c.notifiedRegistrations()
	}
	c.mu.Unlock()

	for _, reg := range regs {
		c.deliver("channel closed", reg, func(cc ChannelConsumer) { cc.ChannelClosed() })
	}
}

func (c *channelCore) notifyOpened(ch Channel, regs []*ChannelConsumerRegistration, first []bool, autorecovered bool) {
	for i, reg := range regs {
		if first[i] {
			c.deliver("consume", reg, func(cc ChannelConsumer) { cc.Consume(ch) })
		} else {
			c.deliver("reloaded", reg, func(cc ChannelConsumer) { cc.Reloaded(ch, autorecovered) })
		}
	}
}

// snapshotRegistrations must be called with c.mu held. It marks every
// registration as notified and reports which ones were not before.
func (c *channelCore) snapshotRegistrations() ([]*ChannelConsumerRegistration, []bool) {
	regs := make([]*ChannelConsumerRegistration, len(c.registrations))
	first := make([]bool, len(c.registrations))
	for i, reg := range c.registrations {
		regs[i] = reg
		first[i] = !reg.notified
		reg.notified = true
	}
	return regs, first
}

// snapshotHandlers must be called with c.mu held
func (c *channelCore) snapshotHandlers() []func(bool) {
	handlers := make([]func(bool), 0, len(c.handlers))
	for _, fn := range c.handlers {
		handlers = append(handlers, fn)
	}
	return handlers
}

// notifiedRegistrations must be called with c.mu held
func (c *channelCore) notifiedRegistrations() []*ChannelConsumerRegistration {
	var regs []*ChannelConsumerRegistration
	for _, reg := range c.registrations {
		if reg.notified {
			regs = append(regs, reg)
		}
	}
	return regs
}

func (c *channelCore) release(reg *ChannelConsumerRegistration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.registrations {
		if r == reg {
			c.registrations = append(c.registrations[:i], c.registrations[i+1:]...)
			return
		}
	}
}

func (c *channelCore) deliver(event string, reg *ChannelConsumerRegistration, fn func(ChannelConsumer)) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("channel consumer failed", "event", event, "panic", r)
		}
	}()
	fn(reg.consumer)
}

func (c *channelCore) runHandler(fn func(bool), autorecovered bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("reconnect handler failed", "panic", r)
		}
	}()
	fn(autorecovered)
}

// connectionListener adapts a ManagedChannel to ConnectionConsumer
type connectionListener struct {
	c *channelCore
}

func (l connectionListener) Consume(conn Connection) {
	l.c.onConnection(conn)
}

func (l connectionListener) Reloaded(conn Connection, autorecovered bool) {
	l.c.onConnectionReloaded(conn, autorecovered)
}

func (l connectionListener) Closed() {
	l.c.onConnectionClosed()
}

func (l connectionListener) Disposing() {
	_ = l.c.dispose()
}

// ChannelConsumerRegistration is the handle returned by ManagedChannel.Consume
type ChannelConsumerRegistration struct {
	owner    *channelCore
	consumer ChannelConsumer
	// notified is guarded by owner.mu
	notified bool
	once     sync.Once
}

// Release removes the registration
func (r *ChannelConsumerRegistration) Release() {
	r.once.Do(func() {
		r.owner.release(r)
	})
}
