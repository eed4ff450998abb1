package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is a message to publish
type Message struct {
	Body        []byte
	ContentType string
	Headers     amqp.Table
	// RoutingKey overrides the default routing key of an exchange target
	RoutingKey string
	Mandatory  bool
	// Configure adjusts the publishing before it is sent
	Configure func(*amqp.Publishing)
}

// Publisher publishes to one queue or exchange over a managed channel
type Publisher struct {
	channel        *ManagedChannel
	info           *ChannelInfo
	publishTimeout time.Duration
	persistent     bool
	logger         *slog.Logger

	unsubscribe func()

	mu     sync.Mutex
	closed bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout sets the publish timeout used when the context has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPersistentMessages controls the delivery mode of published messages
func WithPersistentMessages(persistent bool) PublisherOption {
	return func(p *Publisher) {
		p.persistent = persistent
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher for info on a channel of the given
// strategy. Shared channels are rejected before any channel is acquired.
func NewPublisher(ctx context.Context, manager *ChannelManager, strategy Strategy, info *ChannelInfo, options ...PublisherOption) (*Publisher, error) {
	if strategy == Shared {
		return nil, fmt.Errorf("%w: publishers cannot use a shared channel", ErrInvalidStrategy)
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}

	p := &Publisher{
		info:           info,
		publishTimeout: 10 * time.Second,
		persistent:     true,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}

	channel, err := manager.Channel(ctx, strategy)
	if err != nil {
		return nil, err
	}
	p.channel = channel
	p.logger = p.logger.With("cluster", manager.Cluster(), "target", info.String())
	p.unsubscribe = channel.OnReconnected(p.reconnected)

	return p, nil
}

// Channel returns the managed channel the publisher writes to
func (p *Publisher) Channel() *ManagedChannel {
	return p.channel
}

// Publish resolves the target address, declaring it on first use, and
// publishes msg. It fails with ErrChannelNotOpen while the channel is down.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	ch := p.channel.Channel()
	if ch == nil {
		return p.publishError(Address{RoutingKey: msg.RoutingKey}, ErrChannelNotOpen)
	}

	addr, err := p.info.PublicationAddress(ch, msg.RoutingKey)
	if err != nil {
		return p.publishError(Address{RoutingKey: msg.RoutingKey}, err)
	}

	publishing := amqp.Publishing{
		Headers:     msg.Headers,
		ContentType: msg.ContentType,
		Timestamp:   time.Now(),
		Body:        msg.Body,
	}
	if p.persistent {
		publishing.DeliveryMode = amqp.Persistent
	}
	if msg.Configure != nil {
		msg.Configure(&publishing)
	}
	if publishing.MessageId == "" {
		publishing.MessageId = uuid.New().String()
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	if err := ch.PublishWithContext(ctx, addr.Exchange, addr.RoutingKey, msg.Mandatory, false, publishing); err != nil {
		return p.publishError(addr, err)
	}

	p.logger.Debug("message published",
		"messageId", publishing.MessageId,
		"exchange", addr.Exchange,
		"routingKey", addr.RoutingKey,
	)
	return nil
}

// PublishBatch publishes messages in order and stops at the first failure
func (p *Publisher) PublishBatch(ctx context.Context, messages []Message) error {
	for i, msg := range messages {
		if err := p.Publish(ctx, msg); err != nil {
			return fmt.Errorf("failed to publish message %d: %w", i, err)
		}
	}
	return nil
}

// Close stops listening for reconnections and releases the channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.unsubscribe()
	return p.channel.Close()
}

func (p *Publisher) reconnected(autorecovered bool) {
	if !autorecovered {
		p.info.ConnectionRecreated()
	}
}

func (p *Publisher) publishError(addr Address, err error) error {
	return &PublishError{
		Target:     p.info.String(),
		Exchange:   addr.Exchange,
		RoutingKey: addr.RoutingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
