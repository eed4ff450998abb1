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

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// AcknowledgmentStrategy defines how messages are acknowledged
type AcknowledgmentStrategy int

const (
	// AckOnSuccess acknowledges only on successful processing
	AckOnSuccess AcknowledgmentStrategy = iota
	// AckAlways acknowledges regardless of processing result
	AckAlways
	// AckManual requires manual acknowledgment in handler
	AckManual
)

// Receiver consumes a queue over a managed channel and re-subscribes its
// listeners whenever the channel is recreated.
type Receiver struct {
	channel        *ManagedChannel
	info           *ChannelInfo
	prefetchCount  int
	ackStrategy    AcknowledgmentStrategy
	handlerTimeout time.Duration
	async          bool
	logger         *slog.Logger

	reg *ChannelConsumerRegistration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	ch     Channel
	queue  string
	subs   []*Subscription
	closed bool
}

// ReceiverOption configures the receiver
type ReceiverOption func(*Receiver)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ReceiverOption {
	return func(r *Receiver) {
		r.prefetchCount = count
	}
}

// WithAckStrategy sets how deliveries are acknowledged
func WithAckStrategy(strategy AcknowledgmentStrategy) ReceiverOption {
	return func(r *Receiver) {
		r.ackStrategy = strategy
	}
}

// WithHandlerTimeout bounds the context passed to each handler call
func WithHandlerTimeout(timeout time.Duration) ReceiverOption {
	return func(r *Receiver) {
		r.handlerTimeout = timeout
	}
}

// WithReceiverLogger sets the logger
func WithReceiverLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// NewReceiver creates a receiver for the queue described by info. Pooled
// channels and targets without a queue are rejected before any channel is
// acquired.
func NewReceiver(manager *ChannelManager, strategy Strategy, info *ChannelInfo, options ...ReceiverOption) (*Receiver, error) {
	if strategy == Pooled {
		return nil, fmt.Errorf("%w: receivers cannot use a pooled channel", ErrInvalidStrategy)
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if info.Queue == nil {
		return nil, fmt.Errorf("%w: %s has no queue to receive from", ErrInvalidConfiguration, info)
	}

	r := &Receiver{
		info:           info,
		prefetchCount:  10,
		ackStrategy:    AckOnSuccess,
		handlerTimeout: 30 * time.Second,
		async:          manager.AsyncDispatch(),
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	r.logger = r.logger.With("cluster", manager.Cluster(), "target", info.String())
	r.ctx, r.cancel = context.WithCancel(context.Background())

	channel, err := manager.Channel(context.Background(), strategy)
	if err != nil {
		r.cancel()
		return nil, err
	}
	r.channel = channel

	reg, err := channel.Consume(r)
	if err != nil {
		r.cancel()
		_ = channel.Close()
		return nil, err
	}
	r.reg = reg

	return r, nil
}

// Listen registers handler. It is subscribed right away when the channel is
// open, otherwise as soon as the channel becomes available.
func (r *Receiver) Listen(handler MessageHandler) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrReceiverClosed
	}

	sub := &Subscription{receiver: r, handler: handler}
	r.subs = append(r.subs, sub)

	if r.ch != nil && r.queue != "" {
		if err := r.subscribe(r.ch, sub); err != nil {
			r.logger.Warn("subscription deferred until channel recovers", "error", err)
		}
	}
	return sub, nil
}

// Queue returns the name of the consumed queue once declared
func (r *Receiver) Queue() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue
}

// Channel returns the managed channel the receiver consumes from
func (r *Receiver) Channel() *ManagedChannel {
	return r.channel
}

// Close cancels every subscription, waits for in-flight handlers and
// releases the channel
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	for _, sub := range subs {
		r.unsubscribe(sub)
	}
	r.ch = nil
	r.mu.Unlock()

	r.reg.Release()
	r.cancel()
	r.wg.Wait()

	return r.channel.Close()
}

// Consume implements ChannelConsumer
func (r *Receiver) Consume(ch Channel) {
	r.attach(ch)
}

// Reloaded implements ChannelConsumer
func (r *Receiver) Reloaded(ch Channel, autorecovered bool) {
	if !autorecovered {
		r.info.ConnectionRecreated()
	}
	r.attach(ch)
}

// ChannelClosed implements ChannelConsumer
func (r *Receiver) ChannelClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ch = nil
	for _, sub := range r.subs {
		sub.ch = nil
		sub.tag = ""
	}
}

// Disposing implements ChannelConsumer
func (r *Receiver) Disposing() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ch = nil
	r.logger.Debug("receiver channel disposed")
}

// attach declares the queue on ch and re-issues every subscription
func (r *Receiver) attach(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	for _, sub := range r.subs {
		r.unsubscribe(sub)
	}
	r.ch = ch
	r.queue = ""

	if err := ch.Qos(r.prefetchCount, 0, false); err != nil {
		r.logger.Error("failed to set QoS", "error", err, "prefetchCount", r.prefetchCount)
		return
	}

	declared, err := r.info.ConsumerQueue(ch, false)
	if err != nil {
		r.logger.Error("failed to declare consumer queue", "error", err)
		return
	}
	r.queue = declared.Name

	for _, sub := range r.subs {
		if err := r.subscribe(ch, sub); err != nil {
			r.logger.Error("failed to subscribe", "error", err)
		}
	}
	r.logger.Info("receiver attached", "queue", r.queue, "subscriptions", len(r.subs))
}

// subscribe must be called with r.mu held
func (r *Receiver) subscribe(ch Channel, sub *Subscription) error {
	tag := uuid.New().String()
	deliveries, err := ch.Consume(r.queue, tag, false, false, false, false, nil)
	if err != nil {
		return &ConsumerError{
			Queue:       r.queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	sub.ch = ch
	sub.tag = tag
	r.wg.Add(1)
	go r.dispatch(sub, tag, deliveries)
	return nil
}

// unsubscribe must be called with r.mu held
func (r *Receiver) unsubscribe(sub *Subscription) {
	if sub.ch == nil {
		return
	}
	if !sub.ch.IsClosed() {
		if err := sub.ch.Cancel(sub.tag, false); err != nil {
			r.logger.Debug("failed to cancel consumer", "consumerTag", sub.tag, "error", err)
		}
	}
	sub.ch = nil
	sub.tag = ""
}

func (r *Receiver) dispatch(sub *Subscription, tag string, deliveries <-chan amqp.Delivery) {
	defer r.wg.Done()

	for delivery := range deliveries {
		if r.async {
			r.wg.Add(1)
			go func(d amqp.Delivery) {
				defer r.wg.Done()
				r.handle(sub, d)
			}(delivery)
			continue
		}
		r.handle(sub, delivery)
	}
	r.logger.Debug("delivery channel closed", "consumerTag", tag)
}

func (r *Receiver) handle(sub *Subscription, delivery amqp.Delivery) {
	ctx, cancel := context.WithTimeout(r.ctx, r.handlerTimeout)
	defer cancel()

	err := r.invoke(ctx, sub.handler, delivery)
	if err != nil {
		r.logger.Error("failed to handle message",
			"error", err,
			"queue", r.Queue(),
			"messageId", delivery.MessageId,
		)
	}

	if ackErr := r.acknowledge(delivery, err); ackErr != nil {
		r.logger.Error("failed to acknowledge message",
			"error", ackErr,
			"messageId", delivery.MessageId,
		)
	}
}

func (r *Receiver) invoke(ctx context.Context, handler MessageHandler, delivery amqp.Delivery) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in message handler: %v", p)
		}
	}()
	return handler(ctx, delivery)
}

func (r *Receiver) acknowledge(delivery amqp.Delivery, handlerErr error) error {
	switch r.ackStrategy {
	case AckOnSuccess:
		if handlerErr == nil {
			return delivery.Ack(false)
		}
		return delivery.Nack(false, true)

	case AckAlways:
		return delivery.Ack(false)

	default:
		// the handler acknowledges
		return nil
	}
}

// Subscription is a listener registered with Receiver.Listen
type Subscription struct {
	receiver *Receiver
	handler  MessageHandler

	// guarded by receiver.mu
	ch  Channel
	tag string
}

// Active reports whether the subscription is consuming right now
func (s *Subscription) Active() bool {
	s.receiver.mu.Lock()
	defer s.receiver.mu.Unlock()
	return s.ch != nil && !s.ch.IsClosed()
}

// ConsumerTag returns the broker consumer tag of the current subscription
func (s *Subscription) ConsumerTag() string {
	s.receiver.mu.Lock()
	defer s.receiver.mu.Unlock()
	return s.tag
}

// Cancel stops the subscription. It is not re-issued after a recovery.
func (s *Subscription) Cancel() {
	r := s.receiver
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, sub := range r.subs {
		if sub == s {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			break
		}
	}
	r.unsubscribe(s)
}
