package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rabbitkit/config"
)

// fakeBroker is an in-memory broker good enough to route, consume and
// acknowledge messages and to simulate node outages.
type fakeBroker struct {
	mu            sync.Mutex
	down          map[string]bool
	dials         map[string]int
	conns         []*fakeConnection
	channels      int
	failChannels  bool
	exchanges     map[string]string
	queues        map[string]*fakeQueue
	bindings      map[string][]fakeBinding
	queueDeclares map[string]int
	acks          int
	nacks         int
	seq           int
}

type fakeQueue struct {
	name      string
	messages  []amqp.Delivery
	consumers []*fakeConsumer
	next      int
}

type fakeConsumer struct {
	tag        string
	channel    *fakeChannel
	deliveries chan amqp.Delivery
}

type fakeBinding struct {
	queue string
	key   string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		down:          map[string]bool{},
		dials:         map[string]int{},
		exchanges:     map[string]string{},
		queues:        map[string]*fakeQueue{},
		bindings:      map[string][]fakeBinding{},
		queueDeclares: map[string]int{},
	}
}

func (b *fakeBroker) Dial(node Node) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials[node.Host]++
	if b.down[node.Host] {
		return nil, fmt.Errorf("dial %s: connection refused", node.Host)
	}
	conn := &fakeConnection{broker: b, node: node}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) setDown(host string, down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down[host] = down
}

func (b *fakeBroker) setFailChannels(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failChannels = fail
}

func (b *fakeBroker) dialCount(host string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials[host]
}

func (b *fakeBroker) totalDials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, d := range b.dials {
		n += d
	}
	return n
}

func (b *fakeBroker) channelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels
}

func (b *fakeBroker) connectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBroker) lastConnection() *fakeConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

func (b *fakeBroker) declareCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueDeclares[queue]
}

func (b *fakeBroker) ackCount() (acks, nacks int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks, b.nacks
}

func (b *fakeBroker) consumerCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.consumers)
	}
	return 0
}

func (b *fakeBroker) pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.messages)
	}
	return 0
}

// route must be called with b.mu held
func (b *fakeBroker) route(exchange, key string, msg amqp.Publishing) {
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			b.enqueue(q, exchange, key, msg)
		}
		return
	}

	kind := b.exchanges[exchange]
	for _, binding := range b.bindings[exchange] {
		match := kind == amqp.ExchangeFanout ||
			binding.key == key ||
			(kind == amqp.ExchangeTopic && binding.key == "#")
		if !match {
			continue
		}
		if q, ok := b.queues[binding.queue]; ok {
			b.enqueue(q, exchange, key, msg)
		}
	}
}

// enqueue must be called with b.mu held
func (b *fakeBroker) enqueue(q *fakeQueue, exchange, key string, msg amqp.Publishing) {
	b.seq++
	d := amqp.Delivery{
		Headers:      msg.Headers,
		ContentType:  msg.ContentType,
		DeliveryMode: msg.DeliveryMode,
		MessageId:    msg.MessageId,
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
		Exchange:     exchange,
		RoutingKey:   key,
		DeliveryTag:  uint64(b.seq),
	}
	d.Acknowledger = &fakeAcker{broker: b, queue: q.name, delivery: d}
	q.messages = append(q.messages, d)
	b.flush(q)
}

// flush must be called with b.mu held
func (b *fakeBroker) flush(q *fakeQueue) {
	for len(q.messages) > 0 && len(q.consumers) > 0 {
		consumer := q.consumers[q.next%len(q.consumers)]
		q.next++
		d := q.messages[0]
		q.messages = q.messages[1:]
		d.ConsumerTag = consumer.tag
		consumer.deliveries <- d
	}
}

// removeConsumers must be called with b.mu held
func (b *fakeBroker) removeConsumers(match func(*fakeConsumer) bool) {
	for _, q := range b.queues {
		kept := q.consumers[:0]
		for _, c := range q.consumers {
			if match(c) {
				close(c.deliveries)
				continue
			}
			kept = append(kept, c)
		}
		q.consumers = kept
	}
}

type fakeAcker struct {
	broker   *fakeBroker
	queue    string
	delivery amqp.Delivery
}

func (a *fakeAcker) Ack(uint64, bool) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	a.broker.acks++
	return nil
}

func (a *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	a.broker.nacks++
	if requeue {
		if q, ok := a.broker.queues[a.queue]; ok {
			d := a.delivery
			d.Redelivered = true
			q.messages = append(q.messages, d)
			a.broker.flush(q)
		}
	}
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeConnection struct {
	broker *fakeBroker
	node   Node

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	c.broker.mu.Lock()
	fail := c.broker.failChannels
	if !fail {
		c.broker.channels++
	}
	c.broker.mu.Unlock()
	if fail {
		return nil, errors.New("channel open refused")
	}

	ch := &fakeChannel{conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.shutdown(nil)
	return nil
}

// fail simulates a server initiated connection loss
func (c *fakeConnection) fail() {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED", Server: true})
}

func (c *fakeConnection) shutdown(cause *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := c.channels
	notify := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(cause)
	}
	for _, n := range notify {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
}

type fakeChannel struct {
	conn *fakeConnection

	mu        sync.Mutex
	closed    bool
	notify    []chan *amqp.Error
	qos       int
	published []amqp.Publishing
}

func (ch *fakeChannel) isOpen() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	return nil
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	if err := ch.isOpen(); err != nil {
		return err
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if err := ch.isOpen(); err != nil {
		return amqp.Queue{}, err
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		b.seq++
		name = fmt.Sprintf("amq.gen-%d", b.seq)
	}
	b.queueDeclares[name]++
	q, ok := b.queues[name]
	if !ok {
		q = &fakeQueue{name: name}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	if err := ch.isOpen(); err != nil {
		return err
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.bindings[exchange] {
		if existing.queue == name && existing.key == key {
			return nil
		}
	}
	b.bindings[exchange] = append(b.bindings[exchange], fakeBinding{queue: name, key: key})
	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.qos = prefetchCount
	return nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.published = append(ch.published, msg)
	ch.mu.Unlock()

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.route(exchange, key, msg)
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if err := ch.isOpen(); err != nil {
		return nil, err
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queue + "'"}
	}
	c := &fakeConsumer{tag: consumer, channel: ch, deliveries: make(chan amqp.Delivery, 256)}
	q.consumers = append(q.consumers, c)
	b.flush(q)
	return c.deliveries, nil
}

func (ch *fakeChannel) Cancel(consumer string, _ bool) error {
	if err := ch.isOpen(); err != nil {
		return err
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeConsumers(func(c *fakeConsumer) bool { return c.channel == ch && c.tag == consumer })
	return nil
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *fakeChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	ch.shutdown(nil)
	return nil
}

// fail simulates a channel level exception raised by the broker
func (ch *fakeChannel) fail() {
	ch.shutdown(&amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED", Server: true})
}

func (ch *fakeChannel) publishedCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.published)
}

func (ch *fakeChannel) publishedMessages() []amqp.Publishing {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]amqp.Publishing(nil), ch.published...)
}

func (ch *fakeChannel) prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.qos
}

func (ch *fakeChannel) shutdown(cause *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	notify := ch.notify
	ch.notify = nil
	ch.mu.Unlock()

	b := ch.conn.broker
	b.mu.Lock()
	b.removeConsumers(func(c *fakeConsumer) bool { return c.channel == ch })
	b.mu.Unlock()

	for _, n := range notify {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
}

// recordingConsumer records the callbacks of a connection or channel consumer
type recordingConsumer struct {
	mu     sync.Mutex
	events []string
	conns  []Connection
	chans  []Channel
	panics bool
}

func (r *recordingConsumer) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	if r.panics {
		panic("consumer failure: " + event)
	}
}

func (r *recordingConsumer) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingConsumer) lastConn() Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 {
		return nil
	}
	return r.conns[len(r.conns)-1]
}

func (r *recordingConsumer) lastChannel() Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.chans) == 0 {
		return nil
	}
	return r.chans[len(r.chans)-1]
}

// connection consumer side

func (r *recordingConsumer) consumeConn(conn Connection) {
	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.mu.Unlock()
	r.record("consume")
}

type connRecorder struct{ *recordingConsumer }

func (c connRecorder) Consume(conn Connection) { c.consumeConn(conn) }

func (c connRecorder) Reloaded(conn Connection, autorecovered bool) {
	c.mu.Lock()
	c.conns = append(c.conns, conn)
	c.mu.Unlock()
	c.record(fmt.Sprintf("reloaded:%t", autorecovered))
}

func (c connRecorder) Closed()    { c.record("closed") }
func (c connRecorder) Disposing() { c.record("disposing") }

type chanRecorder struct{ *recordingConsumer }

func (c chanRecorder) Consume(ch Channel) {
	c.mu.Lock()
	c.chans = append(c.chans, ch)
	c.mu.Unlock()
	c.record("consume")
}

func (c chanRecorder) Reloaded(ch Channel, autorecovered bool) {
	c.mu.Lock()
	c.chans = append(c.chans, ch)
	c.mu.Unlock()
	c.record(fmt.Sprintf("reloaded:%t", autorecovered))
}

func (c chanRecorder) ChannelClosed() { c.record("channel closed") }
func (c chanRecorder) Disposing()     { c.record("disposing") }

func testNodes(hosts ...string) []Node {
	nodes := make([]Node, len(hosts))
	for i, host := range hosts {
		node := defaultNode()
		node.Host = host
		nodes[i] = node
	}
	return nodes
}

const testDelay = 10 * time.Millisecond

func newTestPool(t *testing.T, broker *fakeBroker, hosts ...string) *ConnectionPool {
	t.Helper()
	pool, err := NewConnectionPool("test", testNodes(hosts...), broker, WithRetryDelay(testDelay))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func newTestManager(t *testing.T, broker *fakeBroker, poolSize int) *ChannelManager {
	t.Helper()
	mc := NewManagedConnection(newTestPool(t, broker, "rabbit-1"), nil)
	manager, err := NewChannelManager(mc,
		WithPoolMaxSize(poolSize),
		WithChannelRecreateDelay(testDelay),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = manager.Close()
		_ = mc.Close()
	})
	return manager
}

func newTestConfig(hosts ...string) *config.Config {
	connectionStrings := make([]string, len(hosts))
	for i, host := range hosts {
		connectionStrings[i] = "HostName=" + host
	}
	cfg := config.New().AddCluster("test", connectionStrings...)
	cluster := cfg.Clusters["test"]
	cluster.RetryConnectionDelay = testDelay
	cluster.ChannelRecreateDelay = testDelay
	cluster.PoolMaxSize = 2
	cfg.Clusters["test"] = cluster
	return cfg
}

func eventually(t *testing.T, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, condition, 2*time.Second, 5*time.Millisecond, msgAndArgs...)
}
