package rabbitmq

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Declaration argument keys
const (
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
)

// DefaultDeadLetterExchange is the exchange dead letters are routed to
const DefaultDeadLetterExchange = "DeadLetters"

// Address is where a message is published
type Address struct {
	Exchange   string
	RoutingKey string
}

// ExchangeKind is the broker exchange type
type ExchangeKind string

const (
	ExchangeFanout ExchangeKind = amqp.ExchangeFanout
	ExchangeDirect ExchangeKind = amqp.ExchangeDirect
	ExchangeTopic  ExchangeKind = amqp.ExchangeTopic
)

// ExchangeInfo describes an exchange and caches whether it was declared on
// the current connection
type ExchangeInfo struct {
	Name              string
	Kind              ExchangeKind
	DefaultRoutingKey string
	Durable           bool
	AutoDelete        bool
	Arguments         amqp.Table

	mu       sync.Mutex
	declared bool
}

// NewExchangeInfo creates a durable exchange description
func NewExchangeInfo(name string, kind ExchangeKind, defaultRoutingKey string) *ExchangeInfo {
	return &ExchangeInfo{
		Name:              name,
		Kind:              kind,
		DefaultRoutingKey: defaultRoutingKey,
		Durable:           true,
		Arguments:         amqp.Table{},
	}
}

// FanoutExchange describes a durable fanout exchange
func FanoutExchange(name string) *ExchangeInfo {
	return NewExchangeInfo(name, ExchangeFanout, "")
}

// RouteExchange describes a durable direct exchange
func RouteExchange(name, routingKey string) *ExchangeInfo {
	return NewExchangeInfo(name, ExchangeDirect, routingKey)
}

// TopicExchange describes a durable topic exchange
func TopicExchange(name, routingKey string) *ExchangeInfo {
	return NewExchangeInfo(name, ExchangeTopic, routingKey)
}

// UseDurable sets the durable flag
func (e *ExchangeInfo) UseDurable(durable bool) *ExchangeInfo {
	e.Durable = durable
	return e
}

// UseAutoDelete sets the auto-delete flag
func (e *ExchangeInfo) UseAutoDelete(autoDelete bool) *ExchangeInfo {
	e.AutoDelete = autoDelete
	return e
}

// AddArgument adds a declaration argument
func (e *ExchangeInfo) AddArgument(name string, value any) *ExchangeInfo {
	if e.Arguments == nil {
		e.Arguments = amqp.Table{}
	}
	e.Arguments[name] = value
	return e
}

// Declare declares the exchange unless it was already declared. force
// declares it regardless of the cache.
func (e *ExchangeInfo) Declare(ch Channel, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.declared && !force {
		return nil
	}

	if err := ch.ExchangeDeclare(e.Name, string(e.Kind), e.Durable, e.AutoDelete, false, false, e.Arguments); err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      e.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	e.declared = true
	return nil
}

// Address declares the exchange if needed and returns the publication
// address. An empty routingKey selects the default routing key.
func (e *ExchangeInfo) Address(ch Channel, routingKey string) (Address, error) {
	if err := e.Declare(ch, false); err != nil {
		return Address{}, err
	}
	if routingKey == "" {
		routingKey = e.DefaultRoutingKey
	}
	return Address{Exchange: e.Name, RoutingKey: routingKey}, nil
}

// ResetDeclarations forgets the cached declaration
func (e *ExchangeInfo) ResetDeclarations() {
	e.mu.Lock()
	e.declared = false
	e.mu.Unlock()
}

func (e *ExchangeInfo) String() string {
	return fmt.Sprintf("%s://%s", e.Kind, e.Name)
}

// DeadLetterRoutingKind selects the dead letter routing key of a queue
type DeadLetterRoutingKind int

const (
	// DeadLetterUseQueueName routes dead letters with the queue name
	DeadLetterUseQueueName DeadLetterRoutingKind = iota
	// DeadLetterUseSpecifiedValue routes dead letters with RoutingKey
	DeadLetterUseSpecifiedValue
	// DeadLetterNone keeps the original routing key
	DeadLetterNone
)

// DeadLetterInfo configures dead lettering of a queue
type DeadLetterInfo struct {
	Active      bool
	Exchange    string
	RoutingKind DeadLetterRoutingKind
	RoutingKey  string
}

// NewDeadLetterInfo returns an inactive dead letter configuration on the
// default exchange
func NewDeadLetterInfo() DeadLetterInfo {
	return DeadLetterInfo{Exchange: DefaultDeadLetterExchange}
}

// Include adds the dead letter arguments of queueName to args
func (d DeadLetterInfo) Include(args amqp.Table, queueName string) error {
	if !d.Active {
		return nil
	}
	if strings.TrimSpace(d.Exchange) == "" {
		return fmt.Errorf("%w: dead letter exchange is empty", ErrInvalidConfiguration)
	}
	args[ArgDeadLetterExchange] = d.Exchange

	switch d.RoutingKind {
	case DeadLetterUseQueueName:
		if strings.TrimSpace(queueName) == "" {
			return fmt.Errorf("%w: queue name is required to route dead letters by queue name", ErrInvalidConfiguration)
		}
		args[ArgDeadLetterRoutingKey] = queueName
	case DeadLetterUseSpecifiedValue:
		if strings.TrimSpace(d.RoutingKey) == "" {
			return fmt.Errorf("%w: dead letter routing key is empty", ErrInvalidConfiguration)
		}
		args[ArgDeadLetterRoutingKey] = d.RoutingKey
	case DeadLetterNone:
	}
	return nil
}

// BoundExchangeInfo binds a queue to an exchange with routing keys
type BoundExchangeInfo struct {
	Exchange    *ExchangeInfo
	RoutingKeys []string
}

// routeKeys returns the binding keys; no keys bind once with an empty key
func (b BoundExchangeInfo) routeKeys() []string {
	if len(b.RoutingKeys) == 0 {
		return []string{""}
	}
	return b.RoutingKeys
}

func (b BoundExchangeInfo) String() string {
	if len(b.RoutingKeys) == 0 {
		return b.Exchange.Name
	}
	return b.Exchange.Name + "=" + strings.Join(b.RoutingKeys, "|")
}

// QueueInfo describes a queue with its bindings and caches its declaration
// on the current connection
type QueueInfo struct {
	Name       string
	Temporary  bool
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	DeadLetter DeadLetterInfo
	Bindings   []BoundExchangeInfo

	mu        sync.Mutex
	arguments amqp.Table
	declared  *amqp.Queue
}

// PersistentQueue describes a durable queue
func PersistentQueue(name string) *QueueInfo {
	return &QueueInfo{
		Name:       name,
		Durable:    true,
		DeadLetter: NewDeadLetterInfo(),
	}
}

// PersistentQueueWithDeadLetter describes a durable queue dead lettering to
// the default exchange with the queue name as routing key
func PersistentQueueWithDeadLetter(name string) *QueueInfo {
	return PersistentQueue(name).UseDeadLetter()
}

// TemporaryQueue describes an exclusive auto-delete queue. An empty name lets
// the broker choose one.
func TemporaryQueue(name string) *QueueInfo {
	return &QueueInfo{
		Name:       name,
		Temporary:  true,
		AutoDelete: true,
		Exclusive:  true,
		DeadLetter: NewDeadLetterInfo(),
	}
}

// TemporaryQueueBoundTo describes a temporary queue bound to exchange
func TemporaryQueueBoundTo(exchange *ExchangeInfo, name string) *QueueInfo {
	return TemporaryQueue(name).BindTo(exchange)
}

// UseDeadLetter activates dead lettering
func (q *QueueInfo) UseDeadLetter() *QueueInfo {
	q.DeadLetter.Active = true
	return q
}

// UseDeadLetterExchange activates dead lettering to exchange
func (q *QueueInfo) UseDeadLetterExchange(exchange string) *QueueInfo {
	q.DeadLetter.Active = true
	q.DeadLetter.Exchange = exchange
	return q
}

// UseDeadLetterRoutingKey activates dead lettering with a fixed routing key
func (q *QueueInfo) UseDeadLetterRoutingKey(routingKey string) *QueueInfo {
	q.DeadLetter.Active = true
	q.DeadLetter.RoutingKind = DeadLetterUseSpecifiedValue
	q.DeadLetter.RoutingKey = routingKey
	return q
}

// BindTo binds the queue to exchange. Bound exchanges are declared before
// binding.
func (q *QueueInfo) BindTo(exchange *ExchangeInfo, routingKeys ...string) *QueueInfo {
	q.Bindings = append(q.Bindings, BoundExchangeInfo{Exchange: exchange, RoutingKeys: routingKeys})
	return q
}

// AddArgument adds a declaration argument. Blank names are reported by
// Arguments.
func (q *QueueInfo) AddArgument(name string, value any) *QueueInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.arguments == nil {
		q.arguments = amqp.Table{}
	}
	q.arguments[name] = value
	return q
}

// Arguments builds the declaration arguments, dead letter ones included
func (q *QueueInfo) Arguments() (amqp.Table, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buildArguments()
}

func (q *QueueInfo) buildArguments() (amqp.Table, error) {
	args := amqp.Table{}
	if err := q.DeadLetter.Include(args, q.Name); err != nil {
		return nil, err
	}
	for name, value := range q.arguments {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: queue argument name is empty", ErrInvalidConfiguration)
		}
		args[name] = value
	}
	return args, nil
}

// Declare declares the queue and its bindings unless already declared. force
// declares everything regardless of the cache.
func (q *QueueInfo) Declare(ch Channel, force bool) (amqp.Queue, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.declared != nil && !force {
		return *q.declared, nil
	}

	args, err := q.buildArguments()
	if err != nil {
		return amqp.Queue{}, err
	}

	declared, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, args)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      q.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	for _, binding := range q.Bindings {
		if err := binding.Exchange.Declare(ch, force); err != nil {
			return amqp.Queue{}, err
		}
		for _, key := range binding.routeKeys() {
			if err := ch.QueueBind(declared.Name, key, binding.Exchange.Name, false, nil); err != nil {
				return amqp.Queue{}, &TopologyError{
					Component: "binding",
					Name:      fmt.Sprintf("%s->%s", binding.Exchange.Name, declared.Name),
					Op:        "bind",
					Err:       err,
					Timestamp: time.Now(),
				}
			}
		}
	}

	q.declared = &declared
	return declared, nil
}

// Address declares the queue if needed and returns the publication address
// through the default exchange
func (q *QueueInfo) Address(ch Channel) (Address, error) {
	declared, err := q.Declare(ch, false)
	if err != nil {
		return Address{}, err
	}
	return Address{RoutingKey: declared.Name}, nil
}

// ResetDeclarations forgets the cached declaration, bound exchanges included
func (q *QueueInfo) ResetDeclarations() {
	q.mu.Lock()
	q.declared = nil
	q.mu.Unlock()

	for _, binding := range q.Bindings {
		binding.Exchange.ResetDeclarations()
	}
}

func (q *QueueInfo) String() string {
	if len(q.Bindings) == 0 {
		return "Queue://" + q.Name
	}
	bindings := make([]string, len(q.Bindings))
	for i, b := range q.Bindings {
		bindings[i] = b.String()
	}
	return "Queue://" + q.Name + "?" + strings.Join(bindings, "&")
}

// ChannelInfo names the target of a publisher or receiver: a queue or an
// exchange
type ChannelInfo struct {
	Queue    *QueueInfo
	Exchange *ExchangeInfo
}

// ForQueue targets queue
func ForQueue(queue *QueueInfo) *ChannelInfo {
	return &ChannelInfo{Queue: queue}
}

// ForExchange targets exchange
func ForExchange(exchange *ExchangeInfo) *ChannelInfo {
	return &ChannelInfo{Exchange: exchange}
}

// QueueChannel targets a persistent queue
func QueueChannel(name string) *ChannelInfo {
	return ForQueue(PersistentQueue(name))
}

// DeadLetterQueueChannel targets a persistent queue with dead lettering
func DeadLetterQueueChannel(name string) *ChannelInfo {
	return ForQueue(PersistentQueueWithDeadLetter(name))
}

// TemporaryQueueChannel targets a temporary queue
func TemporaryQueueChannel(name string) *ChannelInfo {
	return ForQueue(TemporaryQueue(name))
}

// FanoutChannel targets a fanout exchange
func FanoutChannel(name string) *ChannelInfo {
	return ForExchange(FanoutExchange(name))
}

// RouteChannel targets a direct exchange
func RouteChannel(name, routingKey string) *ChannelInfo {
	return ForExchange(RouteExchange(name, routingKey))
}

// TopicChannel targets a topic exchange
func TopicChannel(name, routingKey string) *ChannelInfo {
	return ForExchange(TopicExchange(name, routingKey))
}

// Validate checks that exactly one target is set
func (c *ChannelInfo) Validate() error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: channel info is nil", ErrInvalidConfiguration)
	case c.Queue == nil && c.Exchange == nil:
		return fmt.Errorf("%w: channel info has no queue or exchange", ErrInvalidConfiguration)
	case c.Queue != nil && c.Exchange != nil:
		return fmt.Errorf("%w: channel info has both a queue and an exchange", ErrInvalidConfiguration)
	}
	return nil
}

// ConsumerQueue declares the queue to consume from. An exchange-only target
// is a configuration error.
func (c *ChannelInfo) ConsumerQueue(ch Channel, force bool) (amqp.Queue, error) {
	if c.Queue == nil {
		return amqp.Queue{}, errors.Join(ErrInvalidConfiguration,
			fmt.Errorf("%s has no queue to consume from", c))
	}
	return c.Queue.Declare(ch, force)
}

// PublicationAddress declares the target if needed and resolves where to
// publish. routingKey only applies to exchanges.
func (c *ChannelInfo) PublicationAddress(ch Channel, routingKey string) (Address, error) {
	if c.Queue != nil {
		return c.Queue.Address(ch)
	}
	return c.Exchange.Address(ch, routingKey)
}

// ConnectionRecreated invalidates cached declarations
func (c *ChannelInfo) ConnectionRecreated() {
	if c.Queue != nil {
		c.Queue.ResetDeclarations()
	}
	if c.Exchange != nil {
		c.Exchange.ResetDeclarations()
	}
}

func (c *ChannelInfo) String() string {
	if c.Queue != nil {
		return c.Queue.String()
	}
	if c.Exchange != nil {
		return c.Exchange.String()
	}
	return "<empty>"
}
