package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the subset of a broker connection the managed components use.
// *amqp.Connection satisfies it through NewAMQPDialer.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the subset of a broker channel the managed components use.
// *amqp.Channel satisfies it.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens physical connections to broker nodes
type Dialer interface {
	Dial(node Node) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(node Node) (Connection, error)

// Dial implements Dialer
func (f DialerFunc) Dial(node Node) (Connection, error) {
	return f(node)
}

// AMQPDialerOption configures the AMQP dialer
type AMQPDialerOption func(*amqp.Config)

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) AMQPDialerOption {
	return func(cfg *amqp.Config) {
		cfg.Heartbeat = interval
	}
}

// WithConnectionName sets the connection name shown in the broker management UI
func WithConnectionName(name string) AMQPDialerOption {
	return func(cfg *amqp.Config) {
		cfg.Properties.SetClientConnectionName(name)
	}
}

// NewAMQPDialer creates a Dialer backed by amqp091-go
func NewAMQPDialer(options ...AMQPDialerOption) Dialer {
	cfg := amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
	}
	for _, opt := range options {
		opt(&cfg)
	}

	return DialerFunc(func(node Node) (Connection, error) {
		conn, err := amqp.DialConfig(node.URL(), cfg)
		if err != nil {
			return nil, err
		}
		return &amqpConnection{Connection: conn}, nil
	})
}

// amqpConnection narrows *amqp.Connection.Channel to the Channel interface
type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
