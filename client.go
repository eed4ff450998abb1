// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rabbitkit keeps RabbitMQ connections and channels alive across
// broker failures and hands them out to publishers and receivers.
package rabbitkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/glimte/rabbitkit/config"
	"github.com/glimte/rabbitkit/health"
	"github.com/glimte/rabbitkit/internal/rabbitmq"
)

// Public types of the managed channel layer
type (
	Strategy               = rabbitmq.Strategy
	Message                = rabbitmq.Message
	MessageHandler         = rabbitmq.MessageHandler
	AcknowledgmentStrategy = rabbitmq.AcknowledgmentStrategy
	ChannelInfo            = rabbitmq.ChannelInfo
	QueueInfo              = rabbitmq.QueueInfo
	ExchangeInfo           = rabbitmq.ExchangeInfo
	Publisher              = rabbitmq.Publisher
	PublisherOption        = rabbitmq.PublisherOption
	Receiver               = rabbitmq.Receiver
	ReceiverOption         = rabbitmq.ReceiverOption
	Subscription           = rabbitmq.Subscription
	ChannelManager         = rabbitmq.ChannelManager
	ManagedChannel         = rabbitmq.ManagedChannel
	Decrypter              = rabbitmq.Decrypter
	DecrypterFunc          = rabbitmq.DecrypterFunc
	Dialer                 = rabbitmq.Dialer
	DialerFunc             = rabbitmq.DialerFunc
	Connection             = rabbitmq.Connection
	Node                   = rabbitmq.Node
)

const (
	Exclusive = rabbitmq.Exclusive
	Shared    = rabbitmq.Shared
	Pooled    = rabbitmq.Pooled

	AckOnSuccess = rabbitmq.AckOnSuccess
	AckAlways    = rabbitmq.AckAlways
	AckManual    = rabbitmq.AckManual
)

// Declaration constructors
var (
	QueueChannel           = rabbitmq.QueueChannel
	DeadLetterQueueChannel = rabbitmq.DeadLetterQueueChannel
	TemporaryQueueChannel  = rabbitmq.TemporaryQueueChannel
	FanoutChannel          = rabbitmq.FanoutChannel
	RouteChannel           = rabbitmq.RouteChannel
	TopicChannel           = rabbitmq.TopicChannel
	ForQueue               = rabbitmq.ForQueue
	ForExchange            = rabbitmq.ForExchange
	PersistentQueue        = rabbitmq.PersistentQueue
	TemporaryQueue         = rabbitmq.TemporaryQueue
	FanoutExchange         = rabbitmq.FanoutExchange
	RouteExchange          = rabbitmq.RouteExchange
	TopicExchange          = rabbitmq.TopicExchange
)

// Publisher and receiver options
var (
	WithPublishTimeout     = rabbitmq.WithPublishTimeout
	WithPersistentMessages = rabbitmq.WithPersistentMessages
	WithPrefetchCount      = rabbitmq.WithPrefetchCount
	WithAckStrategy        = rabbitmq.WithAckStrategy
	WithHandlerTimeout     = rabbitmq.WithHandlerTimeout
)

// Errors callers match with errors.Is
var (
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	ErrInvalidStrategy      = rabbitmq.ErrInvalidStrategy
	ErrUnknownCluster       = rabbitmq.ErrUnknownCluster
	ErrChannelNotOpen       = rabbitmq.ErrChannelNotOpen
	ErrRegistryClosed       = rabbitmq.ErrRegistryClosed
)

// IsConfigurationError reports whether err stems from invalid configuration
func IsConfigurationError(err error) bool {
	return errors.Is(err, config.ErrInvalid) || rabbitmq.IsConfigurationError(err)
}

// Client is the entry point: one managed connection and channel manager per
// configured cluster, created on first use.
type Client struct {
	registry *rabbitmq.Registry
	checks   *health.Registry
	logger   *slog.Logger
}

// NewClient validates cfg and creates a client over it. No connection is
// opened until a cluster is used.
func NewClient(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is nil", config.ErrInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(opts)
	}

	registryOpts := []rabbitmq.RegistryOption{rabbitmq.WithLogger(opts.logger)}
	if opts.dialer != nil {
		registryOpts = append(registryOpts, rabbitmq.WithDialer(opts.dialer))
	}
	if opts.decrypter != nil {
		registryOpts = append(registryOpts, rabbitmq.WithDecrypter(opts.decrypter))
	}
	if opts.meterProvider != nil {
		registryOpts = append(registryOpts, rabbitmq.WithMeterProvider(opts.meterProvider))
	}

	registry, err := rabbitmq.NewRegistry(cfg, registryOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	return &Client{
		registry: registry,
		checks:   health.NewRegistry(),
		logger:   opts.logger,
	}, nil
}

// NewClientFromFile loads, validates and uses the YAML configuration at path
func NewClientFromFile(path string, options ...ClientOption) (*Client, error) {
	cfg, err := config.LoadAndValidate(path)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg, options...)
}

// Clusters returns the configured cluster names
func (c *Client) Clusters() []string {
	return c.registry.Clusters()
}

// ChannelManager returns the channel manager of cluster
func (c *Client) ChannelManager(cluster string) (*ChannelManager, error) {
	return c.registry.ChannelManager(cluster)
}

// NewPublisher creates a publisher for info on cluster
func (c *Client) NewPublisher(ctx context.Context, cluster string, strategy Strategy, info *ChannelInfo, options ...PublisherOption) (*Publisher, error) {
	manager, err := c.registry.ChannelManager(cluster)
	if err != nil {
		return nil, err
	}
	options = append([]PublisherOption{rabbitmq.WithPublisherLogger(c.logger)}, options...)
	return rabbitmq.NewPublisher(ctx, manager, strategy, info, options...)
}

// NewReceiver creates a receiver for info on cluster
func (c *Client) NewReceiver(cluster string, strategy Strategy, info *ChannelInfo, options ...ReceiverOption) (*Receiver, error) {
	manager, err := c.registry.ChannelManager(cluster)
	if err != nil {
		return nil, err
	}
	options = append([]ReceiverOption{rabbitmq.WithReceiverLogger(c.logger)}, options...)
	return rabbitmq.NewReceiver(manager, strategy, info, options...)
}

// HealthChecks returns the health registry. Custom checkers registered on it
// are reported by Health.
func (c *Client) HealthChecks() *health.Registry {
	return c.checks
}

// Health checks every cluster in use
func (c *Client) Health(ctx context.Context) health.Report {
	health.RegisterClusters(c.checks, c.registry)
	return c.checks.Check(ctx)
}

// HealthHandler serves Health as JSON. Each request bounds the checks with
// timeout.
func (c *Client) HealthHandler(timeout time.Duration) http.Handler {
	h := health.NewHandler(c.checks, timeout)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health.RegisterClusters(c.checks, c.registry)
		h.ServeHTTP(w, r)
	})
}

// Close shuts down every cluster
func (c *Client) Close(ctx context.Context) error {
	return c.registry.Close(ctx)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger        *slog.Logger
	dialer        Dialer
	decrypter     Decrypter
	meterProvider metric.MeterProvider
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithDecrypter decrypts connection strings before they are parsed
func WithDecrypter(decrypter Decrypter) ClientOption {
	return func(cfg *clientConfig) {
		cfg.decrypter = decrypter
	}
}

// WithMeterProvider records connection and channel metrics on provider
func WithMeterProvider(provider metric.MeterProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.meterProvider = provider
	}
}
