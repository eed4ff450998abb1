package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/rabbitkit/config"
)

// Decrypter turns a stored connection string into its plain form
type Decrypter interface {
	Decrypt(value string) (string, error)
}

// DecrypterFunc adapts a function to the Decrypter interface
type DecrypterFunc func(value string) (string, error)

// Decrypt implements Decrypter
func (f DecrypterFunc) Decrypt(value string) (string, error) {
	return f(value)
}

// ConnectionPoolFactory builds connection pools from the configuration
type ConnectionPoolFactory struct {
	cfg       *config.Config
	dialer    Dialer
	decrypter Decrypter
	logger    *slog.Logger
	metrics   *Metrics
}

// NewConnectionPoolFactory creates a factory. decrypter may be nil.
func NewConnectionPoolFactory(cfg *config.Config, dialer Dialer, decrypter Decrypter, logger *slog.Logger, metrics *Metrics) *ConnectionPoolFactory {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics()
	}
	return &ConnectionPoolFactory{
		cfg:       cfg,
		dialer:    dialer,
		decrypter: decrypter,
		logger:    logger,
		metrics:   metrics,
	}
}

// Nodes resolves, decrypts and parses the connection strings of cluster
func (f *ConnectionPoolFactory) Nodes(cluster string) ([]Node, error) {
	settings, ok := f.cfg.Clusters[cluster]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCluster, cluster)
	}
	if len(settings.ConnectionStringNames) == 0 {
		return nil, fmt.Errorf("%w: cluster %q", ErrNoNodes, cluster)
	}

	nodes := make([]Node, 0, len(settings.ConnectionStringNames))
	for _, name := range settings.ConnectionStringNames {
		cs, ok := f.cfg.ConnectionStrings[name]
		if !ok {
			return nil, fmt.Errorf("%w: cluster %q references unknown connection string %q",
				ErrInvalidConfiguration, cluster, name)
		}

		if f.decrypter != nil {
			plain, err := f.decrypter.Decrypt(cs)
			if err != nil {
				return nil, fmt.Errorf("%w: decrypt connection string %q: %v", ErrInvalidConfiguration, name, err)
			}
			cs = plain
		}

		node, err := ParseConnectionString(cs)
		if err != nil {
			return nil, fmt.Errorf("connection string %q: %w", name, err)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Create builds the connection pool of cluster
func (f *ConnectionPoolFactory) Create(cluster string) (*ConnectionPool, error) {
	nodes, err := f.Nodes(cluster)
	if err != nil {
		return nil, err
	}
	settings, _ := f.cfg.Cluster(cluster)

	return NewConnectionPool(cluster, nodes, f.dialer,
		WithRetryDelay(settings.RetryConnectionDelay),
		WithReturnToFirstNode(settings.TryBackToFirstConnection()),
		WithConnectionPoolLogger(f.logger.With("cluster", cluster)),
		WithConnectionPoolMetrics(f.metrics),
	)
}

// Registry owns one ManagedConnection and one ChannelManager per cluster
// name. Both are created on first lookup and live until Close.
type Registry struct {
	cfg     *config.Config
	factory *ConnectionPoolFactory
	logger  *slog.Logger
	metrics *Metrics

	connections sync.Map // cluster name -> *ManagedConnection
	managers    sync.Map // cluster name -> *ChannelManager

	mu     sync.Mutex
	closed atomic.Bool
}

// RegistryOption configures a Registry
type RegistryOption func(*registryOptions)

type registryOptions struct {
	dialer        Dialer
	decrypter     Decrypter
	logger        *slog.Logger
	meterProvider metric.MeterProvider
}

// WithDialer sets how physical connections are opened
func WithDialer(dialer Dialer) RegistryOption {
	return func(o *registryOptions) {
		o.dialer = dialer
	}
}

// WithDecrypter sets the connection string decrypter
func WithDecrypter(decrypter Decrypter) RegistryOption {
	return func(o *registryOptions) {
		o.decrypter = decrypter
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(o *registryOptions) {
		o.logger = logger
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider
func WithMeterProvider(provider metric.MeterProvider) RegistryOption {
	return func(o *registryOptions) {
		o.meterProvider = provider
	}
}

// NewRegistry creates a registry over cfg
func NewRegistry(cfg *config.Config, options ...RegistryOption) (*Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is nil", ErrInvalidConfiguration)
	}

	opts := registryOptions{logger: slog.Default()}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.dialer == nil {
		opts.dialer = NewAMQPDialer()
	}

	metrics := noopMetrics()
	if opts.meterProvider != nil {
		m, err := NewMetrics(opts.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		metrics = m
	}

	return &Registry{
		cfg:     cfg,
		factory: NewConnectionPoolFactory(cfg, opts.dialer, opts.decrypter, opts.logger, metrics),
		logger:  opts.logger,
		metrics: metrics,
	}, nil
}

// Clusters returns the configured cluster names in order
func (r *Registry) Clusters() []string {
	names := make([]string, 0, len(r.cfg.Clusters))
	for name := range r.cfg.Clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connection returns the managed connection of cluster, creating it on
// first use
func (r *Registry) Connection(cluster string) (*ManagedConnection, error) {
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}
	if mc, ok := r.connections.Load(cluster); ok {
		return mc.(*ManagedConnection), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectionLocked(cluster)
}

// connectionLocked must be called with r.mu held
func (r *Registry) connectionLocked(cluster string) (*ManagedConnection, error) {
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}
	if mc, ok := r.connections.Load(cluster); ok {
		return mc.(*ManagedConnection), nil
	}

	pool, err := r.factory.Create(cluster)
	if err != nil {
		return nil, err
	}
	mc := NewManagedConnection(pool, r.logger)
	r.connections.Store(cluster, mc)
	return mc, nil
}

// ChannelManager returns the channel manager of cluster, creating it on
// first use
func (r *Registry) ChannelManager(cluster string) (*ChannelManager, error) {
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}
	if m, ok := r.managers.Load(cluster); ok {
		return m.(*ChannelManager), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}
	if m, ok := r.managers.Load(cluster); ok {
		return m.(*ChannelManager), nil
	}

	mc, err := r.connectionLocked(cluster)
	if err != nil {
		return nil, err
	}
	settings, _ := r.cfg.Cluster(cluster)

	async := false
	for _, node := range mc.Pool().Nodes() {
		async = async || node.DispatchConsumersAsync
	}

	manager, err := NewChannelManager(mc,
		WithPoolMaxSize(settings.PoolMaxSize),
		WithChannelRecreateDelay(settings.ChannelRecreateDelay),
		WithAsyncDispatch(async),
		WithChannelManagerLogger(r.logger),
		WithChannelManagerMetrics(r.metrics),
	)
	if err != nil {
		return nil, err
	}
	r.managers.Store(cluster, manager)
	return manager, nil
}

// Each calls fn for every cluster created so far
func (r *Registry) Each(fn func(cluster string, conn *ManagedConnection, manager *ChannelManager)) {
	r.connections.Range(func(key, value any) bool {
		var manager *ChannelManager
		if m, ok := r.managers.Load(key); ok {
			manager = m.(*ChannelManager)
		}
		fn(key.(string), value.(*ManagedConnection), manager)
		return true
	})
}

// Close shuts down every channel manager and then every managed connection.
// Later lookups fail with ErrRegistryClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed.Swap(true) {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	var managers []*ChannelManager
	r.managers.Range(func(_, value any) bool {
		managers = append(managers, value.(*ChannelManager))
		return true
	})
	var connections []*ManagedConnection
	r.connections.Range(func(_, value any) bool {
		connections = append(connections, value.(*ManagedConnection))
		return true
	})

	g, _ := errgroup.WithContext(ctx)
	for _, m := range managers {
		g.Go(m.Close)
	}
	managersErr := g.Wait()

	g, _ = errgroup.WithContext(ctx)
	for _, mc := range connections {
		g.Go(mc.Close)
	}
	connectionsErr := g.Wait()

	if err := errors.Join(managersErr, connectionsErr); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.logger.Info("registry closed", "clusters", len(connections))
	return nil
}
