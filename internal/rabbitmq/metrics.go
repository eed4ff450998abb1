package rabbitmq

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope of every instrument in this package
const meterName = "github.com/glimte/rabbitkit/internal/rabbitmq"

// Metrics records connection and channel lifecycle metrics.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Errors: recording never fails or panics.
type Metrics struct {
	connectAttempts metric.Int64Counter
	connectFailures metric.Int64Counter
	recoveries      metric.Int64Counter
	channelsCreated metric.Int64Counter
	poolWait        metric.Float64Histogram
}

// NewMetrics creates the instruments on a meter obtained from provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)

	connectAttempts, err := meter.Int64Counter(
		"rabbitmq.connection.attempts",
		metric.WithDescription("Physical connection attempts to broker nodes"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	connectFailures, err := meter.Int64Counter(
		"rabbitmq.connection.failures",
		metric.WithDescription("Failed physical connection attempts"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	recoveries, err := meter.Int64Counter(
		"rabbitmq.connection.recoveries",
		metric.WithDescription("Connections recovered after a failure"),
		metric.WithUnit("{recovery}"),
	)
	if err != nil {
		return nil, err
	}

	channelsCreated, err := meter.Int64Counter(
		"rabbitmq.channel.created",
		metric.WithDescription("Physical channels opened by managed channels"),
		metric.WithUnit("{channel}"),
	)
	if err != nil {
		return nil, err
	}

	poolWait, err := meter.Float64Histogram(
		"rabbitmq.channel_pool.wait",
		metric.WithDescription("Time spent waiting for a pooled channel"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		connectAttempts: connectAttempts,
		connectFailures: connectFailures,
		recoveries:      recoveries,
		channelsCreated: channelsCreated,
		poolWait:        poolWait,
	}, nil
}

// noopMetrics returns metrics that record nothing
func noopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

func clusterAttr(cluster string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("rabbitmq.cluster", cluster))
}

func (m *Metrics) connectAttempt(cluster string, node Node, err error) {
	ctx := context.Background()
	opt := metric.WithAttributes(
		attribute.String("rabbitmq.cluster", cluster),
		attribute.String("rabbitmq.node", node.Host),
	)
	m.connectAttempts.Add(ctx, 1, opt)
	if err != nil {
		m.connectFailures.Add(ctx, 1, opt)
	}
}

func (m *Metrics) recovered(cluster string, autorecovered bool) {
	m.recoveries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("rabbitmq.cluster", cluster),
		attribute.Bool("rabbitmq.autorecovered", autorecovered),
	))
}

func (m *Metrics) channelCreated(cluster string, strategy Strategy) {
	m.channelsCreated.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("rabbitmq.cluster", cluster),
		attribute.String("rabbitmq.strategy", strategy.String()),
	))
}

func (m *Metrics) pooledChannelWait(ctx context.Context, cluster string, waited time.Duration) {
	m.poolWait.Record(ctx, float64(waited.Microseconds())/1000, clusterAttr(cluster))
}
