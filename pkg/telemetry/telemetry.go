// Package telemetry wires up the OpenTelemetry meter provider and its
// Prometheus exporter.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/OmgRod/PiBlock/pkg/config"
	"github.com/OmgRod/PiBlock/pkg/logging"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

const meterName = "github.com/OmgRod/PiBlock"

// Telemetry holds the meter provider and, when Prometheus is on, the
// registry the /metrics handler serves.
type Telemetry struct {
	cfg           *config.TelemetryConfig
	meterProvider metric.MeterProvider
	registry      *promclient.Registry
	logger        *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	QueriesTotal     metric.Int64Counter
	BlockedQueries   metric.Int64Counter
	ForwardedQueries metric.Int64Counter
	DiscardedPackets metric.Int64Counter
	UpstreamFailures metric.Int64Counter
	QueryDuration    metric.Float64Histogram

	BlocklistSize   metric.Int64Gauge
	ActivePipelines metric.Int64UpDownCounter
}

// New creates a new telemetry instance. A disabled config yields no-op
// instruments and a handler that answers 404.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:           cfg,
			meterProvider: noop.NewMeterProvider(),
			logger:        logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusOn(),
	)

	return t, nil
}

// setupMetrics installs the SDK meter provider. Each Telemetry gets its own
// Prometheus registry so several engines can live in one process.
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusOn() {
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return nil
	}

	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	t.registry = registry
	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	return nil
}

// Handler serves the Prometheus exposition format.
func (t *Telemetry) Handler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	return newMetrics(t.meterProvider.Meter(meterName))
}

// NopMetrics returns instruments that record nothing.
func NopMetrics() *Metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter(meterName))
	return m
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	queriesTotal, err := meter.Int64Counter(
		"dns.queries.total",
		metric.WithDescription("Total number of decoded DNS queries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	blockedQueries, err := meter.Int64Counter(
		"dns.queries.blocked",
		metric.WithDescription("Number of blocked DNS queries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create blocked queries counter: %w", err)
	}

	forwardedQueries, err := meter.Int64Counter(
		"dns.queries.forwarded",
		metric.WithDescription("Number of DNS queries relayed to the upstream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwarded queries counter: %w", err)
	}

	discardedPackets, err := meter.Int64Counter(
		"dns.packets.discarded",
		metric.WithDescription("Number of packets dropped because they could not be decoded"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discarded packets counter: %w", err)
	}

	upstreamFailures, err := meter.Int64Counter(
		"dns.upstream.failures",
		metric.WithDescription("Number of forwarded queries that got no upstream reply"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream failures counter: %w", err)
	}

	queryDuration, err := meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	blocklistSize, err := meter.Int64Gauge(
		"blocklist.size",
		metric.WithDescription("Number of patterns in the blocklist"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create blocklist size gauge: %w", err)
	}

	activePipelines, err := meter.Int64UpDownCounter(
		"dns.pipelines.active",
		metric.WithDescription("Number of packets currently being processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active pipelines gauge: %w", err)
	}

	return &Metrics{
		QueriesTotal:     queriesTotal,
		BlockedQueries:   blockedQueries,
		ForwardedQueries: forwardedQueries,
		DiscardedPackets: discardedPackets,
		UpstreamFailures: upstreamFailures,
		QueryDuration:    queryDuration,
		BlocklistSize:    blocklistSize,
		ActivePipelines:  activePipelines,
	}, nil
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("meter provider shutdown: %w", err)
		}
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
