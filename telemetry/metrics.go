// Package telemetry initialises the OpenTelemetry metrics pipeline and
// instruments outbound calls to the ledger RPC node, the content gateway
// and notification webhooks.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/keeperhq/vaultwatch"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	outboundRequestsTotal   metric.Int64Counter
	outboundRequestDuration metric.Float64Histogram
	outboundBytesTotal      metric.Int64Counter

	vaultsTracked  metric.Int64Gauge
	vaultsExpired  metric.Int64Gauge
	vaultsReleased metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "vaultwatch"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	outboundRequestsTotal, err := meter.Int64Counter(
		"vaultwatch_outbound_requests_total",
		metric.WithDescription("Total number of outbound HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	outboundRequestDuration, err := meter.Float64Histogram(
		"vaultwatch_outbound_request_duration_seconds",
		metric.WithDescription("Outbound HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	outboundBytesTotal, err := meter.Int64Counter(
		"vaultwatch_outbound_bytes_total",
		metric.WithDescription("Total bytes read from outbound HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	vaultsTracked, err := meter.Int64Gauge(
		"vaultwatch_vaults_tracked",
		metric.WithDescription("Vaults observed in the most recent scan"),
		metric.WithUnit("{vault}"),
	)
	if err != nil {
		return err
	}

	vaultsExpired, err := meter.Int64Gauge(
		"vaultwatch_vaults_expired",
		metric.WithDescription("Vaults past deadline and awaiting release in the most recent scan"),
		metric.WithUnit("{vault}"),
	)
	if err != nil {
		return err
	}

	vaultsReleased, err := meter.Int64Gauge(
		"vaultwatch_vaults_released",
		metric.WithDescription("Released vaults awaiting claim in the most recent scan"),
		metric.WithUnit("{vault}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		outboundRequestsTotal:   outboundRequestsTotal,
		outboundRequestDuration: outboundRequestDuration,
		outboundBytesTotal:      outboundBytesTotal,
		vaultsTracked:           vaultsTracked,
		vaultsExpired:           vaultsExpired,
		vaultsReleased:          vaultsReleased,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// Meter returns a meter for component-level instruments. Falls back to the
// global provider when InitMetrics has not run, which yields no-op
// instruments.
func Meter() metric.Meter {
	if globalMetrics != nil {
		return globalMetrics.meterProvider.Meter(meterName)
	}
	return otel.GetMeterProvider().Meter(meterName)
}

// RecordOutbound records one outbound HTTP call.
// target identifies the peer (rpc, gateway, webhook).
func RecordOutbound(ctx context.Context, target string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("target", target),
		attribute.String("outcome", outcome),
	}
	globalMetrics.outboundRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.outboundRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.outboundBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordScanState updates the per-scan vault population gauges.
func RecordScanState(ctx context.Context, tracked, expired, released int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.vaultsTracked.Record(ctx, int64(tracked))
	globalMetrics.vaultsExpired.Record(ctx, int64(expired))
	globalMetrics.vaultsReleased.Record(ctx, int64(released))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
