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
	meterName = "github.com/wolfeidau/policy-cache"
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
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	checksTotal      metric.Int64Counter
	quotaChecksTotal metric.Int64Counter

	remoteCallsTotal   metric.Int64Counter
	remoteCallDuration metric.Float64Histogram

	reportFlushesTotal metric.Int64Counter
	reportBatchSize    metric.Int64Histogram

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	sweepRemovedTotal metric.Int64Counter
	sweepDuration     metric.Float64Histogram

	cacheEntries metric.Int64Gauge

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
		cfg.ServiceName = "policy-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

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

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	latencyBuckets := metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)

	if m.requestsTotal, err = meter.Int64Counter(
		"policy_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"policy_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"policy_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		latencyBuckets,
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"policy_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.checksTotal, err = meter.Int64Counter(
		"policy_cache_checks_total",
		metric.WithDescription("Total policy checks by cache result and decision"),
		metric.WithUnit("{check}"),
	); err != nil {
		return nil, err
	}

	if m.quotaChecksTotal, err = meter.Int64Counter(
		"policy_cache_quota_checks_total",
		metric.WithDescription("Total quota checks by cache result and decision"),
		metric.WithUnit("{check}"),
	); err != nil {
		return nil, err
	}

	if m.remoteCallsTotal, err = meter.Int64Counter(
		"policy_cache_remote_calls_total",
		metric.WithDescription("Total backend calls by kind and transport result"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}

	if m.remoteCallDuration, err = meter.Float64Histogram(
		"policy_cache_remote_call_duration_seconds",
		metric.WithDescription("Duration of backend calls"),
		metric.WithUnit("s"),
		latencyBuckets,
	); err != nil {
		return nil, err
	}

	if m.reportFlushesTotal, err = meter.Int64Counter(
		"policy_cache_report_flushes_total",
		metric.WithDescription("Total report batches flushed by trigger"),
		metric.WithUnit("{flush}"),
	); err != nil {
		return nil, err
	}

	if m.reportBatchSize, err = meter.Int64Histogram(
		"policy_cache_report_batch_size",
		metric.WithDescription("Number of attribute bags per flushed report batch"),
		metric.WithUnit("{report}"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"policy_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of proxied upstream requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"policy_cache_upstream_fetch_total",
		metric.WithDescription("Total number of proxied upstream requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"policy_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes read from upstream"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.sweepRemovedTotal, err = meter.Int64Counter(
		"policy_cache_sweep_removed_total",
		metric.WithDescription("Total idle cache entries removed by the sweeper"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.sweepDuration, err = meter.Float64Histogram(
		"policy_cache_sweep_duration_seconds",
		metric.WithDescription("Duration of sweeper cycles"),
		metric.WithUnit("s"),
		latencyBuckets,
	); err != nil {
		return nil, err
	}

	if m.cacheEntries, err = meter.Int64Gauge(
		"policy_cache_entries",
		metric.WithDescription("Current entries in each cache"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	return &m, nil
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

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Route and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	route := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Route != "" {
			route = tags.Route
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {route, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("route", route),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("route", route),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordCheck records a policy check. decision is "allow" or "deny".
func RecordCheck(ctx context.Context, result CacheResult, decision string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.checksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache_result", string(result)),
		attribute.String("decision", decision),
	))
}

// RecordQuota records a quota check. decision is "allow" or "exhausted".
func RecordQuota(ctx context.Context, result CacheResult, decision string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.quotaChecksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache_result", string(result)),
		attribute.String("decision", decision),
	))
}

// RecordRemoteCall records one backend call. kind is "check" or "report";
// result is the transport classification.
func RecordRemoteCall(ctx context.Context, kind, result string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	)
	globalMetrics.remoteCallsTotal.Add(ctx, 1, attrs)
	globalMetrics.remoteCallDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordReportFlush records a report batch flush. trigger is "size", "timer"
// or "explicit".
func RecordReportFlush(ctx context.Context, trigger string, entries int) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("trigger", trigger))
	globalMetrics.reportFlushesTotal.Add(ctx, 1, attrs)
	globalMetrics.reportBatchSize.Record(ctx, int64(entries), attrs)
}

// RecordUpstreamFetch records a proxied upstream request.
func RecordUpstreamFetch(ctx context.Context, f UpstreamFetch) {
	if globalMetrics == nil {
		return
	}

	route := f.Route
	if route == "" {
		route = "unknown"
	}
	attrs := metric.WithAttributes(
		attribute.String("upstream", f.Upstream),
		attribute.String("route", route),
		attribute.String("decision", f.Decision),
		attribute.String("outcome", f.Outcome),
	)
	globalMetrics.upstreamFetchDuration.Record(ctx, f.Duration.Seconds(), attrs)
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, attrs)
	if f.Bytes > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, f.Bytes, attrs)
	}
}

// RecordSweep records one sweeper cycle's removed count and duration.
// Called unconditionally per cycle.
func RecordSweep(ctx context.Context, cache string, removed int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("cache", cache))
	globalMetrics.sweepRemovedTotal.Add(ctx, int64(removed), attrs)
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds(), attrs)
}

// UpdateCacheEntries records the current size of a cache. cache is "check"
// or "quota".
func UpdateCacheEntries(ctx context.Context, cache string, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEntries.Record(ctx, int64(entries), metric.WithAttributes(attribute.String("cache", cache)))
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

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
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
