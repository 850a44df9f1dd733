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
	meterName = "github.com/kalio007/ipfs-pinning-infra"
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
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	ingestTotal       metric.Int64Counter
	ingestDuration    metric.Float64Histogram
	ingestSize        metric.Float64Histogram
	retrievalTotal    metric.Int64Counter
	retrievalDuration metric.Float64Histogram
	fallbackTotal     metric.Int64Counter
	replicationTotal  metric.Int64Counter
	cacheOpsTotal     metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

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
		cfg.ServiceName = "pinning-gateway"
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

	latencyBuckets := metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.requestsTotal, "pinning_gateway_http_requests_total", "Total number of HTTP requests", "{request}"},
		{&m.responseBytesTotal, "pinning_gateway_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"},
		{&m.ingestTotal, "pinning_gateway_ingest_total", "Total ingestion attempts by placement and outcome", "{file}"},
		{&m.retrievalTotal, "pinning_gateway_retrieval_total", "Total retrievals by operation, source and outcome", "{request}"},
		{&m.fallbackTotal, "pinning_gateway_overflow_fallback_total", "Content-store failures that were evaluated for overflow fallback", "{request}"},
		{&m.replicationTotal, "pinning_gateway_replication_requests_total", "Pin requests by outcome", "{request}"},
		{&m.cacheOpsTotal, "pinning_gateway_lookup_cache_ops_total", "Lookup cache operations by result", "{op}"},
		{&m.upstreamFetchTotal, "pinning_gateway_upstream_fetch_total", "Total number of outbound HTTP requests", "{request}"},
		{&m.upstreamFetchBytesTotal, "pinning_gateway_upstream_fetch_bytes_total", "Total bytes read from outbound HTTP responses", "By"},
		{&m.backendRequestsTotal, "pinning_gateway_backend_requests_total", "Total number of backend storage operations", "{request}"},
		{&m.backendBytesTotal, "pinning_gateway_backend_bytes_total", "Total bytes transferred in backend operations", "By"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}

	m.requestDuration, err = meter.Float64Histogram(
		"pinning_gateway_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		latencyBuckets,
	)
	if err != nil {
		return nil, err
	}

	m.ingestDuration, err = meter.Float64Histogram(
		"pinning_gateway_ingest_duration_seconds",
		metric.WithDescription("Duration of the ingestion pipeline"),
		metric.WithUnit("s"),
		latencyBuckets,
	)
	if err != nil {
		return nil, err
	}

	m.ingestSize, err = meter.Float64Histogram(
		"pinning_gateway_ingest_size_bytes",
		metric.WithDescription("Size of ingested files"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 16384, 131072, 1048576, 8388608, 33554432, 104857600, 268435456, 1073741824, 4294967296),
	)
	if err != nil {
		return nil, err
	}

	m.retrievalDuration, err = meter.Float64Histogram(
		"pinning_gateway_retrieval_duration_seconds",
		metric.WithDescription("Duration of the retrieval pipeline up to the start of streaming"),
		metric.WithUnit("s"),
		latencyBuckets,
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchDuration, err = meter.Float64Histogram(
		"pinning_gateway_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of outbound HTTP requests"),
		metric.WithUnit("s"),
		latencyBuckets,
	)
	if err != nil {
		return nil, err
	}

	m.backendRequestDuration, err = meter.Float64Histogram(
		"pinning_gateway_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
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
// Route, cache result and content source are read from request tags.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	route := "unknown"
	cacheResult := string(CacheNA)
	source := ""
	if tags := GetTags(r); tags != nil {
		if tags.Route != "" {
			route = tags.Route
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		source = tags.Source
	}

	attrs := []attribute.KeyValue{
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	}
	if source != "" {
		attrs = append(attrs, attribute.String("source", source))
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordIngest records one run of the ingestion pipeline.
// placement is "small" or "large"; outcome is "success" or an error kind.
func RecordIngest(ctx context.Context, placement, outcome string, size int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("placement", placement),
		attribute.String("outcome", outcome),
	)
	globalMetrics.ingestTotal.Add(ctx, 1, attrs)
	globalMetrics.ingestDuration.Record(ctx, duration.Seconds(), attrs)
	if outcome == "success" {
		globalMetrics.ingestSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("placement", placement)))
	}
}

// RecordRetrieval records one retrieval. op is "resolve" or "fetch"; source
// is where the answer came from ("cache", "metadata", "content", "overflow"),
// empty on failure.
func RecordRetrieval(ctx context.Context, op, source, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	if source != "" {
		attrs = append(attrs, attribute.String("source", source))
	}
	globalMetrics.retrievalTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.retrievalDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordFallback records a content-store failure and whether the overflow
// store could take over ("engaged") or not ("no_overflow_key").
func RecordFallback(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.fallbackTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordReplication records the outcome of a pin request: "success",
// "error" or "dropped".
func RecordReplication(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.replicationTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCacheOp records a lookup cache operation. op is "get" or "set";
// result is "hit", "miss", "ok" or "error".
func RecordCacheOp(ctx context.Context, op, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheOpsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", result),
	))
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	if route := RouteFromContext(ctx); route != "" {
		attrs = append(attrs, attribute.String("route", route))
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamFetch records an outbound HTTP request to target
// ("gateway" or "cluster").
func RecordUpstreamFetch(ctx context.Context, target string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("target", target),
		attribute.String("outcome", outcome),
	}
	if route := RouteFromContext(ctx); route != "" {
		attrs = append(attrs, attribute.String("route", route))
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
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
