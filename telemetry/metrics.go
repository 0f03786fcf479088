package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/ministrykeeper/fieldsync"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

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

	probesTotal             metric.Int64Counter
	probeDuration           metric.Float64Histogram
	reachabilityTransitions metric.Int64Counter

	mutationsEnqueuedTotal metric.Int64Counter
	mutationsAppliedTotal  metric.Int64Counter
	mutationsPoisonedTotal metric.Int64Counter
	flushesTotal           metric.Int64Counter
	flushDuration          metric.Float64Histogram
	outboxPending          metric.Int64Gauge

	entryLookupsTotal metric.Int64Counter
	entryWriteSize    metric.Float64Histogram

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

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

func doInitMetrics(_ context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "fieldsync"
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

	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"fieldsync_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"fieldsync_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"fieldsync_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	probesTotal, err := meter.Int64Counter(
		"fieldsync_probes_total",
		metric.WithDescription("Total reachability probes by outcome"),
		metric.WithUnit("{probe}"),
	)
	if err != nil {
		return err
	}

	probeDuration, err := meter.Float64Histogram(
		"fieldsync_probe_duration_seconds",
		metric.WithDescription("Reachability probe duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	reachabilityTransitions, err := meter.Int64Counter(
		"fieldsync_reachability_transitions_total",
		metric.WithDescription("Total reachability state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	mutationsEnqueuedTotal, err := meter.Int64Counter(
		"fieldsync_mutations_enqueued_total",
		metric.WithDescription("Total mutations recorded in the outbox"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return err
	}

	mutationsAppliedTotal, err := meter.Int64Counter(
		"fieldsync_mutations_applied_total",
		metric.WithDescription("Total mutations replayed against the backend"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return err
	}

	mutationsPoisonedTotal, err := meter.Int64Counter(
		"fieldsync_mutations_poisoned_total",
		metric.WithDescription("Total mutations moved to the dead letter"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return err
	}

	flushesTotal, err := meter.Int64Counter(
		"fieldsync_flushes_total",
		metric.WithDescription("Total outbox flush passes by outcome"),
		metric.WithUnit("{flush}"),
	)
	if err != nil {
		return err
	}

	flushDuration, err := meter.Float64Histogram(
		"fieldsync_flush_duration_seconds",
		metric.WithDescription("Outbox flush pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	outboxPending, err := meter.Int64Gauge(
		"fieldsync_outbox_pending",
		metric.WithDescription("Mutations waiting in the outbox after the last flush"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return err
	}

	entryLookupsTotal, err := meter.Int64Counter(
		"fieldsync_entry_lookups_total",
		metric.WithDescription("Total cache entry lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	entryWriteSize, err := meter.Float64Histogram(
		"fieldsync_entry_write_size_bytes",
		metric.WithDescription("Size of values written to the entry cache"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536, 131072, 262144, 524288, 1048576),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"fieldsync_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"fieldsync_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytesTotal, err := meter.Int64Counter(
		"fieldsync_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		probesTotal:             probesTotal,
		probeDuration:           probeDuration,
		reachabilityTransitions: reachabilityTransitions,
		mutationsEnqueuedTotal:  mutationsEnqueuedTotal,
		mutationsAppliedTotal:   mutationsAppliedTotal,
		mutationsPoisonedTotal:  mutationsPoisonedTotal,
		flushesTotal:            flushesTotal,
		flushDuration:           flushDuration,
		outboxPending:           outboxPending,
		entryLookupsTotal:       entryLookupsTotal,
		entryWriteSize:          entryWriteSize,
		upstreamFetchDuration:   upstreamFetchDuration,
		upstreamFetchTotal:      upstreamFetchTotal,
		upstreamFetchBytesTotal: upstreamFetchBytesTotal,
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

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Cache result and endpoint are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	cacheResult := string(CacheBypass)
	if tags != nil && tags.CacheResult != "" {
		cacheResult = string(tags.CacheResult)
	}

	attrs := []attribute.KeyValue{
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordProbe records one reachability probe attempt.
// outcome is "success", "failure" or "canceled".
func RecordProbe(ctx context.Context, duration time.Duration, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.probesTotal.Add(ctx, 1, attrs)
	globalMetrics.probeDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordReachabilityTransition records one online/offline edge.
func RecordReachabilityTransition(ctx context.Context, online bool) {
	if globalMetrics == nil {
		return
	}
	to := "offline"
	if online {
		to = "online"
	}
	globalMetrics.reachabilityTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("to", to)))
}

// RecordMutationEnqueued records a mutation appended to the outbox.
func RecordMutationEnqueued(ctx context.Context, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.mutationsEnqueuedTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFlush records one flush pass.
// outcome is "clean", "halted" or "error".
func RecordFlush(ctx context.Context, applied, poisoned, remaining int, duration time.Duration, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.flushesTotal.Add(ctx, 1, attrs)
	globalMetrics.flushDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.mutationsAppliedTotal.Add(ctx, int64(applied))
	globalMetrics.mutationsPoisonedTotal.Add(ctx, int64(poisoned))
	globalMetrics.outboxPending.Record(ctx, int64(remaining))
}

// RecordEntryLookup records a cache entry lookup result.
// result is "hit", "miss" or "corrupted".
func RecordEntryLookup(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.entryLookupsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)))
}

// RecordEntryWrite records a value written to the entry cache.
func RecordEntryWrite(ctx context.Context, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.entryWriteSize.Record(ctx, float64(size))
}

// RecordUpstreamFetch records an upstream fetch request.
// target is "backend" or "shell".
func RecordUpstreamFetch(ctx context.Context, target string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("target", target),
		attribute.String("outcome", outcome),
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
