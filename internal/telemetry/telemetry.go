package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds all telemetry instruments and providers. A nil *Telemetry
// is valid and records nothing.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business Metrics
	transfersTotal        metric.Int64Counter
	transfersActive       metric.Int64UpDownCounter
	transferDuration      metric.Float64Histogram
	transferOutcomes      metric.Int64Counter
	transferRetries       metric.Int64Counter
	backupUpdates         metric.Int64Counter
	downloadedBytes       metric.Int64Counter
	prefetchFetches       metric.Int64Counter
	prefetchFetchDuration metric.Float64Histogram
	dbOperationsTotal     metric.Int64Counter
	dbOperationDuration   metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint, when set, additionally pushes metrics over OTLP/gRPC.
	OTLPEndpoint string
	OTLPInsecure bool
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName)}, nil
	}

	// Create Prometheus exporter
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	}

	if cfg.OTLPEndpoint != "" {
		otlpOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			otlpOpts = append(otlpOpts, otlpmetricgrpc.WithInsecure())
		}

		otlpExporter, err := otlpmetricgrpc.New(ctx, otlpOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)

	// Set global meter provider
	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         meterProvider.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	// Initialize all metrics
	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	// Go runtime metrics: memory, goroutines, GC.
	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return noop.NewTracerProvider().Tracer("")
	}

	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordTransfer records transfer metrics.
func (t *Telemetry) RecordTransfer(operation, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.transfersTotal != nil {
		t.transfersTotal.Add(context.Background(), 1, attrs)
	}

	if t.transferDuration != nil {
		t.transferDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// RecordOutcome counts finished transfers by outcome and type.
func (t *Telemetry) RecordOutcome(transferType, outcome string) {
	if t != nil && t.transferOutcomes != nil {
		t.transferOutcomes.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("type", transferType),
				attribute.String("outcome", outcome),
			),
		)
	}
}

// IncrementActiveTransfers increments active transfers counter.
func (t *Telemetry) IncrementActiveTransfers() {
	if t != nil && t.transfersActive != nil {
		t.transfersActive.Add(context.Background(), 1)
	}
}

// DecrementActiveTransfers decrements active transfers counter.
func (t *Telemetry) DecrementActiveTransfers() {
	if t != nil && t.transfersActive != nil {
		t.transfersActive.Add(context.Background(), -1)
	}
}

// RecordRetry counts a network failure a transfer recovers from.
func (t *Telemetry) RecordRetry() {
	if t != nil && t.transferRetries != nil {
		t.transferRetries.Add(context.Background(), 1)
	}
}

// RecordBackupUpdate counts in place backup rewrites.
func (t *Telemetry) RecordBackupUpdate() {
	if t != nil && t.backupUpdates != nil {
		t.backupUpdates.Add(context.Background(), 1)
	}
}

// RecordDownloadedBytes counts bytes written into partial files.
func (t *Telemetry) RecordDownloadedBytes(n int64, encrypted bool) {
	if t != nil && t.downloadedBytes != nil {
		t.downloadedBytes.Add(context.Background(), n,
			metric.WithAttributes(attribute.Bool("encrypted", encrypted)),
		)
	}
}

// RecordPrefetchFetch records a fetch of the media prefetch worker.
func (t *Telemetry) RecordPrefetchFetch(status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	if t.prefetchFetches != nil {
		t.prefetchFetches.Add(context.Background(), 1, attrs)
	}

	if t.prefetchFetchDuration != nil {
		t.prefetchFetchDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.dbOperationsTotal != nil {
		t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	}

	if t.dbOperationDuration != nil {
		t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	// The exporter registers with the default Prometheus registry.
	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return t.meterProvider.Shutdown(ctx)
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	counters := []struct {
		dst              *metric.Int64Counter
		name, desc, unit string
	}{
		{&t.httpRequestsTotal, "http_requests_total", "Total number of HTTP requests", "1"},
		{&t.transfersTotal, "transfers_total", "Total number of transfers", "1"},
		{&t.transferOutcomes, "transfer_outcomes_total", "Finished transfers by outcome", "1"},
		{&t.transferRetries, "transfer_retries_total", "Network failures recovered by retrying", "1"},
		{&t.backupUpdates, "transfer_backup_updates_total", "In place updates of transfer backups", "1"},
		{&t.downloadedBytes, "downloaded_bytes_total", "Bytes written into partial files", "bytes"},
		{&t.prefetchFetches, "prefetch_fetches_total", "Fetches of the media prefetch worker", "1"},
		{&t.dbOperationsTotal, "db_operations_total", "Total number of database operations", "1"},
		{&t.systemErrors, "system_errors_total", "Total number of system errors", "1"},
	}

	for _, c := range counters {
		counter, err := t.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}

		*c.dst = counter
	}

	gauges := []struct {
		dst        *metric.Int64UpDownCounter
		name, desc string
	}{
		{&t.httpRequestsInFlight, "http_requests_in_flight", "Number of HTTP requests currently being processed"},
		{&t.transfersActive, "transfers_active", "Number of active transfers"},
	}

	for _, g := range gauges {
		gauge, err := t.meter.Int64UpDownCounter(g.name, metric.WithDescription(g.desc), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", g.name, err)
		}

		*g.dst = gauge
	}

	histograms := []struct {
		dst        *metric.Float64Histogram
		name, desc string
	}{
		{&t.httpRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds"},
		{&t.transferDuration, "transfer_duration_seconds", "Transfer duration in seconds"},
		{&t.prefetchFetchDuration, "prefetch_fetch_duration_seconds", "Duration of media prefetch fetches"},
		{&t.dbOperationDuration, "db_operation_duration_seconds", "Database operation duration in seconds"},
	}

	for _, h := range histograms {
		histogram, err := t.meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}

		*h.dst = histogram
	}

	return nil
}
