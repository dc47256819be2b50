package obs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name every instrument below is
// registered under.
const meterName = "github.com/orneryd/nornicmem"

// Metrics holds the daemon's otel/metric instruments: request/error/cache
// counters and a request-latency histogram, per SPEC_FULL §9's
// "counters for requests/errors/cache hits, histograms for latency".
// Built against the global MeterProvider, which defaults to a no-op unless
// a caller installs a real one (otel.SetMeterProvider) — no exporter is
// wired here.
type Metrics struct {
	requests  metric.Int64Counter
	errors    metric.Int64Counter
	cacheHits metric.Int64Counter
	latency   metric.Float64Histogram
}

// NewMetrics registers the daemon's instruments against the current global
// MeterProvider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	requests, err := meter.Int64Counter("nornicmem.requests.total",
		metric.WithDescription("Total IPC requests dispatched, by service and method."))
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter("nornicmem.errors.total",
		metric.WithDescription("Total IPC requests that returned an error, by service, method, and JSON-RPC error code."))
	if err != nil {
		return nil, err
	}
	cacheHits, err := meter.Int64Counter("nornicmem.cache.hits.total",
		metric.WithDescription("Total cache lookups, partitioned by hit/miss."))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("nornicmem.request.duration",
		metric.WithDescription("IPC request handling latency."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{requests: requests, errors: errs, cacheHits: cacheHits, latency: latency}, nil
}

// RecordRequest records one dispatched IPC request: a requests.total
// increment, an errors.total increment carrying errCode when errCode != 0,
// and a latency observation, all tagged with service/method.
func (m *Metrics) RecordRequest(ctx context.Context, service, method string, duration time.Duration, errCode int) {
	attrs := attribute.NewSet(attribute.String("service", service), attribute.String("method", method))
	m.requests.Add(ctx, 1, metric.WithAttributeSet(attrs))
	m.latency.Record(ctx, duration.Seconds(), metric.WithAttributeSet(attrs))
	if errCode != 0 {
		m.errors.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
			attribute.String("service", service),
			attribute.String("method", method),
			attribute.Int("code", errCode),
		)))
	}
}

// RecordCacheLookup records one cache lookup, tagged by hit/miss and the
// cache name (e.g. "leann_hub_cache", "fulltext_index").
func (m *Metrics) RecordCacheLookup(ctx context.Context, cacheName string, hit bool) {
	m.cacheHits.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String("cache", cacheName),
		attribute.Bool("hit", hit),
	)))
}
