package datastorex

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/gostratum/datastorex"

// Instrumenter wraps storage operations with metrics and tracing.
// A nil registerer disables metrics; a nil tracer provider disables spans.
type Instrumenter struct {
	tracer trace.Tracer

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	bytes      *prometheus.HistogramVec
	parts      prometheus.Counter
	pageCache  *prometheus.CounterVec
	sessions   prometheus.Gauge
}

// NewInstrumenter creates a new instrumenter with optional metrics and tracing
func NewInstrumenter(reg prometheus.Registerer, tp trace.TracerProvider) *Instrumenter {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	i := &Instrumenter{tracer: tp.Tracer(instrumentationName)}
	if reg == nil {
		return i
	}

	i.operations = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datastore_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "status"}))

	i.duration = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datastore_operation_duration_seconds",
		Help:    "Storage operation duration in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"operation"}))

	i.bytes = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datastore_operation_bytes",
		Help:    "Storage operation data size in bytes",
		Buckets: []float64{1024, 10240, 102400, 1024000, 10240000, 104857600, 1073741824}, // 1KB to 1GB
	}, []string{"operation"}))

	i.parts = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "datastore_multipart_parts_total",
		Help: "Total number of multipart upload parts",
	}))

	i.pageCache = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datastore_pagecache_events_total",
		Help: "Paged reader cache hits, misses and evictions",
	}, []string{"event"}))

	i.sessions = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datastore_chunked_sessions",
		Help: "Number of open chunked upload sessions",
	}))

	return i
}

// register adds c to reg, reusing an identical collector that is already registered
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// TraceOperation wraps an operation with tracing and metrics
func (i *Instrumenter) TraceOperation(ctx context.Context, operation, path string, fn func(ctx context.Context) error) error {
	if i == nil {
		return fn(ctx)
	}

	ctx, span := i.tracer.Start(ctx, "datastore."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("datastore.operation", operation),
			attribute.String("datastore.path", path),
		),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start).Seconds()

	if i.operations != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		i.operations.WithLabelValues(operation, status).Inc()
		i.duration.WithLabelValues(operation).Observe(elapsed)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

// RecordOperationSize records the size of data transferred
func (i *Instrumenter) RecordOperationSize(operation string, size int64) {
	if i == nil || i.bytes == nil {
		return
	}
	i.bytes.WithLabelValues(operation).Observe(float64(size))
}

// RecordMultipartParts records uploaded parts
func (i *Instrumenter) RecordMultipartParts(count int) {
	if i == nil || i.parts == nil || count <= 0 {
		return
	}
	i.parts.Add(float64(count))
}

// RecordPageCacheEvent records a paged reader event ("hit", "miss", "eviction")
func (i *Instrumenter) RecordPageCacheEvent(event string) {
	if i == nil || i.pageCache == nil {
		return
	}
	i.pageCache.WithLabelValues(event).Inc()
}

// SessionOpened increments the open chunked session gauge
func (i *Instrumenter) SessionOpened() {
	if i == nil || i.sessions == nil {
		return
	}
	i.sessions.Inc()
}

// SessionClosed decrements the open chunked session gauge
func (i *Instrumenter) SessionClosed() {
	if i == nil || i.sessions == nil {
		return
	}
	i.sessions.Dec()
}

// AddSpanAttribute adds an attribute to the span carried by ctx, if any
func (i *Instrumenter) AddSpanAttribute(ctx context.Context, key string, value string) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attribute.String(key, value))
	}
}
