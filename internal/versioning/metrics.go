package versioning

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/models"
)

var (
	// commitOutcomes counts single-entity commits by class and result
	// (a modification type, "no_modification" or an error kind).
	commitOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracevault_commit_outcomes_total",
		Help: "Single-entity commit outcomes by entity class and result",
	}, []string{"class", "result"})

	// batchDuration tracks batch commit latency
	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tracevault_batch_commit_duration_seconds",
		Help:    "Batch commit duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
	}, []string{"class", "mode"})

	// deltaTotal counts delta computations
	deltaTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracevault_delta_total",
		Help: "Delta computations by entity class",
	}, []string{"class"})
)

var (
	tracer     trace.Tracer
	tracerOnce sync.Once
)

func getTracer() trace.Tracer {
	tracerOnce.Do(func() {
		tracer = otel.Tracer("tracevault.versioning")
	})
	return tracer
}

func startSpan(ctx context.Context, name string, class models.EntityClass, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("entity.class", string(class)))
	return getTracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func recordOutcome(class models.EntityClass, result string) {
	commitOutcomes.WithLabelValues(string(class), result).Inc()
}
