package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry bundles the run's metrics registry and tracer.
//
// Metrics go to a private registry that is written once, as a node
// exporter textfile, when the run closes. Spans are exported as JSON lines
// to a file, or dropped when no trace file is configured.
type Telemetry struct {
	Registry *prometheus.Registry

	trainLoss     *prometheus.GaugeVec
	perplexity    *prometheus.GaugeVec
	attackAcc     *prometheus.GaugeVec
	attackAUC     *prometheus.GaugeVec
	modelsTrained prometheus.Counter

	metricsFile string
	observed    atomic.Bool
	tracer      trace.Tracer
	provider    *sdktrace.TracerProvider
	traceOut    *os.File
}

// NewTelemetry registers the metrics and sets up tracing for runID.
func NewTelemetry(out OutputConfig, runID string) (*Telemetry, error) {
	t := &Telemetry{
		Registry:    prometheus.NewRegistry(),
		metricsFile: out.MetricsFile,
		trainLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nmtaudit_train_loss",
			Help: "Per-sentence training loss after the latest epoch.",
		}, []string{"model"}),
		perplexity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nmtaudit_train_perplexity",
			Help: "Perplexity after the latest epoch.",
		}, []string{"model", "split"}),
		attackAcc: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nmtaudit_attack_accuracy",
			Help: "Membership inference accuracy.",
		}, []string{"attack"}),
		attackAUC: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nmtaudit_attack_auc",
			Help: "Membership inference ROC AUC.",
		}, []string{"attack"}),
		modelsTrained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nmtaudit_models_trained_total",
			Help: "Target and shadow models trained.",
		}),
	}
	t.Registry.MustRegister(t.trainLoss, t.perplexity, t.attackAcc, t.attackAUC, t.modelsTrained)

	if out.TraceFile == "" {
		t.tracer = noop.NewTracerProvider().Tracer("nmtaudit")
		return t, nil
	}

	f, err := os.Create(out.TraceFile)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", "nmtaudit"),
		attribute.String("nmtaudit.run_id", runID),
	)
	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	t.tracer = t.provider.Tracer("nmtaudit")
	t.traceOut = f
	return t, nil
}

// StartSpan starts a span for one pipeline phase.
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// ObserveEpoch records an epoch's loss and perplexities.
func (t *Telemetry) ObserveEpoch(s EpochStats) {
	t.trainLoss.WithLabelValues(s.Model).Set(s.TrainLoss)
	t.perplexity.WithLabelValues(s.Model, "train").Set(s.TrainPerplexity)
	t.perplexity.WithLabelValues(s.Model, "dev").Set(s.DevPerplexity)
	t.observed.Store(true)
}

// ModelTrained counts a finished model.
func (t *Telemetry) ModelTrained() {
	t.modelsTrained.Inc()
	t.observed.Store(true)
}

// ObserveResult records an attack result.
func (t *Telemetry) ObserveResult(r Result) {
	t.attackAcc.WithLabelValues(r.Name).Set(r.Accuracy)
	t.attackAUC.WithLabelValues(r.Name).Set(r.AUC)
	t.observed.Store(true)
}

// Close writes the metrics textfile, if anything was observed, and
// flushes spans.
func (t *Telemetry) Close(ctx context.Context) error {
	var errs []error
	if t.metricsFile != "" && t.observed.Load() {
		if err := prometheus.WriteToTextfile(t.metricsFile, t.Registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	if t.provider != nil {
		if err := t.provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if t.traceOut != nil {
		if err := t.traceOut.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
