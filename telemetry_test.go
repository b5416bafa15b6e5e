package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestTelemetryWritesMetricsAndTraces(t *testing.T) {
	dir := t.TempDir()
	out := OutputConfig{
		MetricsFile: filepath.Join(dir, "audit.prom"),
		TraceFile:   filepath.Join(dir, "trace.jsonl"),
	}
	tel, err := NewTelemetry(out, "run-123")
	require.NoError(t, err)

	_, span := tel.StartSpan(context.Background(), "attack", attribute.String("attack", AttackAverageRank))
	tel.ObserveEpoch(EpochStats{Model: "target", TrainLoss: 2.5, TrainPerplexity: 12, DevPerplexity: 20})
	tel.ModelTrained()
	tel.ObserveResult(Result{Name: AttackAverageRank, Accuracy: 0.7, AUC: 0.8})
	span.End()

	assert.Equal(t, 1.0, testutil.ToFloat64(tel.modelsTrained))
	assert.Equal(t, 0.8, testutil.ToFloat64(tel.attackAUC.WithLabelValues(AttackAverageRank)))
	assert.Equal(t, 20.0, testutil.ToFloat64(tel.perplexity.WithLabelValues("target", "dev")))

	require.NoError(t, tel.Close(context.Background()))

	metrics, err := os.ReadFile(out.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `nmtaudit_attack_auc{attack="avg_rank"} 0.8`)
	assert.Contains(t, string(metrics), `nmtaudit_train_loss{model="target"} 2.5`)

	trace, err := os.ReadFile(out.TraceFile)
	require.NoError(t, err)
	assert.Contains(t, string(trace), `"Name":"attack"`)
	assert.Contains(t, string(trace), "run-123")
}

func TestTelemetrySkipsMetricsFileWhenIdle(t *testing.T) {
	out := OutputConfig{MetricsFile: filepath.Join(t.TempDir(), "audit.prom")}
	tel, err := NewTelemetry(out, "idle")
	require.NoError(t, err)

	_, span := tel.StartSpan(context.Background(), "noop")
	span.End()
	require.NoError(t, tel.Close(context.Background()))

	_, err = os.Stat(out.MetricsFile)
	assert.True(t, os.IsNotExist(err))
}

func TestTelemetryBadTracePath(t *testing.T) {
	_, err := NewTelemetry(OutputConfig{TraceFile: filepath.Join(t.TempDir(), "missing", "trace.jsonl")}, "x")
	assert.ErrorContains(t, err, "create trace file")
}
