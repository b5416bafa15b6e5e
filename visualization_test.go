package main

import (
	"bytes"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResults() []Result {
	return []Result{
		{
			Name: AttackAverageRank, Accuracy: 0.6, AUC: 0.5,
			ROC: ROC{FPR: []float64{0, 0.5, 1}, TPR: []float64{0, 0.5, 1}, Thresholds: []float64{3, 2, 1}},
		},
		{
			Name: AttackShadowRank, Accuracy: 0.9, AUC: 1,
			ROC: ROC{FPR: []float64{0, 0, 1}, TPR: []float64{0, 1, 1}, Thresholds: []float64{2, 1, 0}},
		},
	}
}

func TestTrainingMetrics(t *testing.T) {
	m := NewTrainingMetrics()
	m.Record(EpochStats{Model: "shadow_0", Epoch: 0, TrainPerplexity: 30, DevPerplexity: 40})
	m.Record(EpochStats{Model: "target", Epoch: 0, TrainPerplexity: 20, DevPerplexity: 25})
	m.Record(EpochStats{Model: "target", Epoch: 1, TrainPerplexity: 10, DevPerplexity: math.Inf(1)})

	assert.Equal(t, []string{"shadow_0", "target"}, m.Models())
	c, ok := m.Curve("target")
	require.True(t, ok)
	assert.Equal(t, []int{0, 1}, c.Epochs)
	assert.Equal(t, []float64{20, 10}, c.TrainPerplexity)

	_, ok = m.Curve("shadow_9")
	assert.False(t, ok)
}

func TestSaveHTML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.html")

	err := NewTrainingMetrics().SaveHTML(path, nil)
	assert.ErrorContains(t, err, "no metrics to save")

	m := NewTrainingMetrics()
	m.Record(EpochStats{Model: "target", Epoch: 0, TrainPerplexity: 20, DevPerplexity: math.NaN()})
	results := sampleResults()
	results[0].Name = "<avg>"
	require.NoError(t, m.SaveHTML(path, results))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	page := string(data)
	assert.Contains(t, page, "<title>Membership Inference Audit</title>")
	assert.Contains(t, page, "<td>&lt;avg&gt;</td><td>0.600</td>")
	assert.Contains(t, page, `canvas id="model0"`)
	assert.Contains(t, page, "dev:[null]")
	assert.Contains(t, page, "x:[0,0.5,1]")

	// Results alone are enough.
	require.NoError(t, NewTrainingMetrics().SaveHTML(path, sampleResults()))
}

func TestFormatJSArrays(t *testing.T) {
	assert.Equal(t, "[]", formatJSArray(nil))
	assert.Equal(t, "[1,2,3]", formatJSArray([]int{1, 2, 3}))
	assert.Equal(t, "[]", formatJSArrayFloat(nil))
	assert.Equal(t, "[0.5,null,null]", formatJSArrayFloat([]float64{0.5, math.NaN(), math.Inf(-1)}))
}

func TestWriteROCCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteROCCSV(&buf, sampleResults()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 7)
	assert.Equal(t, []string{"attack", "fpr", "tpr", "threshold"}, records[0])
	assert.Equal(t, []string{"avg_rank", "0.500000", "0.500000", "2.000000"}, records[2])
	assert.Equal(t, "shadow_hist", records[6][0])
}

func TestWriteROCGnuplot(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultVisualizationConfig()
	require.NoError(t, WriteROCGnuplot(&buf, sampleResults(), cfg))

	script := buf.String()
	assert.Contains(t, script, "set terminal pngcairo size 600,600")
	assert.Contains(t, script, "$roc0 << EOD\n0.000000 0.000000\n")
	assert.Contains(t, script, "$roc1 using 1:2 with lines lw 2 title 'shadow_hist (AUC 1.000)'")
	assert.Equal(t, 2, strings.Count(script, "EOD\n\n"))
}

func TestASCIIROC(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ASCIIROC(&buf, sampleResults()[1], 20, 10))

	out := buf.String()
	assert.Contains(t, out, "=== ROC: shadow_hist (AUC 1.000, accuracy 0.900) ===")
	lines := strings.Split(out, "\n")
	// Header, 10 grid rows, axis, labels.
	require.GreaterOrEqual(t, len(lines), 13)
	assert.True(t, strings.HasPrefix(lines[1], "1.0 │*"), "perfect curve reaches the top-left corner")
	assert.Equal(t, "0.0 │*", lines[10][:len("0.0 │*")])

	assert.Error(t, ASCIIROC(&buf, sampleResults()[0], 1, 10))
}

func TestASCIIAUCChart(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ASCIIAUCChart(&buf, sampleResults()))

	out := buf.String()
	assert.Contains(t, out, "avg_rank        │"+strings.Repeat("█", 25)+" 0.500")
	assert.Contains(t, out, "shadow_hist     │"+strings.Repeat("█", 50)+" 1.000")
	assert.Contains(t, out, strings.Repeat("░", 25)+" 0.500 (chance)")
}

func TestGenerateVisualization(t *testing.T) {
	for _, format := range []string{"ascii", "csv", "gnuplot"} {
		var buf bytes.Buffer
		cfg := DefaultVisualizationConfig()
		cfg.Format = format
		require.NoError(t, GenerateVisualization(&buf, sampleResults(), cfg), format)
		assert.NotEmpty(t, buf.String(), format)
	}

	cfg := DefaultVisualizationConfig()
	cfg.Format = "svg"
	assert.ErrorContains(t, GenerateVisualization(&bytes.Buffer{}, sampleResults(), cfg), "unknown format")
}

func TestPCA(t *testing.T) {
	// Points on a line through 3D space have no second component.
	data := []float64{}
	for i := 0; i < 6; i++ {
		v := float64(i)
		data = append(data, v, 2*v, -v)
	}
	proj, err := PCA(NewTensorFrom(data, 6, 3), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 2}, proj.Shape())

	for i := 0; i < 6; i++ {
		assert.InDelta(t, 0, proj.At(i, 1), 1e-6)
	}
	// Spacing along the line is preserved: |Δ| = sqrt(6) per step.
	assert.InDelta(t, math.Sqrt(6), math.Abs(proj.At(1, 0)-proj.At(0, 0)), 1e-6)

	_, err = PCA(NewTensor(4), nil)
	assert.Error(t, err)
	_, err = PCA(NewTensor(1, 3), nil)
	assert.Error(t, err)
}

func TestProjectFeaturesAndCSV(t *testing.T) {
	rows := [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 1, 0}}
	users := []string{"a", "b", "c", "d"}
	labels := []int{1, 0, 1, 0}

	points, err := ProjectFeatures(rows, users, labels)
	require.NoError(t, err)
	require.Len(t, points, 4)
	assert.Equal(t, "c", points[2].User)
	assert.Equal(t, 1, points[2].Member)

	_, err = ProjectFeatures(rows, users[:3], labels)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	_, err = ProjectFeatures(nil, nil, nil)
	assert.ErrorIs(t, err, ErrEmptyDataset)

	path := filepath.Join(t.TempDir(), "projection.csv")
	require.NoError(t, SaveProjectionCSV(path, points))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, []string{"user", "member", "x", "y"}, records[0])
	assert.Equal(t, []string{"a", "1"}, records[1][:2])
}
