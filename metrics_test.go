package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccuracy(t *testing.T) {
	assert.Equal(t, 0.0, Accuracy(nil, nil))
	assert.Equal(t, 0.75, Accuracy([]int{1, 0, 1, 0}, []int{1, 0, 0, 0}))
}

func TestPrecisionRecallF1(t *testing.T) {
	y := []int{1, 1, 1, 0, 0}
	pred := []int{1, 1, 0, 1, 0}
	p, r, f1 := PrecisionRecallF1(y, pred)
	assert.InDelta(t, 2.0/3, p, 1e-12)
	assert.InDelta(t, 2.0/3, r, 1e-12)
	assert.InDelta(t, 2.0/3, f1, 1e-12)

	// Nothing predicted as member: undefined ratios are zero.
	p, r, f1 = PrecisionRecallF1([]int{1, 0}, []int{0, 0})
	assert.Zero(t, p)
	assert.Zero(t, r)
	assert.Zero(t, f1)
}

func TestClassificationReport(t *testing.T) {
	report := ClassificationReport([]int{1, 1, 0, 0}, []int{1, 0, 0, 0})
	assert.Contains(t, report, "precision")
	assert.Contains(t, report, "non-member")
	assert.Contains(t, report, "      member       1.00       0.50       0.67          2")
	assert.Contains(t, report, "accuracy")
	assert.Contains(t, report, "0.75          4")
}

func TestROCAUC(t *testing.T) {
	auc, err := ROCAUC([]int{0, 0, 1, 1}, []float64{0.1, 0.4, 0.35, 0.8})
	require.NoError(t, err)
	assert.Equal(t, 0.75, auc)

	// Every score tied: chance level.
	auc, err = ROCAUC([]int{0, 1, 0, 1}, []float64{1, 1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, 0.5, auc)

	// One tie between a member and a non-member counts half.
	auc, err = ROCAUC([]int{0, 1, 1}, []float64{0.5, 0.5, 0.9})
	require.NoError(t, err)
	assert.Equal(t, 0.75, auc)

	auc, err = ROCAUC([]int{1, 0}, []float64{0, 1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, auc)

	_, err = ROCAUC([]int{1, 1}, []float64{0, 1})
	assert.ErrorIs(t, err, ErrSingleClass)
	_, err = ROCAUC([]int{1, 0}, []float64{0})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestROCCurve(t *testing.T) {
	roc, err := ROCCurve([]int{0, 0, 1, 1}, []float64{0.1, 0.4, 0.35, 0.8})
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 0, 0.5, 0.5, 1}, roc.FPR)
	assert.Equal(t, []float64{0, 0.5, 0.5, 1, 1}, roc.TPR)
	assert.InDeltaSlice(t, []float64{1.8, 0.8, 0.4, 0.35, 0.1}, roc.Thresholds, 1e-12)

	// Tied scores collapse into one point.
	roc, err = ROCCurve([]int{0, 1, 1}, []float64{0.5, 0.5, 0.9})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 1}, roc.FPR)
	assert.Equal(t, []float64{0, 0.5, 1}, roc.TPR)

	_, err = ROCCurve([]int{0, 0}, []float64{1, 2})
	assert.ErrorIs(t, err, ErrSingleClass)
}
