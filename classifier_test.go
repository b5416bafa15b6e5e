package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// separableData returns two Gaussian blobs around (+2, +2) (members) and
// (-2, -2) (non-members).
func separableData(n int, seed int64) ([][]float64, []int) {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, 0, 2*n)
	y := make([]int, 0, 2*n)
	for i := 0; i < n; i++ {
		X = append(X, []float64{2 + 0.5*rng.NormFloat64(), 2 + 0.5*rng.NormFloat64()})
		y = append(y, 1)
		X = append(X, []float64{-2 + 0.5*rng.NormFloat64(), -2 + 0.5*rng.NormFloat64()})
		y = append(y, 0)
	}
	return X, y
}

func TestClassifiersSeparateBlobs(t *testing.T) {
	X, y := separableData(30, 1)
	testX, testY := separableData(20, 2)

	for _, name := range []string{"svm", "lr"} {
		t.Run(name, func(t *testing.T) {
			clf, err := NewClassifier(name)
			require.NoError(t, err)
			require.NoError(t, clf.Fit(X, y))

			assert.Equal(t, 1.0, Accuracy(testY, Predictions(clf, testX)))
			auc, err := ROCAUC(testY, DecisionScores(clf, testX))
			require.NoError(t, err)
			assert.Equal(t, 1.0, auc)
		})
	}
}

func TestLogisticRegressionProbability(t *testing.T) {
	X, y := separableData(30, 3)
	m := NewLogisticRegression()
	require.NoError(t, m.Fit(X, y))

	assert.Greater(t, m.Probability([]float64{3, 3}), 0.9)
	assert.Less(t, m.Probability([]float64{-3, -3}), 0.1)
}

func TestLinearSVMIsDeterministic(t *testing.T) {
	X, y := separableData(15, 4)
	a, b := NewLinearSVM(), NewLinearSVM()
	require.NoError(t, a.Fit(X, y))
	require.NoError(t, b.Fit(X, y))
	assert.Equal(t, a.Weights, b.Weights)
	assert.Equal(t, a.Bias, b.Bias)
}

func TestThresholdClassifier(t *testing.T) {
	t.Run("members below", func(t *testing.T) {
		X := [][]float64{{1}, {2}, {3}, {10}, {11}, {12}}
		y := []int{1, 1, 1, 0, 0, 0}
		var m ThresholdClassifier
		require.NoError(t, m.Fit(X, y))
		assert.True(t, m.Below)
		assert.Equal(t, 6.5, m.Threshold)
		assert.Equal(t, y, Predictions(&m, X))
		assert.Greater(t, m.Decision([]float64{0}), m.Decision([]float64{5}))
	})

	t.Run("members above", func(t *testing.T) {
		X := [][]float64{{1}, {2}, {10}, {11}}
		y := []int{0, 0, 1, 1}
		var m ThresholdClassifier
		require.NoError(t, m.Fit(X, y))
		assert.False(t, m.Below)
		assert.Equal(t, y, Predictions(&m, X))
	})

	t.Run("ties are not split", func(t *testing.T) {
		X := [][]float64{{1}, {1}, {1}, {5}}
		y := []int{1, 0, 1, 0}
		var m ThresholdClassifier
		require.NoError(t, m.Fit(X, y))
		assert.Equal(t, 3.0, m.Threshold)
		assert.Equal(t, 0.75, Accuracy(y, Predictions(&m, X)))
	})
}

func TestMajorityVote(t *testing.T) {
	X, y := separableData(20, 5)

	empty := &MajorityVote{}
	assert.ErrorIs(t, empty.Fit(X, y), ErrInvalidConfig)
	assert.Equal(t, 0.0, empty.Decision(X[0]))

	vote := &MajorityVote{Voters: []Classifier{NewLinearSVM(), NewLogisticRegression(), &ThresholdClassifier{}}}
	require.NoError(t, vote.Fit(X, y))
	assert.Equal(t, 1.0, vote.Decision([]float64{3, 3}))
	assert.Equal(t, 1, vote.Predict([]float64{3, 3}))
	assert.Equal(t, 0, vote.Predict([]float64{-3, -3}))
}

func TestClassifierInputValidation(t *testing.T) {
	_, err := NewClassifier("random_forest")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	for _, name := range []string{"svm", "lr", "threshold"} {
		clf, err := NewClassifier(name)
		require.NoError(t, err)

		assert.ErrorIs(t, clf.Fit([][]float64{{1}, {2}}, []int{1, 1}), ErrSingleClass, name)
		assert.ErrorIs(t, clf.Fit([][]float64{{1}, {2}}, []int{1, 2}), ErrInvalidLabel, name)
		assert.ErrorIs(t, clf.Fit([][]float64{{1}, {2}}, []int{1}), ErrShapeMismatch, name)
		assert.ErrorIs(t, clf.Fit(nil, nil), ErrEmptyDataset, name)
	}
}
