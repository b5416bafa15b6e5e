package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogramFeatures(t *testing.T) {
	t.Run("absolute", func(t *testing.T) {
		// Range [0, 10) with 5 bins of width 2; 10 is the upper edge.
		h := HistogramFeatures([]int{0, 1, 2, 9, 10, 11, -1}, 5, 10, 10, false)
		assert.Equal(t, []float64{2, 1, 0, 0, 2}, h)
	})

	t.Run("clipped top words get their own bin", func(t *testing.T) {
		h := HistogramFeatures([]int{0, 4, 4}, 4, 4, 100, false)
		require.Len(t, h, 5)
		assert.Equal(t, 1.0, h[0])
		assert.Equal(t, 2.0, h[4])
	})

	t.Run("relative", func(t *testing.T) {
		h := HistogramFeatures([]int{-14, -10, -1, 0, 9}, 4, 10, 10, true)
		// Range [-14, 10) covers the reserved ids, width 6.
		assert.Equal(t, []float64{2, 0, 2, 1}, h)
	})

	t.Run("relative keeps the rarest words", func(t *testing.T) {
		// Rank 0 of the last word id: 0 - (numWords+numReserved-1).
		values := []int{0 - 5000, 0 - 5001, 0 - 5002, 0 - 5003}
		h := HistogramFeatures(values, 10, 100, 5000, true)
		total := 0.0
		for _, v := range h {
			total += v
		}
		assert.Equal(t, float64(len(values)), total)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, []float64{0, 0, 0}, HistogramFeatures(nil, 3, 9, 9, false))
	})
}

func TestAverageRank(t *testing.T) {
	assert.Equal(t, 0.0, AverageRank(UserRanks{}))
	assert.Equal(t, 2.0, AverageRank(UserRanks{Ranks: [][]int{{1, 3}, {2}}}))
}

func TestSampleWithRatio(t *testing.T) {
	a := []int{1, 2, 3, 4, 5, 6}
	b := []int{10, 20}

	assert.Equal(t, a, SampleWithRatio(a, b, 0))
	assert.Equal(t, b, SampleWithRatio(a, b, 1))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 10, 20}, SampleWithRatio(a, b, 0.25))

	// More held-out than available: training side is truncated.
	assert.Equal(t, []int{1, 2, 10, 20}, SampleWithRatio(a, b, 0.5))

	// Less held-out than available: held-out side is truncated.
	got := SampleWithRatio([]int{1, 2, 3}, []int{10, 20, 30, 40}, 0.25)
	assert.Equal(t, []int{1, 2, 3, 10}, got)

	assert.Empty(t, SampleWithRatio([]int{}, []int{}, 0.5))
}

func TestIndicesByLabels(t *testing.T) {
	labels := [][]int{{4, 5}, {40}, {4}, {20, 20}}
	assert.Equal(t, []int{1, 3, 0, 2}, IndicesByLabels(labels))

	// Stable for equal sums.
	assert.Equal(t, []int{0, 1}, IndicesByLabels([][]int{{3}, {1, 2}}))
}

func sampleUser(member bool, n int) UserRanks {
	u := UserRanks{User: "u", Member: member}
	for i := 0; i < n; i++ {
		u.Ranks = append(u.Ranks, []int{i, i + 1})
		u.Labels = append(u.Labels, []int{4 + i, 5})
		u.Probs = append(u.Probs, []float64{0.9, 0.05})
	}
	return u
}

func TestSelectSentences(t *testing.T) {
	u := sampleUser(false, 10)

	all := selectSentences(u, FeatureOptions{Prop: 1})
	assert.Len(t, all, 10)

	half := selectSentences(u, FeatureOptions{Prop: 0.5})
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, half)

	rare := selectSentences(u, FeatureOptions{Prop: 0.2, Rare: true})
	assert.Equal(t, []int{9, 8, 7}, rare)

	shuffled := selectSentences(u, FeatureOptions{Prop: 1, Shuffle: true, Rng: rand.New(rand.NewSource(1))})
	assert.ElementsMatch(t, all, shuffled)

	// Member mixing: 6 training sentences, 4 held out, half of the result held out.
	member := sampleUser(true, 10)
	mixed := selectSentences(member, FeatureOptions{Prop: 1, UserDataRatio: 0.6, HeldoutRatio: 0.5})
	assert.Equal(t, []int{0, 1, 2, 3, 6, 7, 8, 9}, mixed)

	// Non-members are not mixed.
	assert.Len(t, selectSentences(u, FeatureOptions{Prop: 1, UserDataRatio: 0.6, HeldoutRatio: 0.5}), 10)
}

func TestRanksToFeatures(t *testing.T) {
	users := []UserRanks{sampleUser(true, 3), sampleUser(false, 2)}
	opts := FeatureOptions{Bins: 4, TopWords: 4, NumWords: 4, Prop: 1}

	X := RanksToFeatures(users, opts)
	require.Len(t, X, 2)
	require.Len(t, X[0], 4)
	// Member ranks 0,1,1,2,2,3 with width 1.
	assert.Equal(t, []float64{1, 2, 2, 1}, X[0])

	rel := RanksToFeatures(users, FeatureOptions{Bins: 8, TopWords: 4, NumWords: 4, Prop: 1, Relative: true})
	total := 0.0
	for _, v := range rel[1] {
		total += v
	}
	assert.Equal(t, 4.0, total)

	assert.Equal(t, []int{1, 0}, MembershipLabels(users))
}

func TestRanksToFeaturesRelativeCountsEveryToken(t *testing.T) {
	vocab := 5000 + numReserved
	u := UserRanks{
		User:   "rare",
		Ranks:  [][]int{{0, 0, 0, 0}},
		Labels: [][]int{{vocab - 4, vocab - 3, vocab - 2, vocab - 1}},
		Probs:  [][]float64{{0.9, 0.9, 0.9, 0.9}},
	}
	rows := RanksToFeatures([]UserRanks{u}, FeatureOptions{Bins: 20, TopWords: 100, NumWords: 5000, Prop: 1, Relative: true})
	require.Len(t, rows, 1)
	mass := 0.0
	for _, v := range rows[0] {
		mass += v
	}
	assert.Equal(t, 4.0, mass)
}

func TestProbabilityFeatures(t *testing.T) {
	X := ProbabilityFeatures([]UserRanks{sampleUser(false, 2)}, FeatureOptions{Bins: 10, TopWords: 10, Prop: 1})
	require.Len(t, X[0], 10)
	assert.Equal(t, 2.0, X[0][9])
	assert.Equal(t, 2.0, X[0][0])
}

func TestRecordMeanRanks(t *testing.T) {
	u := UserRanks{Ranks: [][]int{{1, 3}, {}, {5}}}
	assert.Equal(t, []float64{2, 0, 5}, RecordMeanRanks(u))
}

func TestL2Normalize(t *testing.T) {
	X := L2Normalize([][]float64{{3, 4}, {0, 0}})
	assert.InDeltaSlice(t, []float64{0.6, 0.8}, X[0], 1e-12)
	assert.Equal(t, []float64{0, 0}, X[1])
}

func TestStandardScaler(t *testing.T) {
	var s StandardScaler
	_, err := s.Transform([][]float64{{1}})
	assert.ErrorIs(t, err, ErrNotFitted)

	assert.ErrorIs(t, s.Fit(nil), ErrEmptyDataset)
	assert.ErrorIs(t, s.Fit([][]float64{{1, 2}, {3}}), ErrShapeMismatch)

	require.NoError(t, s.Fit([][]float64{{1, 5}, {3, 5}}))
	out, err := s.Transform([][]float64{{1, 5}, {3, 5}, {2, 7}})
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 0}, out[0])
	assert.Equal(t, []float64{1, 0}, out[1])
	assert.Equal(t, []float64{0, 2}, out[2])
	assert.False(t, math.IsNaN(out[2][1]))

	_, err = s.Transform([][]float64{{1}})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
